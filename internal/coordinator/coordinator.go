package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"github.com/dreamware/fedround/internal/aggregator"
	"github.com/dreamware/fedround/internal/cluster"
	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/logutil"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/partition"
	"github.com/dreamware/fedround/internal/protocol"
	"github.com/dreamware/fedround/internal/registry"
	"github.com/dreamware/fedround/internal/storage"
)

// defaultHealthInterval is how often in-flight batches are checked against
// worker availability when Options.HealthInterval is zero.
const defaultHealthInterval = time.Second

// Run phases reported by Status.
const (
	PhaseSetup      = "setup"
	PhaseCollecting = "collecting"
	PhaseValidating = "validating"
	PhaseFinishing  = "finishing"
	PhaseDone       = "done"
)

// Options are the inputs of a coordinator.
type Options struct {
	Server config.ServerConfig
	Client config.ClientConfig
	// DP enables differential privacy when not nil.
	DP    *config.DPConfig
	Model config.ModelConfig

	// Registry lists the clients. When it is nil New reads it from the
	// manifest at ManifestPath.
	Registry     *registry.Registry
	ManifestPath string
	Task         model.Task
	// Validation is the held-out set. When it is empty it is read from
	// Server.Data.Val, or else built from the union of every registered
	// client's data when Data is set; otherwise validation is disabled.
	Validation model.Dataset
	// Test is evaluated once on the final model. When it is empty it is read
	// from Server.Data.Test.
	Test model.Dataset
	Data partition.Loader
	// Store holds the checkpoints. Nil means a FileStore in ModelDir, or an
	// in-memory store when ModelDir is empty.
	Store    storage.Store
	ModelDir string
	// Clock drives round timeouts and checkpoint timestamps. Nil means the
	// wall clock.
	Clock clock.Clock
	// Availability excludes unhealthy workers from dispatch. Nil means every
	// worker is available.
	Availability Availability
	// HealthInterval is how often in-flight batches are checked against
	// Availability.
	HealthInterval time.Duration
	// RunID identifies the run; empty means a fresh uuid, or the id stored
	// in the recovery checkpoint when resuming.
	RunID string
	// Properties are logged once at the start of the run.
	Properties map[string]any
}

// inbound is a report together with the rank that sent it.
type inbound struct {
	from   cluster.Rank
	report *protocol.Report
}

// Coordinator owns the global model and drives the rounds of a run.
type Coordinator struct {
	server     config.ServerConfig
	client     config.ClientConfig
	criterion  string
	registry   *registry.Registry
	task       model.Task
	validation model.Dataset
	test       model.Dataset

	fabric      cluster.Fabric
	pool        *WorkerPool
	table       *AssignmentTable
	aggregator  *aggregator.Aggregator
	optimizer   *model.SGD
	schedule    *model.StepLR
	checkpoints *storage.Checkpoints
	clock       clock.Clock
	sampleSrc   rand.Source
	rng         *rand.Rand
	runID       string
	logger      *zap.Logger

	healthInterval time.Duration
	cursor         int
	lastValidated  int

	mu          sync.RWMutex
	global      model.GlobalModel
	state       model.RoundState
	testMetrics model.Metrics

	phase    atomic.String
	converge atomic.Bool

	inbox    chan inbound
	pumpDone chan struct{}
	pumpErr  error
}

// New acquires the worker pool and builds the coordinator's state: the
// client registry, the checkpoint store, the initial or pretrained model,
// the optimizer, the schedule, the held-out sets and, with Server.Resume,
// the recovery checkpoint. Finally the run is
// announced to every worker.
//
// Any failure releases the pool with an abort, so no worker outlives a
// coordinator that could not start, and is returned as ErrCoordinatorSetup.
func New(ctx context.Context, fabric cluster.Fabric, opts Options) (c *Coordinator, err error) {
	pool, err := AcquireWorkerPool(fabric, opts.Availability)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if !ferrors.ErrCoordinatorSetup.Equal(err) {
			err = ferrors.ErrCoordinatorSetup.GenWithStackByArgs(err.Error())
		}
		if rerr := pool.Release(ctx, true, err.Error()); rerr != nil {
			logutil.ForRank(int(fabric.Rank()), cluster.RoleCoordinator.String()).
				Warn("terminating workers after setup failure", zap.Error(rerr))
		}
	}()

	if opts.Registry == nil && opts.ManifestPath != "" {
		if opts.Registry, err = loadRegistry(opts.ManifestPath); err != nil {
			return nil, err
		}
	}
	if opts.Registry == nil || opts.Registry.NumClients() == 0 {
		return nil, ferrors.ErrCoordinatorSetup.GenWithStackByArgs("empty client registry")
	}
	if opts.Task == nil {
		return nil, ferrors.ErrCoordinatorSetup.GenWithStackByArgs("no task")
	}
	if opts.Store == nil && opts.ModelDir != "" {
		if opts.Store, err = storage.NewFileStore(opts.ModelDir); err != nil {
			return nil, err
		}
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}

	schedule, err := model.NewStepLR(opts.Server)
	if err != nil {
		return nil, err
	}
	c = &Coordinator{
		server:         opts.Server,
		client:         opts.Client,
		criterion:      opts.Server.BestModelCriterion,
		registry:       opts.Registry,
		task:           opts.Task,
		validation:     opts.Validation,
		test:           opts.Test,
		fabric:         fabric,
		pool:           pool,
		table:          NewAssignmentTable(),
		aggregator:     aggregator.New(aggregator.StrategyFor(opts.Server), opts.DP, rand.NewSource(opts.Server.Seed+1)),
		optimizer:      model.NewSGD(opts.Server.Optimizer),
		schedule:       schedule,
		checkpoints:    storage.NewCheckpoints(opts.Store),
		clock:          opts.Clock,
		runID:          opts.RunID,
		logger:         logutil.ForRank(int(fabric.Rank()), cluster.RoleCoordinator.String()),
		healthInterval: opts.HealthInterval,
		inbox:          make(chan inbound),
		pumpDone:       make(chan struct{}),
	}
	c.phase.Store(PhaseSetup)

	if err := c.initModel(opts.Model); err != nil {
		return nil, err
	}
	if c.runID == "" {
		c.runID = uuid.NewString()
	}
	c.logger = c.logger.With(zap.String("runID", c.runID))
	c.sampleSrc = rand.NewSource(opts.Server.Seed + uint64(c.state.Iteration))
	c.rng = rand.New(rand.NewSource(opts.Server.Seed ^ 0x9e3779b97f4a7c15 + uint64(c.state.Iteration)))

	if c.validation.Len() == 0 && opts.Server.Data.Val != "" {
		if c.validation, err = partition.LoadDataset(ctx, opts.Server.Data.Val); err != nil {
			return nil, errors.Annotate(err, "load validation set")
		}
	}
	if c.test.Len() == 0 && opts.Server.Data.Test != "" {
		if c.test, err = partition.LoadDataset(ctx, opts.Server.Data.Test); err != nil {
			return nil, errors.Annotate(err, "load test set")
		}
	}
	if c.validation.Len() == 0 && opts.Data != nil {
		c.logger.Info("no validation set, validating on the training clients")
		c.validation, err = loadValidation(ctx, opts.Data, opts.Registry)
		if err != nil {
			return nil, err
		}
	}
	if c.validation.Len() == 0 {
		c.logger.Warn("no validation data, validation and best-model tracking are disabled")
	}

	hello, err := protocol.EncodeHello(protocol.Hello{RunID: c.runID, NumClients: opts.Registry.NumClients()})
	if err != nil {
		return nil, err
	}
	if err := fabric.Broadcast(ctx, hello, cluster.CoordinatorRank); err != nil {
		return nil, errors.Annotate(err, "announce run")
	}

	c.logger.Info("coordinator ready",
		zap.Int("clients", opts.Registry.NumClients()),
		zap.Int("workers", pool.Size()),
		zap.Int("iteration", c.state.Iteration),
		zap.Stringer("aggregation", c.aggregator.Strategy()),
		zap.Bool("dp", opts.DP != nil),
		zap.Int("validationExamples", c.validation.Len()),
		zap.Int("testExamples", c.test.Len()),
		zap.Any("properties", opts.Properties))
	return c, nil
}

// initModel builds the initial parameters, then applies the pretrained file
// and the recovery checkpoint when configured.
func (c *Coordinator) initModel(cfg config.ModelConfig) error {
	params := c.task.Init(cfg.InitSeed)
	if cfg.PretrainedPath != "" {
		pretrained, err := model.ReadParamsFile(cfg.PretrainedPath)
		if err != nil {
			return errors.Annotate(err, "load pretrained model")
		}
		if err := params.CheckShape(pretrained); err != nil {
			return errors.Annotate(err, "pretrained model")
		}
		params = pretrained
		c.logger.Info("pretrained model loaded", zap.String("path", cfg.PretrainedPath))
	}
	c.global = model.GlobalModel{Params: params}
	if !c.server.Resume {
		return nil
	}

	ckpt, err := c.checkpoints.Load(storage.RecoveryKey)
	if ferrors.ErrCheckpointNotFound.Equal(err) {
		c.logger.Info("no recovery checkpoint, starting from scratch")
		return nil
	}
	if err != nil {
		return err
	}
	if err := params.CheckShape(ckpt.Params); err != nil {
		return errors.Annotate(err, "recovery checkpoint")
	}
	c.global = model.GlobalModel{Params: ckpt.Params, Iteration: ckpt.Iteration}
	if ckpt.Optimizer != nil {
		c.optimizer.Restore(*ckpt.Optimizer)
	}
	if ckpt.Round != nil {
		c.state = ckpt.Round.Clone()
	}
	c.state.Iteration = ckpt.Iteration
	c.schedule.Restore(c.state.SchedulePosition, c.state.SampledClients)
	c.lastValidated = ckpt.Iteration
	if c.runID == "" {
		c.runID = ckpt.RunID
	}
	c.logger.Info("resumed from recovery checkpoint",
		zap.Int("iteration", ckpt.Iteration),
		zap.Time("createdAt", ckpt.CreatedAt))
	return nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	records, err := registry.Load(path)
	if err != nil {
		return nil, err
	}
	return registry.New(records)
}

// loadValidation concatenates the data of every registered client.
func loadValidation(ctx context.Context, loader partition.Loader, reg *registry.Registry) (model.Dataset, error) {
	var out model.Dataset
	for _, rec := range reg.Clients() {
		data, err := loader.Load(ctx, rec.ID)
		if err != nil {
			return model.Dataset{}, errors.Annotatef(err, "load validation data of client %s", rec.ID)
		}
		out.X = append(out.X, data.X...)
		out.Y = append(out.Y, data.Y...)
	}
	return out, nil
}

// RunID returns the id of the run.
func (c *Coordinator) RunID() string { return c.runID }

// Converge asks the run to stop after the current round.
func (c *Coordinator) Converge() {
	if c.converge.CompareAndSwap(false, true) {
		c.logger.Info("convergence requested")
	}
}

// Model returns a copy of the global model.
func (c *Coordinator) Model() model.GlobalModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return model.GlobalModel{Params: c.global.Params.Clone(), Iteration: c.global.Iteration}
}

// State returns a copy of the round state.
func (c *Coordinator) State() model.RoundState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// WorkerStatus describes one worker rank in Status.
type WorkerStatus struct {
	Rank      cluster.Rank `json:"rank"`
	Available bool         `json:"available"`
	Busy      bool         `json:"busy"`
	Round     int          `json:"round,omitempty"`
	Clients   int          `json:"clients,omitempty"`
}

// Status is a point-in-time summary of the run.
type Status struct {
	RunID        string           `json:"run_id"`
	Phase        string           `json:"phase"`
	Iteration    int              `json:"iteration"`
	MaxIteration int              `json:"max_iteration"`
	LearningRate float64          `json:"learning_rate"`
	Converging   bool             `json:"converging"`
	State        model.RoundState `json:"state"`
	TestMetrics  model.Metrics    `json:"test_metrics,omitempty"`
	Workers      []WorkerStatus   `json:"workers"`
}

// Status returns a summary of the run.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	st := Status{
		RunID:        c.runID,
		Phase:        c.phase.Load(),
		Iteration:    c.global.Iteration,
		MaxIteration: c.server.MaxIteration,
		LearningRate: c.schedule.LR(),
		Converging:   c.converge.Load(),
		State:        c.state.Clone(),
		TestMetrics:  c.testMetrics,
	}
	c.mu.RUnlock()
	for _, w := range c.pool.Workers() {
		ws := WorkerStatus{Rank: w, Available: c.pool.Available(w)}
		if a := c.table.Get(w); a != nil {
			ws.Busy = true
			ws.Round = a.Round
			ws.Clients = len(a.ClientIDs)
		}
		st.Workers = append(st.Workers, ws)
	}
	return st
}

// Run executes rounds until max_iteration, Converge or the cancellation of
// ctx, then validates, applies the best-model fallback, writes the final
// recovery checkpoint and terminates the workers. It returns the final
// model. Workers are terminated on every path; with an abort when Run fails
// or is cancelled.
func (c *Coordinator) Run(ctx context.Context) (_ *model.GlobalModel, err error) {
	defer func() {
		reason := "run finished"
		if err != nil {
			reason = err.Error()
		}
		abort := err != nil || ctx.Err() != nil
		if rerr := c.pool.Release(ctx, abort, reason); rerr != nil {
			c.logger.Warn("terminating workers failed", zap.Error(rerr))
		}
		c.phase.Store(PhaseDone)
	}()

	pumpCtx, stopPump := context.WithCancel(ctx)
	go c.pump(pumpCtx)
	defer func() {
		stopPump()
		<-c.pumpDone
	}()

	if err := c.loop(ctx); err != nil {
		c.logger.Error("run failed", zap.Int("iteration", c.state.Iteration), zap.Error(err))
		return nil, err
	}
	if err := c.finish(); err != nil {
		return nil, err
	}
	final := c.Model()
	c.logger.Info("run completed", zap.Int("iteration", final.Iteration))
	return &final, nil
}

// Abort terminates the workers without running any round. It is meant for
// callers that fail between New and Run; after Run it does nothing.
func (c *Coordinator) Abort(ctx context.Context, reason string) error {
	c.phase.Store(PhaseDone)
	return c.pool.Release(ctx, true, reason)
}

// pump forwards reports from the fabric to the round loop until ctx is done
// or the fabric fails.
func (c *Coordinator) pump(ctx context.Context) {
	defer close(c.pumpDone)
	for {
		env, err := c.fabric.Recv(ctx, cluster.AnyRank)
		if err != nil {
			c.pumpErr = errors.Trace(err)
			return
		}
		msg, err := protocol.Decode(env.Payload)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.Int("from", int(env.From)), zap.Error(err))
			continue
		}
		if msg.Kind != protocol.KindReport {
			c.logger.Warn("unexpected message", zap.Int("from", int(env.From)), zap.Stringer("kind", msg.Kind))
			continue
		}
		select {
		case c.inbox <- inbound{from: env.From, report: msg.Report}:
		case <-ctx.Done():
			c.pumpErr = errors.Trace(ctx.Err())
			return
		}
	}
}

// loop runs rounds until a stop condition holds.
func (c *Coordinator) loop(ctx context.Context) error {
	retries := 0
	for c.state.Iteration < c.server.MaxIteration {
		if c.converge.Load() {
			c.logger.Info("stopping on convergence signal", zap.Int("iteration", c.state.Iteration))
			return nil
		}
		if ctx.Err() != nil {
			c.logger.Info("stopping on cancellation", zap.Int("iteration", c.state.Iteration))
			return nil
		}

		round := c.state.Iteration + 1
		res, err := c.runRound(ctx, round)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("round abandoned on cancellation", zap.Int("round", round))
				return nil
			}
			return err
		}

		if len(res.updates) == 0 {
			roundCounter.WithLabelValues("empty").Inc()
			switch c.server.EmptyRoundPolicy {
			case config.EmptyRoundAbort:
				return ferrors.ErrAggregation.GenWithStackByArgs(fmt.Sprintf("round %d produced no client update", round))
			case config.EmptyRoundRetry:
				if retries < c.server.MaxRoundRetries {
					retries++
					c.logger.Warn("round produced no update, retrying",
						zap.Int("round", round), zap.Int("retry", retries))
					continue
				}
			}
			if err := c.skip(round, res); err != nil {
				return err
			}
		} else {
			roundCounter.WithLabelValues("aggregated").Inc()
			if err := c.apply(round, res); err != nil {
				return err
			}
		}
		retries = 0
		c.afterRound()
	}
	return nil
}

// skip counts round without changing the model. Too many consecutive empty
// rounds fail the run.
func (c *Coordinator) skip(round int, res *roundResult) error {
	c.mu.Lock()
	c.state.EmptyRounds++
	empty := c.state.EmptyRounds
	c.advance(len(res.sampled))
	c.mu.Unlock()

	c.logger.Warn("round skipped without update",
		zap.Int("round", round),
		zap.Int("consecutiveEmpty", empty),
		zap.Int("failed", res.failed),
		zap.Int("timedOut", res.timedOut))
	if empty > c.server.MaxFailedRounds {
		return ferrors.ErrAggregation.GenWithStackByArgs(
			fmt.Sprintf("%d consecutive rounds without any client update", empty))
	}
	return nil
}

// apply aggregates the round's updates and takes one optimizer step on the
// pseudo-gradient -delta.
func (c *Coordinator) apply(round int, res *roundResult) error {
	weighted := make([]aggregator.Weighted, len(res.updates))
	for i, u := range res.updates {
		weight := u.SampleCount
		if rec, ok := c.registry.Get(u.ClientID); ok {
			weight = rec.SampleCount
		}
		weighted[i] = aggregator.Weighted{Update: u.Delta, Weight: float64(weight)}
	}
	agg, err := c.aggregator.Aggregate(weighted)
	if err != nil {
		return err
	}
	grad := agg.Delta
	grad.Scale(-1)

	c.mu.Lock()
	defer c.mu.Unlock()
	lr := c.schedule.LR()
	if err := c.optimizer.Step(c.global.Params, grad, lr); err != nil {
		return err
	}
	if !c.global.Params.IsFinite() {
		return ferrors.ErrAggregation.GenWithStackByArgs(fmt.Sprintf("global model diverged in round %d", round))
	}
	c.state.EmptyRounds = 0
	c.advance(len(res.sampled))

	c.logger.Info("round aggregated",
		zap.Int("round", round),
		zap.Int("iteration", c.global.Iteration),
		zap.Int("sampled", len(res.sampled)),
		zap.Int("updates", len(res.updates)),
		zap.Int("failed", res.failed),
		zap.Int("timedOut", res.timedOut),
		zap.Int("clipped", agg.Clipped),
		zap.Float64("noiseStd", agg.NoiseStd),
		zap.Float64("lr", lr),
		zap.Float64("localLoss", res.meanLoss()),
		zap.Duration("duration", res.duration))
	return nil
}

// advance moves the iteration and the schedule past one round. c.mu must be
// held.
func (c *Coordinator) advance(sampled int) {
	c.global.Iteration++
	c.state.Iteration = c.global.Iteration
	c.schedule.Advance(sampled, c.registry.NumClients())
	c.state.SchedulePosition = c.schedule.Position()
	c.state.SampledClients = c.schedule.Sampled()
	iterationGauge.Set(float64(c.global.Iteration))
	learningRateGauge.Set(c.schedule.LR())
}

// afterRound validates and checkpoints at their configured frequencies.
func (c *Coordinator) afterRound() {
	it := c.state.Iteration
	if it%c.server.ValFreq == 0 {
		c.validate()
	}
	if it%c.server.RecFreq == 0 {
		if err := c.saveRecovery(); err != nil {
			c.logger.Warn("recovery checkpoint failed", zap.Int("iteration", it), zap.Error(err))
		}
	}
}

// validate evaluates the global model and tracks the best snapshot.
func (c *Coordinator) validate() {
	if c.validation.Len() == 0 {
		return
	}
	c.phase.Store(PhaseValidating)
	c.mu.RLock()
	params := c.global.Params.Clone()
	it := c.global.Iteration
	c.mu.RUnlock()

	metrics, err := c.task.Validate(params, c.validation)
	if err != nil {
		c.logger.Warn("validation failed", zap.Int("iteration", it), zap.Error(err))
		return
	}
	for name, v := range metrics {
		validationGauge.WithLabelValues(name).Set(v)
	}
	c.lastValidated = it

	c.mu.Lock()
	c.state.LastMetrics = metrics
	value, ok := metrics[c.criterion]
	improved := ok && (!c.state.HasBest || model.Improves(c.criterion, value, c.state.BestMetric))
	if improved {
		c.state.BestMetric = value
		c.state.HasBest = true
		c.state.BestSnapshot = params
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("validation lacks the best-model criterion",
			zap.String("criterion", c.criterion), zap.Any("metrics", metrics))
		return
	}
	c.logger.Info("validated",
		zap.Int("iteration", it),
		zap.Any("metrics", metrics),
		zap.Bool("best", improved))
	if improved {
		if err := c.checkpoints.SaveBest(c.runID, it, params, c.clock.Now()); err != nil {
			c.logger.Warn("best checkpoint failed", zap.Int("iteration", it), zap.Error(err))
		}
	}
}

// TestMetrics returns the evaluation of the final model on the test set, or
// nil before the run finished or without a test set.
func (c *Coordinator) TestMetrics() model.Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.testMetrics
}

// evaluateTest scores the final model on the test set. A failure is logged
// and leaves TestMetrics empty.
func (c *Coordinator) evaluateTest() {
	if c.test.Len() == 0 {
		return
	}
	c.mu.RLock()
	params := c.global.Params.Clone()
	it := c.global.Iteration
	c.mu.RUnlock()

	metrics, err := c.task.Validate(params, c.test)
	if err != nil {
		c.logger.Warn("test evaluation failed", zap.Int("iteration", it), zap.Error(err))
		return
	}
	for name, v := range metrics {
		testGauge.WithLabelValues(name).Set(v)
	}
	c.mu.Lock()
	c.testMetrics = metrics
	c.mu.Unlock()
	c.logger.Info("tested", zap.Int("iteration", it), zap.Int("examples", c.test.Len()), zap.Any("metrics", metrics))
}

// finish runs the final validation, applies the best-model fallback,
// evaluates the test set and writes the terminal recovery checkpoint, whose
// failure fails the run.
func (c *Coordinator) finish() error {
	c.phase.Store(PhaseFinishing)
	if c.lastValidated != c.state.Iteration {
		c.validate()
	}

	c.mu.Lock()
	if c.server.FallBackToBestModel && c.state.HasBest {
		last, ok := c.state.LastMetrics[c.criterion]
		if ok && model.Improves(c.criterion, c.state.BestMetric, last) {
			c.global.Params = c.state.BestSnapshot.Clone()
			c.logger.Info("falling back to best model",
				zap.Float64("best", c.state.BestMetric),
				zap.Float64("last", last))
		}
	}
	c.mu.Unlock()

	c.evaluateTest()
	return c.saveRecovery()
}

func (c *Coordinator) saveRecovery() error {
	c.mu.RLock()
	params := c.global.Params.Clone()
	state := c.state.Clone()
	opt := c.optimizer.State()
	c.mu.RUnlock()
	return c.checkpoints.SaveRecovery(c.runID, params, opt, state, c.clock.Now())
}
