package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fedround/internal/cluster"
	"github.com/dreamware/fedround/internal/config"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/partition"
	"github.com/dreamware/fedround/internal/registry"
	"github.com/dreamware/fedround/internal/storage"
	"github.com/dreamware/fedround/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// mapLoader serves client data from memory.
type mapLoader map[string]model.Dataset

func (l mapLoader) Load(ctx context.Context, id string) (model.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return model.Dataset{}, err
	}
	d, ok := l[id]
	if !ok {
		return model.Dataset{}, ferrors.ErrClientNotFound.GenWithStackByArgs(id)
	}
	return d, nil
}

type trainFunc func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error)

func (f trainFunc) Train(ctx context.Context, params model.Params, data model.Dataset, _ config.ClientConfig, _ rand.Source) (model.Params, float64, error) {
	return f(ctx, params, data)
}

// shiftBias moves the bias by a fixed amount in every client update.
func shiftBias(by float64) trainFunc {
	return func(_ context.Context, params model.Params, _ model.Dataset) (model.Params, float64, error) {
		d := model.ZerosLike(params)
		d[model.ParamBias].Data[0] = by
		return d, 0, nil
	}
}

func testData(t *testing.T, clients int) (*registry.Registry, mapLoader) {
	t.Helper()
	m := partition.Synthesize(partition.SyntheticSpec{
		Clients:    clients,
		Features:   1,
		MinSamples: 8,
		MaxSamples: 24,
		Weights:    []float64{2},
		Bias:       1,
		Seed:       7,
	})
	records, err := registry.Records("synthetic", m)
	require.NoError(t, err)
	reg, err := registry.New(records)
	require.NoError(t, err)
	loader := make(mapLoader, len(m.Users))
	for id, d := range m.UserData {
		loader[id] = model.Dataset{X: d.X, Y: d.Y}
	}
	return reg, loader
}

func testConfig() *config.RunConfig {
	cfg := config.Default()
	cfg.Server.MaxIteration = 3
	cfg.Server.RoundTimeout = time.Minute
	cfg.Client.LocalSteps = 5
	return cfg
}

func testOptions(cfg *config.RunConfig, reg *registry.Registry, loader partition.Loader) Options {
	return Options{
		Server:   cfg.Server,
		Client:   cfg.Client,
		DP:       cfg.DP,
		Model:    cfg.Model,
		Registry: reg,
		Task:     model.NewLinearTask(cfg.Model),
		Data:     loader,
		Store:    storage.NewMemoryStore(),
	}
}

// simulation runs real workers on ranks 1..size-1 of a memory hub.
type simulation struct {
	t       *testing.T
	hub     *cluster.MemoryHub
	workers []*worker.Worker
	group   errgroup.Group
}

func startSimulation(t *testing.T, size int, loader partition.Loader, trainer model.Trainer) *simulation {
	t.Helper()
	s := &simulation{t: t, hub: cluster.NewMemoryHub(size)}
	for r := 1; r < size; r++ {
		w, err := worker.New(s.hub.Fabric(cluster.Rank(r)), loader, trainer)
		require.NoError(t, err)
		s.workers = append(s.workers, w)
		s.group.Go(func() error { return w.Run(context.Background()) })
	}
	t.Cleanup(s.hub.Close)
	return s
}

func (s *simulation) fabric() cluster.Fabric { return s.hub.Fabric(cluster.CoordinatorRank) }

// wait returns the combined error of the workers once all have stopped.
func (s *simulation) wait() error {
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		s.t.Fatal("workers did not stop")
		return nil
	}
}

func TestNewValidatesInputs(t *testing.T) {
	reg, loader := testData(t, 4)
	cfg := testConfig()

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "no registry", mutate: func(o *Options) { o.Registry = nil }},
		{name: "no task", mutate: func(o *Options) { o.Task = nil }},
		{name: "missing pretrained model", mutate: func(o *Options) {
			o.Model.PretrainedPath = filepath.Join(t.TempDir(), "missing.bin")
		}},
		{name: "unreadable manifest", mutate: func(o *Options) {
			o.Registry = nil
			o.ManifestPath = filepath.Join(t.TempDir(), "missing.json")
		}},
		{name: "unusable model dir", mutate: func(o *Options) {
			file := filepath.Join(t.TempDir(), "file")
			require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
			o.Store = nil
			o.ModelDir = filepath.Join(file, "models")
		}},
		{name: "missing validation set", mutate: func(o *Options) {
			o.Server.Data.Val = filepath.Join(t.TempDir(), "val.json")
		}},
		{name: "missing test set", mutate: func(o *Options) {
			o.Server.Data.Test = filepath.Join(t.TempDir(), "test.json")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := startSimulation(t, 3, loader, shiftBias(1))
			opts := testOptions(cfg, reg, loader)
			tt.mutate(&opts)

			c, err := New(context.Background(), sim.fabric(), opts)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, ferrors.ErrCoordinatorSetup.Equal(err), "got %v", err)
			// every worker was told to stop
			require.NoError(t, sim.wait())
			for _, w := range sim.workers {
				assert.Equal(t, worker.StateShutdown, w.State())
				assert.Zero(t, w.Status().Batches)
			}
		})
	}
}

func TestNewRequiresWorkers(t *testing.T) {
	reg, loader := testData(t, 4)
	hub := cluster.NewMemoryHub(1)
	defer hub.Close()

	_, err := New(context.Background(), hub.Fabric(0), testOptions(testConfig(), reg, loader))
	assert.True(t, ferrors.ErrNoWorkers.Equal(err))
}

func TestNewLoadsPretrainedModel(t *testing.T) {
	reg, loader := testData(t, 4)
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "pretrained.bin")
	pretrained := model.Params{
		model.ParamWeight: {Shape: []int{1}, Data: []float64{3}},
		model.ParamBias:   {Shape: []int{1}, Data: []float64{-2}},
	}
	require.NoError(t, model.WriteParamsFile(path, pretrained))
	cfg.Model.PretrainedPath = path

	sim := startSimulation(t, 2, loader, shiftBias(0))
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	assert.Equal(t, pretrained, c.Model().Params)
	assert.Zero(t, c.Model().Iteration)

	c.Converge()
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
}

func TestNewRejectsMismatchedPretrainedModel(t *testing.T) {
	reg, loader := testData(t, 4)
	cfg := testConfig()
	path := filepath.Join(t.TempDir(), "pretrained.bin")
	require.NoError(t, model.WriteParamsFile(path, model.Params{
		model.ParamWeight: {Shape: []int{3}, Data: []float64{1, 2, 3}},
		model.ParamBias:   {Shape: []int{1}, Data: []float64{0}},
	}))
	cfg.Model.PretrainedPath = path

	sim := startSimulation(t, 2, loader, shiftBias(0))
	_, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	assert.True(t, ferrors.ErrCoordinatorSetup.Equal(err))
	require.NoError(t, sim.wait())
}

func TestNewReadsInputsFromDisk(t *testing.T) {
	reg, loader := testData(t, 4)
	dir := t.TempDir()
	manifest := &registry.Manifest{UserData: make(map[string]registry.UserData)}
	for _, rec := range reg.Clients() {
		d := loader[rec.ID]
		manifest.Users = append(manifest.Users, rec.ID)
		manifest.NumSamples = append(manifest.NumSamples, rec.SampleCount)
		manifest.UserData[rec.ID] = registry.UserData{X: d.X, Y: d.Y}
	}
	path := filepath.Join(dir, "clients.json")
	require.NoError(t, registry.WriteManifest(path, manifest))

	opts := testOptions(testConfig(), nil, loader)
	opts.ManifestPath = path
	opts.Store = nil
	opts.ModelDir = filepath.Join(dir, "models")

	sim := startSimulation(t, 2, loader, shiftBias(1))
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)
	assert.Equal(t, reg.NumClients(), c.registry.NumClients())

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	store, err := storage.NewFileStore(opts.ModelDir)
	require.NoError(t, err)
	ckpt, err := storage.NewCheckpoints(store).Load(storage.RecoveryKey)
	require.NoError(t, err)
	assert.Equal(t, final.Iteration, ckpt.Iteration)
}

// TestHeldOutSets validates on the val manifest and scores the final model
// on the test manifest.
func TestHeldOutSets(t *testing.T) {
	reg, loader := testData(t, 4)
	dir := t.TempDir()
	heldOut := func(name string, y ...float64) (string, model.Dataset) {
		d := model.Dataset{}
		for i, v := range y {
			d.X = append(d.X, []float64{float64(i)})
			d.Y = append(d.Y, v)
		}
		path := filepath.Join(dir, name)
		require.NoError(t, registry.WriteManifest(path, &registry.Manifest{
			Users:    []string{"holdout"},
			UserData: map[string]registry.UserData{"holdout": {X: d.X, Y: d.Y}},
		}))
		return path, d
	}
	valPath, val := heldOut("val.json", 1, 3, 5)
	testPath, test := heldOut("test.json", 2, 4)

	cfg := testConfig()
	cfg.Server.ValFreq = 1
	cfg.Server.FallBackToBestModel = false
	cfg.Server.Data = config.DataConfig{Val: valPath, Test: testPath}
	sim := startSimulation(t, 3, loader, shiftBias(1))
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	assert.Equal(t, val, c.validation)
	assert.Equal(t, test, c.test)
	assert.Nil(t, c.TestMetrics())

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	task := model.NewLinearTask(cfg.Model)
	wantVal, err := task.Validate(final.Params, val)
	require.NoError(t, err)
	assert.Equal(t, wantVal, c.State().LastMetrics)
	wantTest, err := task.Validate(final.Params, test)
	require.NoError(t, err)
	assert.Equal(t, wantTest, c.TestMetrics())
	assert.Equal(t, wantTest, c.Status().TestMetrics)
}

func TestNoTestSetLeavesTestMetricsEmpty(t *testing.T) {
	reg, loader := testData(t, 4)
	sim := startSimulation(t, 2, loader, shiftBias(1))
	c, err := New(context.Background(), sim.fabric(), testOptions(testConfig(), reg, loader))
	require.NoError(t, err)
	_, err = c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
	assert.Nil(t, c.TestMetrics())
	assert.NotEmpty(t, c.State().LastMetrics, "validation falls back to the training clients")
}

// TestRunTrainsSampledClients runs 5 rounds of 10 clients out of 100.
func TestRunTrainsSampledClients(t *testing.T) {
	reg, loader := testData(t, 100)
	cfg := testConfig()
	cfg.Server.NumClientsPerIteration = 10
	cfg.Server.MaxIteration = 5
	cfg.Client.ClientsInParallel = 4

	task := model.NewLinearTask(cfg.Model)
	var mu sync.Mutex
	trained := make(map[string]int)
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		delta, loss, err := task.Train(ctx, params, data, cfg.Client, rand.NewSource(1))
		mu.Lock()
		trained[fmt.Sprint(params)]++
		mu.Unlock()
		return delta, loss, err
	})

	sim := startSimulation(t, 4, loader, trainer)
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	initial := c.Model()

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	assert.Equal(t, 5, final.Iteration)
	assert.Equal(t, 5, c.State().Iteration)
	assert.Equal(t, PhaseDone, c.Status().Phase)

	// one snapshot per round, each trained by exactly the sampled clients
	require.Len(t, trained, 5)
	for snapshot, n := range trained {
		assert.Equal(t, 10, n, snapshot)
	}

	validation := model.Dataset{}
	for _, rec := range reg.Clients() {
		validation.X = append(validation.X, loader[rec.ID].X...)
		validation.Y = append(validation.Y, loader[rec.ID].Y...)
	}
	before, err := task.Validate(initial.Params, validation)
	require.NoError(t, err)
	after, err := task.Validate(final.Params, validation)
	require.NoError(t, err)
	assert.Less(t, after["loss"], before["loss"])
	assert.Equal(t, after["loss"], c.State().LastMetrics["loss"])

	total := 0
	for _, w := range sim.workers {
		total += int(w.Status().Trained)
	}
	assert.Equal(t, 50, total)
}

// TestRoundsDoNotOverlap verifies that no client of a round starts training
// while a client of the previous round is still running.
func TestRoundsDoNotOverlap(t *testing.T) {
	reg, loader := testData(t, 6)
	cfg := testConfig()
	cfg.Server.MaxIteration = 4
	cfg.Client.ClientsInParallel = 1

	task := model.NewLinearTask(cfg.Model)
	var mu sync.Mutex
	active := make(map[string]int)
	overlaps := 0
	slow := &loader[reg.Clients()[0].ID].Y[0]
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		key := fmt.Sprint(params)
		mu.Lock()
		for other, n := range active {
			if other != key && n > 0 {
				overlaps++
			}
		}
		active[key]++
		mu.Unlock()
		defer func() {
			mu.Lock()
			active[key]--
			mu.Unlock()
		}()
		if &data.Y[0] == slow {
			time.Sleep(30 * time.Millisecond)
		}
		return task.Train(ctx, params, data, cfg.Client, rand.NewSource(2))
	})

	sim := startSimulation(t, 3, loader, trainer)
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	assert.Equal(t, 4, final.Iteration)
	assert.Zero(t, overlaps)
}

// TestRoundTimeoutExcludesLateClients verifies that a client still training
// at the round deadline is left out of the aggregate and that its late
// report does not disturb the run.
func TestRoundTimeoutExcludesLateClients(t *testing.T) {
	reg, loader := testData(t, 4)
	cfg := testConfig()
	cfg.Server.MaxIteration = 1
	cfg.Client.ClientsInParallel = 1

	stuck := &loader[reg.Clients()[0].ID].Y[0]
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	var fast atomic.Int32
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		if &data.Y[0] == stuck {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
			return shiftBias(100)(ctx, params, data)
		}
		defer fast.Inc()
		return shiftBias(1)(ctx, params, data)
	})

	sim := startSimulation(t, 3, loader, trainer)
	t.Cleanup(unblock)
	mock := clock.NewMock()
	opts := testOptions(cfg, reg, loader)
	opts.Clock = mock
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)
	initial := c.Model()

	type result struct {
		final *model.GlobalModel
		err   error
	}
	done := make(chan result, 1)
	go func() {
		final, err := c.Run(context.Background())
		done <- result{final, err}
	}()

	// wait until only the stuck client is outstanding
	require.Eventually(t, func() bool {
		if fast.Load() != 3 {
			return false
		}
		busy := 0
		for _, ws := range c.Status().Workers {
			if ws.Busy {
				busy++
			}
		}
		return busy == 1
	}, 5*time.Second, 5*time.Millisecond)

	var res result
	require.Eventually(t, func() bool {
		mock.Add(cfg.Server.RoundTimeout)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, res.err)
	assert.Equal(t, 1, res.final.Iteration)
	assert.InDelta(t, initial.Params[model.ParamBias].Data[0]+1, res.final.Params[model.ParamBias].Data[0], 1e-9)

	unblock()
	require.NoError(t, sim.wait())
}

// TestTimedOutClientIsNotReassigned keeps a client training through two
// timed-out rounds while a second worker sits idle.
func TestTimedOutClientIsNotReassigned(t *testing.T) {
	reg, loader := testData(t, 2)
	cfg := testConfig()
	cfg.Server.MaxIteration = 2
	cfg.Server.NumClientsPerIteration = -1
	cfg.Client.ClientsInParallel = 1

	stuck := &loader[reg.Clients()[0].ID].Y[0]
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	var (
		fast, stuckCalls atomic.Int32
		active, peak     atomic.Int32
	)
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		if &data.Y[0] != stuck {
			defer fast.Inc()
			return shiftBias(1)(ctx, params, data)
		}
		stuckCalls.Inc()
		n := active.Inc()
		defer active.Dec()
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
		return shiftBias(100)(ctx, params, data)
	})

	sim := startSimulation(t, 3, loader, trainer)
	t.Cleanup(unblock)
	mock := clock.NewMock()
	opts := testOptions(cfg, reg, loader)
	opts.Clock = mock
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)
	initial := c.Model()

	type result struct {
		final *model.GlobalModel
		err   error
	}
	done := make(chan result, 1)
	go func() {
		final, err := c.Run(context.Background())
		done <- result{final, err}
	}()

	onlyStuckBusy := func(want int32) func() bool {
		return func() bool {
			if fast.Load() != want {
				return false
			}
			busy := 0
			for _, ws := range c.Status().Workers {
				if ws.Busy {
					busy++
				}
			}
			return busy == 1
		}
	}
	require.Eventually(t, onlyStuckBusy(1), 5*time.Second, 5*time.Millisecond)
	mock.Add(cfg.Server.RoundTimeout)

	// round 2 trains the other client on the idle worker and leaves the
	// stuck one pending
	require.Eventually(t, onlyStuckBusy(2), 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), stuckCalls.Load())

	var res result
	require.Eventually(t, func() bool {
		mock.Add(cfg.Server.RoundTimeout)
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, res.err)
	assert.Equal(t, 2, res.final.Iteration)
	assert.InDelta(t, initial.Params[model.ParamBias].Data[0]+2, res.final.Params[model.ParamBias].Data[0], 1e-9)
	assert.Equal(t, int32(1), stuckCalls.Load())
	assert.LessOrEqual(t, peak.Load(), int32(1))

	unblock()
	require.NoError(t, sim.wait())
}

func TestEmptyRoundPolicies(t *testing.T) {
	tests := []struct {
		name         string
		policy       config.EmptyRoundPolicy
		maxIteration int
		maxRetries   int
		maxFailed    int
		wantErr      bool
		wantCalls    int
	}{
		{name: "abort", policy: config.EmptyRoundAbort, maxIteration: 3, maxFailed: 10, wantErr: true, wantCalls: 2},
		{name: "skip", policy: config.EmptyRoundSkip, maxIteration: 3, maxFailed: 10, wantCalls: 6},
		{name: "skip past the limit", policy: config.EmptyRoundSkip, maxIteration: 10, maxFailed: 2, wantErr: true, wantCalls: 6},
		{name: "retry then skip", policy: config.EmptyRoundRetry, maxIteration: 1, maxRetries: 1, maxFailed: 10, wantCalls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, loader := testData(t, 2)
			cfg := testConfig()
			cfg.Server.EmptyRoundPolicy = tt.policy
			cfg.Server.MaxIteration = tt.maxIteration
			cfg.Server.MaxRoundRetries = tt.maxRetries
			cfg.Server.MaxFailedRounds = tt.maxFailed
			cfg.Client.ClientsInParallel = 1

			var calls atomic.Int32
			trainer := trainFunc(func(context.Context, model.Params, model.Dataset) (model.Params, float64, error) {
				calls.Inc()
				return nil, 0, fmt.Errorf("out of memory")
			})
			sim := startSimulation(t, 3, loader, trainer)
			c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
			require.NoError(t, err)
			initial := c.Model()

			final, err := c.Run(context.Background())
			require.NoError(t, sim.wait())
			assert.Equal(t, int32(tt.wantCalls), calls.Load())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, ferrors.ErrAggregation.Equal(err), "got %v", err)
				assert.Nil(t, final)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.maxIteration, final.Iteration)
			assert.Equal(t, initial.Params, final.Params)
			assert.Equal(t, tt.maxIteration, c.State().EmptyRounds)
		})
	}
}

func TestRetriedRoundAggregates(t *testing.T) {
	reg, loader := testData(t, 2)
	cfg := testConfig()
	cfg.Server.EmptyRoundPolicy = config.EmptyRoundRetry
	cfg.Server.MaxRoundRetries = 2
	cfg.Server.MaxIteration = 1
	cfg.Client.ClientsInParallel = 1

	var calls atomic.Int32
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		if calls.Inc() <= 4 {
			return nil, 0, fmt.Errorf("flaky")
		}
		return shiftBias(0.5)(ctx, params, data)
	})
	sim := startSimulation(t, 3, loader, trainer)
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	initial := c.Model()

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	assert.Equal(t, int32(6), calls.Load())
	assert.Equal(t, 1, final.Iteration)
	assert.Zero(t, c.State().EmptyRounds)
	assert.InDelta(t, initial.Params[model.ParamBias].Data[0]+0.5, final.Params[model.ParamBias].Data[0], 1e-9)
}

func TestDispatchSkipsUnavailableWorkers(t *testing.T) {
	reg, loader := testData(t, 8)
	cfg := testConfig()
	cfg.Server.MaxIteration = 2
	cfg.Client.ClientsInParallel = 2

	sim := startSimulation(t, 4, loader, shiftBias(1))
	opts := testOptions(cfg, reg, loader)
	opts.Availability = AvailabilityFunc(func(r cluster.Rank) bool { return r != 2 })
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())

	assert.Equal(t, 2, final.Iteration)
	assert.Zero(t, sim.workers[1].Status().Batches)
	assert.Equal(t, uint64(16), sim.workers[0].Status().Trained+sim.workers[2].Status().Trained)
}

// TestBestModelFallback validates against a target the first round hits
// exactly; later rounds overshoot it.
func TestBestModelFallback(t *testing.T) {
	for _, fallBack := range []bool{true, false} {
		t.Run(fmt.Sprintf("fall_back=%v", fallBack), func(t *testing.T) {
			reg, loader := testData(t, 3)
			cfg := testConfig()
			cfg.Server.MaxIteration = 3
			cfg.Server.FallBackToBestModel = fallBack

			sim := startSimulation(t, 2, loader, shiftBias(1))
			store := storage.NewMemoryStore()
			opts := testOptions(cfg, reg, loader)
			opts.Store = store
			opts.Validation = model.Dataset{X: [][]float64{{0}}, Y: []float64{1}}
			c, err := New(context.Background(), sim.fabric(), opts)
			require.NoError(t, err)

			final, err := c.Run(context.Background())
			require.NoError(t, err)
			require.NoError(t, sim.wait())

			assert.Equal(t, 3, final.Iteration)
			st := c.State()
			assert.True(t, st.HasBest)
			assert.InDelta(t, 0, st.BestMetric, 1e-9)
			want := 3.0
			if fallBack {
				want = 1
			}
			assert.InDelta(t, want, final.Params[model.ParamBias].Data[0], 1e-9)

			checkpoints := storage.NewCheckpoints(store)
			best, err := checkpoints.Load(storage.BestKey)
			require.NoError(t, err)
			assert.Equal(t, 1, best.Iteration)
			assert.InDelta(t, 1, best.Params[model.ParamBias].Data[0], 1e-9)
			assert.Equal(t, c.RunID(), best.RunID)
		})
	}
}

// TestResumeFromRecoveryCheckpoint runs 4 rounds into a file store and
// resumes the same run for 2 more.
func TestResumeFromRecoveryCheckpoint(t *testing.T) {
	reg, loader := testData(t, 4)
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Server.MaxIteration = 4
	cfg.Server.RecFreq = 3
	cfg.Server.Optimizer.Momentum = 0.5

	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)
	sim := startSimulation(t, 3, loader, shiftBias(1))
	opts := testOptions(cfg, reg, loader)
	opts.Store = store
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)
	first, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
	runID := c.RunID()

	_, err = os.Stat(filepath.Join(dir, storage.RecoveryKey))
	require.NoError(t, err)
	ckpt, err := storage.NewCheckpoints(store).Load(storage.RecoveryKey)
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.Iteration, "the final checkpoint is written regardless of rec_freq")
	assert.Equal(t, runID, ckpt.RunID)
	require.NotNil(t, ckpt.Optimizer)
	assert.Equal(t, 4, ckpt.Optimizer.Steps)

	cfg.Server.MaxIteration = 6
	cfg.Server.Resume = true
	sim = startSimulation(t, 3, loader, shiftBias(1))
	opts = testOptions(cfg, reg, loader)
	opts.Store = store
	c, err = New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)
	assert.Equal(t, runID, c.RunID())
	assert.Equal(t, 4, c.Model().Iteration)
	assert.Equal(t, first.Params, c.Model().Params)

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
	assert.Equal(t, 6, final.Iteration)
	// the restored velocity keeps the steps growing past round 4
	assert.Greater(t, final.Params[model.ParamBias].Data[0]-first.Params[model.ParamBias].Data[0], 3.5)
}

func TestResumeWithoutCheckpointStartsFresh(t *testing.T) {
	reg, loader := testData(t, 2)
	cfg := testConfig()
	cfg.Server.Resume = true
	cfg.Server.MaxIteration = 1

	sim := startSimulation(t, 2, loader, shiftBias(1))
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	assert.Zero(t, c.Model().Iteration)
	assert.NotEmpty(t, c.RunID())

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
	assert.Equal(t, 1, final.Iteration)
}

func TestConvergeStopsAfterCurrentRound(t *testing.T) {
	reg, loader := testData(t, 2)
	cfg := testConfig()
	cfg.Server.MaxIteration = 100

	started := make(chan struct{}, 2)
	gate := make(chan struct{})
	trainer := trainFunc(func(ctx context.Context, params model.Params, data model.Dataset) (model.Params, float64, error) {
		started <- struct{}{}
		<-gate
		return shiftBias(1)(ctx, params, data)
	})
	sim := startSimulation(t, 2, loader, trainer)
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)

	done := make(chan *model.GlobalModel, 1)
	go func() {
		final, err := c.Run(context.Background())
		assert.NoError(t, err)
		done <- final
	}()
	<-started
	c.Converge()
	assert.True(t, c.Status().Converging)
	close(gate)

	select {
	case final := <-done:
		require.NotNil(t, final)
		assert.Equal(t, 1, final.Iteration)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	require.NoError(t, sim.wait())
}

// TestCancelAbortsWorkers verifies that cancelling Run stops it gracefully
// and aborts in-flight training.
func TestCancelAbortsWorkers(t *testing.T) {
	reg, loader := testData(t, 2)
	cfg := testConfig()
	cfg.Server.MaxIteration = 100

	started := make(chan struct{}, 2)
	trainer := trainFunc(func(ctx context.Context, _ model.Params, _ model.Dataset) (model.Params, float64, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})
	sim := startSimulation(t, 2, loader, trainer)
	store := storage.NewMemoryStore()
	opts := testOptions(cfg, reg, loader)
	opts.Store = store
	c, err := New(context.Background(), sim.fabric(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()
	<-started
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	require.NoError(t, sim.wait())
	assert.Zero(t, sim.workers[0].Status().Batches, "aborted batches are not reported")

	ckpt, err := storage.NewCheckpoints(store).Load(storage.RecoveryKey)
	require.NoError(t, err)
	assert.Zero(t, ckpt.Iteration)
}

func TestRunWithDifferentialPrivacy(t *testing.T) {
	reg, loader := testData(t, 10)
	cfg := testConfig()
	cfg.Server.MaxIteration = 2
	cfg.DP = &config.DPConfig{Eps: 100, MaxWeight: 50, MinWeight: 1}

	sim := startSimulation(t, 3, loader, model.NewLinearTask(cfg.Model))
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)
	final, err := c.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, sim.wait())
	assert.Equal(t, 2, final.Iteration)
	assert.True(t, final.Params.IsFinite())
}

func TestRoutes(t *testing.T) {
	reg, loader := testData(t, 3)
	cfg := testConfig()

	sim := startSimulation(t, 3, loader, shiftBias(1))
	c, err := New(context.Background(), sim.fabric(), testOptions(cfg, reg, loader))
	require.NoError(t, err)

	router := mux.NewRouter()
	c.RegisterRoutes(router, prometheus.NewRegistry())
	srv := httptest.NewServer(router)
	defer srv.Close()
	ctx := context.Background()

	var health map[string]any
	require.NoError(t, cluster.GetJSON(ctx, srv.URL+cluster.HealthPath, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, PhaseSetup, health["phase"])

	var st Status
	require.NoError(t, cluster.GetJSON(ctx, srv.URL+StatusPath, &st))
	assert.Equal(t, c.RunID(), st.RunID)
	assert.Equal(t, cfg.Server.MaxIteration, st.MaxIteration)
	require.Len(t, st.Workers, 2)
	assert.True(t, st.Workers[0].Available)

	var converging map[string]bool
	require.NoError(t, cluster.PostJSON(ctx, srv.URL+ConvergePath, struct{}{}, &converging))
	assert.True(t, converging["converging"])
	assert.True(t, c.Status().Converging)

	resp, err := http.Get(srv.URL + MetricsPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// converged before the first round: the run ends at iteration 0
	final, err := c.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, final.Iteration)
	require.NoError(t, sim.wait())

	require.NoError(t, cluster.GetJSON(ctx, srv.URL+StatusPath, &st))
	assert.Equal(t, PhaseDone, st.Phase)
}
