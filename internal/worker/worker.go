// Package worker implements the worker side of a federated run: it receives
// batches of clients from the coordinator, trains each one locally from the
// snapshot it was sent, and reports per-client outcomes.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/fedround/internal/cluster"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/partition"
	"github.com/dreamware/fedround/internal/protocol"
)

// State is the lifecycle state of a worker.
type State int32

// Worker states. Shutdown is terminal and reachable from every state.
const (
	StateIdle State = iota
	StateTraining
	StateReporting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateReporting:
		return "reporting"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// assignmentQueueSize bounds the assignments buffered while a batch trains.
// The coordinator keeps at most one assignment in flight per worker.
const assignmentQueueSize = 16

// terminatedReportTimeout bounds a report sent after a graceful Terminate.
// The coordinator may already be gone by then.
const terminatedReportTimeout = 2 * time.Second

// Status is a point-in-time summary of a worker.
type Status struct {
	Rank       int    `json:"rank"`
	State      string `json:"state"`
	RunID      string `json:"run_id,omitempty"`
	NumClients int    `json:"num_clients"`
	Batches    uint64 `json:"batches"`
	Trained    uint64 `json:"trained"`
	Failed     uint64 `json:"failed"`
}

// Worker trains the clients the coordinator assigns to it.
type Worker struct {
	fabric  cluster.Fabric
	loader  partition.Loader
	trainer model.Trainer
	logger  *zap.Logger

	state      atomic.Int32
	terminated atomic.Bool
	numClients atomic.Int64
	runID      atomic.String
	batches    atomic.Uint64
	trained    atomic.Uint64
	failed     atomic.Uint64
}

// New returns a worker on fabric. The fabric's rank must be a worker rank.
func New(fabric cluster.Fabric, loader partition.Loader, trainer model.Trainer) (*Worker, error) {
	role := cluster.RoleOf(fabric.Rank())
	if role != cluster.RoleWorker {
		return nil, ferrors.ErrProtocol.GenWithStackByArgs(
			fmt.Sprintf("rank %d has role %s, not worker", fabric.Rank(), role))
	}
	return &Worker{
		fabric:  fabric,
		loader:  loader,
		trainer: trainer,
		logger:  log.L().With(zap.Int("rank", int(fabric.Rank())), zap.Stringer("role", role)),
	}, nil
}

// State returns the current state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// NumClients returns the registry size announced by the coordinator, or 0
// before the announcement.
func (w *Worker) NumClients() int {
	return int(w.numClients.Load())
}

// Status returns a summary of the worker.
func (w *Worker) Status() Status {
	return Status{
		Rank:       int(w.fabric.Rank()),
		State:      w.State().String(),
		RunID:      w.runID.Load(),
		NumClients: w.NumClients(),
		Batches:    w.batches.Load(),
		Trained:    w.trained.Load(),
		Failed:     w.failed.Load(),
	}
}

// Run serves assignments until the coordinator sends Terminate, ctx is done
// or the fabric fails. A graceful Terminate returns nil once the batches
// already received are trained; their reports are best-effort and a report
// the coordinator no longer accepts is dropped. An abort returns nil right
// away without reporting.
func (w *Worker) Run(ctx context.Context) error {
	defer w.setState(StateShutdown)
	w.setState(StateIdle)

	trainCtx, abort := context.WithCancel(ctx)
	defer abort()

	assignments := make(chan *protocol.Assign, assignmentQueueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(assignments)
		return w.receive(gctx, assignments, abort)
	})
	g.Go(func() error {
		for a := range assignments {
			if err := w.handle(trainCtx, a); err != nil {
				return err
			}
		}
		return nil
	})
	err := g.Wait()
	w.logger.Info("worker stopped",
		zap.Uint64("batches", w.batches.Load()),
		zap.Uint64("trained", w.trained.Load()),
		zap.Uint64("failed", w.failed.Load()),
		zap.Error(err))
	return err
}

// receive reads protocol messages from the coordinator until Terminate.
func (w *Worker) receive(ctx context.Context, assignments chan<- *protocol.Assign, abort context.CancelFunc) error {
	for {
		env, err := w.fabric.Recv(ctx, cluster.CoordinatorRank)
		if err != nil {
			abort()
			return errors.Trace(err)
		}
		msg, err := protocol.Decode(env.Payload)
		if err != nil {
			w.logger.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		switch msg.Kind {
		case protocol.KindHello:
			w.numClients.Store(int64(msg.Hello.NumClients))
			w.runID.Store(msg.Hello.RunID)
			w.logger.Info("joined run",
				zap.String("runID", msg.Hello.RunID),
				zap.Int("numClients", msg.Hello.NumClients))
		case protocol.KindAssign:
			select {
			case assignments <- msg.Assign:
			case <-ctx.Done():
				abort()
				return errors.Trace(ctx.Err())
			}
		case protocol.KindTerminate:
			w.terminated.Store(true)
			w.logger.Info("terminate received",
				zap.Bool("abort", msg.Terminate.Abort),
				zap.String("reason", msg.Terminate.Reason))
			if msg.Terminate.Abort {
				abort()
			}
			return nil
		default:
			w.logger.Warn("unexpected message", zap.Stringer("kind", msg.Kind))
		}
	}
}

// handle trains one assignment and reports it unless training was aborted.
func (w *Worker) handle(ctx context.Context, a *protocol.Assign) error {
	if ctx.Err() != nil {
		return nil
	}
	w.setState(StateTraining)
	start := time.Now()
	outcomes := w.trainBatch(ctx, a)
	if ctx.Err() != nil {
		w.logger.Info("batch aborted", zap.Int("round", a.Round), zap.Int("batch", a.Batch))
		return nil
	}
	batchDuration.Observe(time.Since(start).Seconds())
	w.batches.Inc()

	w.setState(StateReporting)
	payload, err := protocol.EncodeReport(&protocol.Report{
		Round:    a.Round,
		Batch:    a.Batch,
		Outcomes: outcomes,
	})
	if err != nil {
		return err
	}
	if err := w.sendReport(ctx, payload); err != nil {
		if !w.terminated.Load() {
			return errors.Trace(err)
		}
		w.logger.Warn("dropping report after terminate",
			zap.Int("round", a.Round), zap.Int("batch", a.Batch), zap.Error(err))
	}
	w.setState(StateIdle)
	return nil
}

func (w *Worker) sendReport(ctx context.Context, payload []byte) error {
	if w.terminated.Load() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, terminatedReportTimeout)
		defer cancel()
	}
	return w.fabric.Send(ctx, cluster.CoordinatorRank, payload)
}

// trainBatch trains every client of a, at most ClientsInParallel at a time.
// One outcome is produced per client, in assignment order.
func (w *Worker) trainBatch(ctx context.Context, a *protocol.Assign) []protocol.Outcome {
	outcomes := make([]protocol.Outcome, len(a.ClientIDs))
	var g errgroup.Group
	if limit := a.Config.ClientsInParallel; limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range a.ClientIDs {
		g.Go(func() error {
			outcomes[i] = w.trainClient(ctx, a, id)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// trainClient trains a single client. Every error or panic is turned into a
// failed outcome for this client only.
func (w *Worker) trainClient(ctx context.Context, a *protocol.Assign, id string) (out protocol.Outcome) {
	out.ClientID = id
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("client training panicked",
				zap.String("client", id),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out.Update = nil
			out.Error = ferrors.ErrTrainingFailure.GenWithStackByArgs(id, fmt.Sprintf("panic: %v", r)).Error()
		}
		if out.Failed() {
			w.failed.Inc()
			clientCounter.WithLabelValues("failed").Inc()
		} else {
			w.trained.Inc()
			clientCounter.WithLabelValues("trained").Inc()
		}
	}()

	data, err := w.loader.Load(ctx, id)
	if err != nil {
		return w.failure(a, id, err)
	}
	src := rand.NewSource(partition.ClientSeed(a.Seed, id))
	delta, loss, err := w.trainer.Train(ctx, a.Snapshot.Clone(), data, a.Config, src)
	if err != nil {
		return w.failure(a, id, err)
	}
	out.Update = &protocol.ClientUpdate{
		ClientID:    id,
		SampleCount: data.Len(),
		Delta:       delta,
		LocalLoss:   loss,
	}
	return out
}

func (w *Worker) failure(a *protocol.Assign, id string, cause error) protocol.Outcome {
	err := ferrors.ErrTrainingFailure.GenWithStackByArgs(id, cause.Error())
	w.logger.Warn("client training failed",
		zap.Int("round", a.Round),
		zap.String("client", id),
		zap.Error(cause))
	return protocol.Outcome{ClientID: id, Error: err.Error()}
}
