package coordinator

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/dreamware/fedround/internal/cluster"
	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/protocol"
)

// releaseTimeout bounds the Terminate broadcast of Release.
const releaseTimeout = 10 * time.Second

// Availability reports whether a worker rank may receive assignments.
type Availability interface {
	IsAvailable(rank cluster.Rank) bool
}

// AvailabilityFunc adapts a function to Availability.
type AvailabilityFunc func(rank cluster.Rank) bool

// IsAvailable calls f.
func (f AvailabilityFunc) IsAvailable(rank cluster.Rank) bool { return f(rank) }

// WorkerPool is the set of worker ranks a coordinator drives. It is
// acquired before the coordinator builds any state and released on every
// exit path; Release is what tells the workers to stop.
type WorkerPool struct {
	fabric   cluster.Fabric
	avail    Availability
	workers  []cluster.Rank
	released atomic.Bool
}

// AcquireWorkerPool takes every worker rank of fabric. avail may be nil, in
// which case every worker is always available. The fabric must belong to
// the coordinator rank and have at least one worker.
func AcquireWorkerPool(fabric cluster.Fabric, avail Availability) (*WorkerPool, error) {
	if cluster.RoleOf(fabric.Rank()) != cluster.RoleCoordinator {
		return nil, ferrors.ErrCoordinatorSetup.GenWithStackByArgs("worker pool acquired on a worker rank")
	}
	if fabric.Size() < 2 {
		return nil, ferrors.ErrNoWorkers.GenWithStackByArgs()
	}
	workers := make([]cluster.Rank, 0, fabric.Size()-1)
	for r := 1; r < fabric.Size(); r++ {
		workers = append(workers, cluster.Rank(r))
	}
	return &WorkerPool{fabric: fabric, avail: avail, workers: workers}, nil
}

// Workers returns the worker ranks in rank order.
func (p *WorkerPool) Workers() []cluster.Rank {
	return append([]cluster.Rank(nil), p.workers...)
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return len(p.workers) }

// Available reports whether rank may receive assignments.
func (p *WorkerPool) Available(rank cluster.Rank) bool {
	return p.avail == nil || p.avail.IsAvailable(rank)
}

// Released reports whether Release has been called.
func (p *WorkerPool) Released() bool { return p.released.Load() }

// Release broadcasts Terminate to every worker. With abort set the workers
// cancel in-flight training. Only the first call broadcasts; the broadcast
// still runs when ctx is already done.
func (p *WorkerPool) Release(ctx context.Context, abort bool, reason string) error {
	if !p.released.CompareAndSwap(false, true) {
		return nil
	}
	payload, err := protocol.EncodeTerminate(protocol.Terminate{Abort: abort, Reason: reason})
	if err != nil {
		return errors.Trace(err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	err = p.fabric.Broadcast(ctx, payload, cluster.CoordinatorRank)
	log.Info("worker pool released",
		zap.Int("workers", len(p.workers)),
		zap.Bool("abort", abort),
		zap.String("reason", reason),
		zap.Error(err))
	return err
}
