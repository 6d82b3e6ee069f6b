package coordinator

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/protocol"
	"github.com/dreamware/fedround/internal/registry"
)

// roundResult is what one round of collection produced.
type roundResult struct {
	sampled []registry.ClientRecord
	// updates holds the successful updates in sample order.
	updates  []*protocol.ClientUpdate
	failed   int
	timedOut int
	duration time.Duration
}

func (r *roundResult) meanLoss() float64 {
	if len(r.updates) == 0 {
		return 0
	}
	sum := 0.0
	for _, u := range r.updates {
		sum += u.LocalLoss
	}
	return sum / float64(len(r.updates))
}

// collection is the bookkeeping of a round in progress.
type collection struct {
	round    int
	attempt  int
	updates  map[string]*protocol.ClientUpdate
	failed   int
	timedOut int
}

// runRound samples the clients of round, dispatches them to idle workers and
// collects their outcomes until every client is settled or the round times
// out.
func (c *Coordinator) runRound(ctx context.Context, round int) (*roundResult, error) {
	c.phase.Store(PhaseCollecting)
	start := c.clock.Now()
	sampled := c.registry.Sample(c.server.NumClientsPerIteration, c.server.Sampling, c.sampleSrc)
	pending := make([]string, len(sampled))
	for i, rec := range sampled {
		pending[i] = rec.ID
	}
	attempt := c.table.StartRound(round)
	seed := c.rng.Uint64()
	batchSize := c.batchSize(len(sampled))

	c.mu.RLock()
	snapshot := c.global.Params.Clone()
	c.mu.RUnlock()

	col := &collection{round: round, attempt: attempt, updates: make(map[string]*protocol.ClientUpdate, len(sampled))}
	timer := c.clock.Timer(c.server.RoundTimeout)
	defer timer.Stop()
	ticker := c.clock.Ticker(c.healthInterval)
	defer ticker.Stop()

	c.logger.Debug("round started",
		zap.Int("round", round),
		zap.Int("sampled", len(sampled)),
		zap.Int("batchSize", batchSize))

collect:
	for {
		var err error
		pending, err = c.dispatch(ctx, round, pending, batchSize, snapshot, seed)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 && c.table.InFlight() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		case <-c.pumpDone:
			return nil, c.pumpErr
		case in := <-c.inbox:
			c.collect(col, in)
		case <-ticker.C:
			c.revokeUnavailable(col)
		case <-timer.C:
			c.expire(col, pending)
			break collect
		}
	}

	res := &roundResult{
		sampled:  sampled,
		failed:   col.failed,
		timedOut: col.timedOut,
		duration: c.clock.Since(start),
	}
	for _, rec := range sampled {
		if u, ok := col.updates[rec.ID]; ok {
			res.updates = append(res.updates, u)
		}
	}
	clientOutcomeCounter.WithLabelValues("success").Add(float64(len(res.updates)))
	clientOutcomeCounter.WithLabelValues("failed").Add(float64(res.failed))
	clientOutcomeCounter.WithLabelValues("timeout").Add(float64(res.timedOut))
	roundDuration.Observe(res.duration.Seconds())
	return res, nil
}

// batchSize is clients_in_parallel, or an even split of k over the workers
// when that is unset.
func (c *Coordinator) batchSize(k int) int {
	if c.client.ClientsInParallel > 0 {
		return c.client.ClientsInParallel
	}
	n := c.pool.Size()
	size := (k + n - 1) / n
	if size < 1 {
		size = 1
	}
	return size
}

// dispatch hands batches of pending clients to idle, available workers in
// round-robin order and returns the clients still pending. Clients still
// training in a batch of an earlier attempt stay pending until that batch is
// settled.
func (c *Coordinator) dispatch(ctx context.Context, round int, pending []string, size int,
	snapshot model.Params, seed uint64,
) ([]string, error) {
	workers := c.pool.Workers()
	for i := 0; i < len(workers) && len(pending) > 0; i++ {
		idx := (c.cursor + i) % len(workers)
		w := workers[idx]
		if c.table.Busy(w) || !c.pool.Available(w) {
			continue
		}
		batch, rest := c.table.Free(pending, size)
		if len(batch) == 0 {
			break
		}
		n := len(batch)
		a, err := c.table.Assign(w, batch, c.clock.Now())
		if err != nil {
			return nil, err
		}
		payload, err := protocol.EncodeAssign(&protocol.Assign{
			Round:     round,
			Batch:     a.Batch,
			ClientIDs: a.ClientIDs,
			Snapshot:  snapshot,
			Config:    c.client,
			Seed:      seed,
		})
		if err != nil {
			return nil, err
		}
		if err := c.fabric.Send(ctx, w, payload); err != nil {
			return nil, errors.Annotatef(err, "dispatch batch %d of round %d", a.Batch, round)
		}
		c.logger.Debug("batch dispatched",
			zap.Int("round", round),
			zap.Int("batch", a.Batch),
			zap.Int("worker", int(w)),
			zap.Int("clients", n))
		pending = rest
		c.cursor = idx + 1
	}
	return pending, nil
}

// collect settles the clients of one report. Reports of earlier attempts
// and reports for batches the table does not hold are discarded.
func (c *Coordinator) collect(col *collection, in inbound) {
	rep := in.report
	a, ok := c.table.Complete(in.from, rep.Round, rep.Batch)
	if !ok || a.Attempt != col.attempt {
		staleReportCounter.Inc()
		c.logger.Debug("discarding stale report",
			zap.Int("from", int(in.from)),
			zap.Int("round", rep.Round),
			zap.Int("batch", rep.Batch),
			zap.Int("currentRound", col.round))
		return
	}

	expected := make(map[string]bool, len(a.ClientIDs))
	for _, id := range a.ClientIDs {
		expected[id] = true
	}
	for _, o := range rep.Outcomes {
		if !expected[o.ClientID] {
			c.logger.Warn("report names a client outside its batch",
				zap.Int("from", int(in.from)), zap.String("client", o.ClientID))
			continue
		}
		delete(expected, o.ClientID)
		if o.Failed() {
			col.failed++
			c.logger.Warn("client failed",
				zap.Int("round", col.round),
				zap.Int("worker", int(in.from)),
				zap.String("client", o.ClientID),
				zap.String("error", o.Error))
			continue
		}
		if err := c.checkUpdate(o); err != nil {
			col.failed++
			c.logger.Warn("rejecting client update",
				zap.Int("round", col.round),
				zap.String("client", o.ClientID),
				zap.Error(err))
			continue
		}
		col.updates[o.ClientID] = o.Update
	}
	// clients the worker did not mention count as failed
	col.failed += len(expected)
}

func (c *Coordinator) checkUpdate(o protocol.Outcome) error {
	u := o.Update
	if u.ClientID != o.ClientID {
		return errors.Errorf("update of %s filed under %s", u.ClientID, o.ClientID)
	}
	c.mu.RLock()
	err := c.global.Params.CheckShape(u.Delta)
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if !u.Delta.IsFinite() {
		return errors.New("non-finite delta")
	}
	return nil
}

// revokeUnavailable drops the batches held by workers that became
// unavailable; their clients of this round fail.
func (c *Coordinator) revokeUnavailable(col *collection) {
	for _, a := range c.table.All() {
		if c.pool.Available(a.Worker) {
			continue
		}
		c.table.Revoke(a.Worker)
		if a.Attempt != col.attempt {
			continue
		}
		col.failed += len(a.ClientIDs)
		c.logger.Warn("worker unavailable, dropping its batch",
			zap.Int("round", col.round),
			zap.Int("worker", int(a.Worker)),
			zap.Int("clients", len(a.ClientIDs)))
	}
}

// expire ends collection on timeout. Undispatched clients and the clients of
// unreported batches are excluded; the workers stay busy until they report.
func (c *Coordinator) expire(col *collection, pending []string) {
	late := len(pending)
	for _, a := range c.table.All() {
		if a.Attempt == col.attempt {
			late += len(a.ClientIDs)
		}
	}
	col.timedOut += late
	c.logger.Warn("round timed out",
		zap.Int("round", col.round),
		zap.Duration("timeout", c.server.RoundTimeout),
		zap.Int("clients", late))
}
