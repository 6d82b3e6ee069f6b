// Package coordinator implements rank 0 of a federated run: it owns the
// global model, drives the rounds, persists checkpoints and terminates the
// workers when the run ends or fails.
//
// # Overview
//
// Each round the coordinator samples clients from the registry, hands them
// to idle workers in batches, collects the per-client outcomes, aggregates
// the successful updates into one optimizer step and, at the configured
// frequencies, validates the model and writes checkpoints. Rounds are
// strictly sequential; the coordinator blocks while it collects.
//
// # Architecture
//
//	┌──────────────────────────────────────────┐
//	│               COORDINATOR                │
//	├──────────────────────────────────────────┤
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   WorkerPool                       │  │
//	│  │   - worker ranks of the fabric     │  │
//	│  │   - Release broadcasts Terminate   │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   AssignmentTable                  │  │
//	│  │   - client → worker                │  │
//	│  │   - worker → batch                 │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   HealthMonitor                    │  │
//	│  │   - periodic /health checks        │  │
//	│  │   - unhealthy ranks get no work    │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	│  ┌────────────────────────────────────┐  │
//	│  │   Round loop                       │  │
//	│  │   - sample, dispatch, collect      │  │
//	│  │   - aggregate, step, checkpoint    │  │
//	│  └────────────────────────────────────┘  │
//	│                                          │
//	└──────────────────────────────────────────┘
//
// # Round Lifecycle
//
//  1. Sample num_clients_per_iteration clients (-1 means all of them).
//  2. Dispatch batches of at most clients_in_parallel clients to idle,
//     available workers; a worker that reports gets the next batch.
//  3. Collect until every client is settled or round_timeout elapses.
//     Reports of an earlier attempt are discarded.
//  4. Without any update, apply empty_round_policy (skip, retry or abort).
//  5. Aggregate, apply the pseudo-gradient -delta as one SGD step, advance
//     the learning-rate schedule.
//  6. Validate every val_freq rounds and keep the best snapshot.
//  7. Write the recovery checkpoint every rec_freq rounds.
//
// The run stops at max_iteration, on Converge or when its context is
// cancelled. It then validates once more, optionally falls back to the best
// model and writes a final recovery checkpoint.
//
// # Failure Handling
//
// New acquires the WorkerPool before building any state. A setup failure,
// such as a missing pretrained model, releases the pool with an abort so
// every worker exits, and returns ErrCoordinatorSetup. Run releases the pool
// on every exit path as well.
//
// Client failures arrive as failed outcomes and only exclude that client
// from the round. Workers that stop answering health checks lose their batch.
//
// # HTTP Routes
//
// RegisterRoutes serves, next to the fabric:
//   - GET  /health            liveness
//   - GET  /status            Status as JSON
//   - GET  /metrics           prometheus metrics
//   - POST /control/converge  stop after the current round
//
// # Usage Example
//
//	c, err := coordinator.New(ctx, fabric, coordinator.Options{
//	    Server:   cfg.Server,
//	    Client:   cfg.Client,
//	    DP:       cfg.DP,
//	    Model:    cfg.Model,
//	    Registry: reg,
//	    Task:     model.NewLinearTask(cfg.Model),
//	    Data:     loader,
//	    Store:    store,
//	})
//	if err != nil {
//	    return err
//	}
//	final, err := c.Run(ctx)
package coordinator
