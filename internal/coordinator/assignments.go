package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/fedround/internal/cluster"
	ferrors "github.com/dreamware/fedround/internal/errors"
)

// Assignment is a batch of one round's clients handed to a single worker.
//
// Assignments are immutable once created. The table hands out copies.
type Assignment struct {
	// Round is the round the batch belongs to.
	Round int
	// Attempt counts StartRound calls; a retried round keeps its Round but
	// gets a new Attempt.
	Attempt int
	// Batch numbers the batches of the table, unique across rounds.
	Batch int
	// Worker is the rank training the batch.
	Worker cluster.Rank
	// ClientIDs are the clients of the batch, in dispatch order.
	ClientIDs []string
	// Sent is when the batch was dispatched.
	Sent time.Time
}

func (a *Assignment) clone() *Assignment {
	out := *a
	out.ClientIDs = append([]string(nil), a.ClientIDs...)
	return &out
}

// AssignmentTable is the coordinator's authoritative record of in-flight
// work. It enforces the two rules of dispatch:
//   - a client is held by at most one worker at a time
//   - a worker holds at most one batch at a time
//
// Layout:
//
//	┌──────────────────────────────────────┐
//	│          AssignmentTable             │
//	├──────────────────────────────────────┤
//	│  byWorker: rank → batch              │
//	│  byClient: client id → rank          │
//	│  round:    current round             │
//	├──────────────────────────────────────┤
//	│  "client-0042" → rank 3 → batch 7    │
//	└──────────────────────────────────────┘
//
// A batch left over from an earlier attempt keeps its worker busy and its
// clients held until the worker reports it or the batch is revoked. Its
// outcomes no longer count: the attempt that sampled them is over.
//
// All methods are safe for concurrent use.
type AssignmentTable struct {
	mu        sync.RWMutex
	round     int
	attempt   int
	nextBatch int
	byWorker  map[cluster.Rank]*Assignment
	byClient  map[string]cluster.Rank
}

// NewAssignmentTable returns an empty table positioned before round 1.
func NewAssignmentTable() *AssignmentTable {
	return &AssignmentTable{
		byWorker: make(map[cluster.Rank]*Assignment),
		byClient: make(map[string]cluster.Rank),
	}
}

// StartRound starts a new attempt at round and returns the attempt number.
// Batches of earlier attempts stay in the table until they are reported or
// revoked.
func (t *AssignmentTable) StartRound(round int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.round = round
	t.attempt++
	return t.attempt
}

// Round returns the current round.
func (t *AssignmentTable) Round() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.round
}

// Assign records a new batch of the current attempt for worker. It fails with
// ErrProtocol when the worker is busy, the batch is empty or a client is
// already held by another batch.
func (t *AssignmentTable) Assign(worker cluster.Rank, clientIDs []string, now time.Time) (*Assignment, error) {
	if len(clientIDs) == 0 {
		return nil, ferrors.ErrProtocol.GenWithStackByArgs("empty batch")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.byWorker[worker]; ok {
		return nil, ferrors.ErrProtocol.GenWithStackByArgs(
			fmt.Sprintf("worker %d still holds batch %d of round %d", worker, held.Batch, held.Round))
	}
	seen := make(map[string]bool, len(clientIDs))
	for _, id := range clientIDs {
		if owner, ok := t.byClient[id]; ok || seen[id] {
			if !ok {
				owner = worker
			}
			return nil, ferrors.ErrProtocol.GenWithStackByArgs(
				fmt.Sprintf("client %s is already assigned to worker %d", id, owner))
		}
		seen[id] = true
	}

	a := &Assignment{
		Round:     t.round,
		Attempt:   t.attempt,
		Batch:     t.nextBatch,
		Worker:    worker,
		ClientIDs: append([]string(nil), clientIDs...),
		Sent:      now,
	}
	t.nextBatch++
	t.byWorker[worker] = a
	for _, id := range clientIDs {
		t.byClient[id] = worker
	}
	return a.clone(), nil
}

// Complete removes the batch worker reported on. It returns the batch and
// whether it matched the one the worker holds; a mismatch leaves the table
// unchanged. A matched batch of an earlier attempt is returned too, the
// caller decides to discard it by comparing attempts.
func (t *AssignmentTable) Complete(worker cluster.Rank, round, batch int) (*Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byWorker[worker]
	if !ok || a.Round != round || a.Batch != batch {
		return nil, false
	}
	t.remove(a)
	return a, true
}

// Revoke drops whatever worker holds, typically because it became
// unavailable. It returns the dropped batch or nil.
func (t *AssignmentTable) Revoke(worker cluster.Rank) *Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.byWorker[worker]
	if !ok {
		return nil
	}
	t.remove(a)
	return a
}

func (t *AssignmentTable) remove(a *Assignment) {
	delete(t.byWorker, a.Worker)
	for _, id := range a.ClientIDs {
		if t.byClient[id] == a.Worker {
			delete(t.byClient, id)
		}
	}
}

// Get returns a copy of the batch held by worker, or nil.
func (t *AssignmentTable) Get(worker cluster.Rank) *Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byWorker[worker]
	if !ok {
		return nil
	}
	return a.clone()
}

// Busy reports whether worker holds a batch of any round.
func (t *AssignmentTable) Busy(worker cluster.Rank) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byWorker[worker]
	return ok
}

// WorkerOf returns the worker holding client, whatever the attempt of its
// batch.
func (t *AssignmentTable) WorkerOf(clientID string) (cluster.Rank, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byClient[clientID]
	return r, ok
}

// Free splits clientIDs into at most n clients no batch holds and the rest,
// both in their original order.
func (t *AssignmentTable) Free(clientIDs []string, n int) (free, rest []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range clientIDs {
		if _, held := t.byClient[id]; held || len(free) >= n {
			rest = append(rest, id)
			continue
		}
		free = append(free, id)
	}
	return free, rest
}

// InFlight returns the number of batches of the current attempt not yet
// reported.
func (t *AssignmentTable) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, a := range t.byWorker {
		if a.Attempt == t.attempt {
			n++
		}
	}
	return n
}

// All returns copies of every held batch in dispatch order.
func (t *AssignmentTable) All() []*Assignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Assignment, 0, len(t.byWorker))
	for _, a := range t.byWorker {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Batch < out[j].Batch })
	return out
}
