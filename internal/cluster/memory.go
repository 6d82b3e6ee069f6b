package cluster

import (
	"context"
	"sync"

	ferrors "github.com/dreamware/fedround/internal/errors"
)

// MemoryHub connects the in-process fabrics of a simulated run. Each rank
// gets its own MemoryFabric; messages are handed directly to the target's
// inbox.
type MemoryHub struct {
	mu       sync.RWMutex
	fabrics  []*MemoryFabric
	detached map[Rank]bool
}

// NewMemoryHub creates a hub with size ranks.
func NewMemoryHub(size int) *MemoryHub {
	h := &MemoryHub{
		fabrics:  make([]*MemoryFabric, size),
		detached: make(map[Rank]bool),
	}
	for r := 0; r < size; r++ {
		f := &MemoryFabric{hub: h}
		f.core = newCore(Rank(r), size, f.deliver)
		h.fabrics[r] = f
	}
	return h
}

// Fabric returns the fabric of rank r.
func (h *MemoryHub) Fabric(r Rank) *MemoryFabric {
	return h.fabrics[r]
}

// Size returns the number of ranks on the hub.
func (h *MemoryHub) Size() int {
	return len(h.fabrics)
}

// Detach makes rank r unreachable, as if its process had died. Sends to it
// fail with ErrCommunication.
func (h *MemoryHub) Detach(r Rank) {
	h.mu.Lock()
	h.detached[r] = true
	h.mu.Unlock()
}

// Reachable reports whether rank r is attached and open.
func (h *MemoryHub) Reachable(r Rank) bool {
	if int(r) < 0 || int(r) >= len(h.fabrics) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.detached[r] && !h.fabrics[r].closed.Load()
}

// Close closes every fabric on the hub.
func (h *MemoryHub) Close() {
	for _, f := range h.fabrics {
		_ = f.Close()
	}
}

// MemoryFabric is the in-process Fabric used for simulation and tests.
type MemoryFabric struct {
	*core
	hub *MemoryHub
}

var _ Fabric = (*MemoryFabric)(nil)

func (f *MemoryFabric) deliver(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return ferrors.ErrCommunication.GenWithStackByArgs(env.To, err.Error())
	}
	if !f.hub.Reachable(env.To) {
		return ferrors.ErrCommunication.GenWithStackByArgs(env.To, "rank is down")
	}
	if err := f.hub.fabrics[env.To].accept(env); err != nil {
		return ferrors.ErrCommunication.GenWithStackByArgs(env.To, err.Error())
	}
	return nil
}
