package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/dreamware/fedround/internal/cluster"
)

// Health states of a monitored rank.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// RankHealth tracks the health of one worker rank.
type RankHealth struct {
	LastCheck        time.Time    `json:"last_check"`
	LastHealthy      time.Time    `json:"last_healthy"`
	Rank             cluster.Rank `json:"rank"`
	Status           string       `json:"status"`
	ConsecutiveFails int          `json:"consecutive_fails"`
}

// HealthMonitor periodically checks the worker ranks and tells the
// coordinator which of them may receive assignments. A rank is marked
// unhealthy after maxFailures consecutive failed checks and becomes
// healthy again on the first successful one.
//
// All methods are safe for concurrent use.
type HealthMonitor struct {
	ranks       map[cluster.Rank]*RankHealth
	clock       clock.Clock
	checkFunc   func(ctx context.Context, peer cluster.RankInfo) error
	onUnhealthy func(rank cluster.Rank)
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

var _ Availability = (*HealthMonitor)(nil)

// NewHealthMonitor returns a monitor that checks every interval on clk.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, clock.New())
//	monitor.Start(ctx, peers)
//	defer monitor.Stop()
func NewHealthMonitor(interval time.Duration, clk clock.Clock) *HealthMonitor {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthMonitor{
		ranks:       make(map[cluster.Rank]*RankHealth),
		clock:       clk,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
	}
}

// SetOnUnhealthy sets the callback run when a rank becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(rank cluster.Rank)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the HTTP check, mostly for tests.
func (h *HealthMonitor) SetCheckFunction(check func(ctx context.Context, peer cluster.RankInfo) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = check
}

// Start checks peers once and then every interval in the background until
// ctx is done or Stop is called. The coordinator rank is never checked.
func (h *HealthMonitor) Start(ctx context.Context, peers []cluster.RankInfo) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Lock()
	if h.checkFunc == nil {
		h.checkFunc = h.httpCheck
	}
	h.mu.Unlock()

	targets := make([]cluster.RankInfo, 0, len(peers))
	for _, p := range peers {
		if cluster.RoleOf(p.Rank) == cluster.RoleWorker {
			targets = append(targets, p)
		}
	}

	h.checkAll(ctx, targets)
	ticker := h.clock.Ticker(h.interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		log.Info("health monitor started", zap.Duration("interval", h.interval), zap.Int("ranks", len(targets)))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.checkAll(ctx, targets)
			}
		}
	}()
}

// Stop ends monitoring and waits for the background loop to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(ctx context.Context, targets []cluster.RankInfo) {
	for _, p := range targets {
		h.checkRank(ctx, p)
	}
}

func (h *HealthMonitor) checkRank(ctx context.Context, peer cluster.RankInfo) {
	h.mu.Lock()
	health, ok := h.ranks[peer.Rank]
	if !ok {
		health = &RankHealth{Rank: peer.Rank, Status: HealthUnknown}
		h.ranks[peer.Rank] = health
	}
	check := h.checkFunc
	h.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := check(checkCtx, peer)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.clock.Now()
	health.LastCheck = now
	if err == nil {
		if health.Status == HealthUnhealthy {
			log.Info("rank recovered", zap.Int("rank", int(peer.Rank)))
		}
		health.Status = HealthHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = now
		return
	}

	health.ConsecutiveFails++
	log.Warn("health check failed",
		zap.Int("rank", int(peer.Rank)),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("maxFailures", h.maxFailures),
		zap.Error(err))
	if health.ConsecutiveFails < h.maxFailures || health.Status == HealthUnhealthy {
		return
	}
	health.Status = HealthUnhealthy
	unhealthyCounter.Inc()
	log.Warn("rank marked unhealthy", zap.Int("rank", int(peer.Rank)))
	if h.onUnhealthy != nil {
		go h.onUnhealthy(peer.Rank)
	}
}

// httpCheck expects a 2xx JSON answer on the rank's health route.
func (h *HealthMonitor) httpCheck(ctx context.Context, peer cluster.RankInfo) error {
	var body map[string]any
	err := cluster.GetJSON(ctx, cluster.BaseURL(peer.Addr)+cluster.HealthPath, &body)
	return errors.Annotatef(err, "rank %d", peer.Rank)
}

// GetRankHealth returns a copy of the health of rank, or nil if the rank is
// not monitored.
func (h *HealthMonitor) GetRankHealth(rank cluster.Rank) *RankHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.ranks[rank]
	if !ok {
		return nil
	}
	out := *health
	return &out
}

// GetAllRankHealth returns copies of every monitored rank's health.
func (h *HealthMonitor) GetAllRankHealth() map[cluster.Rank]*RankHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[cluster.Rank]*RankHealth, len(h.ranks))
	for r, health := range h.ranks {
		c := *health
		out[r] = &c
	}
	return out
}

// IsHealthy reports whether the last check of rank succeeded.
func (h *HealthMonitor) IsHealthy(rank cluster.Rank) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.ranks[rank]
	return ok && health.Status == HealthHealthy
}

// IsAvailable reports whether rank may receive assignments: every rank that
// is not marked unhealthy is.
func (h *HealthMonitor) IsAvailable(rank cluster.Rank) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.ranks[rank]
	return !ok || health.Status != HealthUnhealthy
}
