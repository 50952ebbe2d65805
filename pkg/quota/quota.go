// Package quota enforces per-tenant request and cost limits with a
// fixed-window token bucket. Buckets refill on an independent schedule,
// never as a side effect of request traffic.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimited is returned when the tenant's request bucket is empty.
	ErrRateLimited = errors.New("request quota exhausted")
	// ErrBudgetExceeded is returned when the tenant's cost budget for the
	// current interval is spent.
	ErrBudgetExceeded = errors.New("cost budget exhausted")
)

// CostReader answers "cost so far" queries, typically backed by the usage
// ledger.
type CostReader interface {
	TotalCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

type bucket struct {
	remaining int
	capacity  int
}

// Gate is a per-tenant quota gate. The request-count check runs before the
// cost-budget check; both must pass for a request to proceed.
type Gate struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	interval    time.Duration
	windowStart time.Time
	costs       CostReader
}

// NewGate creates a gate whose buckets refill every interval. costs may be
// nil, in which case cost budgets are not enforced.
func NewGate(interval time.Duration, costs CostReader) *Gate {
	return &Gate{
		buckets:     make(map[string]*bucket),
		interval:    interval,
		windowStart: time.Now(),
		costs:       costs,
	}
}

// Allow consumes one request token for the tenant, then checks the cost
// budget. capacity is the tenant's requests-per-interval limit; budgetUSD
// of 0 disables the cost check. No tokens are consumed on rejection paths
// other than the terminal rate-limit itself.
func (g *Gate) Allow(ctx context.Context, tenantID string, capacity int, budgetUSD float64) error {
	g.mu.Lock()
	b, ok := g.buckets[tenantID]
	if !ok || b.capacity != capacity {
		b = &bucket{remaining: capacity, capacity: capacity}
		g.buckets[tenantID] = b
	}
	if b.remaining <= 0 {
		g.mu.Unlock()
		return ErrRateLimited
	}
	b.remaining--
	windowStart := g.windowStart
	g.mu.Unlock()

	if budgetUSD <= 0 || g.costs == nil {
		return nil
	}
	spent, err := g.costs.TotalCost(ctx, tenantID, windowStart, time.Now())
	if err != nil {
		// Ledger reads are best-effort; fail open on backend errors.
		return nil
	}
	if spent >= budgetUSD {
		return ErrBudgetExceeded
	}
	return nil
}

// Refill resets every bucket to full capacity and starts a new window.
func (g *Gate) Refill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.buckets {
		b.remaining = b.capacity
	}
	g.windowStart = time.Now()
}

// Run refills on a fixed schedule until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refill()
		}
	}
}
