// Package ledger records per-tenant usage. Records are append-only: one per
// completed upstream call, never for cache hits.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Record struct {
	ID               string
	TenantID         string
	RequestID        string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMs        int64
	CreatedAt        time.Time
}

type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error)
	TotalCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// MemoryStore is an in-process append-only store, used by tests and as the
// quota gate's cost reader in single-instance deployments without Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) TotalCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			total += r.CostUSD
		}
	}
	return total, nil
}
