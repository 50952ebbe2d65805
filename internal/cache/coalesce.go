package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Coalescer wraps a Store with get-or-reserve semantics: for any key,
// exactly one caller (the owner) runs the dispatch function at a time.
// Concurrent callers with the same key subscribe to the owner's result.
// Failures are never stored; if the owner fails or is cancelled, the
// reservation is released and waiters retry, the first of them becoming
// the new owner.
type Coalescer struct {
	store Store
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*flight

	hits   atomic.Int64
	misses atomic.Int64
}

type flight struct {
	done chan struct{}
	val  []byte
	err  error
}

func NewCoalescer(store Store, ttl time.Duration) *Coalescer {
	return &Coalescer{
		store:    store,
		ttl:      ttl,
		inflight: make(map[string]*flight),
	}
}

// Do returns the cached value for key, or runs fn to produce it. The
// second return reports whether the value was served without a dispatch by
// this caller (stored entry or a coalesced in-flight result).
func (c *Coalescer) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	for {
		if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
			c.hits.Add(1)
			return v, true, nil
		}

		c.mu.Lock()
		if f, ok := c.inflight[key]; ok {
			c.mu.Unlock()
			select {
			case <-f.done:
				if f.err == nil {
					c.hits.Add(1)
					return f.val, true, nil
				}
				// Owner failed or disconnected. The reservation is gone;
				// loop so one waiter claims ownership and retries.
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		f := &flight{done: make(chan struct{})}
		c.inflight[key] = f
		c.mu.Unlock()
		c.misses.Add(1)

		val, err := fn(ctx)
		if err == nil {
			// Populate before releasing waiters; entry writes are
			// decoupled from the owner's cancellation.
			_ = c.store.Set(context.WithoutCancel(ctx), key, val, c.ttl)
		}

		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()

		f.val, f.err = val, err
		close(f.done)
		return val, false, err
	}
}

// HitRate reports the fraction of calls served without an upstream
// dispatch. Returns 0 before any traffic.
func (c *Coalescer) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
