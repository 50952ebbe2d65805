package snapshot

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loader periodically pulls configuration from a Source and publishes
// immutable snapshots. Publication is an atomic pointer swap; readers
// capture one generation at request start and never see a partial update.
type Loader struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger

	current atomic.Pointer[Snapshot]
	gen     atomic.Int64
}

func NewLoader(source Source, interval time.Duration, logger *zap.Logger) *Loader {
	return &Loader{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Load fetches once and publishes the resulting snapshot. Call it at
// startup so the first request never races the refresh loop.
func (l *Loader) Load(ctx context.Context) error {
	contents, err := l.source.Fetch(ctx)
	if err != nil {
		return err
	}
	snap := New(l.gen.Add(1), contents)
	l.current.Store(snap)
	l.logger.Info("configuration snapshot published",
		zap.Int64("generation", snap.Generation),
		zap.Int("providers", len(contents.Providers)),
		zap.Int("aliases", len(contents.Aliases)),
		zap.Int("tenants", len(contents.Tenants)),
	)
	return nil
}

// Current returns the latest published snapshot. Safe for concurrent use.
func (l *Loader) Current() *Snapshot {
	return l.current.Load()
}

// Run refreshes on a fixed schedule until ctx is cancelled. A failed fetch
// keeps the previous generation in place.
func (l *Loader) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Load(ctx); err != nil {
				l.logger.Error("snapshot refresh failed, keeping current generation", zap.Error(err))
			}
		}
	}
}
