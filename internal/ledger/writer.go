package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultQueueSize  = 1024
	appendAttempts    = 3
	appendRetryDelay  = 2 * time.Second
	appendCallTimeout = 5 * time.Second
)

// Writer decouples ledger appends from the request path. Enqueue never
// blocks the caller; a background worker retries failed appends a few
// times and then drops the record with a log line. Losing a usage record
// must never fail the request that produced it.
type Writer struct {
	store  Store
	queue  chan *Record
	logger *zap.Logger
}

func NewWriter(store Store, logger *zap.Logger) *Writer {
	return &Writer{
		store:  store,
		queue:  make(chan *Record, defaultQueueSize),
		logger: logger,
	}
}

// Enqueue hands a record to the background worker. If the queue is full
// the record is dropped and logged.
func (w *Writer) Enqueue(rec *Record) {
	select {
	case w.queue <- rec:
	default:
		w.logger.Warn("usage queue full, dropping record",
			zap.String("tenant_id", rec.TenantID),
			zap.String("request_id", rec.RequestID),
		)
	}
}

// Run drains the queue until ctx is cancelled, then flushes whatever is
// left in the buffer.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case rec := <-w.queue:
			w.append(ctx, rec)
		}
	}
}

func (w *Writer) append(ctx context.Context, rec *Record) {
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendCallTimeout)
		lastErr = w.store.Append(callCtx, rec)
		cancel()
		if lastErr == nil {
			return
		}
		if attempt < appendAttempts {
			select {
			case <-time.After(appendRetryDelay):
			case <-ctx.Done():
				// Flush path: give up on retries during shutdown.
				attempt = appendAttempts
			}
		}
	}
	w.logger.Error("failed to append usage record",
		zap.String("tenant_id", rec.TenantID),
		zap.String("request_id", rec.RequestID),
		zap.Error(lastErr),
	)
}

func (w *Writer) drain() {
	for {
		select {
		case rec := <-w.queue:
			callCtx, cancel := context.WithTimeout(context.Background(), appendCallTimeout)
			if err := w.store.Append(callCtx, rec); err != nil {
				w.logger.Error("failed to flush usage record", zap.Error(err))
			}
			cancel()
		default:
			return
		}
	}
}
