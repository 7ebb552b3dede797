package audit

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ArchiveSink publishes an already-persisted audit event to an external
// archive (object store and/or event bus). Sinks must tolerate duplicate
// deliveries: the streaming worker is at-least-once, never exactly-once.
type ArchiveSink interface {
	Publish(ctx context.Context, event *Event) (archivedKey string, err error)
}

// NoopSink discards events; it is selected when no archive backend is
// configured. Its Publish always succeeds with an empty key, so the worker
// marks each claimed event complete without archiving it anywhere.
type NoopSink struct{}

func (NoopSink) Publish(context.Context, *Event) (string, error) { return "", nil }

// StreamWorker periodically claims a batch of pending/retry events under
// the store's SKIP LOCKED discipline and publishes them to sink.
type StreamWorker struct {
	store         Store
	sink          ArchiveSink
	batchSize     int
	pollInterval  time.Duration
	successCount  metric.Int64Counter
	failureCount  metric.Int64Counter
}

// NewStreamWorker constructs a worker. meter may be nil, in which case
// counters are no-ops.
func NewStreamWorker(store Store, sink ArchiveSink, batchSize int, pollInterval time.Duration, meter metric.Meter) *StreamWorker {
	w := &StreamWorker{store: store, sink: sink, batchSize: batchSize, pollInterval: pollInterval}
	if w.batchSize <= 0 {
		w.batchSize = 50
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if meter != nil {
		w.successCount, _ = meter.Int64Counter("kernel.audit.stream.success")
		w.failureCount, _ = meter.Int64Counter("kernel.audit.stream.failure")
	}
	return w
}

// Run blocks, claiming and publishing batches until ctx is cancelled.
func (w *StreamWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce claims and processes a single batch; RunOnce exposes it for tests
// that want deterministic single-tick behavior without sleeping on a ticker.
func (w *StreamWorker) runOnce(ctx context.Context) {
	events, err := w.store.ClaimStreamBatch(ctx, w.batchSize)
	if err != nil {
		slog.Error("audit stream: claim batch failed", "error", err)
		return
	}

	for _, e := range events {
		key, err := w.sink.Publish(ctx, e)
		if err != nil {
			slog.Warn("audit stream: publish failed", "event_id", e.ID, "attempts", e.StreamAttempts, "error", err)
			if markErr := w.store.MarkStreamRetry(ctx, e.ID, e.StreamAttempts); markErr != nil {
				slog.Error("audit stream: mark retry failed", "event_id", e.ID, "error", markErr)
			}
			w.incr(w.failureCount, ctx)
			continue
		}
		if markErr := w.store.MarkStreamComplete(ctx, e.ID, key); markErr != nil {
			slog.Error("audit stream: mark complete failed", "event_id", e.ID, "error", markErr)
		}
		w.incr(w.successCount, ctx)
	}
}

func (w *StreamWorker) incr(c metric.Int64Counter, ctx context.Context) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

// RunOnce exposes a single claim-and-publish cycle for tests.
func (w *StreamWorker) RunOnce(ctx context.Context) { w.runOnce(ctx) }
