package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
)

type fakeSink struct {
	mu        sync.Mutex
	failIDs   map[string]bool
	published []string
}

func (s *fakeSink) Publish(_ context.Context, e *Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIDs[e.ID] {
		return "", errors.New("simulated publish failure")
	}
	s.published = append(s.published, e.ID)
	return "archive/" + e.ID, nil
}

func newStreamTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	signer, err := crypto.NewLocalEd25519SignerGenerated()
	if err != nil {
		t.Fatalf("generate signer: %v", err)
	}
	policy, err := auditpolicy.Compile("")
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	return NewMemoryStore(signer, policy)
}

func TestStreamWorkerRunOncePublishesPendingEvents(t *testing.T) {
	store := newStreamTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, AppendRequest{EventType: "test.event", Payload: map[string]interface{}{"i": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sink := &fakeSink{failIDs: map[string]bool{}}
	worker := NewStreamWorker(store, sink, 10, time.Second, nil)
	worker.RunOnce(ctx)

	if len(sink.published) != 3 {
		t.Fatalf("expected 3 events published, got %d", len(sink.published))
	}

	remaining, err := store.ClaimStreamBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending events after successful publish, got %d", len(remaining))
	}
}

func TestStreamWorkerRetriesFailedPublish(t *testing.T) {
	store := newStreamTestStore(t)
	ctx := context.Background()

	event, err := store.Append(ctx, AppendRequest{EventType: "test.event", Payload: map[string]interface{}{"i": 1}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sink := &fakeSink{failIDs: map[string]bool{event.ID: true}}
	worker := NewStreamWorker(store, sink, 10, time.Second, nil)
	worker.RunOnce(ctx)

	if len(sink.published) != 0 {
		t.Fatalf("expected publish to fail, got %d published", len(sink.published))
	}

	got, err := store.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StreamStatus != StreamRetry {
		t.Fatalf("expected stream status retry, got %s", got.StreamStatus)
	}
	if got.StreamAttempts != 1 {
		t.Fatalf("expected 1 stream attempt recorded, got %d", got.StreamAttempts)
	}

	// The event in retry state is claimable again; once the sink stops
	// failing, the second attempt publishes it.
	sink.failIDs[event.ID] = false
	worker.RunOnce(ctx)
	if len(sink.published) != 1 {
		t.Fatalf("expected the retried event to publish, got %d", len(sink.published))
	}
}

func TestStreamWorkerNoopSinkDiscardsWithoutError(t *testing.T) {
	store := newStreamTestStore(t)
	ctx := context.Background()
	if _, err := store.Append(ctx, AppendRequest{EventType: "test.event", Payload: map[string]interface{}{"i": 1}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	worker := NewStreamWorker(store, NoopSink{}, 10, time.Second, nil)
	worker.RunOnce(ctx)

	remaining, err := store.ClaimStreamBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim batch: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no pending events after noop publish, got %d", len(remaining))
	}
}
