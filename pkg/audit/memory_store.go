package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used for tests and the library's
// internal verification fixtures. It implements the identical append
// protocol as the Postgres and SQLite stores — a single mutex stands in for
// the tail lock, since there is exactly one writer per process.
type MemoryStore struct {
	mu     sync.Mutex
	signer crypto.Signer
	policy *auditpolicy.Policy
	events []*Event
	byID   map[string]*Event
}

// NewMemoryStore constructs an empty in-memory audit store.
func NewMemoryStore(signer crypto.Signer, policy *auditpolicy.Policy) *MemoryStore {
	if policy == nil {
		policy, _ = auditpolicy.Compile("")
	}
	return &MemoryStore{
		signer: signer,
		policy: policy,
		byID:   make(map[string]*Event),
	}
}

func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	canonicalPayload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	if len(s.events) > 0 {
		prevHash = s.events[len(s.events)-1].Hash
	}

	// Idempotent fast path: identical event type and canonical payload with
	// no new tail since the previous append returns the existing row.
	if len(s.events) > 0 {
		tail := s.events[len(s.events)-1]
		if tail.EventType == req.EventType {
			tailCanonical, err := CanonicalPayload(tail.payloadValue())
			if err == nil && string(tailCanonical) == string(canonicalPayload) {
				return tail, nil
			}
		}
	}

	keep, err := s.policy.Keep(auditpolicy.Candidate{EventType: req.EventType})
	if err != nil {
		return nil, fmt.Errorf("audit: policy evaluation failed: %w", err)
	}
	if !keep {
		return &Event{ID: "sampled"}, nil
	}

	hash, err := computeChainHash(canonicalPayload, prevHash)
	if err != nil {
		return nil, err
	}

	sigB64, signerID, err := s.signer.Sign(ctx, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("audit: sign event: %w", err)
	}

	metadataPayload, err := marshalOptional(req.Metadata)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:           uuid.New().String(),
		EventType:    req.EventType,
		Payload:      canonicalPayload,
		Metadata:     metadataPayload,
		Timestamp:    time.Now().UTC(),
		PrevHash:     prevHash,
		Hash:         hash,
		Signature:    sigB64,
		SignerID:     signerID,
		StreamStatus: StreamPending,
	}

	s.events = append(s.events, event)
	s.byID[event.ID] = event
	return event, nil
}

func (e *Event) payloadValue() interface{} {
	return e.Payload
}

func marshalOptional(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return CanonicalPayload(v)
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Head(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return "", nil
	}
	return s.events[len(s.events)-1].Hash, nil
}

func (s *MemoryStore) ClaimStreamBatch(_ context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*Event
	for _, e := range s.events {
		if len(claimed) >= limit {
			break
		}
		if e.StreamStatus == StreamPending || e.StreamStatus == StreamRetry {
			e.StreamStatus = StreamInProgress
			e.StreamAttempts++
			claimed = append(claimed, e)
		}
	}
	return claimed, nil
}

func (s *MemoryStore) MarkStreamComplete(_ context.Context, id string, archivedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	e.StreamStatus = StreamComplete
	e.ArchivedKey = archivedKey
	return nil
}

func (s *MemoryStore) MarkStreamRetry(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if attempts >= MaxStreamAttempts {
		e.StreamStatus = StreamFailed
	} else {
		e.StreamStatus = StreamRetry
	}
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Events returns a defensive copy of the chain, ordered by append order,
// for use by tests and the verifier's in-process fixtures.
func (s *MemoryStore) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
