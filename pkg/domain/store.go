// Package domain persists the minimal DomainRecord Kernel keeps for the
// division/agent/allocation/eval manifest routes: a stable id and whatever
// body the caller submitted. Kernel does not model per-domain business
// fields — per the documented contract, a domain route's job is to persist
// a record, sign its canonical form, and emit an audit event referencing
// both, nothing more.
package domain

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the domain route a Record belongs to.
type Kind string

const (
	KindDivision Kind = "division"
	KindAgent    Kind = "agent"
	KindAllocate Kind = "allocate"
	KindEval     Kind = "eval"
)

// Record is one persisted domain manifest.
type Record struct {
	ID                  string                 `json:"id"`
	Kind                Kind                   `json:"kind"`
	Body                map[string]interface{} `json:"body"`
	ManifestSignatureID string                 `json:"manifestSignatureId"`
	CreatedAt           time.Time              `json:"createdAt"`
}

// ErrNotFound is returned when a Record lookup by id finds nothing.
var ErrNotFound = errors.New("domain: not found")

// Store persists DomainRecords, one logical table per Kind.
type Store interface {
	// Insert persists rec, assigning an ID if absent, and returns the
	// stored row.
	Insert(ctx context.Context, rec Record) (*Record, error)
	// Get returns the record with the given kind and id.
	Get(ctx context.Context, kind Kind, id string) (*Record, error)
}

// MemoryStore is the in-process Store used in Lite Mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Kind]map[string]*Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Kind]map[string]*Record)}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) (*Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[rec.Kind]
	if !ok {
		bucket = make(map[string]*Record)
		s.records[rec.Kind] = bucket
	}
	stored := rec
	bucket[rec.ID] = &stored
	return &stored, nil
}

func (s *MemoryStore) Get(_ context.Context, kind Kind, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[kind]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := bucket[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
