package manifest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-process Registry used by tests and the library's
// lightweight Lite Mode deployments that run entirely without Postgres.
type MemoryRegistry struct {
	mu   sync.Mutex
	byID map[string][]*Signature
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{byID: make(map[string][]*Signature)}
}

func (r *MemoryRegistry) Insert(_ context.Context, sig Signature) (*Signature, error) {
	if err := validateVersion(sig.Version); err != nil {
		return nil, err
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sig.ManifestID] = append(r.byID[sig.ManifestID], &sig)
	return &sig, nil
}

func (r *MemoryRegistry) List(_ context.Context, manifestID string) ([]*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Signature, len(r.byID[manifestID]))
	copy(out, r.byID[manifestID])
	return out, nil
}
