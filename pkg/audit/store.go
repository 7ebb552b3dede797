package audit

import (
	"context"
)

// AppendRequest carries the inputs to a single chain append. EventType and
// Payload determine both the persisted content and the idempotent fast-path
// key; Metadata is carried but not hashed into the chain.
type AppendRequest struct {
	EventType string
	Payload   interface{}
	Metadata  interface{}
}

// Store is the authoritative, hash-chained audit ledger. Implementations
// must serialize Append calls on a single logical writer per chain (a
// Postgres FOR UPDATE tail lock, the SQLite store's in-process write mutex,
// or an equivalent discipline) so the chain can never fork.
type Store interface {
	// Append canonicalizes req.Payload, folds in the current chain head,
	// signs the resulting digest, and persists a new Event. If an event
	// with the same EventType and canonical payload was the most recent
	// append (the idempotent fast path), the existing Event is returned
	// instead of writing a duplicate.
	Append(ctx context.Context, req AppendRequest) (*Event, error)
	// Get returns the event with the given id.
	Get(ctx context.Context, id string) (*Event, error)
	// Head returns the current chain head hash, or "" if the chain is empty.
	Head(ctx context.Context) (string, error)
	// ClaimStreamBatch claims up to limit events whose StreamStatus is
	// pending or retry, for exclusive processing by the caller, and marks
	// them in_progress. Implementations must guarantee no two callers ever
	// claim the same event concurrently (e.g. SELECT ... FOR UPDATE SKIP
	// LOCKED).
	ClaimStreamBatch(ctx context.Context, limit int) ([]*Event, error)
	// MarkStreamComplete records successful archival of event id.
	MarkStreamComplete(ctx context.Context, id string, archivedKey string) error
	// MarkStreamRetry records a failed archival attempt, transitioning the
	// event to retry or, once MaxStreamAttempts is reached, failed.
	MarkStreamRetry(ctx context.Context, id string, attempts int) error
	// Ping reports whether the store's backing database is reachable.
	Ping(ctx context.Context) error
}
