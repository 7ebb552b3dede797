// Package audit implements the hash-chained, per-event-signed ledger that
// is the authoritative record of every material action Kernel performs.
// Appends are strictly linear: each event's hash folds in the previous
// event's hash, so the chain can never fork and any break is detectable by
// replay (see the verifier package).
package audit

import (
	"encoding/json"
	"errors"
	"time"
)

// StreamStatus tracks an event's progress through the background archive
// streaming worker.
type StreamStatus string

const (
	StreamPending    StreamStatus = "pending"
	StreamInProgress StreamStatus = "in_progress"
	StreamComplete   StreamStatus = "complete"
	StreamRetry      StreamStatus = "retry"
	StreamFailed     StreamStatus = "failed"
)

// MaxStreamAttempts bounds the streaming worker's retry budget per event;
// beyond this, an event is marked failed rather than retried again.
const MaxStreamAttempts = 5

// Event is one immutable row in the audit ledger.
type Event struct {
	ID             string            `json:"id"`
	EventType      string            `json:"eventType"`
	Payload        json.RawMessage   `json:"payload"`
	Metadata       json.RawMessage   `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"ts"`
	PrevHash       string            `json:"prevHash"`
	Hash           string            `json:"hash"`
	Signature      string            `json:"signature"`
	SignerID       string            `json:"signerId"`
	StreamStatus   StreamStatus      `json:"streamStatus"`
	StreamAttempts int               `json:"streamAttempts"`
	ArchivedKey    string            `json:"archivedKey,omitempty"`
}

// ErrNotFound is returned when a lookup by id finds no event.
var ErrNotFound = errors.New("audit: event not found")

// ErrChainBroken names a violated hash-chain invariant. No code in this
// module returns it: the verifier package reports failures in its Report,
// and Store.Append only ever extends the chain under its own lock.
var ErrChainBroken = errors.New("audit: hash chain broken")
