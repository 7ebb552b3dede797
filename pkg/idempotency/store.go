// Package idempotency deduplicates POST mutations by a client-supplied
// Idempotency-Key plus a request fingerprint, so retried requests are
// replayed rather than re-executed.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
)

// DefaultTTL is the lifetime of a cached idempotency record when the
// deployment does not configure one explicitly.
const DefaultTTL = 24 * time.Hour

// DefaultBodyLimit bounds how large a cached response body may be before
// Middleware answers 413 idempotency_response_too_large instead of storing it.
const DefaultBodyLimit = 1 << 20 // 1 MiB

// Record is one persisted idempotency row.
type Record struct {
	Key            string
	Method         string
	Path           string
	RequestHash    string
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// ErrConflict describes a key reused with a different request fingerprint.
// Middleware reports that case as HTTP 412 and does not return this value.
var ErrConflict = errors.New("idempotency: key reused with a different request")

// ErrResponseTooLarge describes a handler response over the configured body
// size cap, which cannot be cached for replay. Middleware reports that case
// as HTTP 413 and does not return this value.
var ErrResponseTooLarge = errors.New("idempotency: response too large to cache")

// Store persists idempotency records. Implementations must treat a
// concurrent insert of the same key as "the existing record wins" —
// whichever insert commits first is authoritative, and the loser observes
// it via a unique-constraint conflict.
type Store interface {
	// Begin looks up an existing record for key. If none exists, it
	// reserves the key for method/path/requestHash and returns
	// (nil, false, nil) so the caller proceeds to execute the handler. If a
	// record already exists, it is returned with found=true regardless of
	// whether its requestHash matches — callers must compare requestHash
	// themselves to distinguish replay from conflict.
	Begin(ctx context.Context, key, method, path, requestHash string, ttl time.Duration) (existing *Record, found bool, err error)
	// Complete persists the final response for a reserved key.
	Complete(ctx context.Context, key string, status int, body []byte) error
}

// RequestHash computes the stable fingerprint a client retry must match:
// SHA256(method|path|canonical(body)).
func RequestHash(method, path string, body interface{}) (string, error) {
	canonicalBody, err := canonicalize.Canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize request body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("|"))
	h.Write([]byte(path))
	h.Write([]byte("|"))
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RequestHashBytes is the same fingerprint for an already-serialized JSON
// body, used when the handler only has raw bytes (e.g. before strict
// decoding) rather than a decoded value.
func RequestHashBytes(method, path string, rawBody []byte) (string, error) {
	var generic interface{}
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &generic); err != nil {
			return "", fmt.Errorf("idempotency: parse request body: %w", err)
		}
	}
	return RequestHash(method, path, generic)
}
