package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/google/uuid"
)

// postgresSchema creates the audit ledger table. It is run once at startup;
// CREATE TABLE IF NOT EXISTS makes repeated calls across process restarts
// safe.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	metadata JSONB,
	ts TIMESTAMPTZ NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	stream_attempts INTEGER NOT NULL DEFAULT 0,
	last_stream_attempt_at TIMESTAMPTZ,
	last_stream_error TEXT,
	s3_object_key TEXT,
	s3_archived_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts ASC);
CREATE INDEX IF NOT EXISTS audit_events_stream_status_idx ON audit_events (stream_status);
`

// PostgresStore is the production-grade audit ledger backend. Each append
// runs inside a SERIALIZABLE-or-stronger transaction that locks the tail
// row with SELECT ... FOR UPDATE, the single serialization point that
// guarantees the chain can never fork under concurrent writers.
type PostgresStore struct {
	db     *sql.DB
	signer crypto.Signer
	policy *auditpolicy.Policy
}

// NewPostgresStore constructs a PostgresStore bound to db.
func NewPostgresStore(db *sql.DB, signer crypto.Signer, policy *auditpolicy.Policy) *PostgresStore {
	if policy == nil {
		policy, _ = auditpolicy.Compile("")
	}
	return &PostgresStore{db: db, signer: signer, policy: policy}
}

// Init creates the audit_events table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, req AppendRequest) (*Event, error) {
	canonicalPayload, err := CanonicalPayload(req.Payload)
	if err != nil {
		return nil, err
	}

	keep, err := s.policy.Keep(auditpolicy.Candidate{EventType: req.EventType})
	if err != nil {
		return nil, fmt.Errorf("audit: policy evaluation failed: %w", err)
	}
	if !keep {
		return &Event{ID: "sampled"}, nil
	}

	const maxSerializationRetries = 3
	var event *Event
	for attempt := 0; attempt <= maxSerializationRetries; attempt++ {
		event, err = s.appendOnce(ctx, req.EventType, canonicalPayload, req.Metadata)
		if err == nil {
			return event, nil
		}
		if !isSerializationConflict(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("audit: append failed after %d serialization retries: %w", maxSerializationRetries, err)
}

func (s *PostgresStore) appendOnce(ctx context.Context, eventType string, canonicalPayload []byte, metadata interface{}) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tailID, tailEventType, tailHash string
	var tailPayload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT id, event_type, hash, payload FROM audit_events ORDER BY ts DESC LIMIT 1 FOR UPDATE`,
	).Scan(&tailID, &tailEventType, &tailHash, &tailPayload)

	prevHash := ""
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// genesis
	case err != nil:
		return nil, fmt.Errorf("audit: read tail: %w", err)
	default:
		prevHash = tailHash
		// Idempotent fast path: identical event type and canonical payload
		// as the current tail means no new tail exists since that append.
		if tailEventType == eventType && string(tailPayload) == string(canonicalPayload) {
			existing, err := s.scanByID(ctx, tx, tailID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("audit: commit idempotent read: %w", err)
			}
			return existing, nil
		}
	}

	hash, err := computeChainHash(canonicalPayload, prevHash)
	if err != nil {
		return nil, err
	}

	sigB64, signerID, err := s.signer.Sign(ctx, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("audit: sign event: %w", err)
	}

	metadataPayload, err := marshalOptional(metadata)
	if err != nil {
		return nil, err
	}

	event := &Event{
		ID:           uuid.New().String(),
		EventType:    eventType,
		Payload:      canonicalPayload,
		Metadata:     metadataPayload,
		Timestamp:    time.Now().UTC(),
		PrevHash:     prevHash,
		Hash:         hash,
		Signature:    sigB64,
		SignerID:     signerID,
		StreamStatus: StreamPending,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, event_type, payload, metadata, ts, prev_hash, hash, signature, signer_id, stream_status, stream_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',0)
	`, event.ID, event.EventType, []byte(event.Payload), nullableBytes(event.Metadata), event.Timestamp,
		event.PrevHash, event.Hash, event.Signature, event.SignerID)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}

	return event, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) scanByID(ctx context.Context, tx *sql.Tx, id string) (*Event, error) {
	var e Event
	var metadata sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id, event_type, payload, metadata, ts, prev_hash, hash, signature, signer_id,
		       stream_status, stream_attempts, COALESCE(s3_object_key, '')
		FROM audit_events WHERE id = $1
	`, id).Scan(&e.ID, &e.EventType, &e.Payload, &metadata, &e.Timestamp, &e.PrevHash, &e.Hash,
		&e.Signature, &e.SignerID, &e.StreamStatus, &e.StreamAttempts, &e.ArchivedKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	return &e, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	var e Event
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, payload, metadata, ts, prev_hash, hash, signature, signer_id,
		       stream_status, stream_attempts, COALESCE(s3_object_key, '')
		FROM audit_events WHERE id = $1
	`, id).Scan(&e.ID, &e.EventType, &e.Payload, &metadata, &e.Timestamp, &e.PrevHash, &e.Hash,
		&e.Signature, &e.SignerID, &e.StreamStatus, &e.StreamAttempts, &e.ArchivedKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	return &e, nil
}

func (s *PostgresStore) Head(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY ts DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// ClaimStreamBatch uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// streaming workers never claim the same row: each worker atomically claims
// a disjoint batch and never re-reads rows it did not claim.
func (s *PostgresStore) ClaimStreamBatch(ctx context.Context, limit int) ([]*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM audit_events
		WHERE stream_status IN ('pending','retry')
		ORDER BY ts ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: select claim batch: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE audit_events
			SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1, last_stream_attempt_at = $1
			WHERE id = $2
		`, time.Now().UTC(), id); err != nil {
			return nil, fmt.Errorf("audit: mark claimed: %w", err)
		}
		e, err := s.scanByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit claim: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) MarkStreamComplete(ctx context.Context, id string, archivedKey string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_events SET stream_status = 'complete', s3_object_key = $1, s3_archived_at = $2
		WHERE id = $3
	`, archivedKey, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) MarkStreamRetry(ctx context.Context, id string, attempts int) error {
	status := "retry"
	if attempts >= MaxStreamAttempts {
		status = "failed"
	}
	_, err := s.db.ExecContext(ctx, `UPDATE audit_events SET stream_status = $1 WHERE id = $2`, status, id)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isSerializationConflict reports whether err is a Postgres serialization
// failure (SQLSTATE 40001) that is safe to retry with fresh state. lib/pq
// surfaces this as *pq.Error; we match by string since importing the driver
// error type here would create an unwanted compile-time coupling for
// callers that only use the SQLite backend.
func isSerializationConflict(err error) bool {
	return err != nil && (containsCode(err.Error(), "40001") || containsCode(err.Error(), "could not serialize"))
}

func containsCode(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
