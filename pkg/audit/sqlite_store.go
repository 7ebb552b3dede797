package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/google/uuid"
)

// sqliteSchema mirrors postgresSchema; SQLite's JSON handling is untyped
// text, so payload/metadata columns are plain TEXT rather than JSONB.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	metadata TEXT,
	ts TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	stream_status TEXT NOT NULL DEFAULT 'pending',
	stream_attempts INTEGER NOT NULL DEFAULT 0,
	s3_object_key TEXT
);
CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts ASC);
`

// SQLiteStore is the "Lite Mode" audit ledger backend used for local
// development and tests when no DATABASE_URL is configured. SQLite has no
// row-level FOR UPDATE; a single in-process write mutex provides the
// equivalent single-writer discipline the append protocol requires, since
// modernc.org/sqlite serializes writers at the database-file level anyway.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	signer crypto.Signer
	policy *auditpolicy.Policy
}

// NewSQLiteStore constructs a SQLiteStore bound to db.
func NewSQLiteStore(db *sql.DB, signer crypto.Signer, policy *auditpolicy.Policy) *SQLiteStore {
	if policy == nil {
		policy, _ = auditpolicy.Compile("")
	}
	return &SQLiteStore{db: db, signer: signer, policy: policy}
}

// Init creates the audit_events table if it does not already exist.
func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, req AppendRequest) (*Event, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	var tailID, tailEventType, tailHash, tailPayload string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, event_type, hash, payload FROM audit_events ORDER BY ts DESC LIMIT 1`,
	).Scan(&tailID, &tailEventType, &tailHash, &tailPayload)

	prevHash := ""
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("audit: read tail: %w", err)
	default:
		prevHash = tailHash
		if tailEventType == req.EventType && tailPayload == string(canonicalPayload) {
			return s.getLocked(ctx, tailID)
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(id, event_type, payload, metadata, ts, prev_hash, hash, signature, signer_id, stream_status, stream_attempts)
		VALUES (?,?,?,?,?,?,?,?,?,'pending',0)
	`, event.ID, event.EventType, string(event.Payload), nullableString(event.Metadata),
		event.Timestamp.Format(time.RFC3339Nano), event.PrevHash, event.Hash, event.Signature, event.SignerID)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	return event, nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id string) (*Event, error) {
	return s.scan(ctx, id)
}

func (s *SQLiteStore) scan(ctx context.Context, id string) (*Event, error) {
	var e Event
	var metadata sql.NullString
	var ts string
	var archivedKey sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, payload, metadata, ts, prev_hash, hash, signature, signer_id,
		       stream_status, stream_attempts, s3_object_key
		FROM audit_events WHERE id = ?
	`, id).Scan(&e.ID, &e.EventType, &e.Payload, &metadata, &ts, &e.PrevHash, &e.Hash,
		&e.Signature, &e.SignerID, &e.StreamStatus, &e.StreamAttempts, &archivedKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if metadata.Valid {
		e.Metadata = []byte(metadata.String)
	}
	if archivedKey.Valid {
		e.ArchivedKey = archivedKey.String
	}
	e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse timestamp: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	return s.scan(ctx, id)
}

func (s *SQLiteStore) Head(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY ts DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (s *SQLiteStore) ClaimStreamBatch(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM audit_events WHERE stream_status IN ('pending','retry') ORDER BY ts ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
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

	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE audit_events SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1 WHERE id = ?
		`, id); err != nil {
			return nil, err
		}
		e, err := s.scan(ctx, id)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *SQLiteStore) MarkStreamComplete(ctx context.Context, id string, archivedKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE audit_events SET stream_status = 'complete', s3_object_key = ? WHERE id = ?`, archivedKey, id)
	return err
}

func (s *SQLiteStore) MarkStreamRetry(ctx context.Context, id string, attempts int) error {
	status := "retry"
	if attempts >= MaxStreamAttempts {
		status = "failed"
	}
	_, err := s.db.ExecContext(ctx, `UPDATE audit_events SET stream_status = ? WHERE id = ?`, status, id)
	return err
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
