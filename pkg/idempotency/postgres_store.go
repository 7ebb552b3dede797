package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	method TEXT NOT NULL,
	path TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	response_status INTEGER,
	response_body BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idempotency_keys_expires_at_idx ON idempotency_keys (expires_at);
`

// PostgresStore is the production idempotency backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the idempotency_keys table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Begin(ctx context.Context, key, method, path, requestHash string, ttl time.Duration) (*Record, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, path, request_hash, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (key) DO NOTHING
	`, key, method, path, requestHash, now, now.Add(ttl))
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: reserve key: %w", err)
	}

	// One inserted row means this call reserved the key; otherwise another
	// request holds it and its record is returned as the existing one.
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil, false, nil
	}

	existing, err := s.get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (s *PostgresStore) get(ctx context.Context, key string) (*Record, error) {
	var r Record
	var status sql.NullInt64
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key, method, path, request_hash, response_status, response_body, created_at, expires_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&r.Key, &r.Method, &r.Path, &r.RequestHash, &status, &body, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency: key %q vanished after reservation", key)
		}
		return nil, err
	}
	r.ResponseStatus = int(status.Int64)
	r.ResponseBody = body
	return &r, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys SET response_status = $1, response_body = $2 WHERE key = $3
	`, status, body, key)
	return err
}

// Cleanup purges expired records; intended to run periodically from a
// background goroutine, never from the request path.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
