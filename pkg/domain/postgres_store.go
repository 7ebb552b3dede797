package domain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS domain_records (
	id TEXT NOT NULL,
	kind TEXT NOT NULL,
	body JSONB NOT NULL,
	manifest_signature_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (kind, id)
);
`

// PostgresStore is the production DomainRecord backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgresStore bound to db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the domain_records table if it does not already exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (*Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(rec.Body)
	if err != nil {
		return nil, fmt.Errorf("domain: marshal body: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO domain_records (id, kind, body, manifest_signature_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.ID, rec.Kind, body, rec.ManifestSignatureID, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("domain: insert: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, body, manifest_signature_id, created_at
		FROM domain_records WHERE kind = $1 AND id = $2
	`, kind, id)

	var rec Record
	var body []byte
	if err := row.Scan(&rec.ID, &rec.Kind, &body, &rec.ManifestSignatureID, &rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("domain: get: %w", err)
	}
	if err := json.Unmarshal(body, &rec.Body); err != nil {
		return nil, fmt.Errorf("domain: unmarshal body: %w", err)
	}
	return &rec, nil
}
