// Package manifest implements the Manifest Registry: one immutable row per
// manifest-signing event, correlating a signed manifest to the audit event
// that immediately follows it.
package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// Signature is one persisted ManifestSignature row.
type Signature struct {
	ID         string
	ManifestID string
	SignerID   string
	Signature  string
	Version    string
	Timestamp  time.Time
}

// ErrNotFound is returned when a manifest has no recorded signatures.
var ErrNotFound = errors.New("manifest: not found")

// ErrInvalidVersion is returned when a non-empty Signature.Version does not
// parse as semver.
var ErrInvalidVersion = errors.New("manifest: version is not valid semver")

// validateVersion rejects a non-empty, non-semver Version rather than
// silently persisting an opaque string that later version comparisons
// (upgrade.Engine's monotonic check) could never order.
func validateVersion(version string) error {
	if version == "" {
		return nil
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, version, err)
	}
	return nil
}

// LatestVersion returns the highest semver Version among sigs, and false if
// none of them carry a parseable version.
func LatestVersion(sigs []*Signature) (*semver.Version, bool) {
	var latest *semver.Version
	for _, s := range sigs {
		v, err := semver.NewVersion(s.Version)
		if err != nil {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest, latest != nil
}

// Registry persists and lists ManifestSignature rows.
type Registry interface {
	// Insert writes sig, assigning an ID if absent, and returns the
	// persisted row.
	Insert(ctx context.Context, sig Signature) (*Signature, error)
	// List returns all signatures for manifestID ordered by ts ascending.
	List(ctx context.Context, manifestID string) ([]*Signature, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS manifest_signatures (
	id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL,
	signer_id TEXT NOT NULL,
	signature TEXT NOT NULL,
	version TEXT,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS manifest_signatures_manifest_id_idx ON manifest_signatures (manifest_id, ts ASC);
`

// PostgresRegistry is the production Manifest Registry backend.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry constructs a PostgresRegistry bound to db.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// Init creates the manifest_signatures table if it does not already exist.
func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, postgresSchema)
	return err
}

func (r *PostgresRegistry) Insert(ctx context.Context, sig Signature) (*Signature, error) {
	if err := validateVersion(sig.Version); err != nil {
		return nil, err
	}
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO manifest_signatures (id, manifest_id, signer_id, signature, version, ts)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sig.ID, sig.ManifestID, sig.SignerID, sig.Signature, sig.Version, sig.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("manifest: insert: %w", err)
	}
	return &sig, nil
}

func (r *PostgresRegistry) List(ctx context.Context, manifestID string) ([]*Signature, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, manifest_id, signer_id, signature, version, ts
		FROM manifest_signatures WHERE manifest_id = $1 ORDER BY ts ASC
	`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("manifest: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Signature
	for rows.Next() {
		var s Signature
		var version sql.NullString
		if err := rows.Scan(&s.ID, &s.ManifestID, &s.SignerID, &s.Signature, &version, &s.Timestamp); err != nil {
			return nil, err
		}
		s.Version = version.String
		out = append(out, &s)
	}
	return out, rows.Err()
}
