//go:build gcp

package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
)

// GCSSink publishes completed audit events to a GCS bucket, one object per
// event keyed by a SHA-256 digest of its id and chain hash. Built only with
// -tags gcp, matching this
// codebase's practice of keeping cloud-specific client deps out of the
// default build.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig configures a GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink constructs a GCSSink using application default credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish uploads event as a JSON object keyed by objectKey.
func (s *GCSSink) Publish(ctx context.Context, event *audit.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("archive: marshal event: %w", err)
	}

	key := s.objectKey(event)
	obj := s.client.Bucket(s.bucket).Object(key)
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSSink) objectKey(event *audit.Event) string {
	sum := sha256.Sum256([]byte(event.ID + event.Hash))
	return s.prefix + hex.EncodeToString(sum[:]) + ".json"
}

// Close releases the underlying GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
