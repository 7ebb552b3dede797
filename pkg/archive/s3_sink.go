// Package archive provides ArchiveSink implementations the stream worker
// publishes completed audit events to: each event is JSON-encoded and
// stored under a key derived from a SHA-256 digest of its id and chain
// hash, so a replayed publish of the same event overwrites the same object
// rather than creating a duplicate.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
)

// S3Sink publishes completed audit events to an S3 bucket, one object per
// event keyed by a SHA-256 digest of its id and chain hash.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig configures an S3Sink.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint, e.g. for MinIO/LocalStack
	Prefix   string
}

// NewS3Sink constructs an S3Sink from cfg, loading AWS credentials via the
// default provider chain.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Publish uploads event as a JSON object keyed by objectKey, returning
// the object key for persistence in the audit row's archivedKey column.
func (s *S3Sink) Publish(ctx context.Context, event *audit.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("archive: marshal event: %w", err)
	}

	key := s.objectKey(event)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	return key, nil
}

func (s *S3Sink) objectKey(event *audit.Event) string {
	sum := sha256.Sum256([]byte(event.ID + event.Hash))
	return s.prefix + hex.EncodeToString(sum[:]) + ".json"
}
