// Package gcs archives run summaries to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config captures the bucket and the key prefix every object is written under.
type Config struct {
	Bucket string
	Prefix string
	// CheckBucket fetches the bucket attributes on Open to fail fast on bad
	// credentials or a missing bucket.
	CheckBucket bool
}

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// Open creates a client from Application Default Credentials and wraps it.
// The returned store owns the client and closes it on Close.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, opts ...option.ClientOption) (*BlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		closeClient(client, logger)
		return nil, err
	}
	store.owned = true
	if cfg.CheckBucket {
		if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
			closeClient(client, logger)
			return nil, fmt.Errorf("get gcs bucket %q attributes: %w", cfg.Bucket, err)
		}
	}
	return store, nil
}

func closeClient(client *storage.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("close gcs client", zap.Error(err))
	}
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName maps a work-relative path onto the bucket key.
func (s *BlobStore) ObjectName(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errors.New("path is required")
	}
	clean := path.Clean("/" + rel)[1:]
	if clean == "" || strings.Contains(rel, "..") {
		return "", fmt.Errorf("invalid object path %q", rel)
	}
	if s.prefix == "" {
		return clean, nil
	}
	return s.prefix + "/" + clean, nil
}

// PutObject uploads body and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, rel string, contentType string, body io.Reader) (string, error) {
	name, err := s.ObjectName(rel)
	if err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, body); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// Close releases the client when the store created it.
func (s *BlobStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
