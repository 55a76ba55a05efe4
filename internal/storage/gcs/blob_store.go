// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	// CacheControl is applied to every uploaded object when set.
	CacheControl string `mapstructure:"cache_control"`
}

// BlobStore writes documents to a configured GCS bucket. Paths are content
// addressed, so an object that already exists is not uploaded again.
type BlobStore struct {
	client *storage.Client
	cfg    Config
	logger *zap.Logger
}

// NewClient dials GCS and checks that the bucket is reachable, failing fast
// on startup when configuration is wrong. Authentication uses Application
// Default Credentials unless opts override it.
func NewClient(ctx context.Context, bucket string, opts ...option.ClientOption) (*storage.Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to get GCS bucket %q attributes: %w", bucket, err)
	}
	return client, nil
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobStore{
		client: client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// PutObject uploads r to path unless the object already exists, and returns
// its gs:// URI either way.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path)
	obj := s.client.Bucket(s.cfg.Bucket).Object(path)

	switch _, err := obj.Attrs(ctx); {
	case err == nil:
		s.logger.Debug("object already stored", zap.String("uri", uri))
		return uri, nil
	case !errors.Is(err, storage.ErrObjectNotExist):
		return "", fmt.Errorf("stat object: %w", err)
	}

	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if s.cfg.CacheControl != "" {
		writer.CacheControl = s.cfg.CacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}
