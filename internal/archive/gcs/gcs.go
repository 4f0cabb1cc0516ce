// Package gcs archives raw feed bodies in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/dsn-monitor/internal/archive"
)

// Feed bodies are a few hundred kilobytes at most, so they go up in a single
// request instead of a resumable session.
const singleRequestUpload = 0

// Config names the bucket that receives archived bodies.
type Config struct {
	Bucket string
}

// BlobStore writes archived feed bodies to a GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ archive.BlobStore = (*BlobStore)(nil)

// New wraps client. The caller hands ownership of client to the store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("archive.bucket is required for the gcs backend")
	}
	return &BlobStore{client: client, bucket: bucket}, nil
}

// PutObject uploads one feed body with its cycle metadata and returns a
// gs:// URI. The object's custom time is the fetch time, so bucket lifecycle
// rules can age out old cycles.
func (s *BlobStore) PutObject(ctx context.Context, obj archive.Object, r io.Reader) (string, error) {
	if strings.TrimSpace(obj.Key) == "" {
		return "", errors.New("object key is required")
	}
	w := s.client.Bucket(s.bucket).Object(obj.Key).NewWriter(ctx)
	w.ChunkSize = singleRequestUpload
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if at, err := time.Parse(time.RFC3339, obj.Metadata["fetched_at"]); err == nil {
		w.CustomTime = at
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", obj.Key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", obj.Key, err)
	}
	return "gs://" + s.bucket + "/" + obj.Key, nil
}

// Close releases the storage client.
func (s *BlobStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}
