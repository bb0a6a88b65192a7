// Package gcs provides an archive blob store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// BlobStore writes archived segments and stamps to one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New creates a GCS-backed blob store. The client stays owned by the caller.
func New(client *storage.Client, bucket string) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	if bucket == "" {
		return nil, errors.New("gcs: archive.bucket is required")
	}
	return &BlobStore{bucket: client.Bucket(bucket), name: bucket}, nil
}

// PutObject uploads r to objectPath, replacing any object of the same name,
// and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, objectPath, contentType string, r io.Reader) (string, error) {
	objectPath = strings.TrimPrefix(strings.TrimSpace(objectPath), "/")
	if objectPath == "" {
		return "", errors.New("gcs: object path is required")
	}

	// Canceling the writer's context is the only way to abandon a
	// partially streamed object; Close would commit it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(objectPath).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"writer": "newscrawler"}
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.name, objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.name, objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.name, objectPath), nil
}
