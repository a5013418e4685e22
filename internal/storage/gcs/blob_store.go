// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and an optional object prefix.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path, e.g. "aggregator/".
	Prefix string
	// CacheControl is set on uploaded objects when non-empty.
	CacheControl string
}

// objectWriter is the slice of *storage.Writer used by PutObject.
type objectWriter interface {
	io.Writer
	Close() error
}

// BlobStore writes challenge snapshots to a GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
	// open is replaced in tests.
	open func(ctx context.Context, object, contentType string) objectWriter
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	s := &BlobStore{client: client, cfg: cfg}
	s.open = s.newWriter
	return s, nil
}

func (s *BlobStore) newWriter(ctx context.Context, object, contentType string) objectWriter {
	w := s.client.Bucket(s.cfg.Bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if s.cfg.CacheControl != "" {
		w.CacheControl = s.cfg.CacheControl
	}
	return w
}

// ObjectName maps a logical path to the stored object name.
func (s *BlobStore) ObjectName(p string) string {
	return path.Join(strings.Trim(s.cfg.Prefix, "/"), strings.TrimLeft(p, "/"))
}

// PutObject uploads r and returns a gs:// URI. The object is only committed
// when the writer closes cleanly.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	object := s.ObjectName(p)
	w := s.open(ctx, object, contentType)
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", object, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, object), nil
}
