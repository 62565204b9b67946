// Package gcs stores artifacts in a Google Cloud Storage bucket.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Config names the destination bucket.
type Config struct {
	Bucket string
}

// BlobStore implements scrape.BlobStore on GCS.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New returns a BlobStore for cfg.Bucket.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

func (s *BlobStore) object(path string) (*storage.ObjectHandle, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, errors.New("path is required")
	}
	return s.bucket.Object(path), nil
}

// PutObject uploads data and returns its gs:// URI. An artifact regenerated
// for the same job replaces the previous object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	obj, err := s.object(path)
	if err != nil {
		return "", err
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "private, no-store"
	if len(data) < googleapi.DefaultUploadChunkSize {
		// Small artifacts go up in a single request.
		writer.ChunkSize = 0
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("upload %s: %w", obj.ObjectName(), err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", obj.ObjectName(), err)
	}
	return URI(s.name, obj.ObjectName()), nil
}

// DeleteObject removes an object. A missing object is reported as scrape.ErrNotFound.
func (s *BlobStore) DeleteObject(ctx context.Context, path string) error {
	obj, err := s.object(path)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %s: %w", obj.ObjectName(), scrape.ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", obj.ObjectName(), err)
	}
	return nil
}

// URI formats the gs:// location of an object.
func URI(bucket, path string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, strings.TrimPrefix(path, "/"))
}
