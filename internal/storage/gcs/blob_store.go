// Package gcs archives transcripts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var errNoBucket = errors.New("gcs: bucket name is required")

// Config selects the bucket and, for emulators, the endpoint.
type Config struct {
	Bucket string
	// Endpoint overrides the API endpoint. Requests to an overridden
	// endpoint carry no credentials.
	Endpoint string
}

func (c Config) clientOptions() []option.ClientOption {
	if c.Endpoint == "" {
		return nil
	}
	return []option.ClientOption{option.WithEndpoint(c.Endpoint), option.WithoutAuthentication()}
}

// BlobStore uploads whole objects into one bucket.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs: storage client is required")
	}
	name := strings.TrimSpace(cfg.Bucket)
	if name == "" {
		return nil, errNoBucket
	}
	return &BlobStore{bucket: client.Bucket(name), name: name}, nil
}

// Open dials GCS and fetches the bucket attributes, so a missing bucket or
// bad credentials fail at startup rather than on the first archive. The
// returned func closes the client.
func Open(ctx context.Context, cfg Config) (*BlobStore, func() error, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil, errNoBucket
	}
	client, err := storage.NewClient(ctx, cfg.clientOptions()...)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	bs, err := New(client, cfg)
	if err == nil {
		_, err = bs.bucket.Attrs(ctx)
	}
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("gcs bucket %q: %w", cfg.Bucket, err)
	}
	return bs, client.Close, nil
}

// PutObject streams r into path and returns its gs:// URI. A failed read
// aborts the upload so no partial object is committed.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("gcs: object path is required")
	}
	uploadCtx, abort := context.WithCancel(ctx)
	defer abort()

	w := s.bucket.Object(path).NewWriter(uploadCtx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		abort()
		_ = w.Close()
		return "", fmt.Errorf("gcs upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs commit %s: %w", path, err)
	}
	return "gs://" + s.name + "/" + path, nil
}
