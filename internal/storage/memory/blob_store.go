// Package memory keeps generation history and transcripts in-memory for
// development and tests.
package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

const uriScheme = "memory://"

type blob struct {
	contentType string
	data        []byte
}

// BlobStore holds transcripts in a map keyed by object path.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewBlobStore returns an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: map[string]blob{}}
}

// PutObject reads r fully and keeps it under path. Writing the same path
// again replaces the previous object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("memory blob: empty path")
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", fmt.Errorf("memory blob %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.blobs[path] = blob{contentType: contentType, data: buf.Bytes()}
	s.mu.Unlock()
	return uriScheme + path, nil
}

// Object returns a private copy of the bytes stored at path.
func (s *BlobStore) Object(path string) ([]byte, bool) {
	s.mu.RLock()
	b, ok := s.blobs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return bytes.Clone(b.data), true
}

// ContentType reports the content type recorded with path.
func (s *BlobStore) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].contentType
}

// Len reports how many objects are held.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
