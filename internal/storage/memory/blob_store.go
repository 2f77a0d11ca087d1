// Package memory provides in-process storage backends for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
)

// BlobStore stores blobs in a map. The first write to a path wins.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// PutObject stores a copy of data unless path is already taken.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (bool, error) {
	if path == "" {
		return false, fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; ok {
		return false, nil
	}
	s.data[path] = append([]byte(nil), data...)
	return true, nil
}

// GetObject returns a copy of the blob stored under path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether path holds a blob.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[path]
	return ok, nil
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ crawler.BlobStore = (*BlobStore)(nil)
