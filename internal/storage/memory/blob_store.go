// Package memory stores page snapshots in memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = body
	s.contentTypes[path] = contentType
	return "memory://" + path, nil
}

// Get returns a copy of the stored object and its content type.
func (s *BlobStore) Get(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), body...), s.contentTypes[path], true
}

// Paths lists stored object paths in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.data))
	for p := range s.data {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
