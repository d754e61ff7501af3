package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"gnar-go/internal/feed"
)

// MemoryStore is an in-memory implementation of feed.BlobStore.
// URLs use the memory:// scheme and are only meaningful to tests.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// DownloadURL returns memory://blobs/<path> for uploaded blobs.
func (m *MemoryStore) DownloadURL(ctx context.Context, path string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.blobs[path]; !ok {
		return "", fmt.Errorf("blob %s: %w", path, feed.ErrNotFound)
	}
	return (&url.URL{Scheme: "memory", Host: "blobs", Path: "/" + path}).String(), nil
}

// Upload stores the blob, replacing any existing one.
func (m *MemoryStore) Upload(ctx context.Context, path string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = data
	return nil
}

// Bytes returns the stored blob and whether it exists.
func (m *MemoryStore) Bytes(path string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[path]
	return data, ok
}

// ValidateSetup always succeeds for the in-memory store.
func (m *MemoryStore) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ feed.BlobStore = (*MemoryStore)(nil)
