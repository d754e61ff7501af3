package testutil

import (
	"context"
	"strings"
	"sync"

	"gnar-go/internal/blobstore"
)

// CountingBlobStore is an in-memory blob store that counts DownloadURL calls
// per path. Calls can be held at a gate and failures can be injected.
type CountingBlobStore struct {
	*blobstore.MemoryStore

	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	gate    chan struct{}
	entered chan string
}

// NewCountingBlobStore creates an empty store.
func NewCountingBlobStore() *CountingBlobStore {
	return &CountingBlobStore{
		MemoryStore: blobstore.NewMemoryStore(),
		calls:       make(map[string]int),
		fail:        make(map[string]error),
		entered:     make(chan string, 256),
	}
}

// Put uploads data at path, panicking on failure.
func (s *CountingBlobStore) Put(path, data string) {
	if err := s.Upload(context.Background(), path, strings.NewReader(data), int64(len(data))); err != nil {
		panic(err)
	}
}

func (s *CountingBlobStore) DownloadURL(ctx context.Context, path string) (string, error) {
	s.mu.Lock()
	s.calls[path]++
	gate := s.gate
	err := s.fail[path]
	s.mu.Unlock()

	select {
	case s.entered <- path:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return s.MemoryStore.DownloadURL(ctx, path)
}

// Calls returns how many times DownloadURL was called for path.
func (s *CountingBlobStore) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// TotalCalls returns the number of DownloadURL calls across all paths.
func (s *CountingBlobStore) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// Fail makes DownloadURL for path return err. A nil err clears the failure.
func (s *CountingBlobStore) Fail(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, path)
		return
	}
	s.fail[path] = err
}

// Hold makes every later DownloadURL call block until Release.
func (s *CountingBlobStore) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate == nil {
		s.gate = make(chan struct{})
	}
}

// Release unblocks held calls and lets later calls through.
func (s *CountingBlobStore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Entered receives the path of every DownloadURL call as it starts.
func (s *CountingBlobStore) Entered() <-chan string {
	return s.entered
}
