package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"gnar-go/internal/feed"
)

// waitFor polls cond until it holds, failing the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func itemIDs(items []feed.FeedItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Post.ID
	}
	return ids
}

// countingResolver resolves every filename to "url:<filename>" without
// caching, counting calls per filename.
type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingResolver() *countingResolver {
	return &countingResolver{calls: make(map[string]int), fail: make(map[string]error)}
}

func (r *countingResolver) Resolve(ctx context.Context, filename string) (string, error) {
	if filename == "" {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[filename]++
	if err := r.fail[filename]; err != nil {
		return "", &feed.ResolutionError{Filename: filename, Err: err}
	}
	return "url:" + filename, nil
}

func (r *countingResolver) setFail(filename string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, filename)
		return
	}
	r.fail[filename] = err
}

func (r *countingResolver) count(filename string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[filename]
}
