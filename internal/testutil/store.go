package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"gnar-go/internal/docstore"
	"gnar-go/internal/feed"
)

// NewTestStore creates an in-memory document store stamping writes with a
// ticking clock. The store is closed when the test completes.
func NewTestStore(t *testing.T) *docstore.MemoryStore {
	t.Helper()
	s := docstore.NewMemoryStore(NewTickingClock(FixedClock().Now(), time.Second))
	t.Cleanup(func() { s.Close() })
	return s
}

// FailingStore wraps a DocumentStore and fails or holds Update calls on
// chosen collections. Every completed Update is recorded.
type FailingStore struct {
	feed.DocumentStore

	mu      sync.Mutex
	fail    map[string]error
	gates   map[string]chan struct{}
	started chan RecordedUpdate
	updates []RecordedUpdate
}

// RecordedUpdate is one Update call seen by a FailingStore.
type RecordedUpdate struct {
	Collection string
	ID         string
	Ops        []feed.FieldOp
	Err        error
}

// NewFailingStore wraps store.
func NewFailingStore(store feed.DocumentStore) *FailingStore {
	return &FailingStore{
		DocumentStore: store,
		fail:          make(map[string]error),
		gates:         make(map[string]chan struct{}),
		started:       make(chan RecordedUpdate, 64),
	}
}

// HoldUpdates makes Update calls on collection block until ReleaseUpdates.
func (s *FailingStore) HoldUpdates(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gates[collection] == nil {
		s.gates[collection] = make(chan struct{})
	}
}

// ReleaseUpdates unblocks held calls on collection and lets later ones through.
func (s *FailingStore) ReleaseUpdates(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate := s.gates[collection]; gate != nil {
		close(gate)
		delete(s.gates, collection)
	}
}

// UpdateStarted receives every Update call as it starts, before any hold.
func (s *FailingStore) UpdateStarted() <-chan RecordedUpdate {
	return s.started
}

// FailUpdates makes Update on collection return err. A nil err clears it.
func (s *FailingStore) FailUpdates(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, collection)
		return
	}
	s.fail[collection] = err
}

func (s *FailingStore) Update(ctx context.Context, collection, id string, ops ...feed.FieldOp) error {
	s.mu.Lock()
	err := s.fail[collection]
	gate := s.gates[collection]
	s.mu.Unlock()

	select {
	case s.started <- RecordedUpdate{Collection: collection, ID: id, Ops: ops}:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err == nil {
		err = s.DocumentStore.Update(ctx, collection, id, ops...)
	}

	s.mu.Lock()
	s.updates = append(s.updates, RecordedUpdate{Collection: collection, ID: id, Ops: ops, Err: err})
	s.mu.Unlock()
	return err
}

// Updates returns every recorded Update call.
func (s *FailingStore) Updates() []RecordedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}
