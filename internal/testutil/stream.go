package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"gnar-go/internal/feed"
)

// ScriptedStore is a DocumentStore whose change streams are driven by the
// test: every Watch opens a ScriptedStream the test pushes snapshots into.
// All other calls go to the wrapped store.
type ScriptedStore struct {
	feed.DocumentStore

	opened chan *ScriptedStream
}

// NewScriptedStore wraps backing, which serves every call except Watch.
func NewScriptedStore(backing feed.DocumentStore) *ScriptedStore {
	return &ScriptedStore{DocumentStore: backing, opened: make(chan *ScriptedStream, 16)}
}

func (s *ScriptedStore) Watch(ctx context.Context, q feed.Query) (feed.ChangeStream, error) {
	st := &ScriptedStream{
		Query:  q,
		events: make(chan scriptedEvent, 16),
		done:   make(chan struct{}),
	}
	s.opened <- st
	return st, nil
}

// NextStream returns the next stream opened by Watch, failing the test if
// none is opened within two seconds.
func (s *ScriptedStore) NextStream(t *testing.T) *ScriptedStream {
	t.Helper()
	select {
	case st := <-s.opened:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("no change stream opened")
		return nil
	}
}

type scriptedEvent struct {
	snap feed.Snapshot
	err  error
}

// ScriptedStream is a change stream yielding exactly what the test pushes.
type ScriptedStream struct {
	Query feed.Query

	events    chan scriptedEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Push queues a snapshot for Next.
func (s *ScriptedStream) Push(snap feed.Snapshot) {
	s.events <- scriptedEvent{snap: snap}
}

// Fail queues an error for Next.
func (s *ScriptedStream) Fail(err error) {
	s.events <- scriptedEvent{err: err}
}

func (s *ScriptedStream) Next(ctx context.Context) (feed.Snapshot, error) {
	select {
	case <-ctx.Done():
		return feed.Snapshot{}, ctx.Err()
	case <-s.done:
		return feed.Snapshot{}, feed.ErrClosed
	case ev := <-s.events:
		return ev.snap, ev.err
	}
}

func (s *ScriptedStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Closed reports whether Close has been called.
func (s *ScriptedStream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// PostRecord builds a post record with the given server timestamp, in seconds
// after the fixed clock. A negative ts builds a record whose timestamp is
// still pending.
func PostRecord(id, author, filename string, ts int) feed.Record {
	rec := feed.Record{
		ID: id,
		Fields: feed.Fields{
			"username": author,
			"text":     "post " + id,
			"filename": filename,
		},
	}
	if ts >= 0 {
		at := FixedClock().Now().Add(time.Duration(ts) * time.Second)
		rec.CreatedAt = &at
	}
	return rec
}

// Snap builds a snapshot from records.
func Snap(recs ...feed.Record) feed.Snapshot {
	return feed.Snapshot{Records: recs}
}
