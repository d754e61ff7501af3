package docstore

import (
	"context"
	"sync"

	"gnar-go/internal/feed"
)

// hub fans write notifications out to open change streams. Notifications
// coalesce: a stream that has not caught up yet is marked dirty once, and
// its next read loads the latest full state of its query.
type hub struct {
	mu      sync.Mutex
	streams map[*stream]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{streams: make(map[*stream]struct{})}
}

type loadFunc func(ctx context.Context) (feed.Snapshot, error)

func (h *hub) open(collection string, load loadFunc) (*stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, feed.ErrClosed
	}

	s := &stream{
		hub:        h,
		collection: collection,
		load:       load,
		dirty:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	h.streams[s] = struct{}{}
	return s, nil
}

// notify marks every stream watching collection as dirty.
func (h *hub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.streams {
		if s.collection != collection {
			continue
		}
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

func (h *hub) remove(s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, s)
}

// close ends every open stream and refuses new ones.
func (h *hub) close() {
	h.mu.Lock()
	streams := make([]*stream, 0, len(h.streams))
	for s := range h.streams {
		streams = append(streams, s)
	}
	h.closed = true
	h.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// stream implements feed.ChangeStream on top of a hub.
type stream struct {
	hub        *hub
	collection string
	load       loadFunc

	dirty     chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
}

var _ feed.ChangeStream = (*stream)(nil)

func (s *stream) Next(ctx context.Context) (feed.Snapshot, error) {
	s.mu.Lock()
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if !first {
		select {
		case <-ctx.Done():
			return feed.Snapshot{}, ctx.Err()
		case <-s.done:
			return feed.Snapshot{}, feed.ErrClosed
		case <-s.dirty:
		}
	}

	select {
	case <-s.done:
		return feed.Snapshot{}, feed.ErrClosed
	default:
	}
	seq := feed.BeginRead()
	snap, err := s.load(ctx)
	if err != nil {
		return feed.Snapshot{}, err
	}
	snap.Seq = seq
	return snap, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
	return nil
}
