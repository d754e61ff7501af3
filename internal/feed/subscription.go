package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Unsubscribe ends a subscription. It is idempotent, and once it returns no
// further callback of the subscription will run. It must not be called from
// inside one of the subscription's own callbacks.
type Unsubscribe func()

// SnapshotFunc receives every snapshot of a subscription, in delivery order.
// ctx is cancelled when the subscription is cancelled.
type SnapshotFunc func(ctx context.Context, snap Snapshot)

// SubscriptionManager opens and holds live subscriptions to document store queries.
type SubscriptionManager struct {
	store  DocumentStore
	logger Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
}

// NewSubscriptionManager creates a manager over store.
func NewSubscriptionManager(store DocumentStore, logger Logger) *SubscriptionManager {
	return &SubscriptionManager{
		store:  store,
		logger: logger,
		subs:   make(map[uint64]*subscription),
	}
}

// Subscribe opens a change stream for q and delivers each snapshot to
// onSnapshot on a dedicated goroutine, one at a time. onError is called at
// most once, with a *SubscriptionError, after which the subscription is dead.
func (m *SubscriptionManager) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError func(error)) (Unsubscribe, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	stream, err := m.store.Watch(subCtx, q)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s: %w", q.Collection, err)
	}

	s := &subscription{
		id:     id,
		query:  q,
		stream: stream,
		cancel: cancel,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		stream.Close()
		return nil, ErrClosed
	}
	m.subs[id] = s
	m.mu.Unlock()

	m.logger.Debug("subscribed", "collection", q.Collection, "subscription", id)
	go s.run(subCtx, onSnapshot, onError, m.logger)

	return func() {
		s.stop()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}, nil
}

// Active returns the number of live subscriptions.
func (m *SubscriptionManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close cancels every subscription and rejects new ones.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = make(map[uint64]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscription struct {
	id     uint64
	query  Query
	stream ChangeStream
	cancel context.CancelFunc

	// mu is held while a callback runs so stop can wait it out.
	mu        sync.Mutex
	stopped   bool
	closeOnce sync.Once
}

func (s *subscription) run(ctx context.Context, onSnapshot SnapshotFunc, onError func(error), logger Logger) {
	for {
		snap, err := s.stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || (errors.Is(err, ErrClosed) && s.isStopped()) {
				return
			}
			serr := &SubscriptionError{Query: s.query, Err: err}
			logger.Error("subscription failed", "collection", s.query.Collection, "subscription", s.id, "error", err)
			s.deliver(func() {
				if onError != nil {
					onError(serr)
				}
			})
			s.closeOnce.Do(func() { s.stream.Close() })
			return
		}

		if snap.Seq == 0 {
			snap.Seq = BeginRead()
		}
		if !s.deliver(func() { onSnapshot(ctx, snap) }) {
			return
		}
	}
}

// deliver runs fn unless the subscription has been stopped.
func (s *subscription) deliver(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	fn()
	return true
}

func (s *subscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *subscription) stop() {
	// Cancel first so a running callback sees ctx.Done and returns promptly.
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { s.stream.Close() })
}
