package feed

import (
	"context"
	"errors"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrentResolves bounds media resolutions in flight per snapshot.
const DefaultMaxConcurrentResolves = 16

// errStale is returned by Apply when the materializer was stopped or reset
// while the snapshot was being materialized.
var errStale = errors.New("materialization discarded")

// PublishFunc observes every published list together with the Seq of the
// snapshot it was built from. It runs while the materializer holds its write
// lock, so it must not call back into the materializer.
type PublishFunc func(items []FeedItem, seq uint64)

// Materializer turns raw snapshots into the ordered FeedItem list the view
// layer renders. Apply must be called with snapshots in delivery order and
// never concurrently; the subscription manager guarantees both.
type Materializer struct {
	resolver Resolver
	logger   Logger
	limit    int

	mu      sync.RWMutex
	gen     uint64
	stopped bool
	items   []FeedItem
	index   map[string]int
	// unresolved holds IDs whose media failed to resolve and must be retried.
	unresolved map[string]bool
	hooks      []PublishFunc
}

// NewMaterializer creates a materializer resolving media through resolver.
// maxConcurrent <= 0 selects DefaultMaxConcurrentResolves.
func NewMaterializer(resolver Resolver, logger Logger, maxConcurrent int) *Materializer {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentResolves
	}
	return &Materializer{
		resolver:   resolver,
		logger:     logger,
		limit:      maxConcurrent,
		index:      make(map[string]int),
		unresolved: make(map[string]bool),
	}
}

// OnPublish registers fn to observe every published list.
func (m *Materializer) OnPublish(fn PublishFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Apply materializes snap and publishes the result. Records without a
// server timestamp are skipped, duplicate IDs keep their first occurrence,
// and server order is preserved. Items whose filename did not change keep
// their previously resolved URL; the rest are resolved concurrently. A
// media resolution failure leaves that item without media.
//
// If ctx ends, or Stop or Reset is called before the list is published,
// the result is discarded and nothing is published.
func (m *Materializer) Apply(ctx context.Context, snap Snapshot) error {
	m.mu.RLock()
	gen := m.gen
	stopped := m.stopped
	prev := make(map[string]FeedItem, len(m.items))
	for _, it := range m.items {
		if !m.unresolved[it.Post.ID] {
			prev[it.Post.ID] = it
		}
	}
	m.mu.RUnlock()
	if stopped {
		return errStale
	}

	posts := make([]Post, 0, len(snap.Records))
	seen := make(map[string]bool, len(snap.Records))
	for _, rec := range snap.Records {
		if rec.CreatedAt == nil {
			continue
		}
		if seen[rec.ID] {
			m.logger.Warn("duplicate record in snapshot", "id", rec.ID)
			continue
		}
		seen[rec.ID] = true

		p, err := DecodePost(rec)
		if err != nil {
			m.logger.Warn("skipping undecodable record", "id", rec.ID, "error", err)
			continue
		}
		posts = append(posts, p)
	}

	items := make([]FeedItem, len(posts))
	failed := make([]bool, len(posts))

	g := new(errgroup.Group)
	g.SetLimit(m.limit)
	for i, p := range posts {
		items[i].Post = p
		if old, ok := prev[p.ID]; ok && old.Post.Filename == p.Filename {
			items[i].MediaURL = old.MediaURL
			items[i].MediaKind = old.MediaKind
			continue
		}
		if p.Filename == "" {
			continue
		}

		g.Go(func() error {
			url, err := m.resolver.Resolve(ctx, p.Filename)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				m.logger.Warn("media resolution failed", "id", p.ID, "filename", p.Filename, "error", err)
				failed[i] = true
				return nil
			}
			items[i].MediaURL = url
			items[i].MediaKind = MediaKindOf(p.Filename)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unresolved := make(map[string]bool)
	for i, f := range failed {
		if f {
			unresolved[posts[i].ID] = true
		}
	}
	return m.publish(gen, snap.Seq, items, unresolved)
}

func (m *Materializer) publish(gen, seq uint64, items []FeedItem, unresolved map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.gen != gen {
		return errStale
	}

	index := make(map[string]int, len(items))
	for i, it := range items {
		index[it.Post.ID] = i
	}
	m.items = items
	m.index = index
	m.unresolved = unresolved

	for _, fn := range m.hooks {
		fn(items, seq)
	}
	return nil
}

// Items returns a copy of the last published list.
func (m *Materializer) Items() []FeedItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.items)
}

// View runs fn with the last published list while holding the read lock,
// so no publish can interleave with fn. fn must not retain items.
func (m *Materializer) View(fn func(items []FeedItem)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.items)
}

// Lookup returns the published post with the given ID.
func (m *Materializer) Lookup(id string) (Post, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.index[id]
	if !ok {
		return Post{}, false
	}
	return m.items[i].Post.Clone(), true
}

// Reset discards the published list and any materialization in flight.
func (m *Materializer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopped = false
	m.items = nil
	m.index = make(map[string]int)
	m.unresolved = make(map[string]bool)
}

// Stop discards any materialization in flight and rejects later snapshots.
// The last published list stays readable.
func (m *Materializer) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.stopped = true
}
