package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Options configures a Feed.
type Options struct {
	Query                 Query
	VisibilityThreshold   float64
	MaxConcurrentResolves int
}

// Feed is one live feed view: a subscription feeding a materializer, a
// viewability tracker for autoplay, and the shared mutation coordinator.
type Feed struct {
	opts    Options
	subs    *SubscriptionManager
	mat     *Materializer
	tracker *ViewabilityTracker
	coord   *MutationCoordinator
	logger  Logger

	listeners listenerSet

	mu          sync.Mutex
	unsubscribe Unsubscribe
	removeCoord func()
	err         error
}

// New creates a feed. Call Start to begin synchronizing.
func New(subs *SubscriptionManager, resolver Resolver, coord *MutationCoordinator, logger Logger, opts Options) *Feed {
	f := &Feed{
		opts:    opts,
		subs:    subs,
		mat:     NewMaterializer(resolver, logger, opts.MaxConcurrentResolves),
		tracker: NewViewabilityTracker(opts.VisibilityThreshold),
		coord:   coord,
		logger:  logger,
	}
	f.mat.OnPublish(func(items []FeedItem, seq uint64) {
		ids := make([]string, len(items))
		for i, it := range items {
			ids[i] = it.Post.ID
		}
		coord.Reconcile(ids, seq)
	})
	f.tracker.OnChange(f.notify)
	return f
}

// Start subscribes to the feed query. The first snapshot is materialized
// asynchronously; listeners registered with OnChange are told when it lands.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribe != nil {
		return nil
	}

	f.mat.Reset()
	f.err = nil
	unsub, err := f.subs.Subscribe(ctx, f.opts.Query, f.onSnapshot, f.onError)
	if err != nil {
		return fmt.Errorf("starting feed: %w", err)
	}
	f.unsubscribe = unsub
	f.removeCoord = f.coord.OnChange(f.notify)
	return nil
}

// Stop ends the subscription. No materialization started before Stop will
// publish afterwards. The last published list stays readable.
func (f *Feed) Stop() {
	f.mu.Lock()
	unsub := f.unsubscribe
	removeCoord := f.removeCoord
	f.unsubscribe = nil
	f.removeCoord = nil
	f.mu.Unlock()

	if unsub == nil {
		return
	}
	f.mat.Stop()
	unsub()
	removeCoord()
}

func (f *Feed) onSnapshot(ctx context.Context, snap Snapshot) {
	if err := f.mat.Apply(ctx, snap); err != nil {
		if !errors.Is(err, errStale) && ctx.Err() == nil {
			f.logger.Warn("materialization failed", "collection", f.opts.Query.Collection, "error", err)
		}
		return
	}
	f.notify()
}

func (f *Feed) onError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.notify()
}

// Err returns the subscription error that killed the feed, if any.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Items returns the rendered feed: the last published list with optimistic
// overlays and visibility applied.
func (f *Feed) Items() []FeedItem {
	var out []FeedItem
	f.mat.View(func(items []FeedItem) {
		out = make([]FeedItem, len(items))
		for i, it := range items {
			it.Post = f.coord.Overlay(it.Post)
			it.InView = f.tracker.IsVisible(it.Post.ID)
			out[i] = it
		}
	})
	return out
}

// Tracker returns the feed's viewability tracker.
func (f *Feed) Tracker() *ViewabilityTracker { return f.tracker }

// OnChange registers fn to run after every publish, overlay change,
// visibility change or subscription error. The returned func unregisters it.
func (f *Feed) OnChange(fn func()) func() {
	return f.listeners.add(fn)
}

func (f *Feed) notify() { f.listeners.notify() }

// ToggleLike likes or unlikes a post in the feed as the viewer.
func (f *Feed) ToggleLike(ctx context.Context, postID string) error {
	p, err := f.lookup(postID)
	if err != nil {
		return err
	}
	return f.coord.ToggleLike(ctx, p)
}

// SetLike likes or unlikes a post in the feed as the viewer.
func (f *Feed) SetLike(ctx context.Context, postID string, liked bool) error {
	p, err := f.lookup(postID)
	if err != nil {
		return err
	}
	return f.coord.SetLike(ctx, p, liked)
}

// AddComment comments on a post in the feed as the viewer.
func (f *Feed) AddComment(ctx context.Context, postID, text string) error {
	p, err := f.lookup(postID)
	if err != nil {
		return err
	}
	return f.coord.AddComment(ctx, p, text)
}

// DeleteComment deletes one of the viewer's comments from a post in the feed.
func (f *Feed) DeleteComment(ctx context.Context, postID string, c Comment) error {
	p, err := f.lookup(postID)
	if err != nil {
		return err
	}
	return f.coord.DeleteComment(ctx, p, c)
}

func (f *Feed) lookup(postID string) (Post, error) {
	p, ok := f.mat.Lookup(postID)
	if !ok {
		return Post{}, fmt.Errorf("post %s: %w", postID, ErrNotFound)
	}
	return p, nil
}
