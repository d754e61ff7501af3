package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"gnar-go/internal/blobstore"
	"gnar-go/internal/config"
	"gnar-go/internal/docstore"
	"gnar-go/internal/feed"
)

// Tag and viewability threshold of the gear feed.
const (
	GearTag                 = "Gear"
	GearVisibilityThreshold = 0.75
)

// resolveTimeout bounds each blob store URL lookup.
const resolveTimeout = 30 * time.Second

// Session is the application layer between the CLI and the feed engine.
// It constructs the stores from config and hands out live views that share
// one subscription manager, one media resolver and one mutation coordinator.
// The caller must call Close when done.
type Session struct {
	cfg      *config.Config
	store    feed.DocumentStore
	blobs    feed.BlobStore
	logger   feed.Logger
	subs     *feed.SubscriptionManager
	resolver *feed.MediaResolver
	coord    *feed.MutationCoordinator
	posts    *feed.PostService
	logFile  *os.File
	runID    string

	mu     sync.Mutex
	feeds  []*feed.Feed
	views  []*feed.ProfileView
	closed bool
}

// SessionOptions tunes NewSession.
type SessionOptions struct {
	// Console receives a copy of every log line. Nil logs to the file only.
	Console io.Writer
}

// NewSession creates a fully wired Session from cfg.
func NewSession(ctx context.Context, cfg *config.Config, opts SessionOptions) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	runID := NewRunID()
	logger, logFile, err := newLogger(cfg.LogDir, runID, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	store, err := docstore.NewStoreFromConfig(cfg.Store, feed.RealClock{})
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating document store: %w", err)
	}

	blobs, err := blobstore.NewBlobStoreFromConfig(ctx, cfg.Blob)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	s := NewSessionWith(cfg, store, blobs, &slogAdapter{l: logger}, feed.UUIDGenerator{})
	s.logFile = logFile
	s.runID = runID
	s.logger.Info("session started", "handle", cfg.Handle, "store", cfg.Store.Type, "blob", cfg.Blob.Type)
	return s, nil
}

// NewSessionWith wires a Session around already constructed dependencies.
func NewSessionWith(cfg *config.Config, store feed.DocumentStore, blobs feed.BlobStore, logger feed.Logger, idgen feed.IDGenerator) *Session {
	return &Session{
		cfg:      cfg,
		store:    store,
		blobs:    blobs,
		logger:   logger,
		subs:     feed.NewSubscriptionManager(store, logger),
		resolver: feed.NewMediaResolver(blobs, logger, resolveTimeout),
		coord:    feed.NewMutationCoordinator(store, cfg.Handle, logger),
		posts:    feed.NewPostService(store, blobs, idgen, logger),
	}
}

// Handle returns the user the session acts as.
func (s *Session) Handle() string { return s.cfg.Handle }

// RunID returns the log correlation id of this session.
func (s *Session) RunID() string { return s.runID }

func (s *Session) Config() *config.Config                 { return s.cfg }
func (s *Session) Store() feed.DocumentStore              { return s.store }
func (s *Session) Blobs() feed.BlobStore                  { return s.blobs }
func (s *Session) Posts() *feed.PostService               { return s.posts }
func (s *Session) Coordinator() *feed.MutationCoordinator { return s.coord }
func (s *Session) Logger() feed.Logger                    { return s.logger }

// HomeFeed returns a new, unstarted feed of every post.
func (s *Session) HomeFeed() *feed.Feed {
	return s.newFeed(feed.PostsQuery(), feed.DefaultVisibilityThreshold)
}

// AuthorFeed returns a new, unstarted feed of handle's posts, as shown on a profile.
func (s *Session) AuthorFeed(handle string) *feed.Feed {
	return s.newFeed(feed.AuthorPostsQuery(handle), feed.DefaultVisibilityThreshold)
}

// TagFeed returns a new, unstarted feed of the posts carrying tag. The gear
// feed requires more of an item on screen before it counts as visible.
func (s *Session) TagFeed(tag string) *feed.Feed {
	threshold := feed.DefaultVisibilityThreshold
	if tag == GearTag {
		threshold = GearVisibilityThreshold
	}
	return s.newFeed(feed.TagPostsQuery(tag), threshold)
}

func (s *Session) newFeed(q feed.Query, threshold float64) *feed.Feed {
	if t := s.cfg.Feed.VisibilityThreshold; t > 0 {
		threshold = t
	}
	f := feed.New(s.subs, s.resolver, s.coord, s.logger, feed.Options{
		Query:                 q,
		VisibilityThreshold:   threshold,
		MaxConcurrentResolves: s.cfg.Feed.MaxConcurrentResolves,
	})

	s.mu.Lock()
	s.feeds = append(s.feeds, f)
	s.mu.Unlock()
	return f
}

// Release stops f and drops it from the session.
func (s *Session) Release(f *feed.Feed) {
	f.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = slices.DeleteFunc(s.feeds, func(g *feed.Feed) bool { return g == f })
}

// Profile returns a new, unstarted live view of handle's profile.
func (s *Session) Profile(handle string) *feed.ProfileView {
	v := feed.NewProfileView(handle, s.subs, s.resolver, s.coord, s.logger)
	s.mu.Lock()
	s.views = append(s.views, v)
	s.mu.Unlock()
	return v
}

// ReleaseProfile stops v and drops it from the session.
func (s *Session) ReleaseProfile(v *feed.ProfileView) {
	v.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views = slices.DeleteFunc(s.views, func(w *feed.ProfileView) bool { return w == v })
}

// UpdateProfile edits the session user's profile.
func (s *Session) UpdateProfile(ctx context.Context, update feed.ProfileUpdate) error {
	return feed.UpdateProfile(ctx, s.store, s.blobs, s.cfg.Handle, update)
}

// Close stops every view handed out, then closes the store and the log file.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	feeds, views := s.feeds, s.views
	s.feeds, s.views = nil, nil
	s.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
	for _, v := range views {
		v.Stop()
	}
	s.subs.Close()

	var firstErr error
	if err := s.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing document store: %w", err)
	}
	if s.logFile != nil {
		s.logFile.Close()
	}
	return firstErr
}
