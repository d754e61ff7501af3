// Package viewbridge serves live feeds to out-of-process renderers over
// websockets. Each connection gets its own feed; the materialized list is
// pushed as a JSON frame after every change, and the renderer reports
// visibility and user actions back on the same socket.
package viewbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"gnar-go/internal/feed"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	shutdownTimeout     = 5 * time.Second
)

// FeedPath is the websocket endpoint. The query parameters author and tag
// select the author and tag feeds; with neither the home feed is served.
const FeedPath = "/feed"

// Feeds hands out feeds for connecting renderers.
type Feeds interface {
	Handle() string
	HomeFeed() *feed.Feed
	AuthorFeed(handle string) *feed.Feed
	TagFeed(tag string) *feed.Feed

	// Release stops a feed obtained from this Feeds and forgets it.
	Release(f *feed.Feed)
}

// Options tunes a Server. Zero values select defaults.
type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Server is the websocket view bridge.
type Server struct {
	feeds    Feeds
	logger   feed.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a bridge serving feeds.
func NewServer(feeds Feeds, logger feed.Logger, opts Options) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Server{
		feeds:  feeds,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler exposing FeedPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(FeedPath, s.serveFeed)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("view bridge listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return fmt.Errorf("serving view bridge: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down view bridge: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving view bridge: %w", err)
	}
	return nil
}

func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	author, tag := q.Get("author"), q.Get("tag")
	if author != "" && tag != "" {
		http.Error(w, "author and tag are mutually exclusive", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	var f *feed.Feed
	switch {
	case author != "":
		f = s.feeds.AuthorFeed(author)
	case tag != "":
		f = s.feeds.TagFeed(tag)
	default:
		f = s.feeds.HomeFeed()
	}
	defer s.feeds.Release(f)

	c := newConn(ws, f, s.feeds.Handle(), s.logger, s.opts)
	s.logger.Info("renderer connected", "remote", r.RemoteAddr, "author", author, "tag", tag)
	if err := c.run(r.Context()); err != nil {
		s.logger.Debug("renderer connection ended", "remote", r.RemoteAddr, "error", err)
	}
	s.logger.Info("renderer disconnected", "remote", r.RemoteAddr)
}
