package feed

import (
	"context"
	"path"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MediaPrefix is the blob store directory uploaded media lives under.
const MediaPrefix = "content"

// Resolver turns a stored media filename into a fetchable URL.
type Resolver interface {
	Resolve(ctx context.Context, filename string) (string, error)
}

// MediaResolver resolves filenames through a BlobStore and memoizes the
// results for the lifetime of the resolver. Filenames name immutable uploads,
// so entries are never invalidated. Concurrent requests for the same
// filename share a single blob store call.
type MediaResolver struct {
	blobs   BlobStore
	logger  Logger
	timeout time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

// NewMediaResolver creates a resolver over blobs. A positive timeout bounds
// each underlying blob store call.
func NewMediaResolver(blobs BlobStore, logger Logger, timeout time.Duration) *MediaResolver {
	return &MediaResolver{
		blobs:   blobs,
		logger:  logger,
		timeout: timeout,
		cache:   make(map[string]string),
	}
}

// Resolve returns the URL for filename. The empty filename means "no media"
// and resolves to the empty URL without any I/O. Failures are returned as
// *ResolutionError and are not cached, so a later call retries.
//
// A caller whose ctx ends stops waiting, but the shared call keeps running
// for the other waiters.
func (r *MediaResolver) Resolve(ctx context.Context, filename string) (string, error) {
	if filename == "" {
		return "", nil
	}
	if url, ok := r.cached(filename); ok {
		return url, nil
	}

	ch := r.group.DoChan(filename, func() (any, error) {
		// A call for the same key may have finished between the cache check and DoChan.
		if url, ok := r.cached(filename); ok {
			return url, nil
		}

		callCtx := context.WithoutCancel(ctx)
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, r.timeout)
			defer cancel()
		}

		url, err := r.blobs.DownloadURL(callCtx, path.Join(MediaPrefix, filename))
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		r.cache[filename] = url
		r.mu.Unlock()

		r.logger.Debug("media resolved", "filename", filename)
		return url, nil
	})

	select {
	case <-ctx.Done():
		return "", &ResolutionError{Filename: filename, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return "", &ResolutionError{Filename: filename, Err: res.Err}
		}
		return res.Val.(string), nil
	}
}

// Cached reports the memoized URL for filename, if any.
func (r *MediaResolver) Cached(filename string) (string, bool) {
	return r.cached(filename)
}

func (r *MediaResolver) cached(filename string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	url, ok := r.cache[filename]
	return url, ok
}

var _ Resolver = (*MediaResolver)(nil)
