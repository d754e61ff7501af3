package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when a document or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned by change streams and stores after Close.
	ErrClosed = errors.New("closed")

	// ErrInvalidPost is returned when a post or comment fails validation.
	ErrInvalidPost = errors.New("invalid post")

	// ErrInvalidProfile is returned when a profile update fails validation.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrNotOwner is returned when a user tries to delete someone else's post.
	ErrNotOwner = errors.New("not the owner")
)

// SubscriptionError reports a broken change stream. The subscription that
// produced it is dead and will not deliver further snapshots.
type SubscriptionError struct {
	Query Query
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription to %s failed: %v", e.Query.Collection, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ResolutionError reports a media filename that could not be turned into a URL.
type ResolutionError struct {
	Filename string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving media %q: %v", e.Filename, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// MutationError reports a failed remote write. The local overlay for the
// mutation has already been rolled back when it is returned.
type MutationError struct {
	Op     string
	PostID string
	Err    error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("%s on post %s failed: %v", e.Op, e.PostID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }
