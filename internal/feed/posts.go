package feed

import (
	"context"
	"fmt"
	"io"
	"path"
)

// NewPost describes a post to publish.
type NewPost struct {
	Author string
	Text   string
	Tag    string

	// MediaName is the filename the media is stored under. Empty means no media.
	MediaName string
	Media     io.Reader
	MediaSize int64
}

// PostService creates and deletes posts.
type PostService struct {
	store  DocumentStore
	blobs  BlobStore
	idgen  IDGenerator
	logger Logger
}

func NewPostService(store DocumentStore, blobs BlobStore, idgen IDGenerator, logger Logger) *PostService {
	return &PostService{store: store, blobs: blobs, idgen: idgen, logger: logger}
}

// Create uploads the media, if any, then writes the post document. The
// document's timestamp is assigned by the store, so live feeds show the post
// only once the write is committed. The author's profile is created if it
// does not exist yet, so gnar point tallies have somewhere to land.
func (s *PostService) Create(ctx context.Context, np NewPost) (string, error) {
	post := Post{Author: np.Author, Text: np.Text, Tag: np.Tag, Filename: np.MediaName}
	if err := post.Validate(); err != nil {
		return "", err
	}

	if np.MediaName != "" {
		if np.Media == nil {
			return "", fmt.Errorf("%w: media %q has no content", ErrInvalidPost, np.MediaName)
		}
		if err := s.blobs.Upload(ctx, path.Join(MediaPrefix, np.MediaName), np.Media, np.MediaSize); err != nil {
			return "", fmt.Errorf("uploading media: %w", err)
		}
	}

	if err := s.store.Set(ctx, ProfilesCollection, np.Author, Fields{}); err != nil {
		return "", fmt.Errorf("ensuring profile %s: %w", np.Author, err)
	}

	id := s.idgen.New()
	if err := s.store.Create(ctx, PostsCollection, id, post.Fields()); err != nil {
		return "", fmt.Errorf("creating post: %w", err)
	}

	s.logger.Info("post created", "id", id, "author", np.Author, "media", np.MediaName)
	return id, nil
}

// Delete removes a post written by viewer.
func (s *PostService) Delete(ctx context.Context, viewer, id string) error {
	rec, err := s.store.Get(ctx, PostsCollection, id)
	if err != nil {
		return fmt.Errorf("finding post %s: %w", id, err)
	}
	p, err := DecodePost(*rec)
	if err != nil {
		return err
	}
	if p.Author != viewer {
		return fmt.Errorf("deleting post %s: %w", id, ErrNotOwner)
	}
	if err := s.store.Delete(ctx, PostsCollection, id); err != nil {
		return fmt.Errorf("deleting post %s: %w", id, err)
	}

	s.logger.Info("post deleted", "id", id, "author", viewer)
	return nil
}
