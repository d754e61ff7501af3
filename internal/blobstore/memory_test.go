package blobstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gnar-go/internal/feed"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.DownloadURL(ctx, "content/a.jpg"); !errors.Is(err, feed.ErrNotFound) {
		t.Fatalf("DownloadURL() before upload error = %v, want ErrNotFound", err)
	}

	if err := s.Upload(ctx, "content/a.jpg", strings.NewReader("jpeg"), 4); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	got, err := s.DownloadURL(ctx, "content/a.jpg")
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}
	if got != "memory://blobs/content/a.jpg" {
		t.Errorf("DownloadURL() = %q, want memory://blobs/content/a.jpg", got)
	}
	if data, ok := s.Bytes("content/a.jpg"); !ok || string(data) != "jpeg" {
		t.Errorf("Bytes() = %q, %v", data, ok)
	}
}

func TestMemoryStore_SizeMismatch(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Upload(context.Background(), "content/a.jpg", strings.NewReader("jpeg"), 10); err == nil {
		t.Error("Upload() error = nil, want size mismatch")
	}
	if _, ok := s.Bytes("content/a.jpg"); ok {
		t.Error("blob stored despite size mismatch")
	}
}
