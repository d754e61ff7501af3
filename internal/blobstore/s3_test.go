package blobstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"gnar-go/internal/feed"
)

// fakeS3 answers the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	puts    []string
	deletes []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if r.URL.Path == "/media" || f.objects[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		io.Copy(io.Discard, r.Body)
		f.objects[r.URL.Path] = true
		f.puts = append(f.puts, r.URL.Path)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		f.deletes = append(f.deletes, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3Store(t *testing.T, f *fakeS3) *S3Store {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIDTEST", "SECRETTEST", ""),
	}
	return NewS3StoreFromAWSConfig(cfg, S3Options{
		Bucket:   "media",
		Prefix:   "gnar",
		Endpoint: srv.URL,
		URLTTL:   15 * time.Minute,
	})
}

func TestS3Store_DownloadURL(t *testing.T) {
	f := &fakeS3{objects: map[string]bool{"/media/gnar/content/a.jpg": true}}
	s := newTestS3Store(t, f)

	got, err := s.DownloadURL(context.Background(), "content/a.jpg")
	if err != nil {
		t.Fatalf("DownloadURL() error = %v", err)
	}

	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("DownloadURL() returned unparsable url %q: %v", got, err)
	}
	if u.Path != "/media/gnar/content/a.jpg" {
		t.Errorf("presigned path = %q, want /media/gnar/content/a.jpg", u.Path)
	}
	if exp := u.Query().Get("X-Amz-Expires"); exp != "900" {
		t.Errorf("X-Amz-Expires = %q, want 900", exp)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Error("presigned url has no signature")
	}
}

func TestS3Store_DownloadURLNotFound(t *testing.T) {
	s := newTestS3Store(t, &fakeS3{objects: map[string]bool{}})

	_, err := s.DownloadURL(context.Background(), "content/missing.jpg")
	if !errors.Is(err, feed.ErrNotFound) {
		t.Errorf("DownloadURL() error = %v, want ErrNotFound", err)
	}
}

func TestS3Store_Upload(t *testing.T) {
	f := &fakeS3{objects: map[string]bool{}}
	s := newTestS3Store(t, f)
	ctx := context.Background()

	if err := s.Upload(ctx, "content/b.mov", strings.NewReader("movie"), 5); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if len(f.puts) != 1 || f.puts[0] != "/media/gnar/content/b.mov" {
		t.Errorf("puts = %v, want [/media/gnar/content/b.mov]", f.puts)
	}
	if _, err := s.DownloadURL(ctx, "content/b.mov"); err != nil {
		t.Errorf("DownloadURL() after Upload error = %v", err)
	}
}

func TestS3Store_UploadSizeMismatchRemovesObject(t *testing.T) {
	tests := []struct {
		name string
		body string
		size int64
	}{
		{"short body", "mov", 5},
		{"long body", "movie-and-more", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeS3{objects: map[string]bool{}}
			s := newTestS3Store(t, f)
			ctx := context.Background()

			if err := s.Upload(ctx, "content/c.mov", strings.NewReader(tt.body), tt.size); err == nil {
				t.Fatal("Upload() error = nil, want size mismatch")
			}
			if len(f.deletes) != 1 || f.deletes[0] != "/media/gnar/content/c.mov" {
				t.Errorf("deletes = %v, want [/media/gnar/content/c.mov]", f.deletes)
			}
			if _, err := s.DownloadURL(ctx, "content/c.mov"); !errors.Is(err, feed.ErrNotFound) {
				t.Errorf("DownloadURL() after failed Upload error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestS3Store_ValidateSetup(t *testing.T) {
	s := newTestS3Store(t, &fakeS3{objects: map[string]bool{}})
	if err := s.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
}
