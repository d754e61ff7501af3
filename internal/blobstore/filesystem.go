package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gnar-go/internal/feed"
)

// FileSystemStore keeps blobs as files under a root directory:
//
//	<root>/
//	  content/
//	    <filename>
//
// URLs are file:// URLs of the stored files, or baseURL joined with the blob
// path when baseURL is set (for a root served over HTTP).
type FileSystemStore struct {
	root    string
	baseURL *url.URL
}

// NewFileSystemStore creates a store rooted at root. baseURL may be empty.
func NewFileSystemStore(root, baseURL string) (*FileSystemStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving blob root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}

	s := &FileSystemStore{root: abs}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base_url: %w", err)
		}
		s.baseURL = u
	}
	return s, nil
}

// filePath maps a slash-separated blob path into the root, rejecting escapes.
func (s *FileSystemStore) filePath(blobPath string) (string, error) {
	clean := path.Clean("/" + blobPath)
	if clean == "/" || strings.Contains(blobPath, "\\") {
		return "", fmt.Errorf("invalid blob path %q", blobPath)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *FileSystemStore) DownloadURL(ctx context.Context, blobPath string) (string, error) {
	p, err := s.filePath(blobPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("blob %s: %w", blobPath, feed.ErrNotFound)
		}
		return "", fmt.Errorf("checking blob %s: %w", blobPath, err)
	}

	if s.baseURL != nil {
		return s.baseURL.JoinPath(path.Clean("/" + blobPath)).String(), nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String(), nil
}

// Upload writes the blob atomically (temp file + rename).
func (s *FileSystemStore) Upload(ctx context.Context, blobPath string, r io.Reader, size int64) error {
	dest, err := s.filePath(blobPath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// ValidateSetup verifies that the root is an accessible directory.
func (s *FileSystemStore) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("blob root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob root is not a directory: %s", s.root)
	}
	return nil
}

var _ feed.BlobStore = (*FileSystemStore)(nil)
