package blobstore

import (
	"context"
	"fmt"

	"gnar-go/internal/config"
	"gnar-go/internal/feed"
)

// NewBlobStoreFromConfig creates a BlobStore based on the blob config type.
func NewBlobStoreFromConfig(ctx context.Context, cfg config.BlobConfig) (feed.BlobStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem blob store requires fs_root to be set")
		}
		s, err := NewFileSystemStore(cfg.FSRoot, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			URLTTL:          cfg.URLTTL.Duration,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown blob store type: %s", cfg.Type)
	}
}
