package docstore

import (
	"fmt"
	"os"
	"path/filepath"

	"gnar-go/internal/config"
	"gnar-go/internal/feed"
)

// DatabaseFile is the file name of the sqlite store inside data_dir.
const DatabaseFile = "gnar.db"

// NewStoreFromConfig creates a DocumentStore based on the store config type.
func NewStoreFromConfig(cfg config.StoreConfig, clock feed.Clock) (feed.DocumentStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data_dir: %w", err)
		}
		store, err := NewSQLiteStore(cfg.Driver, filepath.Join(cfg.DataDir, DatabaseFile), clock)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStore(clock), nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
