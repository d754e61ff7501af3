package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for gnar.
type Config struct {
	// Handle is the user the client acts as: likes, comments and posts are
	// made under this name.
	Handle  string       `toml:"handle"`
	BaseDir string       `toml:"base_dir"`
	LogDir  string       `toml:"log_dir"`
	Store   StoreConfig  `toml:"store"`
	Blob    BlobConfig   `toml:"blob"`
	Feed    FeedConfig   `toml:"feed"`
	Bridge  BridgeConfig `toml:"bridge"`
}

// StoreConfig represents configuration for the document store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	Driver  string `toml:"driver,omitempty"`   // "sqlite3" (cgo, default) or "sqlite" (pure Go)
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// BlobConfig represents configuration for the media blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type BlobConfig struct {
	Type string `toml:"type"` // "memory", "filesystem" or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot  string `toml:"fs_root,omitempty"`
	BaseURL string `toml:"base_url,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// URLTTL is the lifetime of presigned download URLs.
	URLTTL Duration `toml:"url_ttl,omitempty"`
}

// FeedConfig tunes live feeds. Zero values select the built-in defaults.
type FeedConfig struct {
	VisibilityThreshold   float64 `toml:"visibility_threshold,omitempty"`
	MaxConcurrentResolves int     `toml:"max_concurrent_resolves,omitempty"`
}

// BridgeConfig configures the websocket view bridge served by `gnar serve`.
type BridgeConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// DefaultListenAddr is the bridge address used when none is configured.
const DefaultListenAddr = "127.0.0.1:7420"

// Duration is a time.Duration written as a string ("15m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config for handle with local defaults under baseDir:
// a sqlite document store and a filesystem blob store.
func NewConfig(handle, baseDir string) *Config {
	return &Config{
		Handle:  handle,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:    "sqlite",
			Driver:  "sqlite3",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Blob: BlobConfig{
			Type:   "filesystem",
			FSRoot: filepath.Join(baseDir, "blobs"),
			URLTTL: Duration{time.Hour},
		},
		Bridge: BridgeConfig{ListenAddr: DefaultListenAddr},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to a new config file at path. It refuses to overwrite.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if c.Handle == "" {
		return fmt.Errorf("handle is not set")
	}
	if t := c.Feed.VisibilityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("feed.visibility_threshold must be within [0, 1], got %v", t)
	}
	if c.Feed.MaxConcurrentResolves < 0 {
		return fmt.Errorf("feed.max_concurrent_resolves must not be negative")
	}
	return nil
}
