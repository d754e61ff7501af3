package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables overriding the default locations.
const (
	EnvConfigPath = "GNAR_CONFIG_PATH"
	EnvHome       = "GNAR_HOME"
)

// Paths are the on-disk locations gnar starts from before a config exists:
// where the config file lives and the base directory new configs point
// their database, blobs and log at.
type Paths struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// ResolvePaths returns the locations for this user. $GNAR_CONFIG_PATH
// defaults to ~/.config/gnar.toml and $GNAR_HOME to ~/.local/share/gnar.
func ResolvePaths() (Paths, error) {
	configPath, err := fromEnvOrHome(EnvConfigPath, ".config", "gnar.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := fromEnvOrHome(EnvHome, ".local", "share", "gnar")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func fromEnvOrHome(env string, rel ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for %s: %w", env, err)
	}
	return filepath.Join(append([]string{home}, rel...)...), nil
}
