package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name       string
		configPath string
		gnarHome   string
		want       Paths
	}{
		{
			name:       "environment overrides",
			configPath: "/custom/config.toml",
			gnarHome:   "/custom/gnar",
			want: Paths{
				ConfigPath: "/custom/config.toml",
				BaseDir:    "/custom/gnar",
				LogDir:     "/custom/gnar/log",
			},
		},
		{
			name: "home directory defaults",
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "gnar.toml"),
				BaseDir:    filepath.Join(home, ".local", "share", "gnar"),
				LogDir:     filepath.Join(home, ".local", "share", "gnar", "log"),
			},
		},
		{
			name:     "only home overridden",
			gnarHome: "/srv/gnar",
			want: Paths{
				ConfigPath: filepath.Join(home, ".config", "gnar.toml"),
				BaseDir:    "/srv/gnar",
				LogDir:     "/srv/gnar/log",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfigPath, tt.configPath)
			t.Setenv(EnvHome, tt.gnarHome)

			got, err := ResolvePaths()
			if err != nil {
				t.Fatalf("ResolvePaths() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolvePaths() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
