package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestGnarHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			runID:   "run-123",
			level:   slog.LevelInfo,
			message: "post created",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tpost created\n",
		},
		{
			name:    "warn level",
			runID:   "run-456",
			level:   slog.LevelWarn,
			message: "mutation rolled back",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tmutation rolled back\n",
		},
		{
			name:    "with record attrs",
			runID:   "run-789",
			level:   slog.LevelInfo,
			message: "like toggled",
			attrs:   []slog.Attr{slog.String("id", "p1"), slog.Int("points", 3)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\tlike toggled\tid=p1\tpoints=3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newGnarHandler(&buf, tt.runID, slog.LevelDebug)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestGnarHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newGnarHandler(&buf, "run-1", slog.LevelDebug)
	h2 := h.WithAttrs([]slog.Attr{slog.String("feed", "home")}).(*gnarHandler)

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "published", 0)
	r.AddAttrs(slog.Int("items", 3))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "feed=home") {
		t.Errorf("expected pre-set attr feed=home, got: %q", got)
	}
	if !strings.Contains(got, "items=3") {
		t.Errorf("expected record attr items=3, got: %q", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestGnarHandler_Enabled(t *testing.T) {
	h := newGnarHandler(nil, "", slog.LevelInfo)

	tests := []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, false},
		{slog.LevelInfo, true},
		{slog.LevelWarn, true},
		{slog.LevelError, true},
	}
	for _, tt := range tests {
		if got := h.Enabled(context.Background(), tt.level); got != tt.want {
			t.Errorf("Enabled(%v) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Errorf("NewRunID() returned %q twice", a)
	}
	if _, err := ulid.ParseStrict(a); err != nil {
		t.Errorf("NewRunID() = %q is not a ulid: %v", a, err)
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "run-x", nil)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hello", "k", "v")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\trun-x\thello\tk=v") {
		t.Errorf("log file = %q, want hello record", data)
	}
}
