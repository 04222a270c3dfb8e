package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestInitLogFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "conductor-logging-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "nested", "conductord.log")
	if err := Init(Config{Level: slog.LevelInfo, LogFile: path}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer Flush(time.Second)

	Debug("hidden before reload")
	SetLevel(slog.LevelDebug)
	if !Default().Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug to be enabled after SetLevel")
	}
	Debug("visible after reload", "workspace_id", "ws-1")

	Flush(time.Second)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "hidden before reload") {
		t.Error("debug record written below the configured level")
	}
	if !strings.Contains(out, "visible after reload") || !strings.Contains(out, "workspace_id=ws-1") {
		t.Errorf("expected debug record with attrs, got %q", out)
	}
}

func TestCapturePanicNil(t *testing.T) {
	if v := CapturePanic(nil, "component", "test"); v != nil {
		t.Errorf("expected nil, got %v", v)
	}
}
