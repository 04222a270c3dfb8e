package executil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestMergeEnv(t *testing.T) {
	env := []string{"PATH=/usr/bin", "HOME=/home/dev", "CODEX_HOME=/old"}
	merged := MergeEnv(env, map[string]string{"CODEX_HOME": "/new", "RUST_LOG": "info"})

	got := strings.Join(merged, ";")
	if strings.Contains(got, "CODEX_HOME=/old") {
		t.Errorf("expected old value replaced, got %s", got)
	}
	if !strings.Contains(got, "CODEX_HOME=/new") || !strings.Contains(got, "RUST_LOG=info") {
		t.Errorf("expected overlay values, got %s", got)
	}
	if !strings.Contains(got, "HOME=/home/dev") {
		t.Errorf("expected untouched values kept, got %s", got)
	}
}

func TestCommandContextAbsolutePath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}

	tmpDir, err := os.MkdirTemp("", "conductor-exec-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)
	if err := os.Chmod(tmpDir, 0o755); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	bin := filepath.Join(tmpDir, "fake-agent")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cmd, err := CommandContext(context.Background(), bin, "app-server")
	if err != nil {
		t.Fatalf("CommandContext failed: %v", err)
	}
	if cmd.Path != bin {
		t.Errorf("expected path %s, got %s", bin, cmd.Path)
	}

	var path string
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "PATH=") {
			path = strings.TrimPrefix(kv, "PATH=")
		}
	}
	if !strings.HasPrefix(path, tmpDir) {
		t.Errorf("expected binary dir first on PATH, got %s", path)
	}
}

func TestLookPathMissing(t *testing.T) {
	if _, err := LookPath("definitely-not-a-real-agent-binary"); err == nil {
		t.Error("expected error for missing binary")
	}
	if _, err := LookPath(""); err == nil {
		t.Error("expected error for empty name")
	}
}
