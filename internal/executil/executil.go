// Package executil resolves and launches backend binaries with a sanitized PATH.
package executil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

var systemDirs = []string{
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
	"/opt/homebrew/bin",
}

// userDirs are where node and bun based agent CLIs usually land.
var userDirs = []string{
	".local/bin",
	".npm-global/bin",
	".bun/bin",
	".volta/bin",
	".cargo/bin",
}

// CommandContext resolves name against the search dirs and returns a command
// whose PATH is limited to those dirs. If name is a path, its directory is
// searched first so sibling tools (node, for instance) resolve too.
func CommandContext(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	dirs := SearchDirs(name)
	path, err := findExecutable(name, dirs)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = replaceEnv(os.Environ(), "PATH", strings.Join(dirs, string(os.PathListSeparator)))
	return cmd, nil
}

// LookPath reports where name would be resolved from, without running it.
func LookPath(name string) (string, error) {
	return findExecutable(name, SearchDirs(name))
}

// MergeEnv overlays extra onto env. Keys are applied in sorted order.
func MergeEnv(env []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return env
	}
	if env == nil {
		env = os.Environ()
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = replaceEnv(env, k, extra[k])
	}
	return env
}

// SearchDirs returns the directories used to resolve name, most specific first.
func SearchDirs(name string) []string {
	seen := make(map[string]struct{})
	var dirs []string

	add := func(dir string, requireSafe bool) {
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if !filepath.IsAbs(dir) {
			return
		}
		if _, ok := seen[dir]; ok {
			return
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return
		}
		if requireSafe && !isSafeDir(info) {
			return
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}

	if filepath.IsAbs(name) {
		add(filepath.Dir(name), false)
	}
	for _, dir := range systemDirs {
		add(dir, true)
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, rel := range userDirs {
			add(filepath.Join(home, rel), true)
		}
	}
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir, true)
	}
	return dirs
}

func isSafeDir(info os.FileInfo) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o022 == 0
}

func findExecutable(name string, dirs []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no executable configured")
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, os.PathSeparator) {
		cleaned := filepath.Clean(name)
		if isExecutable(cleaned) {
			return cleaned, nil
		}
		return "", fmt.Errorf("executable not found: %s", name)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable not found in safe PATH: %s", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}

func replaceEnv(env []string, key, value string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			continue
		}
		out = append(out, entry)
	}
	if value != "" {
		out = append(out, prefix+value)
	}
	return out
}
