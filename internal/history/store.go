package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PersistenceError reports a snapshot that could not be read or written.
// It is logged and never surfaced as a hard failure.
type PersistenceError struct {
	Op          string
	WorkspaceID string
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s history for %s: %v", e.Op, e.WorkspaceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// FileStore keeps one JSON file per workspace under Dir.
type FileStore struct {
	Dir string
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{Dir: dir}
}

// Path returns the snapshot file for a workspace.
func (s *FileStore) Path(workspaceID string) string {
	return filepath.Join(s.Dir, safeName(workspaceID)+".json")
}

// Load reads a workspace snapshot. A missing file yields (nil, nil); an
// unreadable or corrupt file yields nil and a *PersistenceError.
func (s *FileStore) Load(workspaceID string) (*Snapshot, error) {
	data, err := os.ReadFile(s.Path(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", WorkspaceID: workspaceID, Err: err}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &PersistenceError{Op: "decode", WorkspaceID: workspaceID, Err: err}
	}
	if snap.WorkspaceID == "" {
		snap.WorkspaceID = workspaceID
	}
	if snap.Version == 0 {
		snap.Version = Version
	}
	return &snap, nil
}

// Write stores a snapshot atomically through a temp file and rename.
func (s *FileStore) Write(snap Snapshot) error {
	if snap.Version == 0 {
		snap.Version = Version
	}
	if snap.SavedAt == 0 {
		snap.SavedAt = time.Now().UnixMilli()
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return &PersistenceError{Op: "write", WorkspaceID: snap.WorkspaceID, Err: err}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &PersistenceError{Op: "encode", WorkspaceID: snap.WorkspaceID, Err: err}
	}

	path := s.Path(snap.WorkspaceID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return &PersistenceError{Op: "write", WorkspaceID: snap.WorkspaceID, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "write", WorkspaceID: snap.WorkspaceID, Err: err}
	}
	return nil
}

// Remove deletes a workspace's snapshot, if any.
func (s *FileStore) Remove(workspaceID string) error {
	if err := os.Remove(s.Path(workspaceID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistenceError{Op: "remove", WorkspaceID: workspaceID, Err: err}
	}
	return nil
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, id)
}
