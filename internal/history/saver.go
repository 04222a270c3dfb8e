package history

import (
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/drewfead/conductor/internal/logging"
)

// DefaultDebounce coalesces bursts of streaming updates into one write.
const DefaultDebounce = 300 * time.Millisecond

// Source builds the current snapshot for a workspace. ok is false when the
// workspace no longer exists.
type Source func(workspaceID string) (snap Snapshot, ok bool)

// Saver writes snapshots on a per-workspace debounce and skips writes whose
// content is unchanged since the last one.
type Saver struct {
	store  *FileStore
	source Source

	mu       sync.Mutex
	debounce time.Duration
	timers   map[string]*time.Timer
	hashes   map[string][sha256.Size]byte
	stopped  bool

	// writeMu serializes snapshot-then-write across flushes.
	writeMu sync.Mutex
}

// NewSaver creates a saver. A non-positive debounce uses DefaultDebounce.
func NewSaver(store *FileStore, source Source, debounce time.Duration) *Saver {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Saver{
		store:    store,
		source:   source,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		hashes:   make(map[string][sha256.Size]byte),
	}
}

// SetDebounce changes the window for future marks.
func (s *Saver) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.debounce = d
	s.mu.Unlock()
}

// MarkDirty arms the workspace's timer unless it is already armed.
func (s *Saver) MarkDirty(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, armed := s.timers[workspaceID]; armed {
		return
	}
	s.timers[workspaceID] = time.AfterFunc(s.debounce, func() {
		defer func() {
			if r := recover(); r != nil {
				logging.CapturePanic(r, "component", "history-saver", "workspace_id", workspaceID)
			}
		}()
		s.mu.Lock()
		delete(s.timers, workspaceID)
		s.mu.Unlock()
		if _, err := s.save(workspaceID); err != nil {
			logging.Warn("history save failed", "workspace_id", workspaceID, "error", err)
		}
	})
}

// Flush writes the workspace now if it changed, cancelling a pending timer.
// It reports whether a file was written.
func (s *Saver) Flush(workspaceID string) (bool, error) {
	s.mu.Lock()
	if t, ok := s.timers[workspaceID]; ok {
		t.Stop()
		delete(s.timers, workspaceID)
	}
	s.mu.Unlock()
	return s.save(workspaceID)
}

// FlushAll flushes every workspace with a pending timer.
func (s *Saver) FlushAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Flush(id); err != nil {
			logging.Warn("history flush failed", "workspace_id", id, "error", err)
		}
	}
}

// Forget drops the remembered hash and any pending write for a workspace.
func (s *Saver) Forget(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[workspaceID]; ok {
		t.Stop()
		delete(s.timers, workspaceID)
	}
	delete(s.hashes, workspaceID)
}

// Stop flushes pending work and ignores later marks.
func (s *Saver) Stop() {
	s.FlushAll()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// save snapshots and writes under writeMu, so a slower writer can never
// replace a newer snapshot on disk with its older one.
func (s *Saver) save(workspaceID string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap, ok := s.source(workspaceID)
	if !ok {
		return false, nil
	}
	sum, err := contentHash(snap)
	if err != nil {
		return false, &PersistenceError{Op: "encode", WorkspaceID: workspaceID, Err: err}
	}

	s.mu.Lock()
	last, seen := s.hashes[workspaceID]
	s.mu.Unlock()
	if seen && last == sum {
		return false, nil
	}

	snap.SavedAt = time.Now().UnixMilli()
	if err := s.store.Write(snap); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.hashes[workspaceID] = sum
	s.mu.Unlock()
	logging.Debug("history saved", "workspace_id", workspaceID, "threads", len(snap.Threads))
	return true, nil
}

// contentHash ignores SavedAt so that identical state hashes identically.
func contentHash(snap Snapshot) ([sha256.Size]byte, error) {
	snap.SavedAt = 0
	data, err := json.Marshal(snap)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(data), nil
}
