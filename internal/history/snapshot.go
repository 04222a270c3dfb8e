// Package history persists per-workspace thread snapshots and reconciles
// them with live state on load.
package history

import (
	"time"

	"github.com/drewfead/conductor/internal/thread"
)

// Version is the snapshot schema written by this build.
const Version = 1

// Summary is the persisted form of a thread's metadata.
type Summary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	CustomName     string    `json:"customName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Pinned         bool      `json:"pinned,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
	Unread         bool      `json:"unread,omitempty"`
	DetachedReview bool      `json:"detachedReview,omitempty"`
}

// Snapshot is one workspace's persisted thread history. Unknown fields in
// a file are ignored on decode.
type Snapshot struct {
	Version          int                      `json:"version"`
	WorkspaceID      string                   `json:"workspaceId"`
	ActiveThreadID   string                   `json:"activeThreadId,omitempty"`
	Threads          []Summary                `json:"threads"`
	ItemsByThread    map[string][]thread.Item `json:"itemsByThread"`
	ThreadParentByID map[string]string        `json:"threadParentById"`
	// SavedAt is unix milliseconds.
	SavedAt int64 `json:"savedAt"`
}

// Build captures threads into a snapshot. Thread status is not persisted:
// a turn cannot survive a restart.
func Build(workspaceID, activeThreadID string, threads []thread.Thread) Snapshot {
	snap := Snapshot{
		Version:          Version,
		WorkspaceID:      workspaceID,
		ActiveThreadID:   activeThreadID,
		Threads:          make([]Summary, 0, len(threads)),
		ItemsByThread:    make(map[string][]thread.Item, len(threads)),
		ThreadParentByID: map[string]string{},
	}
	for _, t := range threads {
		snap.Threads = append(snap.Threads, Summary{
			ID:             t.ID,
			Name:           t.Name,
			CustomName:     t.CustomName,
			CreatedAt:      t.CreatedAt,
			UpdatedAt:      t.UpdatedAt,
			Pinned:         t.Pinned,
			Archived:       t.Archived,
			Unread:         t.Unread,
			DetachedReview: t.DetachedReview,
		})
		items := t.Items
		if items == nil {
			items = []thread.Item{}
		}
		snap.ItemsByThread[t.ID] = items
		if t.ParentID != "" {
			snap.ThreadParentByID[t.ID] = t.ParentID
		}
	}
	return snap
}

// Restore rebuilds idle threads from the snapshot, in stored order.
func (s Snapshot) Restore() []*thread.Thread {
	out := make([]*thread.Thread, 0, len(s.Threads))
	seen := make(map[string]bool, len(s.Threads))
	for _, sum := range s.Threads {
		if sum.ID == "" || seen[sum.ID] {
			continue
		}
		seen[sum.ID] = true
		t := thread.New(s.WorkspaceID, sum.ID, sum.CreatedAt)
		t.Name = sum.Name
		t.CustomName = sum.CustomName
		t.UpdatedAt = sum.UpdatedAt
		t.Pinned = sum.Pinned
		t.Archived = sum.Archived
		t.Unread = sum.Unread
		t.DetachedReview = sum.DetachedReview
		t.ParentID = s.ThreadParentByID[sum.ID]
		t.Items = append([]thread.Item(nil), s.ItemsByThread[sum.ID]...)
		t.Restore()
		out = append(out, t)
	}
	return out
}

// Merge reconciles persisted threads into live ones. Threads missing from
// live are added whole. A live thread keeps all of its own metadata; the
// only thing it can take from the snapshot is its item log, and only when
// that log is empty. It returns the threads that were added.
func Merge(live map[string]*thread.Thread, s Snapshot) []*thread.Thread {
	var added []*thread.Thread
	for _, persisted := range s.Restore() {
		cur, ok := live[persisted.ID]
		if !ok {
			live[persisted.ID] = persisted
			added = append(added, persisted)
			continue
		}
		if len(cur.Items) == 0 && len(persisted.Items) > 0 {
			cur.ReplaceItems(persisted.Items)
		}
	}
	return added
}
