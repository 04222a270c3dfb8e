package orchestrator

import (
	"sort"

	"github.com/drewfead/conductor/internal/history"
	"github.com/drewfead/conductor/internal/thread"
)

// Snapshot captures a workspace's threads for persistence. Threads are
// ordered by creation so unchanged state serializes identically.
func (o *Orchestrator) Snapshot(workspaceID string) (history.Snapshot, bool) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return history.Snapshot{}, false
	}
	threads := make([]thread.Thread, 0)
	for _, e := range o.entries(workspaceID) {
		e.mu.Lock()
		threads = append(threads, e.t.Snapshot())
		e.mu.Unlock()
	}
	sort.SliceStable(threads, func(i, j int) bool {
		if !threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].CreatedAt.Before(threads[j].CreatedAt)
		}
		return threads[i].ID < threads[j].ID
	})

	ws.mu.Lock()
	active := ws.activeThreadID
	ws.mu.Unlock()
	return history.Build(workspaceID, active, threads), true
}

// RestoreHistory merges a persisted snapshot into live state. Live threads
// and non-empty live logs are kept; persisted threads fill the gaps. It
// returns the number of threads added.
func (o *Orchestrator) RestoreHistory(snap history.Snapshot) (int, error) {
	ws, err := o.workspace(snap.WorkspaceID)
	if err != nil {
		return 0, err
	}

	entries := o.entries(snap.WorkspaceID)
	live := make(map[string]*thread.Thread, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		live[e.t.ID] = e.t
	}
	added := history.Merge(live, snap)
	for _, e := range entries {
		e.mu.Unlock()
	}

	count := 0
	o.mu.Lock()
	for _, t := range added {
		key := threadKey{snap.WorkspaceID, t.ID}
		if _, exists := o.threads[key]; exists {
			// Created by a concurrent event since entries were listed.
			continue
		}
		o.threads[key] = &entry{ws: ws, t: t}
		count++
	}
	o.mu.Unlock()

	if snap.ActiveThreadID != "" {
		ws.mu.Lock()
		if ws.activeThreadID == "" {
			ws.activeThreadID = snap.ActiveThreadID
		}
		ws.mu.Unlock()
	}
	if count > 0 {
		o.log.Info("history restored", "workspace_id", snap.WorkspaceID, "threads", count)
	}
	return count, nil
}
