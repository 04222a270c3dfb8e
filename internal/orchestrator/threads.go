package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/thread"
)

// Review delivery modes.
const (
	DeliveryInline   = "inline"
	DeliveryDetached = "detached"
)

// StartThread creates a thread on the backend and makes it the active one.
func (o *Orchestrator) StartThread(ctx context.Context, workspaceID string) (thread.Thread, error) {
	ws, sess, err := o.connected(workspaceID)
	if err != nil {
		return thread.Thread{}, err
	}

	var (
		id   string
		info map[string]any
	)
	if sess.Kind() == backend.KindSDK {
		id, err = o.sdkSession(ctx, ws, sess, true)
		if err != nil {
			return thread.Thread{}, err
		}
	} else {
		raw, err := sess.Send(ctx, "thread/start", map[string]any{"cwd": ws.path()})
		if err != nil {
			return thread.Thread{}, fmt.Errorf("start thread: %w", err)
		}
		info = obj(event.Params(raw), "thread")
		id = str(info, "id")
		if id == "" {
			return thread.Thread{}, fmt.Errorf("start thread: backend returned no thread id")
		}
	}

	e, created := o.ensureEntry(workspaceID, id, true)
	if e == nil {
		return thread.Thread{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	e.mu.Lock()
	var notice *reviewNotice
	if created {
		started := map[string]any{"id": id, "createdAt": o.now().Unix()}
		if name := str(info, "name", "preview"); name != "" {
			started["name"] = name
		}
		notice = o.applyLocked(workspaceID, e, event.New(workspaceID, event.ThreadStarted, map[string]any{"thread": started}))
	}
	e.mu.Unlock()
	o.deliverNotice(notice)

	if err := o.SetActiveThread(workspaceID, id); err != nil {
		return thread.Thread{}, err
	}
	o.log.Info("thread started", "workspace_id", workspaceID, "thread_id", id)
	return o.GetThread(workspaceID, id)
}

// sdkSession returns a new SDK session id. With usePreflight set, the
// session opened by ModelList is handed out first.
func (o *Orchestrator) sdkSession(ctx context.Context, ws *workspace, sess Session, usePreflight bool) (string, error) {
	if usePreflight {
		ws.mu.Lock()
		id := ws.preflight
		ws.preflight = ""
		ws.mu.Unlock()
		if id != "" {
			return id, nil
		}
	}
	raw, err := sess.Send(ctx, "session/new", map[string]any{"cwd": ws.path(), "mcpServers": []any{}})
	if err != nil {
		return "", fmt.Errorf("session/new: %w", err)
	}
	id := str(event.Params(raw), "sessionId")
	if id == "" {
		return "", fmt.Errorf("session/new: backend returned no session id")
	}
	return id, nil
}

// ListThreads returns thread summaries without items: pinned first, then
// most recently updated.
func (o *Orchestrator) ListThreads(workspaceID string, includeArchived bool) ([]thread.Thread, error) {
	if _, err := o.workspace(workspaceID); err != nil {
		return nil, err
	}
	out := make([]thread.Thread, 0)
	for _, e := range o.entries(workspaceID) {
		e.mu.Lock()
		if includeArchived || !e.t.Archived {
			snap := e.t.Snapshot()
			snap.Items = nil
			out = append(out, snap)
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetThread returns a copy of one thread including its items.
func (o *Orchestrator) GetThread(workspaceID, threadID string) (thread.Thread, error) {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Snapshot(), nil
}

// ResumeThread reloads the thread's items from the backend, replacing the
// local log.
func (o *Orchestrator) ResumeThread(ctx context.Context, workspaceID, threadID string) (thread.Thread, error) {
	ws, sess, err := o.connected(workspaceID)
	if err != nil {
		return thread.Thread{}, err
	}
	e, created := o.ensureEntry(workspaceID, threadID, true)
	if e == nil {
		return thread.Thread{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}

	e.mu.Lock()
	if e.t.Status.Busy() || e.starting {
		e.mu.Unlock()
		return thread.Thread{}, ErrBusy
	}
	e.starting = true
	previous := append([]thread.Item(nil), e.t.Items...)
	if sess.Kind() == backend.KindSDK {
		// session/load replays the conversation as updates while the
		// request is outstanding.
		e.t.ReplaceItems(nil)
	}
	e.mu.Unlock()

	var (
		items []thread.Item
		info  map[string]any
	)
	if sess.Kind() == backend.KindSDK {
		_, err = sess.Send(ctx, "session/load", map[string]any{
			"sessionId":  threadID,
			"cwd":        ws.path(),
			"mcpServers": []any{},
		})
		if err == nil {
			_, timeout := o.timeouts()
			syncCtx, cancel := context.WithTimeout(ctx, timeout)
			if serr := sess.Sync(syncCtx); serr != nil {
				o.log.Warn("replay not drained before snapshot", "workspace_id", workspaceID, "thread_id", threadID, "error", serr)
			}
			cancel()
		}
	} else {
		var raw []byte
		raw, err = sess.Send(ctx, "thread/resume", map[string]any{"threadId": threadID})
		if err == nil {
			info = obj(event.Params(raw), "thread")
			items = resumedItems(info)
		}
	}

	e.mu.Lock()
	e.starting = false
	if err != nil {
		if sess.Kind() == backend.KindSDK && len(e.t.Items) == 0 {
			e.t.ReplaceItems(previous)
		}
		e.mu.Unlock()
		if created {
			o.dropEntry(workspaceID, threadID, e)
		}
		if backend.IsMethodNotFound(err) {
			return thread.Thread{}, fmt.Errorf("resume thread: %w", ErrUnsupported)
		}
		return thread.Thread{}, fmt.Errorf("resume thread: %w", err)
	}
	if sess.Kind() != backend.KindSDK {
		e.t.ReplaceItems(items)
	}
	if e.t.Name == "" {
		e.t.Name = str(info, "name", "preview")
	}
	e.t.UpdatedAt = o.now()
	o.publish(event.New(workspaceID, event.ThreadResumed, map[string]any{
		"threadId": threadID,
		"items":    len(e.t.Items),
	}))
	snap := e.t.Snapshot()
	e.mu.Unlock()

	o.markDirty(workspaceID)
	o.log.Info("thread resumed", "workspace_id", workspaceID, "thread_id", threadID, "items", len(snap.Items))
	return snap, nil
}

// dropEntry forgets a thread entry if it is still the registered one.
func (o *Orchestrator) dropEntry(workspaceID, threadID string, e *entry) {
	key := threadKey{workspaceID, threadID}
	o.mu.Lock()
	if o.threads[key] == e {
		delete(o.threads, key)
	}
	o.mu.Unlock()
}

// resumedItems flattens the turns of a thread/resume result into one log.
func resumedItems(info map[string]any) []thread.Item {
	items := make([]thread.Item, 0)
	turns, _ := info["turns"].([]any)
	for _, rawTurn := range turns {
		turn, ok := rawTurn.(map[string]any)
		if !ok {
			continue
		}
		turnID := str(turn, "id")
		list, _ := turn["items"].([]any)
		for idx, rawItem := range list {
			m, ok := rawItem.(map[string]any)
			if !ok {
				continue
			}
			it := thread.ParseItem(m)
			if it.ID == "" {
				it.ID = fmt.Sprintf("%s:%d", turnID, idx)
			}
			items = append(items, it)
		}
	}
	return items
}

// ArchiveThread hides a thread locally and archives it on the backend on
// a best-effort basis.
func (o *Orchestrator) ArchiveThread(ctx context.Context, workspaceID, threadID string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	notice := o.applyLocked(workspaceID, e, event.New(workspaceID, event.ThreadArchived, map[string]any{"threadId": threadID}))
	e.mu.Unlock()
	o.deliverNotice(notice)

	o.clearActive(workspaceID, threadID)
	o.archiveRemote(ctx, workspaceID, threadID)
	return nil
}

// RemoveThread deletes a thread locally and archives it on the backend.
func (o *Orchestrator) RemoveThread(ctx context.Context, workspaceID, threadID string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	o.archiveRemote(ctx, workspaceID, threadID)

	o.mu.Lock()
	delete(o.threads, threadKey{workspaceID, threadID})
	o.mu.Unlock()

	e.mu.Lock()
	e.stopGrace()
	e.mu.Unlock()

	o.clearActive(workspaceID, threadID)
	o.publish(event.New(workspaceID, event.ThreadArchived, map[string]any{"threadId": threadID, "removed": true}))
	o.markDirty(workspaceID)
	return nil
}

func (o *Orchestrator) archiveRemote(ctx context.Context, workspaceID, threadID string) {
	_, sess, err := o.connected(workspaceID)
	if err != nil || sess.Kind() == backend.KindSDK {
		return
	}
	if _, err := sess.Send(ctx, "thread/archive", map[string]any{"threadId": threadID}); err != nil {
		o.log.Warn("backend archive failed", "workspace_id", workspaceID, "thread_id", threadID, "error", err)
	}
}

func (o *Orchestrator) clearActive(workspaceID, threadID string) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return
	}
	ws.mu.Lock()
	if ws.activeThreadID == threadID {
		ws.activeThreadID = ""
	}
	ws.mu.Unlock()
}

// ForkThread branches a thread on the backend. The fork starts with an
// empty log, or with the parent's latest plan when seedPlan is set.
func (o *Orchestrator) ForkThread(ctx context.Context, workspaceID, threadID string, seedPlan bool) (thread.Thread, error) {
	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return thread.Thread{}, err
	}
	parent, err := o.entry(workspaceID, threadID)
	if err != nil {
		return thread.Thread{}, err
	}
	if sess.Kind() == backend.KindSDK {
		return thread.Thread{}, fmt.Errorf("fork thread: %w", ErrUnsupported)
	}

	raw, err := sess.Send(ctx, "thread/fork", map[string]any{"threadId": threadID})
	if err != nil {
		return thread.Thread{}, fmt.Errorf("fork thread: %w", err)
	}
	info := obj(event.Params(raw), "thread")
	forkID := str(info, "id")
	if forkID == "" {
		return thread.Thread{}, fmt.Errorf("fork thread: backend returned no thread id")
	}

	var plan *thread.Item
	parent.mu.Lock()
	parentName := parent.t.DisplayName()
	if seedPlan {
		for i := len(parent.t.Items) - 1; i >= 0; i-- {
			if parent.t.Items[i].Kind == thread.KindPlan {
				it := parent.t.Items[i]
				plan = &it
				break
			}
		}
	}
	parent.mu.Unlock()

	e, _ := o.ensureEntry(workspaceID, forkID, true)
	if e == nil {
		return thread.Thread{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	name := str(info, "name", "preview")
	if name == "" && parentName != "" {
		name = "Fork of " + parentName
	}

	e.mu.Lock()
	if plan != nil {
		plan.ID = "seed:plan"
		e.t.Upsert(*plan)
	}
	notice := o.applyLocked(workspaceID, e, event.New(workspaceID, event.ThreadStarted, map[string]any{
		"thread": map[string]any{
			"id":        forkID,
			"name":      name,
			"parentId":  threadID,
			"createdAt": o.now().Unix(),
		},
	}))
	snap := e.t.Snapshot()
	e.mu.Unlock()
	o.deliverNotice(notice)

	o.log.Info("thread forked", "workspace_id", workspaceID, "thread_id", forkID, "parent_id", threadID)
	return snap, nil
}

// StartReview asks the backend to review the thread's work. A detached
// review runs in its own thread linked to the parent; the returned id is
// the thread the review runs in.
func (o *Orchestrator) StartReview(ctx context.Context, workspaceID, threadID string, target map[string]any, delivery string) (string, error) {
	if delivery == "" {
		delivery = DeliveryInline
	}
	if delivery != DeliveryInline && delivery != DeliveryDetached {
		return "", fmt.Errorf("unknown review delivery %q", delivery)
	}
	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return "", err
	}
	if sess.Kind() == backend.KindSDK {
		return "", fmt.Errorf("start review: %w", ErrUnsupported)
	}
	parent, err := o.entry(workspaceID, threadID)
	if err != nil {
		return "", err
	}
	parent.mu.Lock()
	busy := parent.t.Status.Busy() || parent.starting
	parentName := parent.t.DisplayName()
	parent.mu.Unlock()
	if busy {
		return "", ErrBusy
	}
	if target == nil {
		target = map[string]any{"type": "uncommittedChanges"}
	}

	raw, err := sess.Send(ctx, "review/start", map[string]any{
		"threadId": threadID,
		"target":   target,
		"delivery": delivery,
	})
	if err != nil {
		return "", fmt.Errorf("start review: %w", err)
	}
	res := event.Params(raw)
	turnID := str(obj(res, "turn"), "id")
	reviewID := str(res, "reviewThreadId")

	runIn := threadID
	if delivery == DeliveryDetached && reviewID != "" && reviewID != threadID {
		runIn = reviewID
		e, _ := o.ensureEntry(workspaceID, reviewID, true)
		if e == nil {
			return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
		}
		name := "Review"
		if parentName != "" {
			name = "Review: " + parentName
		}
		e.mu.Lock()
		e.t.DetachedReview = true
		if e.t.Status.Busy() {
			e.t.Status.Reviewing = true
		}
		notice := o.applyLocked(workspaceID, e, event.New(workspaceID, event.ThreadStarted, map[string]any{
			"thread": map[string]any{
				"id":        reviewID,
				"name":      name,
				"parentId":  threadID,
				"createdAt": o.now().Unix(),
			},
		}))
		e.mu.Unlock()
		o.deliverNotice(notice)
	}

	if turnID != "" {
		e := o.lookupEntry(workspaceID, runIn)
		if e != nil {
			e.mu.Lock()
			var notice *reviewNotice
			if !e.t.HasSeenTurn(turnID) {
				notice = o.applyLocked(workspaceID, e, event.New(workspaceID, event.TurnStarted, map[string]any{
					"threadId": runIn,
					"turn":     map[string]any{"id": turnID, "threadId": runIn},
				}))
			}
			e.mu.Unlock()
			o.deliverNotice(notice)
		}
	}
	o.log.Info("review started", "workspace_id", workspaceID, "thread_id", threadID, "review_thread_id", runIn, "delivery", delivery)
	return runIn, nil
}

// SetThreadName sets the user's name for a thread. An empty name clears
// the override.
func (o *Orchestrator) SetThreadName(ctx context.Context, workspaceID, threadID, name string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)

	e.mu.Lock()
	e.t.CustomName = name
	e.t.UpdatedAt = o.now()
	o.publish(event.New(workspaceID, event.ThreadNameUpdated, map[string]any{
		"threadId":   threadID,
		"threadName": e.t.DisplayName(),
		"customName": name,
	}))
	e.mu.Unlock()
	o.markDirty(workspaceID)

	if name == "" {
		return nil
	}
	if _, sess, err := o.connected(workspaceID); err == nil && sess.Kind() != backend.KindSDK {
		if _, err := sess.Send(ctx, "thread/name/set", map[string]any{"threadId": threadID, "name": name}); err != nil {
			o.log.Debug("backend rename failed", "workspace_id", workspaceID, "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// PinThread pins or unpins a thread.
func (o *Orchestrator) PinThread(workspaceID, threadID string, pinned bool) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changed := e.t.Pinned != pinned
	e.t.Pinned = pinned
	e.mu.Unlock()
	if changed {
		o.markDirty(workspaceID)
	}
	return nil
}

// MarkRead clears a thread's unread flag.
func (o *Orchestrator) MarkRead(workspaceID, threadID string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	changed := e.t.Unread
	e.t.Unread = false
	e.mu.Unlock()
	if changed {
		o.markDirty(workspaceID)
	}
	return nil
}

// SetActiveThread focuses a thread, marking it read.
func (o *Orchestrator) SetActiveThread(workspaceID, threadID string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.t.Unread = false
	e.ws.mu.Lock()
	e.ws.activeThreadID = threadID
	e.ws.mu.Unlock()
	e.mu.Unlock()
	o.markDirty(workspaceID)
	return nil
}
