// Package orchestrator owns the workspace and thread arena. It routes
// backend traffic through the adapter into per-thread state, publishes
// every applied event and exposes the command surface used by clients.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/drewfead/conductor/internal/adapter"
	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/internal/thread"
	"github.com/drewfead/conductor/pkg/jsonrpc"
)

var (
	ErrBusy              = errors.New("thread already has an active turn")
	ErrNotConnected      = errors.New("workspace is not connected")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrThreadNotFound    = errors.New("thread not found")
	ErrApprovalNotFound  = errors.New("approval not found or already resolved")
	ErrUnsupported       = errors.New("not supported by this backend")
	ErrEmptyMessage      = errors.New("message is empty")
)

const (
	DefaultInterruptGrace = 5 * time.Second
	DefaultPromptTimeout  = 30 * time.Minute

	discoveryPageSize = 50
	discoveryMaxPages = 5
)

// Session is the slice of a backend connection the orchestrator drives.
// *backend.Connection satisfies it.
type Session interface {
	Kind() backend.Kind
	Inbound() <-chan backend.Inbound
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Notify(method string, params any) error
	Respond(id jsonrpc.ID, result any) error
	RespondError(id jsonrpc.ID, code int, message string) error
	// Sync waits until the pump has handled everything received so far.
	Sync(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Dialer opens a session for a workspace.
type Dialer func(ctx context.Context, ws Workspace) (Session, error)

// EventSink receives every event the orchestrator applies or emits.
type EventSink interface {
	Publish(ev event.Event)
}

// Workspace describes a registered project directory.
type Workspace struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Path string       `json:"path"`
	Kind backend.Kind `json:"kind"`
	Bin  string       `json:"bin,omitempty"`
	Args []string     `json:"args,omitempty"`
}

// WorkspaceStatus is a workspace plus its live connection state.
type WorkspaceStatus struct {
	Workspace
	Connected      bool   `json:"connected"`
	ActiveThreadID string `json:"activeThreadId,omitempty"`
	Threads        int    `json:"threads"`
	Approvals      int    `json:"pendingApprovals"`
}

// Options configures an Orchestrator.
type Options struct {
	Dial    Dialer
	Sink    EventSink
	OnDirty func(workspaceID string)

	InterruptGrace time.Duration
	PromptTimeout  time.Duration

	Now func() time.Time
}

type threadKey struct {
	workspaceID string
	threadID    string
}

type workspace struct {
	info Workspace

	mu             sync.Mutex
	session        Session
	gen            uint64
	connected      bool
	wantConnected  bool
	activeThreadID string
	models         json.RawMessage
	preflight      string
	rules          []Rule
	approvals      map[string]*Approval
}

func (ws *workspace) path() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.info.Path
}

// entry is a thread plus its sequencing point. Every mutation of t happens
// under mu.
type entry struct {
	ws *workspace

	mu       sync.Mutex
	t        *thread.Thread
	starting bool
	grace    *time.Timer
}

func (e *entry) stopGrace() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
	}
}

// Orchestrator is safe for concurrent use. Locks nest as entry mu, then
// workspace mu; o.mu is released before an entry's mu is taken.
type Orchestrator struct {
	dial    Dialer
	sink    EventSink
	onDirty func(string)
	now     func() time.Time
	log     *slog.Logger

	mu         sync.RWMutex
	workspaces map[string]*workspace
	threads    map[threadKey]*entry

	tmu            sync.RWMutex
	interruptGrace time.Duration
	promptTimeout  time.Duration

	pumps sync.WaitGroup
}

// New creates an orchestrator with no workspaces.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		dial:       opts.Dial,
		sink:       opts.Sink,
		onDirty:    opts.OnDirty,
		now:        opts.Now,
		log:        logging.With("component", "orchestrator"),
		workspaces: make(map[string]*workspace),
		threads:    make(map[threadKey]*entry),
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.SetTimeouts(opts.InterruptGrace, opts.PromptTimeout)
	return o
}

// SetTimeouts updates the interrupt grace and SDK prompt timeout. Zero
// values select the defaults.
func (o *Orchestrator) SetTimeouts(interruptGrace, promptTimeout time.Duration) {
	if interruptGrace <= 0 {
		interruptGrace = DefaultInterruptGrace
	}
	if promptTimeout <= 0 {
		promptTimeout = DefaultPromptTimeout
	}
	o.tmu.Lock()
	o.interruptGrace = interruptGrace
	o.promptTimeout = promptTimeout
	o.tmu.Unlock()
}

func (o *Orchestrator) timeouts() (grace, prompt time.Duration) {
	o.tmu.RLock()
	defer o.tmu.RUnlock()
	return o.interruptGrace, o.promptTimeout
}

// Register adds a workspace, or updates its description if it exists.
func (o *Orchestrator) Register(info Workspace) {
	if info.Kind == "" {
		info.Kind = backend.KindLegacy
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if ws, ok := o.workspaces[info.ID]; ok {
		ws.mu.Lock()
		ws.info = info
		ws.mu.Unlock()
		return
	}
	o.workspaces[info.ID] = &workspace{info: info, approvals: make(map[string]*Approval)}
}

// Unregister disconnects a workspace and forgets it and its threads.
func (o *Orchestrator) Unregister(ctx context.Context, workspaceID string) error {
	if err := o.Disconnect(ctx, workspaceID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.workspaces, workspaceID)
	var dropped []*entry
	for key, e := range o.threads {
		if key.workspaceID == workspaceID {
			dropped = append(dropped, e)
			delete(o.threads, key)
		}
	}
	o.mu.Unlock()

	for _, e := range dropped {
		e.mu.Lock()
		e.stopGrace()
		e.mu.Unlock()
	}
	return nil
}

// Workspaces lists registered workspaces by name.
func (o *Orchestrator) Workspaces() []WorkspaceStatus {
	o.mu.RLock()
	counts := make(map[string]int, len(o.workspaces))
	for key := range o.threads {
		counts[key.workspaceID]++
	}
	list := make([]*workspace, 0, len(o.workspaces))
	for _, ws := range o.workspaces {
		list = append(list, ws)
	}
	o.mu.RUnlock()

	out := make([]WorkspaceStatus, 0, len(list))
	for _, ws := range list {
		ws.mu.Lock()
		out = append(out, WorkspaceStatus{
			Workspace:      ws.info,
			Connected:      ws.connected,
			ActiveThreadID: ws.activeThreadID,
			Threads:        counts[ws.info.ID],
			Approvals:      len(ws.approvals),
		})
		ws.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (o *Orchestrator) workspace(workspaceID string) (*workspace, error) {
	o.mu.RLock()
	ws, ok := o.workspaces[workspaceID]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
	}
	return ws, nil
}

// connected returns the workspace and its live session.
func (o *Orchestrator) connected(workspaceID string) (*workspace, Session, error) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return nil, nil, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.connected || ws.session == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotConnected, workspaceID)
	}
	return ws, ws.session, nil
}

// Connect opens a session for the workspace, replacing any existing one,
// then discovers the backend's threads for the workspace directory.
func (o *Orchestrator) Connect(ctx context.Context, workspaceID string) error {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	info := ws.info
	ws.mu.Unlock()

	sess, err := o.dial(ctx, info)
	if err != nil {
		var ce *backend.ConnectError
		if !errors.As(err, &ce) {
			err = &backend.ConnectError{WorkspaceID: workspaceID, Err: err}
		}
		o.log.Warn("connect failed", "workspace_id", workspaceID, "error", err)
		o.publish(event.New(workspaceID, event.Error, map[string]any{
			"error":     map[string]any{"message": err.Error(), "code": "connect"},
			"willRetry": false,
		}))
		return err
	}

	ws.mu.Lock()
	old := ws.session
	ws.gen++
	gen := ws.gen
	ws.session = sess
	ws.connected = true
	ws.wantConnected = true
	ws.models = nil
	ws.preflight = ""
	ws.approvals = make(map[string]*Approval)
	ws.mu.Unlock()

	if old != nil {
		o.failTurns(workspaceID, "replaced")
		if err := old.Disconnect(ctx); err != nil {
			o.log.Debug("disconnect replaced session", "workspace_id", workspaceID, "error", err)
		}
	}

	o.pumps.Add(1)
	go o.pump(workspaceID, sess, gen)

	o.log.Info("workspace connected", "workspace_id", workspaceID, "kind", string(sess.Kind()))
	o.publish(event.New(workspaceID, event.Connected, nil))

	if err := o.discover(ctx, workspaceID, sess, info.Path); err != nil {
		o.log.Warn("thread discovery failed", "workspace_id", workspaceID, "error", err)
	}
	return nil
}

// Disconnect tears the workspace's session down. It is idempotent and
// always succeeds locally.
func (o *Orchestrator) Disconnect(ctx context.Context, workspaceID string) error {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	sess := ws.session
	wasConnected := ws.connected
	ws.session = nil
	ws.connected = false
	ws.wantConnected = false
	ws.gen++
	ws.models = nil
	ws.preflight = ""
	ws.approvals = make(map[string]*Approval)
	ws.mu.Unlock()

	if sess == nil {
		return nil
	}
	o.failTurns(workspaceID, "disconnected")
	if err := sess.Disconnect(ctx); err != nil {
		o.log.Warn("backend disconnect", "workspace_id", workspaceID, "error", err)
	}
	if wasConnected {
		o.log.Info("workspace disconnected", "workspace_id", workspaceID)
		o.publish(event.New(workspaceID, event.Disconnected, map[string]any{"reason": "requested"}))
	}
	return nil
}

// Focus reconnects workspaces whose session dropped and refreshes thread
// discovery for the connected ones.
func (o *Orchestrator) Focus(ctx context.Context) {
	o.mu.RLock()
	list := make([]*workspace, 0, len(o.workspaces))
	for _, ws := range o.workspaces {
		list = append(list, ws)
	}
	o.mu.RUnlock()

	for _, ws := range list {
		ws.mu.Lock()
		id, path := ws.info.ID, ws.info.Path
		sess, connected, want := ws.session, ws.connected, ws.wantConnected
		ws.mu.Unlock()

		switch {
		case connected && sess != nil:
			if err := o.discover(ctx, id, sess, path); err != nil {
				o.log.Warn("thread discovery failed", "workspace_id", id, "error", err)
			}
		case want:
			if err := o.Connect(ctx, id); err != nil {
				o.log.Warn("reconnect on focus failed", "workspace_id", id, "error", err)
			}
		}
	}
}

// Shutdown disconnects every workspace and waits for the pumps to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	ids := make([]string, 0, len(o.workspaces))
	for id := range o.workspaces {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		_ = o.Disconnect(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		o.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("shutdown: session pumps did not drain")
	}
}

// pump drains one session's inbound stream in receipt order.
func (o *Orchestrator) pump(workspaceID string, sess Session, gen uint64) {
	defer o.pumps.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "orchestrator-pump", "workspace_id", workspaceID)
		}
	}()

	for in := range sess.Inbound() {
		switch in.Kind {
		case backend.InboundMessage:
			ev, ok := adapter.Translate(workspaceID, in.Native)
			if !ok {
				continue
			}
			o.dispatch(workspaceID, sess, in.Native, ev)
		case backend.InboundStderr:
			o.publish(event.New(workspaceID, event.Stderr, map[string]any{"line": in.Line}))
		case backend.InboundDecodeError:
			o.publish(event.New(workspaceID, event.ParseError, map[string]any{
				"error": errString(in.Err),
				"raw":   in.Line,
			}))
		case backend.InboundBarrier:
			close(in.Barrier)
		case backend.InboundClosed:
			o.handleExit(workspaceID, gen, in.Err)
			return
		}
	}
	o.handleExit(workspaceID, gen, nil)
}

// dispatch routes one translated event.
func (o *Orchestrator) dispatch(workspaceID string, sess Session, n backend.Native, ev event.Event) {
	if ev.IsApproval() {
		o.handleApproval(workspaceID, sess, n, ev)
		return
	}
	if n.IsRequest() {
		if err := sess.RespondError(*n.RequestID, jsonrpc.CodeMethodNotFound, "unsupported request: "+n.Method); err != nil {
			o.log.Debug("reject server request", "workspace_id", workspaceID, "method", n.Method, "error", err)
		}
		o.publish(ev)
		return
	}

	threadID := ev.ThreadID()
	if threadID == "" || !threadScoped(ev.Method) {
		o.publish(ev)
		return
	}
	e, _ := o.ensureEntry(workspaceID, threadID, ev.Method != event.ThreadArchived)
	if e == nil {
		o.publish(ev)
		return
	}
	e.mu.Lock()
	notice := o.applyLocked(workspaceID, e, ev)
	e.mu.Unlock()
	o.deliverNotice(notice)
}

func threadScoped(method string) bool {
	switch method {
	case event.TurnStarted, event.TurnCompleted, event.TurnPlanUpdated,
		event.ItemStarted, event.ItemUpdated, event.ItemCompleted,
		event.AgentMessageDelta, event.UserMessageDelta, event.ReasoningTextDelta, event.CommandOutputDelta,
		event.Error, event.ThreadStarted, event.ThreadArchived, event.ThreadNameUpdated:
		return true
	}
	return false
}

// reviewNotice is a finished detached review waiting to be reported on its
// parent once the review thread's lock is released.
type reviewNotice struct {
	workspaceID string
	parentID    string
	reviewID    string
	name        string
}

// applyLocked applies ev to e's thread and publishes it. The caller holds
// e.mu and must pass the result to deliverNotice after unlocking.
func (o *Orchestrator) applyLocked(workspaceID string, e *entry, ev event.Event) *reviewNotice {
	out := e.t.Apply(ev, o.now())
	if err := e.t.CheckInvariant(); err != nil {
		o.log.Error("thread invariant violated", "workspace_id", workspaceID, "thread_id", e.t.ID, "method", ev.Method, "error", err)
	}
	if out.Terminal {
		e.stopGrace()
		if !e.isActive() {
			e.t.Unread = true
		}
	}
	o.publish(ev)
	if out.Changed {
		o.markDirty(workspaceID)
	}
	if !out.ReviewFinished {
		return nil
	}
	return &reviewNotice{
		workspaceID: workspaceID,
		parentID:    e.t.ParentID,
		reviewID:    e.t.ID,
		name:        e.t.DisplayName(),
	}
}

// deliverNotice adds the review notice to the parent thread, once.
func (o *Orchestrator) deliverNotice(n *reviewNotice) {
	if n == nil {
		return
	}
	parent := o.lookupEntry(n.workspaceID, n.parentID)
	if parent == nil {
		o.log.Debug("review parent not found", "workspace_id", n.workspaceID, "thread_id", n.parentID)
		return
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()
	if !parent.t.AddNotice(n.reviewID, n.name, o.now()) {
		return
	}
	notice := parent.t.Items[len(parent.t.Items)-1]
	if !parent.isActive() {
		parent.t.Unread = true
	}
	o.publish(event.New(n.workspaceID, event.ItemCompleted, map[string]any{
		"threadId": n.parentID,
		"item": map[string]any{
			"id":             notice.ID,
			"type":           "notice",
			"text":           notice.Text,
			"reviewThreadId": n.reviewID,
		},
	}))
	o.markDirty(n.workspaceID)
}

// handleExit reacts to a session ending on its own.
func (o *Orchestrator) handleExit(workspaceID string, gen uint64, reason error) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return
	}
	ws.mu.Lock()
	if ws.gen != gen {
		// Replaced or disconnected on purpose.
		ws.mu.Unlock()
		return
	}
	ws.session = nil
	ws.connected = false
	ws.models = nil
	ws.preflight = ""
	ws.approvals = make(map[string]*Approval)
	ws.mu.Unlock()

	msg := "backend exited"
	if reason != nil {
		msg = reason.Error()
	}
	o.log.Warn("backend session ended", "workspace_id", workspaceID, "error", msg)

	o.failTurns(workspaceID, "disconnected")
	o.publish(event.New(workspaceID, event.Error, map[string]any{
		"error":     map[string]any{"message": msg, "code": "disconnected"},
		"willRetry": false,
	}))
	o.publish(event.New(workspaceID, event.Disconnected, map[string]any{"reason": msg}))
}

// failTurns ends every active turn in the workspace as interrupted.
func (o *Orchestrator) failTurns(workspaceID, why string) {
	for _, e := range o.entries(workspaceID) {
		e.mu.Lock()
		turnID := e.t.Status.ActiveTurnID
		out := e.t.ForceComplete(o.now())
		var notice *reviewNotice
		if out.Terminal {
			e.stopGrace()
			o.log.Info("clearing turn", "workspace_id", workspaceID, "thread_id", e.t.ID, "turn_id", turnID, "reason", why)
			o.publish(event.New(workspaceID, event.TurnCompleted, map[string]any{
				"threadId": e.t.ID,
				"turn":     map[string]any{"id": turnID, "threadId": e.t.ID, "status": "interrupted"},
			}))
			o.markDirty(workspaceID)
			if out.ReviewFinished {
				notice = &reviewNotice{workspaceID: workspaceID, parentID: e.t.ParentID, reviewID: e.t.ID, name: e.t.DisplayName()}
			}
		}
		e.mu.Unlock()
		o.deliverNotice(notice)
	}
}

// discover lists the backend's threads for path and adds unknown ones.
// Discovered threads are not resumed.
func (o *Orchestrator) discover(ctx context.Context, workspaceID string, sess Session, path string) error {
	if sess.Kind() == backend.KindSDK {
		return nil
	}
	cursor := ""
	for page := 0; page < discoveryMaxPages; page++ {
		params := map[string]any{"limit": discoveryPageSize}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := sess.Send(ctx, "thread/list", params)
		if err != nil {
			if backend.IsMethodNotFound(err) {
				return nil
			}
			return err
		}
		res := event.Params(raw)
		data, _ := res["data"].([]any)
		for _, d := range data {
			info, ok := d.(map[string]any)
			if !ok || str(info, "cwd") != path {
				continue
			}
			o.addDiscovered(workspaceID, info)
		}
		cursor = str(res, "nextCursor")
		if cursor == "" {
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) addDiscovered(workspaceID string, info map[string]any) {
	id := str(info, "id")
	if id == "" {
		return
	}
	e, created := o.ensureEntry(workspaceID, id, true)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := created
	if e.t.Name == "" {
		if name := str(info, "name", "preview"); name != "" {
			e.t.Name = name
			changed = true
		}
	}
	if created {
		if secs, ok := info["createdAt"].(float64); ok && secs > 0 {
			e.t.CreatedAt = time.Unix(int64(secs), 0)
			e.t.UpdatedAt = e.t.CreatedAt
		}
		if secs, ok := info["updatedAt"].(float64); ok && secs > 0 {
			e.t.UpdatedAt = time.Unix(int64(secs), 0)
		}
	}
	if changed {
		o.markDirty(workspaceID)
	}
}

// ensureEntry returns the entry for a thread, creating it when create is
// set. The second result reports whether it was created.
func (o *Orchestrator) ensureEntry(workspaceID, threadID string, create bool) (*entry, bool) {
	key := threadKey{workspaceID, threadID}
	o.mu.RLock()
	e, ok := o.threads[key]
	o.mu.RUnlock()
	if ok || !create {
		return e, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.threads[key]; ok {
		return e, false
	}
	ws, ok := o.workspaces[workspaceID]
	if !ok {
		return nil, false
	}
	e = &entry{ws: ws, t: thread.New(workspaceID, threadID, o.now())}
	o.threads[key] = e
	return e, true
}

func (o *Orchestrator) lookupEntry(workspaceID, threadID string) *entry {
	e, _ := o.ensureEntry(workspaceID, threadID, false)
	return e
}

func (o *Orchestrator) entry(workspaceID, threadID string) (*entry, error) {
	if _, err := o.workspace(workspaceID); err != nil {
		return nil, err
	}
	e := o.lookupEntry(workspaceID, threadID)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return e, nil
}

// entries returns the workspace's thread entries in id order.
func (o *Orchestrator) entries(workspaceID string) []*entry {
	o.mu.RLock()
	keys := make([]threadKey, 0)
	for key := range o.threads {
		if key.workspaceID == workspaceID {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].threadID < keys[j].threadID })
	out := make([]*entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, o.threads[key])
	}
	o.mu.RUnlock()
	return out
}

// isActive reports whether the thread is the workspace's focused thread.
func (e *entry) isActive() bool {
	e.ws.mu.Lock()
	defer e.ws.mu.Unlock()
	return e.ws.activeThreadID == e.t.ID
}

func (o *Orchestrator) publish(ev event.Event) {
	if o.sink != nil {
		o.sink.Publish(ev)
	}
}

func (o *Orchestrator) markDirty(workspaceID string) {
	if o.onDirty != nil {
		o.onDirty(workspaceID)
	}
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func obj(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
