package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/control"
	"github.com/drewfead/conductor/internal/eventlog"
	"github.com/drewfead/conductor/internal/logging"
	"github.com/drewfead/conductor/internal/orchestrator"
	"github.com/drewfead/conductor/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 5000
	streamBuffer      = 512
)

func (d *Daemon) registerHandlers() {
	d.server.Handle("status", d.handleStatus)
	// Workspaces
	d.server.Handle("list_workspaces", d.handleListWorkspaces)
	d.server.Handle("add_workspace", d.handleAddWorkspace)
	d.server.Handle("remove_workspace", d.handleRemoveWorkspace)
	d.server.Handle("connect_workspace", d.handleConnectWorkspace)
	d.server.Handle("disconnect_workspace", d.handleDisconnectWorkspace)
	d.server.Handle("app_focus", d.handleAppFocus)
	// Threads
	d.server.Handle("start_thread", d.handleStartThread)
	d.server.Handle("list_threads", d.handleListThreads)
	d.server.Handle("get_thread", d.handleGetThread)
	d.server.Handle("resume_thread", d.handleResumeThread)
	d.server.Handle("archive_thread", d.handleArchiveThread)
	d.server.Handle("remove_thread", d.handleRemoveThread)
	d.server.Handle("fork_thread", d.handleForkThread)
	d.server.Handle("start_review", d.handleStartReview)
	d.server.Handle("set_thread_name", d.handleSetThreadName)
	d.server.Handle("pin_thread", d.handlePinThread)
	d.server.Handle("mark_thread_read", d.handleMarkThreadRead)
	d.server.Handle("set_active_thread", d.handleSetActiveThread)
	// Turns
	d.server.Handle("send_user_message", d.handleSendUserMessage)
	d.server.Handle("interrupt_turn", d.handleInterruptTurn)
	// Approvals
	d.server.Handle("list_approvals", d.handleListApprovals)
	d.server.Handle("respond_to_approval", d.handleRespondToApproval)
	d.server.Handle("remember_approval_rule", d.handleRememberApprovalRule)
	// Backend queries
	d.server.Handle("model_list", d.handleModelList)
	d.server.Handle("account_read", d.handleAccountRead)
	d.server.Handle("account_rate_limits", d.handleAccountRateLimits)
	// Events
	d.server.Handle("list_events", d.handleListEvents)
	d.server.HandleStream("subscribe_events", d.handleSubscribeEvents)
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func decodeWorkspace(params json.RawMessage) (control.WorkspaceRequest, error) {
	var req control.WorkspaceRequest
	if err := decode(params, &req); err != nil {
		return req, err
	}
	if req.WorkspaceID == "" {
		return req, errors.New("workspace_id is required")
	}
	return req, nil
}

func decodeThread(params json.RawMessage) (control.ThreadRequest, error) {
	var req control.ThreadRequest
	if err := decode(params, &req); err != nil {
		return req, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return req, errors.New("workspace_id and thread_id are required")
	}
	return req, nil
}

func (d *Daemon) handleStatus(_ context.Context, _ json.RawMessage) (any, error) {
	workspaces := d.orch.Workspaces()
	connected := 0
	for _, ws := range workspaces {
		if ws.Connected {
			connected++
		}
	}
	return control.StatusInfo{
		Version:    d.version,
		PID:        os.Getpid(),
		Uptime:     int64(time.Since(d.started).Seconds()),
		Workspaces: len(workspaces),
		Connected:  connected,
		Clients:    d.server.ClientCount(),
	}, nil
}

func (d *Daemon) handleListWorkspaces(_ context.Context, _ json.RawMessage) (any, error) {
	return d.orch.Workspaces(), nil
}

func (d *Daemon) handleAddWorkspace(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.AddWorkspaceRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.Path == "" {
		return nil, errors.New("path is required")
	}
	path, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", path)
	}
	kind, err := backend.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if kind == backend.KindRemote && req.Bin == "" {
		d.cfgMu.RLock()
		hasURL := d.config.Backends.Remote.URL != ""
		d.cfgMu.RUnlock()
		if !hasURL {
			return nil, errors.New("remote workspaces need a url (bin) or backends.remote.url")
		}
	}

	id := req.ID
	if id == "" {
		id = "ws-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(path)
	}

	now := time.Now()
	rec := &store.Workspace{
		ID:        id,
		Name:      name,
		Path:      path,
		Kind:      string(kind),
		Bin:       req.Bin,
		Args:      req.Args,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := d.store.GetWorkspace(id); err != nil {
		return nil, err
	} else if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := d.store.CreateWorkspace(rec); err != nil {
		return nil, fmt.Errorf("save workspace: %w", err)
	}

	info, err := toOrchestrator(rec)
	if err != nil {
		return nil, err
	}
	d.orch.Register(info)
	d.restoreHistory(id)
	logging.Info("workspace added", "workspace_id", id, "path", path, "kind", string(kind))

	if req.Connect {
		if err := d.orch.Connect(ctx, id); err != nil {
			return nil, fmt.Errorf("workspace %s added but connect failed: %w", id, err)
		}
	}
	return d.workspaceStatus(id)
}

func (d *Daemon) workspaceStatus(id string) (*control.WorkspaceInfo, error) {
	for _, ws := range d.orch.Workspaces() {
		if ws.ID == id {
			return &ws, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", orchestrator.ErrWorkspaceNotFound, id)
}

func (d *Daemon) handleRemoveWorkspace(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	if err := d.orch.Unregister(ctx, req.WorkspaceID); err != nil && !errors.Is(err, orchestrator.ErrWorkspaceNotFound) {
		return nil, err
	}
	d.saver.Forget(req.WorkspaceID)
	if err := d.threads.Remove(req.WorkspaceID); err != nil {
		logging.Warn("remove history failed", "workspace_id", req.WorkspaceID, "error", err)
	}
	if err := d.store.DeleteWorkspace(req.WorkspaceID); err != nil {
		return nil, fmt.Errorf("delete workspace: %w", err)
	}
	logging.Info("workspace removed", "workspace_id", req.WorkspaceID)
	return nil, nil
}

func (d *Daemon) handleConnectWorkspace(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	if err := d.orch.Connect(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}
	return d.workspaceStatus(req.WorkspaceID)
}

func (d *Daemon) handleDisconnectWorkspace(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	if err := d.orch.Disconnect(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}
	d.saver.Flush(req.WorkspaceID)
	return d.workspaceStatus(req.WorkspaceID)
}

func (d *Daemon) handleAppFocus(ctx context.Context, _ json.RawMessage) (any, error) {
	d.orch.Focus(ctx)
	return d.orch.Workspaces(), nil
}

func (d *Daemon) handleStartThread(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	return d.orch.StartThread(ctx, req.WorkspaceID)
}

func (d *Daemon) handleListThreads(_ context.Context, params json.RawMessage) (any, error) {
	var req control.ListThreadsRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" {
		return nil, errors.New("workspace_id is required")
	}
	return d.orch.ListThreads(req.WorkspaceID, req.IncludeArchived)
}

func (d *Daemon) handleGetThread(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return d.orch.GetThread(req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleResumeThread(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return d.orch.ResumeThread(ctx, req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleArchiveThread(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return nil, d.orch.ArchiveThread(ctx, req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleRemoveThread(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return nil, d.orch.RemoveThread(ctx, req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleForkThread(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.ForkThreadRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return nil, errors.New("workspace_id and thread_id are required")
	}
	return d.orch.ForkThread(ctx, req.WorkspaceID, req.ThreadID, req.SeedPlan)
}

func (d *Daemon) handleStartReview(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.StartReviewRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return nil, errors.New("workspace_id and thread_id are required")
	}
	id, err := d.orch.StartReview(ctx, req.WorkspaceID, req.ThreadID, req.Target, req.Delivery)
	if err != nil {
		return nil, err
	}
	return control.StartReviewResponse{ReviewThreadID: id}, nil
}

func (d *Daemon) handleSetThreadName(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.SetThreadNameRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return nil, errors.New("workspace_id and thread_id are required")
	}
	return nil, d.orch.SetThreadName(ctx, req.WorkspaceID, req.ThreadID, req.Name)
}

func (d *Daemon) handlePinThread(_ context.Context, params json.RawMessage) (any, error) {
	var req control.PinThreadRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return nil, errors.New("workspace_id and thread_id are required")
	}
	return nil, d.orch.PinThread(req.WorkspaceID, req.ThreadID, req.Pinned)
}

func (d *Daemon) handleMarkThreadRead(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return nil, d.orch.MarkRead(req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleSetActiveThread(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return nil, d.orch.SetActiveThread(req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleSendUserMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.SendMessageRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ThreadID == "" {
		return nil, errors.New("workspace_id and thread_id are required")
	}
	turnID, err := d.orch.SendUserMessage(ctx, req.WorkspaceID, req.ThreadID, req.Text, orchestrator.SendOptions{
		Model:  req.Model,
		Effort: req.Effort,
	})
	if err != nil {
		return nil, err
	}
	return control.SendMessageResponse{TurnID: turnID}, nil
}

func (d *Daemon) handleInterruptTurn(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeThread(params)
	if err != nil {
		return nil, err
	}
	return nil, d.orch.InterruptTurn(ctx, req.WorkspaceID, req.ThreadID)
}

func (d *Daemon) handleListApprovals(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	pending, err := d.orch.PendingApprovals(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	rules, err := d.orch.ApprovalRules(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return control.ApprovalsInfo{Pending: pending, Rules: rules}, nil
}

func (d *Daemon) handleRespondToApproval(ctx context.Context, params json.RawMessage) (any, error) {
	var req control.RespondApprovalRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" || req.ApprovalID == "" {
		return nil, errors.New("workspace_id and approval_id are required")
	}
	decision := orchestrator.Decision{Decision: req.Decision, Answers: req.Answers}
	return nil, d.orch.RespondToApproval(ctx, req.WorkspaceID, req.ApprovalID, decision, req.Remember)
}

func (d *Daemon) handleRememberApprovalRule(_ context.Context, params json.RawMessage) (any, error) {
	var req control.RememberRuleRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" {
		return nil, errors.New("workspace_id is required")
	}
	if err := d.orch.RememberApprovalRule(req.WorkspaceID, req.Kind, req.Command); err != nil {
		return nil, err
	}
	return d.orch.ApprovalRules(req.WorkspaceID)
}

func (d *Daemon) handleModelList(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	return d.orch.ModelList(ctx, req.WorkspaceID)
}

func (d *Daemon) handleAccountRead(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	return d.orch.AccountRead(ctx, req.WorkspaceID)
}

func (d *Daemon) handleAccountRateLimits(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeWorkspace(params)
	if err != nil {
		return nil, err
	}
	return d.orch.AccountRateLimits(ctx, req.WorkspaceID)
}

func (d *Daemon) handleListEvents(_ context.Context, params json.RawMessage) (any, error) {
	var req control.ListEventsRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID == "" {
		return nil, errors.New("workspace_id is required")
	}
	if d.journal == nil {
		return nil, errors.New("event journal is disabled")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return d.store.ListEvents(req.WorkspaceID, req.ThreadID, limit)
}

// handleSubscribeEvents turns the connection into a canonical event
// subscriber. Slow subscribers lose events rather than stall the bus.
func (d *Daemon) handleSubscribeEvents(_ context.Context, params json.RawMessage, stream *control.Stream) (any, error) {
	var req control.SubscribeRequest
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	if req.WorkspaceID != "" {
		if _, err := d.workspaceStatus(req.WorkspaceID); err != nil {
			return nil, err
		}
	}

	sub := eventlog.NewChannelSubscriber(streamBuffer)
	var unsubscribe func()
	if req.WorkspaceID == "" {
		unsubscribe = d.bus.SubscribeAll(sub)
	} else {
		unsubscribe = d.bus.Subscribe(req.WorkspaceID, sub)
	}
	stream.OnClose(func() {
		unsubscribe()
		sub.Close()
		if n := sub.Dropped(); n > 0 {
			logging.Warn("stream subscriber dropped events", "workspace_id", req.WorkspaceID, "dropped", n)
		}
	})

	d.safeGo("event-stream", func() {
		for ev := range sub.Events() {
			if req.ThreadID != "" && ev.ThreadID() != req.ThreadID {
				continue
			}
			if !stream.Send(control.Event{Type: control.EventCanonical, Payload: ev}) {
				return
			}
		}
	})

	logging.Info("event subscriber connected", "workspace_id", req.WorkspaceID, "thread_id", req.ThreadID)
	return map[string]any{
		"subscribed":   true,
		"workspace_id": req.WorkspaceID,
		"thread_id":    req.ThreadID,
	}, nil
}
