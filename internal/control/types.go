package control

import (
	"github.com/drewfead/conductor/internal/orchestrator"
)

// WorkspaceInfo is a registered workspace with its live state.
type WorkspaceInfo = orchestrator.WorkspaceStatus

// AddWorkspaceRequest registers a project directory.
type AddWorkspaceRequest struct {
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Path    string   `json:"path"`
	Kind    string   `json:"kind,omitempty"`
	Bin     string   `json:"bin,omitempty"` // backend binary, or the URL of a remote backend
	Args    []string `json:"args,omitempty"`
	Connect bool     `json:"connect,omitempty"`
}

// WorkspaceRequest addresses a workspace.
type WorkspaceRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// ThreadRequest addresses one thread.
type ThreadRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
}

// ListThreadsRequest lists a workspace's threads.
type ListThreadsRequest struct {
	WorkspaceID     string `json:"workspace_id"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
}

// ForkThreadRequest forks a thread, optionally carrying its plan over.
type ForkThreadRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	SeedPlan    bool   `json:"seed_plan,omitempty"`
}

// StartReviewRequest starts a review on a thread.
type StartReviewRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	ThreadID    string         `json:"thread_id"`
	Target      map[string]any `json:"target,omitempty"`
	Delivery    string         `json:"delivery,omitempty"` // inline | detached
}

// StartReviewResponse names the thread the review runs in.
type StartReviewResponse struct {
	ReviewThreadID string `json:"review_thread_id"`
}

// SetThreadNameRequest renames a thread.
type SetThreadNameRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	Name        string `json:"name"`
}

// PinThreadRequest pins or unpins a thread.
type PinThreadRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	Pinned      bool   `json:"pinned"`
}

// SendMessageRequest starts a turn with a user message.
type SendMessageRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id"`
	Text        string `json:"text"`
	Model       string `json:"model,omitempty"`
	Effort      string `json:"effort,omitempty"`
}

// SendMessageResponse identifies the started turn.
type SendMessageResponse struct {
	TurnID string `json:"turn_id"`
}

// ApprovalsInfo lists a workspace's pending approvals and allowlist.
type ApprovalsInfo struct {
	Pending []orchestrator.Approval `json:"pending"`
	Rules   []orchestrator.Rule     `json:"rules"`
}

// RespondApprovalRequest resolves a pending approval.
type RespondApprovalRequest struct {
	WorkspaceID string         `json:"workspace_id"`
	ApprovalID  string         `json:"approval_id"`
	Decision    string         `json:"decision"` // accept | decline | cancel
	Answers     map[string]any `json:"answers,omitempty"`
	Remember    bool           `json:"remember,omitempty"`
}

// RememberRuleRequest adds an allowlist rule.
type RememberRuleRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	Kind        string   `json:"kind"`
	Command     []string `json:"command,omitempty"`
}

// ListEventsRequest reads the event journal.
type ListEventsRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ThreadID    string `json:"thread_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// SubscribeRequest starts an event stream. An empty WorkspaceID follows
// every workspace.
type SubscribeRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	ThreadID    string `json:"thread_id,omitempty"`
}

// StatusInfo describes the running daemon.
type StatusInfo struct {
	Version    string `json:"version"`
	PID        int    `json:"pid"`
	Uptime     int64  `json:"uptime_seconds"`
	Workspaces int    `json:"workspaces"`
	Connected  int    `json:"connected"`
	Clients    int    `json:"clients"`
}
