// Package event defines the canonical event vocabulary shared by every
// consumer of the orchestrator, regardless of which backend produced it.
package event

import (
	"encoding/json"
	"strings"
)

// Canonical methods.
const (
	TurnStarted        = "turn/started"
	TurnCompleted      = "turn/completed"
	TurnPlanUpdated    = "turn/plan/updated"
	ItemStarted        = "item/started"
	ItemUpdated        = "item/updated"
	ItemCompleted      = "item/completed"
	AgentMessageDelta  = "item/agentMessage/delta"
	UserMessageDelta   = "item/userMessage/delta"
	ReasoningTextDelta = "item/reasoning/textDelta"
	CommandOutputDelta = "item/commandExecution/outputDelta"
	Error              = "error"
	ThreadStarted      = "thread/started"
	ThreadArchived     = "thread/archived"
	ThreadNameUpdated  = "thread/name/updated"
	ThreadResumed      = "thread/resumed"

	Connected        = "codex/connected"
	Disconnected     = "codex/disconnected"
	Stderr           = "codex/stderr"
	ParseError       = "codex/parseError"
	ApprovalResolved = "codex/approvalResolved"

	approvalPrefix = "approval/"
)

// Event is one canonical event. Params is always a JSON object.
type Event struct {
	WorkspaceID string         `json:"workspaceId"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
}

// New builds an event, never leaving Params nil.
func New(workspaceID, method string, params map[string]any) Event {
	if params == nil {
		params = map[string]any{}
	}
	return Event{WorkspaceID: workspaceID, Method: method, Params: params}
}

// Approval returns the method for an approval request of the given kind.
func Approval(kind string) string {
	return approvalPrefix + kind
}

// IsApproval reports whether the event asks the user for a decision.
func (e Event) IsApproval() bool {
	return strings.HasPrefix(e.Method, approvalPrefix)
}

// ApprovalKind returns the kind part of an approval method.
func (e Event) ApprovalKind() string {
	return strings.TrimPrefix(e.Method, approvalPrefix)
}

// ThreadID finds the thread the event is addressed to, if any.
func (e Event) ThreadID() string {
	if id := e.String("threadId"); id != "" {
		return id
	}
	if thread, ok := e.Params["thread"].(map[string]any); ok {
		if id, _ := thread["id"].(string); id != "" {
			return id
		}
	}
	if turn, ok := e.Params["turn"].(map[string]any); ok {
		if id, _ := turn["threadId"].(string); id != "" {
			return id
		}
	}
	return ""
}

// TurnID returns params.turnId or params.turn.id.
func (e Event) TurnID() string {
	if id := e.String("turnId"); id != "" {
		return id
	}
	if turn, ok := e.Params["turn"].(map[string]any); ok {
		if id, _ := turn["id"].(string); id != "" {
			return id
		}
	}
	return ""
}

// ItemID returns params.itemId or params.item.id.
func (e Event) ItemID() string {
	if id := e.String("itemId"); id != "" {
		return id
	}
	if item := e.Map("item"); item != nil {
		if id, _ := item["id"].(string); id != "" {
			return id
		}
	}
	return ""
}

// String returns a string param or "".
func (e Event) String(key string) string {
	s, _ := e.Params[key].(string)
	return s
}

// Bool returns a bool param or false.
func (e Event) Bool(key string) bool {
	b, _ := e.Params[key].(bool)
	return b
}

// Map returns an object param or nil.
func (e Event) Map(key string) map[string]any {
	m, _ := e.Params[key].(map[string]any)
	return m
}

// Marshal encodes the event; map keys are sorted so output is stable.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Params decodes raw JSON into an object. Non-object payloads are wrapped
// under "value" so nothing is lost.
func Params(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return map[string]any{"value": v}
	}
	return map[string]any{"raw": string(raw)}
}
