package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/pkg/jsonrpc"
)

// Decisions a user can make on an approval.
const (
	DecisionAccept  = "accept"
	DecisionDecline = "decline"
	DecisionCancel  = "cancel"
)

// Approval is a backend request waiting on a user decision.
type Approval struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	ThreadID    string         `json:"threadId,omitempty"`
	TurnID      string         `json:"turnId,omitempty"`
	Kind        string         `json:"kind"`
	Method      string         `json:"method"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`

	requestID jsonrpc.ID
	session   Session
}

// Decision answers an approval. Answers is only read for userInput.
type Decision struct {
	Decision string         `json:"decision"`
	Answers  map[string]any `json:"answers,omitempty"`
}

// Rule remembers "accept this kind of request" for a workspace. An empty
// Command matches every request of the kind; otherwise it must be a token
// prefix of the request's command.
type Rule struct {
	Kind    string   `json:"kind"`
	Command []string `json:"command,omitempty"`
}

func (r Rule) matches(kind string, command []string) bool {
	if r.Kind != kind {
		return false
	}
	if len(r.Command) > len(command) {
		return false
	}
	for i, tok := range r.Command {
		if command[i] != tok {
			return false
		}
	}
	return true
}

func (r Rule) equal(other Rule) bool {
	return r.Kind == other.Kind && strings.Join(r.Command, "\x00") == strings.Join(other.Command, "\x00")
}

// handleApproval registers a backend request and either resolves it from
// the allowlist or publishes it for a user decision.
func (o *Orchestrator) handleApproval(workspaceID string, sess Session, n backend.Native, ev event.Event) {
	if n.RequestID == nil {
		// Relayed without a reply channel; nothing to correlate.
		o.publish(ev)
		return
	}
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return
	}

	a := &Approval{
		ID:          ev.String("id"),
		WorkspaceID: workspaceID,
		ThreadID:    ev.String("threadId"),
		TurnID:      ev.String("turnId"),
		Kind:        ev.ApprovalKind(),
		Method:      n.Method,
		Payload:     ev.Params,
		CreatedAt:   o.now(),
		requestID:   *n.RequestID,
		session:     sess,
	}
	if a.ID == "" {
		a.ID = n.RequestID.Key()
	}
	if a.TurnID == "" && a.ThreadID != "" {
		if e := o.lookupEntry(workspaceID, a.ThreadID); e != nil {
			e.mu.Lock()
			a.TurnID = e.t.Status.ActiveTurnID
			e.mu.Unlock()
		}
	}

	ws.mu.Lock()
	ws.approvals[a.ID] = a
	rules := append([]Rule(nil), ws.rules...)
	ws.mu.Unlock()

	command := approvalCommand(a.Payload)
	for _, rule := range rules {
		if !rule.matches(a.Kind, command) {
			continue
		}
		if err := o.RespondToApproval(context.Background(), workspaceID, a.ID, Decision{Decision: DecisionAccept}, false); err != nil {
			o.log.Warn("allowlist response failed", "workspace_id", workspaceID, "request_id", a.ID, "error", err)
			break
		}
		o.log.Info("approval accepted by allowlist", "workspace_id", workspaceID, "thread_id", a.ThreadID, "kind", a.Kind, "request_id", a.ID)
		return
	}

	o.publish(ev)
}

// PendingApprovals lists unresolved approvals, oldest first.
func (o *Orchestrator) PendingApprovals(workspaceID string) ([]Approval, error) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	out := make([]Approval, 0, len(ws.approvals))
	for _, a := range ws.approvals {
		out = append(out, *a)
	}
	ws.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RespondToApproval resolves an approval exactly once. With remember set,
// an accepted request adds an allowlist rule for its kind and command.
func (o *Orchestrator) RespondToApproval(ctx context.Context, workspaceID, approvalID string, d Decision, remember bool) error {
	switch d.Decision {
	case DecisionAccept, DecisionDecline, DecisionCancel:
	default:
		return fmt.Errorf("unknown decision %q", d.Decision)
	}
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	a, ok := ws.approvals[approvalID]
	if ok {
		delete(ws.approvals, approvalID)
	}
	ws.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
	}

	if err := a.session.Respond(a.requestID, approvalResult(a, d, remember)); err != nil {
		return fmt.Errorf("respond to approval %s: %w", approvalID, err)
	}
	if remember && d.Decision == DecisionAccept {
		if err := o.RememberApprovalRule(workspaceID, a.Kind, approvalCommand(a.Payload)); err != nil {
			return err
		}
	}
	o.publish(event.New(workspaceID, event.ApprovalResolved, map[string]any{
		"id":       approvalID,
		"threadId": a.ThreadID,
		"kind":     a.Kind,
		"decision": d.Decision,
	}))
	return nil
}

// RememberApprovalRule adds an allowlist rule for the workspace.
func (o *Orchestrator) RememberApprovalRule(workspaceID, kind string, command []string) error {
	if kind == "" {
		return fmt.Errorf("approval rule needs a kind")
	}
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return err
	}
	rule := Rule{Kind: kind, Command: append([]string(nil), command...)}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, r := range ws.rules {
		if r.equal(rule) {
			return nil
		}
	}
	ws.rules = append(ws.rules, rule)
	o.log.Info("approval rule remembered", "workspace_id", workspaceID, "kind", kind, "command", strings.Join(command, " "))
	return nil
}

// ApprovalRules returns the workspace's allowlist.
func (o *Orchestrator) ApprovalRules(workspaceID string) ([]Rule, error) {
	ws, err := o.workspace(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]Rule(nil), ws.rules...), nil
}

// approvalResult shapes the reply for the request's protocol.
func approvalResult(a *Approval, d Decision, remember bool) map[string]any {
	switch a.Kind {
	case "execCommand", "applyPatch":
		decision := "denied"
		switch d.Decision {
		case DecisionAccept:
			decision = "approved"
			if remember {
				decision = "approved_for_session"
			}
		case DecisionCancel:
			decision = "abort"
		}
		return map[string]any{"decision": decision}
	case "userInput":
		answers := d.Answers
		if answers == nil {
			answers = map[string]any{}
		}
		return map[string]any{"answers": answers}
	case "permission":
		if d.Decision == DecisionCancel {
			return map[string]any{"outcome": map[string]any{"outcome": "cancelled"}}
		}
		prefs := []string{"reject_once", "reject_always"}
		if d.Decision == DecisionAccept {
			prefs = []string{"allow_once", "allow_always"}
			if remember {
				prefs = []string{"allow_always", "allow_once"}
			}
		}
		return map[string]any{"outcome": map[string]any{
			"outcome":  "selected",
			"optionId": permissionOption(a.Payload, prefs),
		}}
	default:
		decision := d.Decision
		if decision == DecisionAccept && remember {
			decision = "acceptForSession"
		}
		return map[string]any{"decision": decision}
	}
}

// permissionOption picks the offered option whose kind comes first in prefs.
func permissionOption(payload map[string]any, prefs []string) string {
	options, _ := payload["options"].([]any)
	for _, want := range prefs {
		for _, raw := range options {
			opt, ok := raw.(map[string]any)
			if ok && str(opt, "kind") == want {
				if id := str(opt, "optionId", "id"); id != "" {
					return id
				}
			}
		}
	}
	return prefs[0]
}

// approvalCommand extracts the command a request wants to run, if any.
func approvalCommand(payload map[string]any) []string {
	if cmd := tokens(payload["command"]); len(cmd) > 0 {
		return cmd
	}
	if input := obj(obj(payload, "toolCall"), "rawInput"); input != nil {
		return tokens(input["command"])
	}
	return nil
}

func tokens(v any) []string {
	switch c := v.(type) {
	case string:
		return strings.Fields(c)
	case []any:
		out := make([]string, 0, len(c))
		for _, part := range c {
			if s, ok := part.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
