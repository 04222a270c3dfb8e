package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/logging"
)

// SendOptions tunes a single turn.
type SendOptions struct {
	Model  string `json:"model,omitempty"`
	Effort string `json:"effort,omitempty"`
}

// SendUserMessage starts a turn with text. It returns ErrBusy without
// touching state when the thread already has a turn in flight.
func (o *Orchestrator) SendUserMessage(ctx context.Context, workspaceID, threadID, text string, opts SendOptions) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return "", err
	}
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.t.Status.Busy() || e.starting {
		e.mu.Unlock()
		return "", ErrBusy
	}
	e.starting = true
	e.mu.Unlock()

	if sess.Kind() == backend.KindSDK {
		return o.startPrompt(workspaceID, sess, e, text)
	}

	params := map[string]any{
		"threadId": threadID,
		"input":    []any{map[string]any{"type": "text", "text": text}},
	}
	if opts.Model != "" {
		params["model"] = opts.Model
	}
	if opts.Effort != "" {
		params["effort"] = opts.Effort
	}
	raw, err := sess.Send(ctx, "turn/start", params)

	e.mu.Lock()
	e.starting = false
	if err != nil {
		e.mu.Unlock()
		return "", fmt.Errorf("start turn: %w", err)
	}
	turnID := str(obj(event.Params(raw), "turn"), "id")
	var notice *reviewNotice
	if turnID != "" && !e.t.HasSeenTurn(turnID) {
		notice = o.applyLocked(workspaceID, e, event.New(workspaceID, event.TurnStarted, map[string]any{
			"threadId": threadID,
			"turn":     map[string]any{"id": turnID, "threadId": threadID},
		}))
	}
	e.mu.Unlock()
	o.deliverNotice(notice)

	o.log.Debug("turn started", "workspace_id", workspaceID, "thread_id", threadID, "turn_id", turnID)
	return turnID, nil
}

// startPrompt runs an SDK turn. The SDK has no turn ids of its own, so one
// is minted here and the prompt request's completion ends the turn.
func (o *Orchestrator) startPrompt(workspaceID string, sess Session, e *entry, text string) (string, error) {
	turnID := "turn-" + uuid.NewString()
	threadID := e.t.ID

	e.mu.Lock()
	notice := o.applyLocked(workspaceID, e, event.New(workspaceID, event.TurnStarted, map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID, "threadId": threadID},
	}))
	o.applyLocked(workspaceID, e, event.New(workspaceID, event.ItemCompleted, map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"item": map[string]any{
			"id":      turnID + ":userMessage",
			"type":    "userMessage",
			"content": text,
		},
	}))
	e.starting = false
	e.mu.Unlock()
	o.deliverNotice(notice)

	go o.runPrompt(workspaceID, sess, e, text)
	return turnID, nil
}

func (o *Orchestrator) runPrompt(workspaceID string, sess Session, e *entry, text string) {
	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "component", "sdk-prompt", "workspace_id", workspaceID)
		}
	}()

	threadID := e.t.ID
	_, timeout := o.timeouts()
	raw, err := sess.SendWithTimeout(context.Background(), "session/prompt", map[string]any{
		"sessionId": threadID,
		"prompt":    []any{map[string]any{"type": "text", "text": text}},
	}, timeout)

	e.mu.Lock()
	var notices []*reviewNotice
	// Bare SDK events may have replaced or already finished the turn.
	active := e.t.Status.ActiveTurnID
	switch {
	case active == "":
	case err != nil:
		o.log.Warn("prompt failed", "workspace_id", workspaceID, "thread_id", threadID, "turn_id", active, "error", err)
		notices = append(notices, o.applyLocked(workspaceID, e, event.New(workspaceID, event.Error, map[string]any{
			"threadId":  threadID,
			"turnId":    active,
			"error":     map[string]any{"message": err.Error(), "code": errorCode(err)},
			"willRetry": false,
		})))
	default:
		if e.t.HasItem(active + ":agentMessage") {
			notices = append(notices, o.applyLocked(workspaceID, e, event.New(workspaceID, event.ItemCompleted, map[string]any{
				"threadId": threadID,
				"turnId":   active,
				"item":     map[string]any{"id": "", "type": "agentMessage"},
			})))
		}
		stopReason := str(event.Params(raw), "stopReason")
		status := "completed"
		if stopReason == "cancelled" {
			status = "interrupted"
		}
		notices = append(notices, o.applyLocked(workspaceID, e, event.New(workspaceID, event.TurnCompleted, map[string]any{
			"threadId": threadID,
			"turn": map[string]any{
				"id":         active,
				"threadId":   threadID,
				"status":     status,
				"stopReason": stopReason,
			},
		})))
	}
	e.mu.Unlock()
	for _, n := range notices {
		o.deliverNotice(n)
	}
}

func errorCode(err error) string {
	var be *backend.BackendError
	switch {
	case errors.As(err, &be):
		return strconv.Itoa(be.Code)
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrDisconnected):
		return "disconnected"
	default:
		return "backend"
	}
}

// InterruptTurn asks the backend to stop the thread's active turn. It is a
// no-op when no turn is active. Once the backend acknowledges, the turn is
// cleared after the grace period if no completion has arrived.
func (o *Orchestrator) InterruptTurn(ctx context.Context, workspaceID, threadID string) error {
	e, err := o.entry(workspaceID, threadID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	turnID := e.t.Status.ActiveTurnID
	e.mu.Unlock()
	if turnID == "" {
		return nil
	}

	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return err
	}
	if sess.Kind() == backend.KindSDK {
		err = sess.Notify("session/cancel", map[string]any{"sessionId": threadID})
	} else {
		_, err = sess.Send(ctx, "turn/interrupt", map[string]any{"threadId": threadID, "turnId": turnID})
	}
	if err != nil {
		return fmt.Errorf("interrupt turn %s: %w", turnID, err)
	}

	grace, _ := o.timeouts()
	e.mu.Lock()
	if e.t.Status.ActiveTurnID == turnID {
		e.stopGrace()
		e.grace = time.AfterFunc(grace, func() { o.expireInterrupt(workspaceID, e, turnID) })
	}
	e.mu.Unlock()
	o.log.Info("turn interrupt requested", "workspace_id", workspaceID, "thread_id", threadID, "turn_id", turnID)
	return nil
}

// expireInterrupt treats a missing completion after an interrupt as the
// completion.
func (o *Orchestrator) expireInterrupt(workspaceID string, e *entry, turnID string) {
	e.mu.Lock()
	var notice *reviewNotice
	if e.t.Status.ActiveTurnID == turnID {
		o.log.Info("interrupt grace elapsed, clearing turn", "workspace_id", workspaceID, "thread_id", e.t.ID, "turn_id", turnID)
		notice = o.applyLocked(workspaceID, e, event.New(workspaceID, event.TurnCompleted, map[string]any{
			"threadId": e.t.ID,
			"turn":     map[string]any{"id": turnID, "threadId": e.t.ID, "status": "interrupted"},
		}))
	}
	e.grace = nil
	e.mu.Unlock()
	o.deliverNotice(notice)
}
