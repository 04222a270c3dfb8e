package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
)

// ModelList returns the backend's models. The result is cached for the
// life of the session.
func (o *Orchestrator) ModelList(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	ws, sess, err := o.connected(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	cached := ws.models
	ws.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var (
		result    json.RawMessage
		preflight string
	)
	if sess.Kind() == backend.KindSDK {
		raw, err := sess.Send(ctx, "session/new", map[string]any{"cwd": ws.path(), "mcpServers": []any{}})
		if err != nil {
			return nil, fmt.Errorf("model list: %w", err)
		}
		res := event.Params(raw)
		preflight = str(res, "sessionId")
		result, err = json.Marshal(sdkModels(obj(res, "models")))
		if err != nil {
			return nil, fmt.Errorf("model list: %w", err)
		}
	} else {
		result, err = sess.Send(ctx, "model/list", map[string]any{})
		if err != nil {
			return nil, fmt.Errorf("model list: %w", err)
		}
	}

	ws.mu.Lock()
	ws.models = result
	if preflight != "" {
		ws.preflight = preflight
	}
	ws.mu.Unlock()
	return result, nil
}

// sdkModels reshapes an SDK session's model block into the model/list form.
func sdkModels(models map[string]any) map[string]any {
	current := str(models, "currentModelId")
	available, _ := models["availableModels"].([]any)
	data := make([]any, 0, len(available))
	for _, raw := range available {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id := str(m, "modelId", "id")
		if id == "" {
			continue
		}
		name := str(m, "name", "displayName")
		if name == "" {
			name = id
		}
		var usage any
		if u := str(obj(m, "_meta"), "copilotUsage"); u != "" {
			usage = u
		}
		data = append(data, map[string]any{
			"id":           id,
			"model":        id,
			"displayName":  name,
			"description":  str(m, "description"),
			"isDefault":    id == current,
			"copilotUsage": usage,
		})
	}
	out := map[string]any{"data": data}
	if current != "" {
		out["currentModelId"] = current
	}
	return out
}

// AccountRead returns the signed-in account. Backends without the method
// report a default instead of failing.
func (o *Orchestrator) AccountRead(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return nil, err
	}
	raw, err := sess.Send(ctx, "account/read", nil)
	if err == nil {
		return raw, nil
	}
	if !backend.IsMethodNotFound(err) {
		return nil, fmt.Errorf("account read: %w", err)
	}
	if sess.Kind() == backend.KindSDK {
		return json.RawMessage(`{"authenticated":true,"user":"Copilot"}`), nil
	}
	return json.RawMessage(`{"account":null}`), nil
}

// AccountRateLimits returns the backend's current usage limits.
func (o *Orchestrator) AccountRateLimits(ctx context.Context, workspaceID string) (json.RawMessage, error) {
	_, sess, err := o.connected(workspaceID)
	if err != nil {
		return nil, err
	}
	if sess.Kind() == backend.KindSDK {
		return nil, fmt.Errorf("rate limits: %w", ErrUnsupported)
	}
	raw, err := sess.Send(ctx, "account/rateLimits/read", nil)
	if err != nil {
		if backend.IsMethodNotFound(err) {
			return nil, fmt.Errorf("rate limits: %w", ErrUnsupported)
		}
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	return raw, nil
}
