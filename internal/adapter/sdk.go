package adapter

import (
	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
)

const sdkPrefix = "sdk"

// translateSDK handles both the ACP notifications and the bare
// {type, id, data} event lines emitted by the agent SDK. The SDK runs one
// session per workspace, so a missing session id means the workspace itself.
func translateSDK(workspaceID string, n backend.Native) (event.Event, bool) {
	if n.Method == "" {
		return translateSDKEvent(workspaceID, n)
	}
	raw := event.Params(n.Params)

	switch n.Method {
	case "session/update":
		return translateSessionUpdate(workspaceID, n, raw), true
	case "session/request_permission":
		if n.IsRequest() {
			params := clone(raw)
			params["id"] = n.RequestID.Key()
			params["threadId"] = sessionThread(workspaceID, raw)
			return event.New(workspaceID, event.Approval("permission"), params), true
		}
	}
	return passthrough(workspaceID, sdkPrefix, n.Method, n), true
}

func sessionThread(workspaceID string, m map[string]any) string {
	if id := str(m, "sessionId", "threadId"); id != "" {
		return id
	}
	return workspaceID
}

func translateSessionUpdate(workspaceID string, n backend.Native, raw map[string]any) event.Event {
	threadID := sessionThread(workspaceID, raw)
	update := obj(raw, "update")
	if update == nil {
		return passthrough(workspaceID, sdkPrefix, n.Method, n)
	}

	kind := str(update, "sessionUpdate")
	switch kind {
	case "agent_message_chunk":
		return event.New(workspaceID, event.AgentMessageDelta, map[string]any{
			"threadId": threadID,
			"itemId":   str(update, "messageId", "itemId"),
			"delta":    text(update["content"]),
		})
	case "user_message_chunk":
		return event.New(workspaceID, event.UserMessageDelta, map[string]any{
			"threadId": threadID,
			"itemId":   str(update, "messageId", "itemId"),
			"delta":    text(update["content"]),
		})
	case "agent_thought_chunk":
		return event.New(workspaceID, event.ReasoningTextDelta, map[string]any{
			"threadId": threadID,
			"itemId":   str(update, "messageId", "itemId"),
			"delta":    text(update["content"]),
		})
	case "tool_call":
		return event.New(workspaceID, event.ItemStarted, map[string]any{
			"threadId": threadID,
			"item":     toolItem(update),
		})
	case "tool_call_update":
		method := event.ItemUpdated
		switch str(update, "status") {
		case "completed", "failed":
			method = event.ItemCompleted
		}
		return event.New(workspaceID, method, map[string]any{
			"threadId": threadID,
			"item":     toolItem(update),
		})
	case "plan":
		return event.New(workspaceID, event.ItemCompleted, map[string]any{
			"threadId": threadID,
			"item": map[string]any{
				"id":      "",
				"type":    "plan",
				"entries": update["entries"],
			},
		})
	case "":
		return passthrough(workspaceID, sdkPrefix, n.Method, n)
	}

	params := clone(raw)
	params["threadId"] = threadID
	return event.New(workspaceID, sdkPrefix+"/"+kind, params)
}

func toolItem(update map[string]any) map[string]any {
	item := map[string]any{
		"id":       str(update, "toolCallId", "id"),
		"type":     "toolCall",
		"toolType": str(update, "kind", "toolType"),
		"title":    str(update, "title"),
		"status":   str(update, "status"),
	}
	if args, ok := update["rawInput"]; ok {
		item["arguments"] = args
	}
	if out, ok := update["rawOutput"]; ok {
		item["output"] = out
	} else if content, ok := update["content"]; ok {
		item["output"] = text(content)
	}
	return item
}

// translateSDKEvent maps bare SDK event lines. Params holds the whole line.
func translateSDKEvent(workspaceID string, n backend.Native) (event.Event, bool) {
	line := event.Params(n.Params)
	data := obj(line, "data")
	if data == nil {
		data = map[string]any{}
	}
	threadID := str(line, "sessionId")
	if threadID == "" {
		threadID = sessionThread(workspaceID, data)
	}

	switch n.Type {
	case "assistant.turn_start", "assistant.turn_end":
		method := event.TurnStarted
		if n.Type == "assistant.turn_end" {
			method = event.TurnCompleted
		}
		return event.New(workspaceID, method, map[string]any{
			"turn": map[string]any{
				"id":       sdkTurnID(line, data),
				"threadId": threadID,
			},
		}), true
	case "assistant.message_delta":
		return event.New(workspaceID, event.AgentMessageDelta, map[string]any{
			"threadId": threadID,
			"itemId":   str(data, "messageId"),
			"delta":    str(data, "deltaContent", "delta"),
		}), true
	case "assistant.reasoning_delta":
		return event.New(workspaceID, event.ReasoningTextDelta, map[string]any{
			"threadId": threadID,
			"itemId":   str(data, "reasoningId", "messageId"),
			"delta":    str(data, "deltaContent", "delta"),
		}), true
	case "assistant.message":
		return event.New(workspaceID, event.ItemCompleted, map[string]any{
			"threadId": threadID,
			"item": map[string]any{
				"id":   str(data, "messageId"),
				"type": "agentMessage",
				"text": text(data["content"]),
			},
		}), true
	case "assistant.reasoning":
		return event.New(workspaceID, event.ItemCompleted, map[string]any{
			"threadId": threadID,
			"item": map[string]any{
				"id":   str(data, "reasoningId", "messageId"),
				"type": "reasoning",
				"text": text(data["content"]),
			},
		}), true
	case "tool.execution_start", "tool.execution_complete":
		method := event.ItemStarted
		status := "inProgress"
		if n.Type == "tool.execution_complete" {
			method = event.ItemCompleted
			status = "completed"
			if ok, present := data["success"].(bool); present && !ok {
				status = "failed"
			}
		}
		item := map[string]any{
			"id":       str(data, "toolCallId"),
			"type":     "toolCall",
			"toolType": str(data, "toolName"),
			"status":   status,
		}
		if args, ok := data["arguments"]; ok {
			item["arguments"] = args
		}
		if result, ok := data["result"]; ok {
			item["output"] = text(result)
		}
		return event.New(workspaceID, method, map[string]any{"threadId": threadID, "item": item}), true
	case "session.error":
		return event.New(workspaceID, event.Error, map[string]any{
			"threadId": threadID,
			"turnId":   str(data, "turnId"),
			"error": map[string]any{
				"message": str(data, "message"),
				"code":    str(data, "errorType", "code"),
			},
			"willRetry": false,
		}), true
	}
	return passthrough(workspaceID, sdkPrefix, n.Type, n), true
}

func sdkTurnID(line, data map[string]any) string {
	if id := str(data, "turnId"); id != "" {
		return id
	}
	return str(line, "id")
}
