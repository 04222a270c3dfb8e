package adapter

import (
	"sort"
	"strconv"
	"strings"

	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
)

// approvalKinds maps app-server request methods to approval kinds.
var approvalKinds = map[string]string{
	"item/commandExecution/requestApproval": "commandExecution",
	"item/fileChange/requestApproval":       "fileChange",
	"item/tool/requestUserInput":            "userInput",
	"execCommandApproval":                   "execCommand",
	"applyPatchApproval":                    "applyPatch",
}

// deltaMethods maps streaming delta notifications to their canonical method.
var deltaMethods = map[string]string{
	event.AgentMessageDelta:           event.AgentMessageDelta,
	event.ReasoningTextDelta:          event.ReasoningTextDelta,
	"item/reasoning/summaryTextDelta": event.ReasoningTextDelta,
	event.CommandOutputDelta:          event.CommandOutputDelta,
	"item/fileChange/outputDelta":     event.CommandOutputDelta,
}

// translateAppServer handles the legacy app-server protocol. Remote daemons
// relay the same protocol, so they share this table with their own prefix.
func translateAppServer(workspaceID string, n backend.Native, prefix string) (event.Event, bool) {
	if n.Method == "" {
		return passthrough(workspaceID, prefix, n.Type, n), true
	}
	raw := event.Params(n.Params)

	if n.IsRequest() {
		if kind, ok := approvalKinds[n.Method]; ok {
			return approval(workspaceID, kind, n, raw), true
		}
		if strings.HasPrefix(n.Method, "approval/") {
			return approval(workspaceID, strings.TrimPrefix(n.Method, "approval/"), n, raw), true
		}
		return passthrough(workspaceID, prefix, n.Method, n), true
	}

	if canonical, ok := deltaMethods[n.Method]; ok {
		return event.New(workspaceID, canonical, delta(raw, "")), true
	}

	switch n.Method {
	case event.TurnStarted, event.TurnCompleted:
		return event.New(workspaceID, n.Method, turnParams(raw)), true
	case event.ItemStarted, event.ItemUpdated, event.ItemCompleted:
		return event.New(workspaceID, n.Method, itemParams(raw)), true
	case event.Error:
		return event.New(workspaceID, event.Error, errorParams(raw)), true
	case event.ThreadStarted:
		return event.New(workspaceID, event.ThreadStarted, threadStartedParams(raw)), true
	case event.TurnPlanUpdated, event.ThreadArchived, event.ThreadNameUpdated, event.Connected:
		return event.New(workspaceID, n.Method, raw), true
	}

	if prefix != backend.KindLegacy.Prefix() && strings.HasPrefix(n.Method, backend.KindLegacy.Prefix()+"/") {
		// Remote daemons forward the legacy backend's diagnostics verbatim.
		return event.New(workspaceID, n.Method, raw), true
	}
	return passthrough(workspaceID, prefix, n.Method, n), true
}

func approval(workspaceID, kind string, n backend.Native, raw map[string]any) event.Event {
	params := clone(raw)
	params["id"] = n.RequestID.Key()
	params["threadId"] = str(raw, "threadId", "conversationId", "sessionId")
	return event.New(workspaceID, event.Approval(kind), params)
}

func turnParams(raw map[string]any) map[string]any {
	turn := obj(raw, "turn")
	if turn == nil {
		turn = map[string]any{}
	} else {
		turn = clone(turn)
	}
	threadID := str(raw, "threadId")
	if threadID == "" {
		threadID = str(turn, "threadId")
	}
	if str(turn, "id") == "" {
		turn["id"] = str(raw, "turnId")
	}
	turn["threadId"] = threadID

	params := clone(raw)
	params["threadId"] = threadID
	params["turn"] = turn
	return params
}

func itemParams(raw map[string]any) map[string]any {
	params := clone(raw)
	params["threadId"] = str(raw, "threadId")
	item := obj(raw, "item")
	if item == nil {
		item = map[string]any{}
	}
	params["item"] = item
	return params
}

// delta guarantees threadId, itemId and delta are present.
func delta(raw map[string]any, defaultThread string) map[string]any {
	threadID := str(raw, "threadId", "sessionId")
	if threadID == "" {
		threadID = defaultThread
	}
	params := map[string]any{
		"threadId": threadID,
		"itemId":   str(raw, "itemId", "messageId", "reasoningId", "toolCallId"),
		"delta":    str(raw, "delta", "deltaContent", "text"),
	}
	if turnID := str(raw, "turnId"); turnID != "" {
		params["turnId"] = turnID
	}
	return params
}

func errorParams(raw map[string]any) map[string]any {
	errObj := obj(raw, "error")
	message := str(raw, "message")
	code := ""
	if errObj != nil {
		if m := str(errObj, "message"); m != "" {
			message = m
		}
		code = errorCode(errObj)
	}
	return map[string]any{
		"threadId":  str(raw, "threadId"),
		"turnId":    str(raw, "turnId"),
		"error":     map[string]any{"message": message, "code": code},
		"willRetry": boolean(raw, "willRetry"),
	}
}

func errorCode(errObj map[string]any) string {
	switch c := errObj["code"].(type) {
	case string:
		return c
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	}
	// app-server reports structured details as either a bare tag or {tag: {...}}.
	switch info := errObj["codexErrorInfo"].(type) {
	case string:
		return info
	case map[string]any:
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			sort.Strings(keys)
			return keys[0]
		}
	}
	return ""
}

func threadStartedParams(raw map[string]any) map[string]any {
	thread := obj(raw, "thread")
	if thread == nil {
		thread = map[string]any{}
	}
	out := map[string]any{
		"id":        str(thread, "id"),
		"name":      str(thread, "name", "preview", "title"),
		"createdAt": thread["createdAt"],
	}
	if cwd := str(thread, "cwd"); cwd != "" {
		out["cwd"] = cwd
	}
	if parent := str(thread, "parentThreadId", "forkedFromId"); parent != "" {
		out["parentId"] = parent
	}
	return map[string]any{"thread": out}
}
