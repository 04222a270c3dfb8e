// Package adapter translates backend-native messages into canonical events.
//
// Translation is a pure function of its inputs: it never consults state,
// so replaying the same native message always yields the same event.
// Anything not in a family's mapping table is passed through as
// "<prefix>/<rawType>" with the raw payload intact.
package adapter

import (
	"github.com/drewfead/conductor/internal/backend"
	"github.com/drewfead/conductor/internal/event"
)

// Translate maps one native message to a canonical event. The second
// return is false when the message carries nothing worth emitting.
func Translate(workspaceID string, n backend.Native) (event.Event, bool) {
	switch n.Kind {
	case backend.KindSDK:
		return translateSDK(workspaceID, n)
	case backend.KindRemote:
		return translateAppServer(workspaceID, n, backend.KindRemote.Prefix())
	default:
		return translateAppServer(workspaceID, n, backend.KindLegacy.Prefix())
	}
}

// passthrough tags an unmapped message with its family and raw type.
func passthrough(workspaceID, prefix, rawType string, n backend.Native) event.Event {
	params := event.Params(n.Params)
	if n.RequestID != nil {
		params["requestId"] = n.RequestID.Key()
	}
	return event.New(workspaceID, prefix+"/"+rawType, params)
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
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func boolean(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// text flattens the content shapes backends use for message text: a bare
// string, {type:"text", text}, or a list of such blocks.
func text(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case map[string]any:
		if s, ok := c["text"].(string); ok {
			return s
		}
		if inner, ok := c["content"]; ok {
			return text(inner)
		}
	case []any:
		var out string
		for _, part := range c {
			out += text(part)
		}
		return out
	}
	return ""
}
