package thread

import (
	"strings"
)

// ItemKind tags a conversation item.
type ItemKind string

const (
	KindMessage   ItemKind = "message"
	KindTool      ItemKind = "tool"
	KindReasoning ItemKind = "reasoning"
	KindDiff      ItemKind = "diff"
	KindPlan      ItemKind = "plan"
	KindNotice    ItemKind = "notice"
	KindError     ItemKind = "error"
)

// Item is one entry in a thread's conversation log. Only the fields that
// belong to its kind are populated.
type Item struct {
	ID   string   `json:"id"`
	Kind ItemKind `json:"kind"`

	// message
	Role string `json:"role,omitempty"`
	// message, reasoning, notice, error, plan explanation
	Text string `json:"text,omitempty"`

	// tool
	ToolType  string `json:"toolType,omitempty"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status,omitempty"`
	Arguments any    `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`

	// diff
	Diff string `json:"diff,omitempty"`

	// plan
	Plan any `json:"plan,omitempty"`

	// notice
	ReviewID string `json:"reviewId,omitempty"`

	// error
	Code string `json:"code,omitempty"`
}

// merge overlays the non-empty fields of next onto it.
func (it *Item) merge(next Item) {
	if next.Kind != "" {
		it.Kind = next.Kind
	}
	if next.Role != "" {
		it.Role = next.Role
	}
	if next.Text != "" {
		it.Text = next.Text
	}
	if next.ToolType != "" {
		it.ToolType = next.ToolType
	}
	if next.Title != "" {
		it.Title = next.Title
	}
	if next.Status != "" {
		it.Status = next.Status
	}
	if next.Arguments != nil {
		it.Arguments = next.Arguments
	}
	if next.Output != "" {
		it.Output = next.Output
	}
	if next.Diff != "" {
		it.Diff = next.Diff
	}
	if next.Plan != nil {
		it.Plan = next.Plan
	}
	if next.ReviewID != "" {
		it.ReviewID = next.ReviewID
	}
	if next.Code != "" {
		it.Code = next.Code
	}
}

// ParseItem converts a backend item object into an Item. Unknown item
// types are kept as tool items named after their type.
func ParseItem(raw map[string]any) Item {
	itemType := str(raw, "type")
	it := Item{ID: str(raw, "id")}

	switch itemType {
	case "agentMessage", "assistantMessage":
		it.Kind = KindMessage
		it.Role = "assistant"
		it.Text = flatten(raw["text"])
		if it.Text == "" {
			it.Text = flatten(raw["content"])
		}
	case "userMessage":
		it.Kind = KindMessage
		it.Role = "user"
		it.Text = flatten(raw["content"])
		if it.Text == "" {
			it.Text = flatten(raw["text"])
		}
	case "reasoning":
		it.Kind = KindReasoning
		it.Text = flatten(raw["text"])
		if it.Text == "" {
			it.Text = flatten(raw["summary"])
		}
	case "fileChange":
		it.Kind = KindDiff
		it.Status = str(raw, "status")
		it.Diff = changesDiff(raw)
	case "plan", "todoList":
		it.Kind = KindPlan
		it.Text = flatten(raw["text"])
		for _, key := range []string{"entries", "plan", "items"} {
			if v, ok := raw[key]; ok {
				it.Plan = v
				break
			}
		}
	case "enteredReviewMode", "exitedReviewMode":
		it.Kind = KindNotice
		it.Text = str(raw, "review")
	case "notice":
		it.Kind = KindNotice
		it.Text = str(raw, "text")
		it.ReviewID = str(raw, "reviewThreadId")
	case "error":
		it.Kind = KindError
		it.Text = str(raw, "message", "text")
		it.Code = str(raw, "code")
	default:
		it.Kind = KindTool
		it.ToolType = str(raw, "toolType", "tool")
		if it.ToolType == "" {
			it.ToolType = itemType
		}
		it.Title = str(raw, "title")
		it.Status = str(raw, "status")
		for _, key := range []string{"arguments", "command", "input"} {
			if v, ok := raw[key]; ok {
				it.Arguments = v
				break
			}
		}
		it.Output = flatten(raw["output"])
		if it.Output == "" {
			it.Output = flatten(raw["aggregatedOutput"])
		}
	}
	return it
}

// defaultIDSuffix names the placeholder item a kind resolves to when the
// backend leaves the item id empty.
func defaultIDSuffix(it Item) string {
	switch it.Kind {
	case KindMessage:
		if it.Role == "user" {
			return "userMessage"
		}
		return "agentMessage"
	default:
		return string(it.Kind)
	}
}

func changesDiff(raw map[string]any) string {
	if d := str(raw, "diff"); d != "" {
		return d
	}
	changes, _ := raw["changes"].([]any)
	var parts []string
	for _, c := range changes {
		change, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if d := str(change, "diff", "unified_diff"); d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n")
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func flatten(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case map[string]any:
		if s, ok := c["text"].(string); ok {
			return s
		}
		if inner, ok := c["content"]; ok {
			return flatten(inner)
		}
	case []any:
		var parts []string
		for _, part := range c {
			if s := flatten(part); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}
