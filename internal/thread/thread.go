// Package thread holds the per-thread state machine: turn status, the
// ordered item log and the parent/review linkage. A Thread is not safe for
// concurrent use; the orchestrator serializes access per thread.
package thread

import (
	"fmt"
	"time"

	"github.com/drewfead/conductor/internal/event"
)

// Status tracks the thread's current turn.
type Status struct {
	Processing   bool   `json:"isProcessing"`
	Reviewing    bool   `json:"isReviewing"`
	ActiveTurnID string `json:"activeTurnId,omitempty"`
}

// Busy reports whether a turn is in flight.
func (s Status) Busy() bool {
	return s.Processing || s.Reviewing
}

// Thread is one conversation with a backend.
type Thread struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspaceId"`
	ParentID       string    `json:"parentId,omitempty"`
	Name           string    `json:"name,omitempty"`
	CustomName     string    `json:"customName,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Pinned         bool      `json:"pinned,omitempty"`
	Archived       bool      `json:"archived,omitempty"`
	Unread         bool      `json:"unread,omitempty"`
	DetachedReview bool      `json:"detachedReview,omitempty"`
	Status         Status    `json:"status"`
	Items          []Item    `json:"items"`

	lastTurnID     string
	reviewNotified bool
	index          map[string]int
}

// Outcome describes what applying one event did.
type Outcome struct {
	Changed bool
	// Terminal is set when the event ended the active turn.
	Terminal bool
	// ReviewFinished is set once, the first time a detached review ends.
	ReviewFinished bool
}

// New creates an idle thread.
func New(workspaceID, id string, now time.Time) *Thread {
	return &Thread{
		ID:          id,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Items:       []Item{},
		index:       map[string]int{},
	}
}

// DisplayName prefers the user's override.
func (t *Thread) DisplayName() string {
	if t.CustomName != "" {
		return t.CustomName
	}
	return t.Name
}

// Apply mutates the thread for one canonical event addressed to it.
func (t *Thread) Apply(ev event.Event, now time.Time) Outcome {
	var out Outcome
	switch ev.Method {
	case event.TurnStarted:
		out = t.startTurn(ev.TurnID())
	case event.TurnCompleted:
		out = t.completeTurn(ev)
	case event.Error:
		out = t.applyError(ev)
	case event.ItemStarted, event.ItemUpdated, event.ItemCompleted:
		out = t.applyItem(ev)
	case event.AgentMessageDelta:
		out.Changed = t.appendDelta(ev, Item{Kind: KindMessage, Role: "assistant"})
	case event.UserMessageDelta:
		out.Changed = t.appendDelta(ev, Item{Kind: KindMessage, Role: "user"})
	case event.ReasoningTextDelta:
		out.Changed = t.appendDelta(ev, Item{Kind: KindReasoning})
	case event.CommandOutputDelta:
		out.Changed = t.appendDelta(ev, Item{Kind: KindTool, ToolType: "commandExecution"})
	case event.TurnPlanUpdated:
		plan := Item{Kind: KindPlan, Text: ev.String("explanation"), Plan: ev.Params["plan"]}
		plan.ID = t.placeholderID(ev.TurnID(), plan)
		out.Changed = t.Upsert(plan)
	case event.ThreadStarted:
		out.Changed = t.applyStarted(ev)
	case event.ThreadNameUpdated:
		name := ev.String("threadName")
		if name == "" {
			name = ev.String("name")
		}
		if name != "" && name != t.Name {
			t.Name = name
			out.Changed = true
		}
	case event.ThreadArchived:
		if !t.Archived {
			t.Archived = true
			out.Changed = true
		}
	}
	if out.Terminal && t.DetachedReview && t.ParentID != "" && !t.reviewNotified {
		t.reviewNotified = true
		out.ReviewFinished = true
	}
	if out.Changed {
		t.UpdatedAt = now
	}
	return out
}

func (t *Thread) startTurn(turnID string) Outcome {
	if turnID == "" {
		turnID = "pending"
	}
	if t.Status.ActiveTurnID == turnID && t.Status.Busy() {
		return Outcome{}
	}
	t.Status.Processing = true
	t.Status.Reviewing = t.DetachedReview
	t.Status.ActiveTurnID = turnID
	t.lastTurnID = turnID
	return Outcome{Changed: true}
}

func (t *Thread) completeTurn(ev event.Event) Outcome {
	turnID := ev.TurnID()
	if !t.Status.Busy() {
		return Outcome{}
	}
	if turnID != "" && turnID != t.Status.ActiveTurnID {
		// A late completion for an earlier turn.
		return Outcome{}
	}
	if turn := ev.Map("turn"); turn != nil {
		if errObj, ok := turn["error"].(map[string]any); ok {
			if msg := str(errObj, "message"); msg != "" {
				t.Upsert(Item{ID: t.Status.ActiveTurnID + ":error", Kind: KindError, Text: msg, Code: str(errObj, "code")})
			}
		}
	}
	t.clearTurn()
	return Outcome{Changed: true, Terminal: true}
}

// HasSeenTurn reports whether turnID is the active or most recent turn.
func (t *Thread) HasSeenTurn(turnID string) bool {
	return turnID != "" && (t.Status.ActiveTurnID == turnID || t.lastTurnID == turnID)
}

// HasItem reports whether the log holds an item with id.
func (t *Thread) HasItem(id string) bool {
	if t.index == nil {
		t.reindex()
	}
	_, ok := t.index[id]
	return ok
}

// ForceComplete clears the active turn without a backend completion.
func (t *Thread) ForceComplete(now time.Time) Outcome {
	if !t.Status.Busy() {
		return Outcome{}
	}
	t.clearTurn()
	t.UpdatedAt = now
	out := Outcome{Changed: true, Terminal: true}
	if t.DetachedReview && t.ParentID != "" && !t.reviewNotified {
		t.reviewNotified = true
		out.ReviewFinished = true
	}
	return out
}

func (t *Thread) clearTurn() {
	if t.Status.ActiveTurnID != "" {
		t.lastTurnID = t.Status.ActiveTurnID
	}
	t.Status = Status{}
}

func (t *Thread) applyError(ev event.Event) Outcome {
	errObj := ev.Map("error")
	msg := str(errObj, "message")
	if msg == "" {
		msg = ev.String("message")
	}
	turnID := ev.String("turnId")
	if turnID == "" {
		turnID = t.Status.ActiveTurnID
	}
	errItem := Item{Kind: KindError, Text: msg, Code: str(errObj, "code")}
	errItem.ID = t.placeholderID(turnID, errItem)
	changed := t.Upsert(errItem)

	if ev.Bool("willRetry") || !t.Status.Busy() {
		return Outcome{Changed: changed}
	}
	if turnID != "" && turnID != t.Status.ActiveTurnID {
		return Outcome{Changed: changed}
	}
	t.clearTurn()
	return Outcome{Changed: true, Terminal: true}
}

func (t *Thread) applyItem(ev event.Event) Outcome {
	raw := ev.Map("item")
	if raw == nil {
		return Outcome{}
	}
	it := ParseItem(raw)
	if it.ID == "" {
		it.ID = t.segmentID(t.placeholderID(ev.String("turnId"), it), false)
	}
	changed := t.Upsert(it)

	switch str(raw, "type") {
	case "enteredReviewMode":
		if !t.Status.Reviewing {
			if t.Status.ActiveTurnID == "" {
				t.Status.ActiveTurnID = t.placeholderTurn(ev.String("turnId"))
			}
			t.Status.Reviewing = true
			changed = true
		}
	case "exitedReviewMode":
		if t.Status.Reviewing && !t.DetachedReview {
			t.Status.Reviewing = false
			if !t.Status.Processing {
				t.clearTurn()
			}
			changed = true
		}
	}
	return Outcome{Changed: changed}
}

func (t *Thread) appendDelta(ev event.Event, shape Item) bool {
	if t.index == nil {
		t.reindex()
	}
	delta := ev.String("delta")
	id := ev.String("itemId")
	if id == "" {
		id = t.segmentID(t.placeholderID(ev.String("turnId"), shape), true)
	}
	if i, ok := t.index[id]; ok {
		it := &t.Items[i]
		if shape.Kind == KindTool {
			it.Output += delta
		} else {
			it.Text += delta
		}
		return delta != ""
	}
	shape.ID = id
	if shape.Kind == KindTool {
		shape.Output = delta
		shape.Status = "inProgress"
	} else {
		shape.Text = delta
	}
	t.append(shape)
	return true
}

func (t *Thread) applyStarted(ev event.Event) bool {
	info := ev.Map("thread")
	changed := false
	if name := str(info, "name"); name != "" && t.Name == "" {
		t.Name = name
		changed = true
	}
	if parent := str(info, "parentId"); parent != "" && t.ParentID == "" && parent != t.ID {
		t.ParentID = parent
		changed = true
	}
	return changed
}

// placeholderID resolves the id of an item the backend did not name. It
// is keyed to the turn so that deltas and the completed item converge.
func (t *Thread) placeholderID(turnID string, it Item) string {
	return t.placeholderTurn(turnID) + ":" + defaultIDSuffix(it)
}

// segmentID picks the newest item in the chain base, base#2, base#3...
// With split set, a chain whose newest item is no longer the tail of the
// log is continued in a fresh segment, so unnamed chunks interleaved with
// other items stay separate messages.
func (t *Thread) segmentID(base string, split bool) string {
	if t.index == nil {
		t.reindex()
	}
	if _, ok := t.index[base]; !ok {
		return base
	}
	latest, n := base, 2
	for {
		next := fmt.Sprintf("%s#%d", base, n)
		if _, ok := t.index[next]; !ok {
			if split && t.index[latest] != len(t.Items)-1 {
				return next
			}
			return latest
		}
		latest = next
		n++
	}
}

func (t *Thread) placeholderTurn(turnID string) string {
	switch {
	case turnID != "":
		return turnID
	case t.Status.ActiveTurnID != "":
		return t.Status.ActiveTurnID
	case t.lastTurnID != "":
		return t.lastTurnID
	default:
		return "idle"
	}
}

// Upsert appends an item with a new id or merges into the existing one.
func (t *Thread) Upsert(it Item) bool {
	if t.index == nil {
		t.reindex()
	}
	if i, ok := t.index[it.ID]; ok {
		before := t.Items[i]
		t.Items[i].merge(it)
		return !sameItem(before, t.Items[i])
	}
	t.append(it)
	return true
}

func (t *Thread) append(it Item) {
	if t.index == nil {
		t.reindex()
	}
	t.index[it.ID] = len(t.Items)
	t.Items = append(t.Items, it)
}

// ReplaceItems swaps the whole log, as on resume.
func (t *Thread) ReplaceItems(items []Item) {
	t.Items = make([]Item, 0, len(items))
	t.index = map[string]int{}
	for _, it := range items {
		if _, dup := t.index[it.ID]; dup {
			t.Items[t.index[it.ID]].merge(it)
			continue
		}
		t.append(it)
	}
}

// AddNotice records a finished detached review. It reports false when a
// notice for the review already exists.
func (t *Thread) AddNotice(reviewID, reviewName string, now time.Time) bool {
	id := "review-" + reviewID
	if t.index == nil {
		t.reindex()
	}
	if _, ok := t.index[id]; ok {
		return false
	}
	text := "Review finished"
	if reviewName != "" {
		text = "Review finished: " + reviewName
	}
	t.append(Item{ID: id, Kind: KindNotice, Text: text, ReviewID: reviewID})
	t.UpdatedAt = now
	return true
}

// Snapshot returns a copy safe to hand to other goroutines.
func (t *Thread) Snapshot() Thread {
	cp := *t
	cp.Items = append([]Item(nil), t.Items...)
	cp.index = nil
	return cp
}

// CheckInvariant verifies status and log consistency.
func (t *Thread) CheckInvariant() error {
	if (t.Status.ActiveTurnID != "") != t.Status.Busy() {
		return fmt.Errorf("thread %s: active turn %q with processing=%v reviewing=%v",
			t.ID, t.Status.ActiveTurnID, t.Status.Processing, t.Status.Reviewing)
	}
	seen := make(map[string]struct{}, len(t.Items))
	for i, it := range t.Items {
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("thread %s: duplicate item %q", t.ID, it.ID)
		}
		seen[it.ID] = struct{}{}
		if t.index != nil && t.index[it.ID] != i {
			return fmt.Errorf("thread %s: index out of sync for item %q", t.ID, it.ID)
		}
	}
	return nil
}

// Restore rebuilds unexported state after decoding from disk.
func (t *Thread) Restore() {
	if t.Items == nil {
		t.Items = []Item{}
	}
	t.reindex()
	t.lastTurnID = t.Status.ActiveTurnID
}

func (t *Thread) reindex() {
	t.index = make(map[string]int, len(t.Items))
	for i, it := range t.Items {
		t.index[it.ID] = i
	}
}

func sameItem(a, b Item) bool {
	return a.Kind == b.Kind && a.Role == b.Role && a.Text == b.Text &&
		a.ToolType == b.ToolType && a.Title == b.Title && a.Status == b.Status &&
		a.Output == b.Output && a.Diff == b.Diff && a.ReviewID == b.ReviewID &&
		a.Code == b.Code && fmt.Sprint(a.Arguments) == fmt.Sprint(b.Arguments) &&
		fmt.Sprint(a.Plan) == fmt.Sprint(b.Plan)
}
