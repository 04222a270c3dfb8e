package thread

import (
	"testing"
	"time"

	"github.com/drewfead/conductor/internal/event"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// apply runs events in order and checks the invariant after each one.
func apply(t *testing.T, th *Thread, events ...event.Event) []Outcome {
	t.Helper()
	outs := make([]Outcome, 0, len(events))
	for _, ev := range events {
		outs = append(outs, th.Apply(ev, t0))
		if err := th.CheckInvariant(); err != nil {
			t.Fatalf("after %s: %v", ev.Method, err)
		}
	}
	return outs
}

func turnStarted(threadID, turnID string) event.Event {
	return event.New("W", event.TurnStarted, map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID, "threadId": threadID},
	})
}

func turnCompleted(threadID, turnID string) event.Event {
	return event.New("W", event.TurnCompleted, map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID, "threadId": threadID},
	})
}

func TestTurnLifecycle(t *testing.T) {
	th := New("W", "th-1", t0)

	t.Run("StartSetsProcessing", func(t *testing.T) {
		apply(t, th, turnStarted("th-1", "t1"))
		if !th.Status.Processing || th.Status.ActiveTurnID != "t1" {
			t.Errorf("expected processing with t1, got %+v", th.Status)
		}
	})

	t.Run("RepeatedStartIsNoop", func(t *testing.T) {
		outs := apply(t, th, turnStarted("th-1", "t1"))
		if outs[0].Changed {
			t.Error("expected duplicate turn/started to change nothing")
		}
	})

	t.Run("StaleCompletionIgnored", func(t *testing.T) {
		outs := apply(t, th, turnCompleted("th-1", "t0"))
		if outs[0].Terminal || !th.Status.Processing {
			t.Errorf("expected stale completion to be ignored, got %+v", th.Status)
		}
	})

	t.Run("CompletionClears", func(t *testing.T) {
		outs := apply(t, th, turnCompleted("th-1", "t1"))
		if !outs[0].Terminal {
			t.Error("expected terminal outcome")
		}
		if th.Status != (Status{}) {
			t.Errorf("expected idle status, got %+v", th.Status)
		}
	})

	t.Run("FailedTurnLeavesErrorItem", func(t *testing.T) {
		apply(t, th, turnStarted("th-1", "t2"), event.New("W", event.TurnCompleted, map[string]any{
			"threadId": "th-1",
			"turn": map[string]any{"id": "t2", "status": "failed",
				"error": map[string]any{"message": "rate limited"}},
		}))
		last := th.Items[len(th.Items)-1]
		if last.Kind != KindError || last.Text != "rate limited" {
			t.Errorf("expected error item, got %+v", last)
		}
	})
}

func TestErrorEvents(t *testing.T) {
	th := New("W", "th-1", t0)
	apply(t, th, turnStarted("th-1", "t1"))

	retry := event.New("W", event.Error, map[string]any{
		"threadId": "th-1", "turnId": "t1", "willRetry": true,
		"error": map[string]any{"message": "reconnecting", "code": ""},
	})
	outs := apply(t, th, retry)
	if outs[0].Terminal || !th.Status.Processing {
		t.Error("expected retryable error to keep the turn active")
	}

	final := event.New("W", event.Error, map[string]any{
		"threadId": "th-1", "turnId": "t1", "willRetry": false,
		"error": map[string]any{"message": "gave up", "code": "server"},
	})
	outs = apply(t, th, final)
	if !outs[0].Terminal || th.Status.Busy() {
		t.Errorf("expected terminal error to clear the turn, got %+v", th.Status)
	}
	if len(th.Items) != 1 || th.Items[0].Text != "gave up" || th.Items[0].Code != "server" {
		t.Errorf("expected one error item updated in place, got %+v", th.Items)
	}
}

func TestItemLog(t *testing.T) {
	th := New("W", "th-1", t0)
	apply(t, th, turnStarted("th-1", "t1"))

	t.Run("DeltasWithoutIDConverge", func(t *testing.T) {
		apply(t, th,
			event.New("W", event.AgentMessageDelta, map[string]any{"threadId": "th-1", "itemId": "", "delta": "Hel"}),
			event.New("W", event.AgentMessageDelta, map[string]any{"threadId": "th-1", "itemId": "", "delta": "lo"}),
			event.New("W", event.ItemCompleted, map[string]any{"threadId": "th-1",
				"item": map[string]any{"id": "", "type": "agentMessage", "text": ""}}),
		)
		if len(th.Items) != 1 {
			t.Fatalf("expected 1 item, got %d", len(th.Items))
		}
		if th.Items[0].ID != "t1:agentMessage" || th.Items[0].Text != "Hello" {
			t.Errorf("unexpected item %+v", th.Items[0])
		}
	})

	t.Run("UpsertByID", func(t *testing.T) {
		apply(t, th,
			event.New("W", event.ItemStarted, map[string]any{"threadId": "th-1",
				"item": map[string]any{"id": "cmd-1", "type": "commandExecution", "command": "ls", "status": "inProgress"}}),
			event.New("W", event.CommandOutputDelta, map[string]any{"threadId": "th-1", "itemId": "cmd-1", "delta": "a.go\n"}),
			event.New("W", event.ItemCompleted, map[string]any{"threadId": "th-1",
				"item": map[string]any{"id": "cmd-1", "type": "commandExecution", "status": "completed"}}),
		)
		if len(th.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(th.Items))
		}
		cmd := th.Items[1]
		if cmd.Kind != KindTool || cmd.Status != "completed" || cmd.Output != "a.go\n" || cmd.Arguments != "ls" {
			t.Errorf("unexpected tool item %+v", cmd)
		}
	})

	t.Run("OrderFollowsApplication", func(t *testing.T) {
		apply(t, th, event.New("W", event.ItemStarted, map[string]any{"threadId": "th-1",
			"item": map[string]any{"id": "r-1", "type": "reasoning", "summary": []any{"think"}}}))
		ids := []string{}
		for _, it := range th.Items {
			ids = append(ids, it.ID)
		}
		want := []string{"t1:agentMessage", "cmd-1", "r-1"}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("expected order %v, got %v", want, ids)
			}
		}
	})
}

func TestReplayedChunks(t *testing.T) {
	user := func(text string) event.Event {
		return event.New("W", event.UserMessageDelta, map[string]any{"threadId": "s1", "itemId": "", "delta": text})
	}
	agent := func(text string) event.Event {
		return event.New("W", event.AgentMessageDelta, map[string]any{"threadId": "s1", "itemId": "", "delta": text})
	}

	t.Run("AlternatingSpeakersSplit", func(t *testing.T) {
		th := New("W", "s1", t0)
		apply(t, th,
			user("fix "), user("the build"),
			agent("on it"),
			user("thanks"),
			agent("any "), agent("time"),
		)
		want := []struct{ id, role, text string }{
			{"idle:userMessage", "user", "fix the build"},
			{"idle:agentMessage", "assistant", "on it"},
			{"idle:userMessage#2", "user", "thanks"},
			{"idle:agentMessage#2", "assistant", "any time"},
		}
		if len(th.Items) != len(want) {
			t.Fatalf("expected %d items, got %+v", len(want), th.Items)
		}
		for i, w := range want {
			it := th.Items[i]
			if it.ID != w.id || it.Role != w.role || it.Text != w.text {
				t.Errorf("item %d: expected %+v, got %+v", i, w, it)
			}
		}
	})

	t.Run("CompletionMergesIntoLatestSegment", func(t *testing.T) {
		th := New("W", "s1", t0)
		apply(t, th,
			turnStarted("s1", "t1"),
			agent("first"),
			event.New("W", event.ItemStarted, map[string]any{"threadId": "s1",
				"item": map[string]any{"id": "tool-1", "type": "toolCall", "status": "inProgress"}}),
			agent("second"),
			event.New("W", event.ItemCompleted, map[string]any{"threadId": "s1", "turnId": "t1",
				"item": map[string]any{"id": "", "type": "agentMessage", "text": ""}}),
		)
		if len(th.Items) != 3 {
			t.Fatalf("expected 3 items, got %+v", th.Items)
		}
		if th.Items[0].ID != "t1:agentMessage" || th.Items[0].Text != "first" {
			t.Errorf("unexpected first segment %+v", th.Items[0])
		}
		if th.Items[2].ID != "t1:agentMessage#2" || th.Items[2].Text != "second" {
			t.Errorf("unexpected second segment %+v", th.Items[2])
		}
	})
}

func TestReviewMode(t *testing.T) {
	th := New("W", "th-1", t0)
	apply(t, th,
		turnStarted("th-1", "t1"),
		event.New("W", event.ItemStarted, map[string]any{"threadId": "th-1",
			"item": map[string]any{"id": "rv", "type": "enteredReviewMode", "review": "current changes"}}),
	)
	if !th.Status.Reviewing {
		t.Fatal("expected reviewing status")
	}
	apply(t, th, event.New("W", event.ItemCompleted, map[string]any{"threadId": "th-1",
		"item": map[string]any{"id": "rv-exit", "type": "exitedReviewMode"}}))
	if th.Status.Reviewing || !th.Status.Processing {
		t.Errorf("expected to leave review but keep the turn, got %+v", th.Status)
	}
	apply(t, th, turnCompleted("th-1", "t1"))
}

func TestDetachedReview(t *testing.T) {
	parent := New("W", "P", t0)
	review := New("W", "R", t0)
	review.ParentID = "P"
	review.DetachedReview = true

	outs := apply(t, review, turnStarted("R", "rt"))
	if !review.Status.Reviewing || outs[0].ReviewFinished {
		t.Fatalf("expected review thread to be reviewing, got %+v", review.Status)
	}

	outs = apply(t, review, turnCompleted("R", "rt"))
	if !outs[0].ReviewFinished {
		t.Fatal("expected first terminal event to finish the review")
	}
	if !parent.AddNotice("R", "review", t0) {
		t.Error("expected notice to be added")
	}

	// The same terminal transition again must not produce another notice.
	outs = apply(t, review, turnStarted("R", "rt"), turnCompleted("R", "rt"))
	if outs[1].ReviewFinished {
		t.Error("expected review to finish only once")
	}
	if parent.AddNotice("R", "review", t0) {
		t.Error("expected duplicate notice to be rejected")
	}

	notices := 0
	for _, it := range parent.Items {
		if it.Kind == KindNotice && it.ReviewID == "R" {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("expected exactly one notice, got %d", notices)
	}
}

func TestForceComplete(t *testing.T) {
	th := New("W", "th-1", t0)
	if out := th.ForceComplete(t0); out.Changed {
		t.Error("expected idle force-complete to be a no-op")
	}
	apply(t, th, turnStarted("th-1", "t1"))
	if out := th.ForceComplete(t0); !out.Terminal {
		t.Error("expected force-complete to end the turn")
	}
	if err := th.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestReplaceItems(t *testing.T) {
	th := New("W", "th-1", t0)
	th.Upsert(Item{ID: "local", Kind: KindMessage, Role: "user", Text: "cached"})
	th.ReplaceItems([]Item{{ID: "a", Kind: KindMessage, Text: "one"}, {ID: "b", Kind: KindReasoning}})
	if len(th.Items) != 2 || th.Items[0].ID != "a" {
		t.Errorf("expected backend log to replace local items, got %+v", th.Items)
	}
	if err := th.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestThreadMetadata(t *testing.T) {
	th := New("W", "th-1", t0)
	apply(t, th,
		event.New("W", event.ThreadStarted, map[string]any{"thread": map[string]any{"id": "th-1", "name": "fix tests"}}),
		event.New("W", event.ThreadNameUpdated, map[string]any{"threadId": "th-1", "threadName": "fix all tests"}),
	)
	if th.Name != "fix all tests" {
		t.Errorf("expected renamed thread, got %q", th.Name)
	}
	th.CustomName = "mine"
	if th.DisplayName() != "mine" {
		t.Errorf("expected custom name to win, got %q", th.DisplayName())
	}
	apply(t, th, event.New("W", event.ThreadArchived, map[string]any{"threadId": "th-1"}))
	if !th.Archived {
		t.Error("expected archived thread")
	}
}
