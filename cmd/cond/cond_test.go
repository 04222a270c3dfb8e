package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/drewfead/conductor/internal/cli"
	"github.com/drewfead/conductor/internal/control"
	"github.com/drewfead/conductor/internal/event"
	"github.com/drewfead/conductor/internal/orchestrator"
	"github.com/drewfead/conductor/internal/thread"
)

func info(id, name, path string) control.WorkspaceInfo {
	return control.WorkspaceInfo{Workspace: orchestrator.Workspace{ID: id, Name: name, Path: path}}
}

func TestPickWorkspace(t *testing.T) {
	list := []control.WorkspaceInfo{
		info("ws-1", "api", "/src/api"),
		info("ws-2", "web", "/src/web"),
		info("ws-3", "nested", "/src/api/tools"),
	}

	tests := []struct {
		name    string
		list    []control.WorkspaceInfo
		want    string
		cwd     string
		expect  string
		wantErr bool
	}{
		{name: "ByID", list: list, want: "ws-2", cwd: "/", expect: "ws-2"},
		{name: "ByName", list: list, want: "web", cwd: "/", expect: "ws-2"},
		{name: "UnknownName", list: list, want: "nope", cwd: "/src/api", wantErr: true},
		{name: "ExactPath", list: list, cwd: "/src/api", expect: "ws-1"},
		{name: "DeepestContaining", list: list, cwd: "/src/api/tools/gen", expect: "ws-3"},
		{name: "SiblingPrefixIgnored", list: list, cwd: "/src/apiv2", wantErr: true},
		{name: "OnlyOne", list: list[:1], cwd: "/elsewhere", expect: "ws-1"},
		{name: "NoneRegistered", list: nil, cwd: "/src", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickWorkspace(tt.list, tt.want, tt.cwd)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pickWorkspace failed: %v", err)
			}
			if got != tt.expect {
				t.Errorf("expected %s, got %s", tt.expect, got)
			}
		})
	}
}

func TestThreadTree(t *testing.T) {
	cli.ForceColors(false)

	threads := []thread.Thread{
		{ID: "th-1", Name: "Main"},
		{ID: "th-2", Name: "Fork", ParentID: "th-1"},
		{ID: "th-3", Name: "Review", ParentID: "th-2", DetachedReview: true},
		{ID: "th-4", Name: "Orphan", ParentID: "gone"},
	}
	roots := threadTree(threads, "th-1")
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
	if len(roots[0].Children) != 1 || len(roots[0].Children[0].Children) != 1 {
		t.Fatalf("expected Main > Fork > Review nesting")
	}

	var buf bytes.Buffer
	cli.RenderTree(&buf, roots)
	out := buf.String()
	for _, want := range []string{"Main  th-1", "└─   Fork  th-2", "   └─   Review  th-3", "Orphan  th-4"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestReviewTarget(t *testing.T) {
	if got := reviewTarget("", ""); got["type"] != "uncommittedChanges" {
		t.Errorf("expected uncommittedChanges, got %v", got)
	}
	if got := reviewTarget("check errors", ""); got["type"] != "custom" || got["instructions"] != "check errors" {
		t.Errorf("unexpected custom target: %v", got)
	}
	if got := reviewTarget("ignored", "main"); got["type"] != "baseBranch" || got["branch"] != "main" {
		t.Errorf("unexpected base branch target: %v", got)
	}
}

func TestReadMessage(t *testing.T) {
	t.Run("Literal", func(t *testing.T) {
		got, err := readMessage("hello", strings.NewReader("ignored"))
		if err != nil || got != "hello" {
			t.Errorf("expected hello, got %q (%v)", got, err)
		}
	})
	t.Run("Stdin", func(t *testing.T) {
		got, err := readMessage("-", strings.NewReader("  fix it\n"))
		if err != nil || got != "fix it" {
			t.Errorf("expected stdin text, got %q (%v)", got, err)
		}
	})
	t.Run("EmptyStdin", func(t *testing.T) {
		if _, err := readMessage("-", strings.NewReader("\n")); err == nil {
			t.Error("expected an error for empty stdin")
		}
	})
}

func TestFormatEvent(t *testing.T) {
	cli.ForceColors(false)

	ev := event.New("ws", event.Error, map[string]any{
		"threadId": "th-1",
		"error":    map[string]any{"message": "boom"},
	})
	if got := formatEvent(ev); got != "th-1 error boom" {
		t.Errorf("unexpected error line: %q", got)
	}

	ev = event.New("ws", event.AgentMessageDelta, map[string]any{"threadId": "th-1", "delta": "hi\nthere"})
	if got := formatEvent(ev); !strings.HasSuffix(got, "hi there") {
		t.Errorf("expected delta flattened to one line, got %q", got)
	}
}
