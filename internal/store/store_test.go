package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "conductor-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	st, err := New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		st.Close()
		os.RemoveAll(tmpDir)
	}

	return st, cleanup
}

func TestWorkspaces(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	t.Run("CreateAndGet", func(t *testing.T) {
		ws := &Workspace{ID: "ws-1", Name: "api", Path: "/src/api", Kind: "sdk", Bin: "copilot", Args: []string{"--acp", "--stdio"}}
		if err := st.CreateWorkspace(ws); err != nil {
			t.Fatalf("CreateWorkspace failed: %v", err)
		}

		got, err := st.GetWorkspace("ws-1")
		if err != nil {
			t.Fatalf("GetWorkspace failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected workspace, got nil")
		}
		if got.Path != "/src/api" || got.Kind != "sdk" || len(got.Args) != 2 || got.Args[1] != "--stdio" {
			t.Errorf("unexpected workspace %+v", got)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := st.GetWorkspace("nope")
		if err != nil || got != nil {
			t.Errorf("expected nil, nil, got %v, %v", got, err)
		}
	})

	t.Run("UpsertKeepsCreatedAt", func(t *testing.T) {
		before, _ := st.GetWorkspace("ws-1")
		if err := st.CreateWorkspace(&Workspace{ID: "ws-1", Name: "api-renamed", Path: "/src/api", Kind: "sdk", CreatedAt: before.CreatedAt}); err != nil {
			t.Fatalf("CreateWorkspace failed: %v", err)
		}
		after, _ := st.GetWorkspace("ws-1")
		if after.Name != "api-renamed" {
			t.Errorf("expected rename, got %s", after.Name)
		}
		if len(after.Args) != 0 {
			t.Errorf("expected args cleared, got %v", after.Args)
		}
	})

	t.Run("ListAndDelete", func(t *testing.T) {
		if err := st.CreateWorkspace(&Workspace{ID: "ws-2", Name: "web", Path: "/src/web", Kind: "legacy"}); err != nil {
			t.Fatalf("CreateWorkspace failed: %v", err)
		}
		list, err := st.ListWorkspaces()
		if err != nil {
			t.Fatalf("ListWorkspaces failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 workspaces, got %d", len(list))
		}

		if err := st.DeleteWorkspace("ws-2"); err != nil {
			t.Fatalf("DeleteWorkspace failed: %v", err)
		}
		list, _ = st.ListWorkspaces()
		if len(list) != 1 || list[0].ID != "ws-1" {
			t.Errorf("expected only ws-1 to remain, got %v", list)
		}
	})
}

func TestEvents(t *testing.T) {
	st, cleanup := setupTestStore(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		thread := "th-a"
		if i%2 == 1 {
			thread = "th-b"
		}
		entry := &JournalEntry{
			ID:          fmt.Sprintf("01J0000000000000000000000%d", i),
			WorkspaceID: "ws-1",
			ThreadID:    thread,
			Method:      "item/agentMessage/delta",
			Params:      fmt.Sprintf(`{"delta":"%d"}`, i),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.AppendEvent(entry); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	t.Run("ListChronological", func(t *testing.T) {
		entries, err := st.ListEvents("ws-1", "", 3)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}
		if entries[0].Params != `{"delta":"2"}` || entries[2].Params != `{"delta":"4"}` {
			t.Errorf("expected the last three in order, got %s .. %s", entries[0].Params, entries[2].Params)
		}
	})

	t.Run("FilterByThread", func(t *testing.T) {
		entries, err := st.ListEvents("ws-1", "th-b", 10)
		if err != nil {
			t.Fatalf("ListEvents failed: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("expected 2 entries for th-b, got %d", len(entries))
		}
	})

	t.Run("Prune", func(t *testing.T) {
		n, err := st.PruneEvents(base.Add(150 * time.Second))
		if err != nil {
			t.Fatalf("PruneEvents failed: %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 pruned, got %d", n)
		}
		entries, _ := st.ListEvents("ws-1", "", 10)
		if len(entries) != 2 {
			t.Errorf("expected 2 remaining, got %d", len(entries))
		}
	})

	t.Run("DeleteWorkspaceDropsJournal", func(t *testing.T) {
		if err := st.DeleteWorkspace("ws-1"); err != nil {
			t.Fatalf("DeleteWorkspace failed: %v", err)
		}
		entries, _ := st.ListEvents("ws-1", "", 10)
		if len(entries) != 0 {
			t.Errorf("expected empty journal, got %d", len(entries))
		}
	})
}
