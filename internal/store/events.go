package store

import (
	"database/sql"
	"time"
)

// JournalEntry is one canonical event as recorded in the journal.
type JournalEntry struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	ThreadID    string    `json:"threadId,omitempty"`
	Method      string    `json:"method"`
	Params      string    `json:"params"`
	Timestamp   time.Time `json:"timestamp"`
}

// AppendEvent records one event.
func (s *Store) AppendEvent(e *JournalEntry) error {
	query := `
		INSERT INTO events (id, workspace_id, thread_id, method, params, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, e.ID, e.WorkspaceID, e.ThreadID, e.Method, e.Params, e.Timestamp)
	return err
}

// ListEvents returns the most recent events for a workspace, oldest first.
// An empty threadID matches every thread.
func (s *Store) ListEvents(workspaceID, threadID string, limit int) ([]*JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if threadID == "" {
		rows, err = s.db.Query(`
			SELECT id, workspace_id, thread_id, method, params, timestamp
			FROM events WHERE workspace_id = ?
			ORDER BY id DESC LIMIT ?
		`, workspaceID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, workspace_id, thread_id, method, params, timestamp
			FROM events WHERE workspace_id = ? AND thread_id = ?
			ORDER BY id DESC LIMIT ?
		`, workspaceID, threadID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ThreadID, &e.Method, &e.Params, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// PruneEvents deletes events older than before and reports how many went.
func (s *Store) PruneEvents(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
