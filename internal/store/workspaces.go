package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Workspace is a registered project directory and how to reach its backend.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	Bin       string    `json:"bin,omitempty"`
	Args      []string  `json:"args,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateWorkspace inserts or replaces a workspace.
func (s *Store) CreateWorkspace(ws *Workspace) error {
	args, err := json.Marshal(ws.Args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if ws.Args == nil {
		args = []byte("[]")
	}

	now := time.Now()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now

	query := `
		INSERT INTO workspaces (id, name, path, kind, bin, args, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			kind = excluded.kind,
			bin = excluded.bin,
			args = excluded.args,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query, ws.ID, ws.Name, ws.Path, ws.Kind, ws.Bin, string(args), ws.CreatedAt, ws.UpdatedAt)
	return err
}

// GetWorkspace returns a workspace, or nil if it is not registered.
func (s *Store) GetWorkspace(id string) (*Workspace, error) {
	query := `
		SELECT id, name, path, kind, bin, args, created_at, updated_at
		FROM workspaces WHERE id = ?
	`
	return scanWorkspace(s.db.QueryRow(query, id))
}

// ListWorkspaces returns all workspaces by name.
func (s *Store) ListWorkspaces() ([]*Workspace, error) {
	query := `
		SELECT id, name, path, kind, bin, args, created_at, updated_at
		FROM workspaces ORDER BY name, id
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace and its journal.
func (s *Store) DeleteWorkspace(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events WHERE workspace_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scanner) (*Workspace, error) {
	var ws Workspace
	var args string
	err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &ws.Kind, &ws.Bin, &args, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &ws.Args); err != nil {
			return nil, fmt.Errorf("decode args for %s: %w", ws.ID, err)
		}
	}
	return &ws, nil
}
