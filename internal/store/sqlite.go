// Package store provides SQLite-backed persistence for the workspace
// registry and the canonical event journal.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the daemon's durable state.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Registered workspaces
	CREATE TABLE IF NOT EXISTS workspaces (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		path        TEXT NOT NULL,
		kind        TEXT NOT NULL DEFAULT 'legacy',
		bin         TEXT NOT NULL DEFAULT '',
		args        TEXT NOT NULL DEFAULT '[]',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Canonical event journal (ulid ids sort by time)
	CREATE TABLE IF NOT EXISTS events (
		id            TEXT PRIMARY KEY,
		workspace_id  TEXT NOT NULL,
		thread_id     TEXT NOT NULL DEFAULT '',
		method        TEXT NOT NULL,
		params        TEXT NOT NULL,
		timestamp     DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_workspace ON events(workspace_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_thread ON events(workspace_id, thread_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}
