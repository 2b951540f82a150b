// Package history persists connection state transitions in SQLite.
package history

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rebeliceyang/vizconn/internal/models"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02 15:04:05.000000"

// Store manages transition history persistence
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the history database at path
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Create schema
	_, err = db.Exec(schemaSQL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Add records a transition. A zero At is stamped with the current time.
func (s *Store) Add(t models.Transition) error {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO state_history
		(connection_name, host, state, message, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ConnectionName,
		t.Host,
		int(t.State),
		t.Message,
		at.UTC().Format(timeLayout),
	)
	return err
}

// GetRecent retrieves the most recent transitions, newest first
func (s *Store) GetRecent(limit int) ([]models.Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, connection_name, host, state, message, changed_at
		FROM state_history
		ORDER BY changed_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanTransitions(rows)
}

// ForConnection retrieves the most recent transitions of one connection,
// newest first
func (s *Store) ForConnection(name string, limit int) ([]models.Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, connection_name, host, state, message, changed_at
		FROM state_history
		WHERE connection_name = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]models.Transition, error) {
	defer func() { _ = rows.Close() }()

	var transitions []models.Transition
	for rows.Next() {
		var (
			t         models.Transition
			state     int
			changedAt string
		)
		err := rows.Scan(
			&t.ID,
			&t.ConnectionName,
			&t.Host,
			&state,
			&t.Message,
			&changedAt,
		)
		if err != nil {
			return nil, err
		}

		t.State = models.ConnectionState(state)
		t.At, _ = time.Parse(timeLayout, changedAt)

		transitions = append(transitions, t)
	}

	return transitions, rows.Err()
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
