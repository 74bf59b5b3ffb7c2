package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists room state in a local SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/lfchat.db".
func NewSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	if dbPath == "" {
		dbPath = "./data/lfchat.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS room_state (
		room_id      TEXT PRIMARY KEY,
		last_read_id INTEGER NOT NULL DEFAULT 0,
		role         TEXT NOT NULL DEFAULT '',
		updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`)
	return err
}

func (s *SQLite) LoadCursor(ctx context.Context, roomID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_read_id FROM room_state WHERE room_id = ?`, roomID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

func (s *SQLite) SaveCursor(ctx context.Context, roomID string, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_state (room_id, last_read_id) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			last_read_id = MAX(last_read_id, excluded.last_read_id),
			updated_at = CURRENT_TIMESTAMP
	`, roomID, id)
	return err
}

func (s *SQLite) LoadRole(ctx context.Context, roomID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM room_state WHERE room_id = ?`, roomID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return role, err
}

func (s *SQLite) SaveRole(ctx context.Context, roomID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_state (room_id, role) VALUES (?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			role = excluded.role,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, role)
	return err
}

func (s *SQLite) Forget(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_state WHERE room_id = ?`, roomID)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
