// Package store persists the per-room local state of the chat engine: the
// user's read cursor and the resolved role. Every key is partitioned by
// room id.
package store

import "context"

// Store is implemented by Memory, SQLite and Redis.
type Store interface {
	// LoadCursor returns the persisted read cursor, 0 when absent.
	LoadCursor(ctx context.Context, roomID string) (int64, error)

	// SaveCursor persists id unless a larger cursor is already stored.
	SaveCursor(ctx context.Context, roomID string, id int64) error

	// LoadRole returns the cached role, "" when absent.
	LoadRole(ctx context.Context, roomID string) (string, error)

	// SaveRole caches a resolved role.
	SaveRole(ctx context.Context, roomID, role string) error

	// Forget drops everything stored for a room.
	Forget(ctx context.Context, roomID string) error

	Close() error
}
