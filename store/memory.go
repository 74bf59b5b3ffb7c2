package store

import (
	"context"
	"sync"
)

// Memory is a process-local Store. State does not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	cursors map[string]int64
	roles   map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		cursors: make(map[string]int64),
		roles:   make(map[string]string),
	}
}

func (m *Memory) LoadCursor(_ context.Context, roomID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[roomID], nil
}

func (m *Memory) SaveCursor(_ context.Context, roomID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.cursors[roomID] {
		m.cursors[roomID] = id
	}
	return nil
}

func (m *Memory) LoadRole(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[roomID], nil
}

func (m *Memory) SaveRole(_ context.Context, roomID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[roomID] = role
	return nil
}

func (m *Memory) Forget(_ context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, roomID)
	delete(m.roles, roomID)
	return nil
}

func (m *Memory) Close() error { return nil }
