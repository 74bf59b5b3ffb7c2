package lfchat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/metrics"
)

// DefaultReadPushWindow is the minimum spacing of read-cursor pushes for
// one room.
const DefaultReadPushWindow = 500 * time.Millisecond

const readPushTimeout = 10 * time.Second

// ReadMarker pushes the local read cursor to the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID string, lastReadID int64) error
}

// CursorStore persists the local read cursor.
type CursorStore interface {
	LoadCursor(ctx context.Context, roomID string) (int64, error)
	SaveCursor(ctx context.Context, roomID string, id int64) error
}

// CursorTracker holds both read cursors of every room. Local is how far
// this user has read; Remote is how far the counterpart has. Neither ever
// moves backwards.
type CursorTracker struct {
	marker ReadMarker
	store  CursorStore
	clock  clock.Clock
	window time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*cursorState
}

type cursorState struct {
	local  int64
	remote int64
	pushed int64
	loaded bool
	push   *Coalescer[int64]
}

// NewCursorTracker creates a tracker. window <= 0 selects
// DefaultReadPushWindow.
func NewCursorTracker(marker ReadMarker, st CursorStore, clk clock.Clock, window time.Duration, logger *slog.Logger) *CursorTracker {
	if window <= 0 {
		window = DefaultReadPushWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CursorTracker{
		marker: marker,
		store:  st,
		clock:  clk,
		window: window,
		logger: logger,
		rooms:  make(map[string]*cursorState),
	}
}

// Load reads roomID's persisted local cursor. Only the first call per room
// hits the store.
func (t *CursorTracker) Load(ctx context.Context, roomID string) (int64, error) {
	t.mu.Lock()
	st := t.stateLocked(roomID)
	if st.loaded {
		v := st.local
		t.mu.Unlock()
		return v, nil
	}
	t.mu.Unlock()

	v, err := t.store.LoadCursor(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("load cursor %s: %w", roomID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	st = t.stateLocked(roomID)
	st.loaded = true
	if v > st.local {
		st.local = v
	}
	if v > st.pushed {
		st.pushed = v
	}
	return st.local, nil
}

// Advance moves roomID's local cursor to id if id is ahead of it. The new
// value is persisted at once and pushed to the server at most once per
// window. It reports whether the cursor moved.
func (t *CursorTracker) Advance(ctx context.Context, roomID string, id int64) (bool, error) {
	t.mu.Lock()
	st := t.stateLocked(roomID)
	if id <= st.local {
		t.mu.Unlock()
		return false, nil
	}
	st.local = id
	st.push.Submit(id)
	t.mu.Unlock()

	if err := t.store.SaveCursor(ctx, roomID, id); err != nil {
		return true, fmt.Errorf("save cursor %s: %w", roomID, err)
	}
	return true, nil
}

// ApplyReceipt folds the counterpart's receipt into roomID's remote cursor.
// Receipts from mine (our own echo) or with an unknown role are ignored.
// It reports whether the remote cursor moved.
func (t *CursorTracker) ApplyReceipt(rc ReadReceipt, mine Role) bool {
	if !rc.Role.Valid() || rc.Role == mine {
		return false
	}
	return t.ObserveRemote(rc.RoomID, rc.LastReadChatID)
}

// ObserveRemote raises roomID's remote cursor to id if id is ahead of it.
func (t *CursorTracker) ObserveRemote(roomID string, id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stateLocked(roomID)
	if id <= st.remote {
		return false
	}
	st.remote = id
	return true
}

// Close flushes roomID's pending push, if any, and stops its timer. The
// cursors themselves are kept; a later Advance opens a fresh window.
func (t *CursorTracker) Close(roomID string) {
	t.mu.Lock()
	st, ok := t.rooms[roomID]
	if !ok {
		t.mu.Unlock()
		return
	}
	old := st.push
	st.push = t.newPush(roomID)
	t.mu.Unlock()

	old.Close()
}

// RetryUnpushed resubmits every room whose local cursor is ahead of the
// last value the server accepted.
func (t *CursorTracker) RetryUnpushed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.rooms {
		if st.local > st.pushed && !st.push.Pending() {
			st.push.Submit(st.local)
		}
	}
}

// Local returns roomID's local read cursor.
func (t *CursorTracker) Local(roomID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.rooms[roomID]; ok {
		return st.local
	}
	return 0
}

// Remote returns roomID's remote read cursor.
func (t *CursorTracker) Remote(roomID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.rooms[roomID]; ok {
		return st.remote
	}
	return 0
}

// Rooms returns the ids of rooms with cursor state, sorted.
func (t *CursorTracker) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Forget drops roomID's cursors without pushing anything.
func (t *CursorTracker) Forget(roomID string) {
	t.mu.Lock()
	st, ok := t.rooms[roomID]
	delete(t.rooms, roomID)
	t.mu.Unlock()
	if ok {
		st.push.Stop()
	}
}

func maxID(a, b int64) int64 { return max(a, b) }

func (t *CursorTracker) stateLocked(roomID string) *cursorState {
	st, ok := t.rooms[roomID]
	if !ok {
		st = &cursorState{push: t.newPush(roomID)}
		t.rooms[roomID] = st
	}
	return st
}

func (t *CursorTracker) newPush(roomID string) *Coalescer[int64] {
	return NewCoalescer(t.clock, t.window, maxID, func(id int64) {
		t.flush(roomID, id)
	})
}

func (t *CursorTracker) flush(roomID string, id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), readPushTimeout)
	defer cancel()

	if err := t.marker.MarkRead(ctx, roomID, id); err != nil {
		metrics.ReadPushes.WithLabelValues("error").Inc()
		t.logger.Warn("read cursor push failed", "room_id", roomID, "last_read_id", id, "error", err)
		return
	}
	metrics.ReadPushes.WithLabelValues("ok").Inc()

	t.mu.Lock()
	if st, ok := t.rooms[roomID]; ok && id > st.pushed {
		st.pushed = id
	}
	t.mu.Unlock()
}
