package frame

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	dedupWindowSize = 1000
	dedupWindowTTL  = 5 * time.Minute
)

// DedupWindow remembers recently delivered frame IDs so a frame the gateway
// redelivers (typically right after a reconnect) is handed out only once.
// It keeps at most dedupWindowSize IDs for at most dedupWindowTTL.
type DedupWindow struct {
	mu    sync.Mutex
	now   func() time.Time
	seen  map[ulid.ULID]time.Time
	order []ulid.ULID
}

// NewDedupWindow creates an empty window. now defaults to time.Now.
func NewDedupWindow(now func() time.Time) *DedupWindow {
	if now == nil {
		now = time.Now
	}
	return &DedupWindow{
		now:   now,
		seen:  make(map[ulid.ULID]time.Time, dedupWindowSize),
		order: make([]ulid.ULID, 0, dedupWindowSize),
	}
}

// IsDuplicate reports whether id was already seen and records it if not.
// The zero ULID is never considered a duplicate.
func (d *DedupWindow) IsDuplicate(id ulid.ULID) bool {
	if id == (ulid.ULID{}) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	cutoff := now.Add(-dedupWindowTTL)
	for len(d.order) > 0 && d.seen[d.order[0]].Before(cutoff) {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}

	if _, ok := d.seen[id]; ok {
		return true
	}

	if len(d.order) >= dedupWindowSize {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	d.seen[id] = now
	d.order = append(d.order, id)
	return false
}

// Len returns the number of tracked IDs.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}
