package lfchat

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/metrics"
)

const (
	// DefaultUnreadInterval is how often every room's count is recomputed
	// from scratch.
	DefaultUnreadInterval = 60 * time.Second

	// DefaultRecomputeConcurrency bounds the rooms refreshed in parallel.
	DefaultRecomputeConcurrency = 8
)

// CountUnread returns how many of msgs are past localLastRead and were
// sent by the other participant.
func CountUnread(msgs []Message, localLastRead int64, mine Role) int {
	n := 0
	for _, m := range msgs {
		if m.ID > localLastRead && m.Role != mine {
			n++
		}
	}
	return max(n, 0)
}

// PrepareFunc brings one room's messages and cursors up to date before its
// count is taken.
type PrepareFunc func(ctx context.Context, roomID string) error

// UnreadAggregator keeps per-room unread counts and their sum.
type UnreadAggregator struct {
	messages    *MessageStore
	cursors     *CursorTracker
	roles       *RoleResolver
	bus         *Bus
	clock       clock.Clock
	logger      *slog.Logger
	concurrency int

	mu     sync.Mutex
	counts map[string]int
	total  int
}

// NewUnreadAggregator creates an aggregator. concurrency <= 0 selects
// DefaultRecomputeConcurrency.
func NewUnreadAggregator(messages *MessageStore, cursors *CursorTracker, roles *RoleResolver, bus *Bus, clk clock.Clock, concurrency int, logger *slog.Logger) *UnreadAggregator {
	if concurrency <= 0 {
		concurrency = DefaultRecomputeConcurrency
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UnreadAggregator{
		messages:    messages,
		cursors:     cursors,
		roles:       roles,
		bus:         bus,
		clock:       clk,
		logger:      logger,
		concurrency: concurrency,
		counts:      make(map[string]int),
	}
}

// Refresh recounts roomID from what is held locally and publishes
// EventUnread if the count changed. A room whose role is not resolved yet
// is counted as CALLER.
func (a *UnreadAggregator) Refresh(roomID string) int {
	a.mu.Lock()
	mine, ok := a.roles.Cached(roomID)
	if !ok {
		mine = RoleCaller
	}
	n := CountUnread(a.messages.Messages(roomID), a.cursors.Local(roomID), mine)
	prev, seen := a.counts[roomID]
	a.counts[roomID] = n
	a.total += n - prev
	total := a.total
	a.mu.Unlock()

	metrics.UnreadTotal.Set(float64(total))
	if !seen || prev != n {
		a.bus.Publish(Event{Kind: EventUnread, RoomID: roomID, Unread: n, TotalUnread: total})
	}
	return n
}

// Recompute prepares and recounts every room in roomIDs, a bounded number
// at a time. A room whose prepare fails keeps its previous count; its error
// is returned in the map. Rooms not in roomIDs are dropped.
func (a *UnreadAggregator) Recompute(ctx context.Context, roomIDs []string, prepare PrepareFunc) map[string]error {
	start := a.clock.Now()

	var mu sync.Mutex
	failed := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, id := range roomIDs {
		id := id
		g.Go(func() error {
			if prepare != nil {
				if err := prepare(gctx, id); err != nil {
					mu.Lock()
					failed[id] = err
					mu.Unlock()
					a.logger.Warn("unread recompute failed", "room_id", id, "error", err)
					return nil
				}
			}
			a.Refresh(id)
			return nil
		})
	}
	g.Wait()

	keep := make(map[string]struct{}, len(roomIDs))
	for _, id := range roomIDs {
		keep[id] = struct{}{}
	}
	var dropped []string
	a.mu.Lock()
	for id, n := range a.counts {
		if _, ok := keep[id]; !ok {
			delete(a.counts, id)
			a.total -= n
			dropped = append(dropped, id)
		}
	}
	total := a.total
	a.mu.Unlock()

	metrics.UnreadTotal.Set(float64(total))
	for _, id := range dropped {
		a.bus.Publish(Event{Kind: EventUnread, RoomID: id, TotalUnread: total})
	}
	metrics.RecomputeDuration.Observe(a.clock.Now().Sub(start).Seconds())
	return failed
}

// Run recomputes the rooms returned by list every interval until ctx is
// done. A failing list call skips that cycle.
func (a *UnreadAggregator) Run(ctx context.Context, interval time.Duration, list func(ctx context.Context) ([]string, error), prepare PrepareFunc) {
	if interval <= 0 {
		interval = DefaultUnreadInterval
	}
	ticker := a.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := list(ctx)
			if err != nil {
				a.logger.Warn("unread cycle skipped", "error", err)
				continue
			}
			a.Recompute(ctx, ids, prepare)
		}
	}
}

// Count returns roomID's unread count.
func (a *UnreadAggregator) Count(roomID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[roomID]
}

// Total returns the unread count summed over all rooms.
func (a *UnreadAggregator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Counts returns a copy of every room's count.
func (a *UnreadAggregator) Counts() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.counts)
}

// Forget drops roomID's count.
func (a *UnreadAggregator) Forget(roomID string) {
	a.mu.Lock()
	n, ok := a.counts[roomID]
	delete(a.counts, roomID)
	a.total -= n
	total := a.total
	a.mu.Unlock()

	if ok {
		metrics.UnreadTotal.Set(float64(total))
		a.bus.Publish(Event{Kind: EventUnread, RoomID: roomID, TotalUnread: total})
	}
}
