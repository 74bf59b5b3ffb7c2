package lfchat

import (
	"sync"
	"time"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
)

// Coalescer is a write-behind buffer: values submitted within one window
// are merged and flushed once when the window ends. At most one flush runs
// at a time; values submitted during a flush wait for it to return and then
// for a fresh window. Close flushes whatever is pending one last time and
// stops the timer.
type Coalescer[T any] struct {
	clock  clock.Clock
	window time.Duration
	merge  func(pending, next T) T
	flush  func(T)

	mu       sync.Mutex
	idle     *sync.Cond
	value    T
	pending  bool
	inflight bool
	timer    *clock.Timer
	closed   bool
}

// NewCoalescer creates a coalescer. merge combines a pending value with a
// newly submitted one; flush receives the merged value.
func NewCoalescer[T any](clk clock.Clock, window time.Duration, merge func(pending, next T) T, flush func(T)) *Coalescer[T] {
	if window <= 0 {
		// AfterFunc runs non-positive delays inline, under Submit's lock.
		window = time.Millisecond
	}
	c := &Coalescer[T]{clock: clk, window: window, merge: merge, flush: flush}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Submit adds v to the current window, opening one if none is open.
// Submissions after Close are dropped.
func (c *Coalescer[T]) Submit(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.pending {
		c.value = c.merge(c.value, v)
	} else {
		c.value = v
		c.pending = true
	}
	if c.timer == nil && !c.inflight {
		c.timer = c.clock.AfterFunc(c.window, c.fire)
	}
}

func (c *Coalescer[T]) fire() {
	c.mu.Lock()
	c.timer = nil
	if !c.pending {
		c.mu.Unlock()
		return
	}
	v := c.value
	c.pending = false
	var zero T
	c.value = zero
	c.inflight = true
	c.mu.Unlock()

	c.flush(v)

	c.mu.Lock()
	c.inflight = false
	if c.pending && !c.closed && c.timer == nil {
		c.timer = c.clock.AfterFunc(c.window, c.fire)
	}
	c.idle.Broadcast()
	c.mu.Unlock()
}

// Pending reports whether a value is waiting for its window to end or is
// being flushed.
func (c *Coalescer[T]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending || c.inflight
}

// Close flushes the pending value, if any, and cancels the timer. A flush
// already running is waited for first.
func (c *Coalescer[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for c.inflight {
		c.idle.Wait()
	}
	v, pending := c.value, c.pending
	c.pending = false
	c.mu.Unlock()

	if pending {
		c.flush(v)
	}
}

// Stop discards the pending value and cancels the timer.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = false
	var zero T
	c.value = zero
}
