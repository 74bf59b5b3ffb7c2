package lfchat

import (
	"sync"
	"testing"
	"time"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
)

func TestCoalescerMergesWithinWindow(t *testing.T) {
	clk := clock.Fake(t0)
	var flushed []int
	c := NewCoalescer(clk, time.Second, func(a, b int) int { return a + b }, func(v int) {
		flushed = append(flushed, v)
	})

	c.Submit(1)
	c.Submit(2)
	clk.Advance(500 * time.Millisecond)
	c.Submit(3)
	if !c.Pending() {
		t.Fatal("nothing pending mid-window")
	}
	clk.Advance(500 * time.Millisecond)

	if len(flushed) != 1 || flushed[0] != 6 {
		t.Fatalf("flushed = %v, want [6]", flushed)
	}
	if c.Pending() {
		t.Error("still pending after flush")
	}

	c.Submit(10)
	clk.Advance(time.Second)
	if len(flushed) != 2 || flushed[1] != 10 {
		t.Errorf("flushed = %v, want [6 10]", flushed)
	}
}

func TestCoalescerCloseFlushesOnce(t *testing.T) {
	clk := clock.Fake(t0)
	var flushed []string
	c := NewCoalescer(clk, time.Second, func(_, b string) string { return b }, func(v string) {
		flushed = append(flushed, v)
	})

	c.Submit("a")
	c.Submit("b")
	c.Close()
	c.Close()
	clk.Advance(time.Minute)
	c.Submit("c")
	clk.Advance(time.Minute)

	if len(flushed) != 1 || flushed[0] != "b" {
		t.Fatalf("flushed = %v, want [b]", flushed)
	}
}

func TestCoalescerStopDiscards(t *testing.T) {
	clk := clock.Fake(t0)
	calls := 0
	c := NewCoalescer(clk, time.Second, func(_, b int) int { return b }, func(int) { calls++ })

	c.Submit(1)
	c.Stop()
	clk.Advance(time.Minute)
	if calls != 0 {
		t.Errorf("flush called %d times after Stop", calls)
	}
}

func TestCoalescerZeroWindow(t *testing.T) {
	clk := clock.Fake(t0)
	calls := 0
	c := NewCoalescer(clk, 0, func(_, b int) int { return b }, func(int) { calls++ })

	c.Submit(1)
	clk.Advance(time.Millisecond)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// gatedFlush blocks every flush until release is closed and records the
// highest number of flushes seen running at once.
type gatedFlush struct {
	started chan int
	release chan struct{}

	mu      sync.Mutex
	active  int
	peak    int
	flushed []int
}

func newGatedFlush() *gatedFlush {
	return &gatedFlush{started: make(chan int, 8), release: make(chan struct{})}
}

func (g *gatedFlush) flush(v int) {
	g.mu.Lock()
	g.active++
	g.peak = max(g.peak, g.active)
	g.mu.Unlock()

	g.started <- v
	<-g.release

	g.mu.Lock()
	g.active--
	g.flushed = append(g.flushed, v)
	g.mu.Unlock()
}

func (g *gatedFlush) result() (peak int, flushed []int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak, append([]int(nil), g.flushed...)
}

func TestCoalescerOneFlushAtATime(t *testing.T) {
	clk := clock.Fake(t0)
	g := newGatedFlush()
	c := NewCoalescer(clk, time.Second, func(a, b int) int { return max(a, b) }, g.flush)

	c.Submit(1)
	done := make(chan struct{})
	go func() {
		clk.Advance(time.Second)
		close(done)
	}()
	if v := <-g.started; v != 1 {
		t.Fatalf("first flush = %d, want 1", v)
	}

	c.Submit(5)
	c.Submit(3)
	if n := clk.Pending(); n != 0 {
		t.Fatalf("%d windows opened while a flush was running", n)
	}
	if !c.Pending() {
		t.Fatal("submissions during a flush were lost")
	}

	close(g.release)
	<-done
	if n := clk.Pending(); n != 1 {
		t.Fatalf("pending timers after flush = %d, want 1", n)
	}
	clk.Advance(time.Second)

	peak, flushed := g.result()
	if peak != 1 {
		t.Errorf("peak concurrent flushes = %d, want 1", peak)
	}
	if len(flushed) != 2 || flushed[0] != 1 || flushed[1] != 5 {
		t.Errorf("flushed = %v, want [1 5]", flushed)
	}
}

func TestCoalescerCloseWaitsForFlush(t *testing.T) {
	clk := clock.Fake(t0)
	g := newGatedFlush()
	c := NewCoalescer(clk, time.Second, func(_, b int) int { return b }, g.flush)

	c.Submit(1)
	go clk.Advance(time.Second)
	<-g.started

	c.Submit(2)
	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a flush was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(g.release)
	<-closed
	peak, flushed := g.result()
	if peak != 1 {
		t.Errorf("peak concurrent flushes = %d, want 1", peak)
	}
	if len(flushed) != 2 || flushed[1] != 2 {
		t.Errorf("flushed = %v, want [1 2]", flushed)
	}
	if clk.Pending() != 0 {
		t.Error("closed coalescer re-armed its timer")
	}
}
