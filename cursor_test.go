package lfchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/store"
)

func newTestTracker(api *fakeAPI, st store.Store, clk *clock.FakeClock) *CursorTracker {
	return NewCursorTracker(api, st, clk, 0, quietLogger())
}

func TestAdvanceIsMonotonic(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := newTestTracker(newFakeAPI(), st, clock.Fake(t0))

	steps := []struct {
		id    int64
		moved bool
		want  int64
	}{
		{5, true, 5},
		{3, false, 5},
		{5, false, 5},
		{9, true, 9},
	}
	for _, s := range steps {
		moved, err := tr.Advance(ctx, "r1", s.id)
		if err != nil {
			t.Fatalf("Advance(%d): %v", s.id, err)
		}
		if moved != s.moved || tr.Local("r1") != s.want {
			t.Errorf("Advance(%d) = %v, local %d; want %v, %d", s.id, moved, tr.Local("r1"), s.moved, s.want)
		}
	}
	if v, _ := st.LoadCursor(ctx, "r1"); v != 9 {
		t.Errorf("persisted cursor = %d, want 9", v)
	}
}

func TestReceiptOutOfOrder(t *testing.T) {
	tr := newTestTracker(newFakeAPI(), store.NewMemory(), clock.Fake(t0))

	tr.ApplyReceipt(ReadReceipt{RoomID: "r1", Role: RoleCaller, LastReadChatID: 5}, RoleAuthor)
	tr.ApplyReceipt(ReadReceipt{RoomID: "r1", Role: RoleCaller, LastReadChatID: 3}, RoleAuthor)
	if got := tr.Remote("r1"); got != 5 {
		t.Fatalf("remote = %d, want 5", got)
	}
}

func TestReceiptEchoIgnored(t *testing.T) {
	tr := newTestTracker(newFakeAPI(), store.NewMemory(), clock.Fake(t0))

	if tr.ApplyReceipt(ReadReceipt{RoomID: "r1", Role: RoleAuthor, LastReadChatID: 8}, RoleAuthor) {
		t.Error("own receipt applied")
	}
	if tr.ApplyReceipt(ReadReceipt{RoomID: "r1", Role: "", LastReadChatID: 8}, RoleAuthor) {
		t.Error("receipt without role applied")
	}
	if tr.Remote("r1") != 0 {
		t.Errorf("remote = %d", tr.Remote("r1"))
	}
	if !tr.ObserveRemote("r1", 4) || tr.ObserveRemote("r1", 2) {
		t.Error("ObserveRemote should only move forward")
	}
}

func TestPushCoalescing(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	clk := clock.Fake(t0)
	tr := newTestTracker(api, store.NewMemory(), clk)

	for _, id := range []int64{3, 7, 5, 9} {
		tr.Advance(ctx, "r1", id)
	}
	clk.Advance(DefaultReadPushWindow - time.Millisecond)
	if n := len(api.markCalls()); n != 0 {
		t.Fatalf("pushed %d times before the window closed", n)
	}
	clk.Advance(time.Millisecond)

	marks := api.markCalls()
	if len(marks) != 1 || marks[0] != (markCall{"r1", 9}) {
		t.Fatalf("marks = %+v, want one push of 9", marks)
	}

	tr.Advance(ctx, "r1", 12)
	clk.Advance(DefaultReadPushWindow)
	if marks := api.markCalls(); len(marks) != 2 || marks[1].id != 12 {
		t.Errorf("marks = %+v", marks)
	}
}

func TestCloseFlushesPending(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	clk := clock.Fake(t0)
	tr := newTestTracker(api, store.NewMemory(), clk)

	tr.Advance(ctx, "r1", 4)
	tr.Close("r1")
	if marks := api.markCalls(); len(marks) != 1 || marks[0].id != 4 {
		t.Fatalf("marks after Close = %+v", marks)
	}

	clk.Advance(time.Minute)
	if n := len(api.markCalls()); n != 1 {
		t.Errorf("timer fired after Close: %d pushes", n)
	}
	if tr.Local("r1") != 4 {
		t.Error("Close dropped the cursor")
	}

	// The room can be reopened.
	tr.Advance(ctx, "r1", 6)
	clk.Advance(DefaultReadPushWindow)
	if n := len(api.markCalls()); n != 2 {
		t.Errorf("pushes after reopening = %d, want 2", n)
	}
}

func TestRetryUnpushed(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.markErr = errors.New("offline")
	clk := clock.Fake(t0)
	tr := newTestTracker(api, store.NewMemory(), clk)

	tr.Advance(ctx, "r1", 10)
	clk.Advance(DefaultReadPushWindow)
	if len(api.markCalls()) != 0 {
		t.Fatal("failed push recorded")
	}

	api.mu.Lock()
	api.markErr = nil
	api.mu.Unlock()
	tr.RetryUnpushed()
	clk.Advance(DefaultReadPushWindow)
	if marks := api.markCalls(); len(marks) != 1 || marks[0].id != 10 {
		t.Fatalf("marks = %+v", marks)
	}

	// Nothing left to retry.
	tr.RetryUnpushed()
	clk.Advance(DefaultReadPushWindow)
	if n := len(api.markCalls()); n != 1 {
		t.Errorf("pushes = %d, want 1", n)
	}
}

func TestLoadReadsStoreOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SaveCursor(ctx, "r1", 6)
	tr := newTestTracker(newFakeAPI(), st, clock.Fake(t0))

	if v, err := tr.Load(ctx, "r1"); err != nil || v != 6 {
		t.Fatalf("Load = %d, %v", v, err)
	}
	st.SaveCursor(ctx, "r1", 20)
	if v, _ := tr.Load(ctx, "r1"); v != 6 {
		t.Errorf("second Load = %d, want cached 6", v)
	}
	if moved, _ := tr.Advance(ctx, "r1", 5); moved {
		t.Error("cursor moved backwards past the loaded value")
	}
}

func TestForgetDiscardsPending(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	clk := clock.Fake(t0)
	tr := newTestTracker(api, store.NewMemory(), clk)

	tr.Advance(ctx, "r1", 3)
	tr.Forget("r1")
	clk.Advance(time.Minute)
	if n := len(api.markCalls()); n != 0 {
		t.Errorf("forgotten room pushed %d times", n)
	}
	if tr.Local("r1") != 0 {
		t.Error("cursor kept after Forget")
	}
}

// slowMarker holds every MarkRead until release is closed.
type slowMarker struct {
	started chan int64
	release chan struct{}

	mu     sync.Mutex
	active int
	peak   int
	ids    []int64
}

func (m *slowMarker) MarkRead(_ context.Context, _ string, id int64) error {
	m.mu.Lock()
	m.active++
	m.peak = max(m.peak, m.active)
	m.mu.Unlock()

	m.started <- id
	<-m.release

	m.mu.Lock()
	m.active--
	m.ids = append(m.ids, id)
	m.mu.Unlock()
	return nil
}

func TestPushOneInFlightPerRoom(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(t0)
	m := &slowMarker{started: make(chan int64, 8), release: make(chan struct{})}
	tr := NewCursorTracker(m, store.NewMemory(), clk, 0, quietLogger())

	tr.Advance(ctx, "r1", 5)
	done := make(chan struct{})
	go func() {
		clk.Advance(DefaultReadPushWindow)
		close(done)
	}()
	if id := <-m.started; id != 5 {
		t.Fatalf("first push = %d, want 5", id)
	}

	tr.Advance(ctx, "r1", 7)
	tr.Advance(ctx, "r1", 9)
	if n := clk.Pending(); n != 0 {
		t.Fatalf("%d push windows opened while a push was in flight", n)
	}

	close(m.release)
	<-done
	clk.Advance(DefaultReadPushWindow)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peak != 1 {
		t.Errorf("peak concurrent pushes = %d, want 1", m.peak)
	}
	if len(m.ids) != 2 || m.ids[0] != 5 || m.ids[1] != 9 {
		t.Errorf("pushed = %v, want [5 9]", m.ids)
	}
}

func TestAdvanceRacingCloseIsPushed(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	clk := clock.Fake(t0)
	tr := newTestTracker(api, store.NewMemory(), clk)

	const last = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for id := int64(1); id <= last; id++ {
			tr.Advance(ctx, "r1", id)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < last; i++ {
			tr.Close("r1")
		}
	}()
	wg.Wait()
	tr.Close("r1")

	var top int64
	for _, mc := range api.markCalls() {
		top = max(top, mc.id)
	}
	if top != last {
		t.Errorf("highest pushed cursor = %d, want %d", top, last)
	}
}
