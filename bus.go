package lfchat

import (
	"sync"

	"github.com/google/uuid"
)

// EventKind identifies what an Event carries.
type EventKind int

const (
	EventState   EventKind = iota + 1 // connection state changed
	EventMessage                      // a live message was merged into a room
	EventReceipt                      // the counterpart's read cursor advanced
	EventUnread                       // a room's unread count changed
)

// Event is published on the Bus. Only the fields relevant to Kind are set.
type Event struct {
	Kind    EventKind
	RoomID  string
	State   ConnState
	Message *Message
	// RemoteLastRead is set on EventReceipt.
	RemoteLastRead int64
	// Unread and TotalUnread are set on EventUnread.
	Unread      int
	TotalUnread int
}

// Bus fans events out to listeners in registration order. Publish calls
// listeners synchronously on the publishing goroutine.
type Bus struct {
	mu        sync.RWMutex
	order     []uuid.UUID
	listeners map[uuid.UUID]func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[uuid.UUID]func(Event))}
}

// On registers fn and returns a function removing it.
func (b *Bus) On(fn func(Event)) (cancel func()) {
	id := uuid.New()
	b.mu.Lock()
	b.order = append(b.order, id)
	b.listeners[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.listeners[id]; !ok {
			return
		}
		delete(b.listeners, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every listener registered at call time.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}
