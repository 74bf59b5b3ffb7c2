package lfchat

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/NeboLoop/lostfound-chat-go-sdk/wire"
)

// Subscriber is the part of Client the Registry needs.
type Subscriber interface {
	State() ConnState
	Subscribe(topic string, handler FrameHandler) (Subscription, error)
	Unsubscribe(sub Subscription)
}

// Registry turns "room is wanted" into exactly one message subscription and
// one receipt subscription per room on the live connection. Several call
// sites may want the same room; the room stays subscribed until the last
// of them lets go.
type Registry struct {
	conn   Subscriber
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomEntry
}

type roomEntry struct {
	holders   int
	onMessage func(Message)
	onReceipt func(ReadReceipt)

	active  bool
	msgSub  Subscription
	rcptSub Subscription
}

// NewRegistry creates a registry over conn. Wire HandleState to the
// client's state changes so rooms are re-subscribed after reconnects.
func NewRegistry(conn Subscriber, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conn:   conn,
		logger: logger,
		rooms:  make(map[string]*roomEntry),
	}
}

// Subscribe records that roomID is wanted. The first caller's handlers are
// the ones deliveries are routed to; later calls only add a holder and
// return false. If the connection is up the topics are subscribed at once,
// otherwise on the next connect.
func (r *Registry) Subscribe(roomID string, onMessage func(Message), onReceipt func(ReadReceipt)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.rooms[roomID]; ok {
		e.holders++
		return false
	}
	e := &roomEntry{holders: 1, onMessage: onMessage, onReceipt: onReceipt}
	r.rooms[roomID] = e
	if r.conn.State() == StateConnected {
		r.activateLocked(roomID, e)
	}
	return true
}

// Unsubscribe drops one holder of roomID and releases both topic
// subscriptions when none is left. Unknown rooms are ignored.
func (r *Registry) Unsubscribe(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.rooms[roomID]
	if !ok {
		return
	}
	e.holders--
	if e.holders > 0 {
		return
	}
	r.releaseLocked(roomID, e)
}

// Forget releases roomID regardless of how many holders it has.
func (r *Registry) Forget(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		r.releaseLocked(roomID, e)
	}
}

// HandleState re-subscribes every wanted room once per new connection.
func (r *Registry) HandleState(state ConnState, epoch uint64) {
	if state != StateConnected {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID, e := range r.rooms {
		// Epochs only grow; a room already placed on this or a newer
		// connection is left alone.
		if e.active && e.msgSub.Epoch >= epoch {
			continue
		}
		r.activateLocked(roomID, e)
	}
}

// Rooms returns the wanted room ids, sorted.
func (r *Registry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Holders returns how many call sites want roomID.
func (r *Registry) Holders(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[roomID]; ok {
		return e.holders
	}
	return 0
}

func (r *Registry) activateLocked(roomID string, e *roomEntry) {
	msgSub, err := r.conn.Subscribe(wire.MessageTopic(roomID), func(body json.RawMessage) {
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			r.logger.Debug("bad message delivery", "room_id", roomID, "error", err)
			return
		}
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		e.onMessage(m)
	})
	if err != nil {
		r.logger.Debug("subscribe deferred", "room_id", roomID, "error", err)
		return
	}

	rcptSub, err := r.conn.Subscribe(wire.ReceiptTopic(roomID), func(body json.RawMessage) {
		var rc ReadReceipt
		if err := json.Unmarshal(body, &rc); err != nil {
			r.logger.Debug("bad receipt delivery", "room_id", roomID, "error", err)
			return
		}
		if rc.RoomID == "" {
			rc.RoomID = roomID
		}
		e.onReceipt(rc)
	})
	if err != nil || rcptSub.Epoch != msgSub.Epoch {
		// The connection changed underneath us; the next HandleState
		// places both topics on the new one.
		r.conn.Unsubscribe(msgSub)
		if err == nil {
			r.conn.Unsubscribe(rcptSub)
		}
		e.active = false
		return
	}

	e.msgSub, e.rcptSub, e.active = msgSub, rcptSub, true
	r.logger.Debug("room subscribed", "room_id", roomID, "epoch", msgSub.Epoch)
}

func (r *Registry) releaseLocked(roomID string, e *roomEntry) {
	delete(r.rooms, roomID)
	if e.active {
		r.conn.Unsubscribe(e.msgSub)
		r.conn.Unsubscribe(e.rcptSub)
	}
	e.active = false
}
