package lfchat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/lostfound-chat-go-sdk/frame"
	"github.com/NeboLoop/lostfound-chat-go-sdk/wire"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// In-memory transport and gateway
// --------------------------------------------------------------------------

type pipeTransport struct {
	in     chan []byte // gateway -> client
	out    chan []byte // client -> gateway
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	select {
	case d := <-p.in:
		return d, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteFrame(data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// fakeGateway accepts connections over pipes and speaks enough of the
// frame protocol to authenticate, track subscriptions and deliver.
type fakeGateway struct {
	token string

	mu       sync.Mutex
	dialErr  error
	dials    int
	conns    []*gatewayConn
	subCalls map[string]int // topic -> SUBSCRIBE frames seen, across connections
}

type gatewayConn struct {
	gw   *fakeGateway
	pipe *pipeTransport

	mu         sync.Mutex
	subs       map[uuid.UUID]string
	heartbeats int
	published  []wire.PublishPayload
	compressed int
}

func newFakeGateway(token string) *fakeGateway {
	return &fakeGateway{token: token, subCalls: make(map[string]int)}
}

func (g *fakeGateway) Dial(ctx context.Context, endpoint string) (Transport, error) {
	g.mu.Lock()
	g.dials++
	if g.dialErr != nil {
		err := g.dialErr
		g.mu.Unlock()
		return nil, err
	}
	gc := &gatewayConn{gw: g, pipe: newPipe(), subs: make(map[uuid.UUID]string)}
	g.conns = append(g.conns, gc)
	g.mu.Unlock()

	go gc.serve()
	return gc.pipe, nil
}

func (g *fakeGateway) setDialErr(err error) {
	g.mu.Lock()
	g.dialErr = err
	g.mu.Unlock()
}

func (g *fakeGateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

func (g *fakeGateway) subscribeCount(topic string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subCalls[topic]
}

func (g *fakeGateway) last() *gatewayConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		return nil
	}
	return g.conns[len(g.conns)-1]
}

func (gc *gatewayConn) send(h frame.Header, payload []byte) {
	encoded, err := frame.Encode(h, payload)
	if err != nil {
		panic(err)
	}
	select {
	case gc.pipe.in <- encoded:
	case <-gc.pipe.closed:
	}
}

func (gc *gatewayConn) serve() {
	for {
		var data []byte
		select {
		case data = <-gc.pipe.out:
		case <-gc.pipe.closed:
			return
		}
		h, payload, err := frame.Decode(data)
		if err != nil {
			continue
		}
		switch h.Type {
		case frame.TypeConnect:
			var cp wire.ConnectPayload
			json.Unmarshal(payload, &cp)
			if cp.Token != gc.gw.token {
				body, _ := json.Marshal(wire.AuthResultPayload{Reason: "bad token"})
				gc.send(frame.Header{Type: frame.TypeAuthFail}, body)
				continue
			}
			body, _ := json.Marshal(wire.AuthResultPayload{OK: true})
			gc.send(frame.Header{Type: frame.TypeAuthOK}, body)
		case frame.TypeSubscribe:
			var sp wire.SubscribePayload
			json.Unmarshal(payload, &sp)
			gc.mu.Lock()
			gc.subs[h.SubscriptionID] = sp.Topic
			gc.mu.Unlock()
			gc.gw.mu.Lock()
			gc.gw.subCalls[sp.Topic]++
			gc.gw.mu.Unlock()
		case frame.TypeUnsubscribe:
			gc.mu.Lock()
			delete(gc.subs, h.SubscriptionID)
			gc.mu.Unlock()
		case frame.TypeHeartbeat:
			gc.mu.Lock()
			gc.heartbeats++
			gc.mu.Unlock()
		case frame.TypePublish:
			if h.IsCompressed() {
				gc.mu.Lock()
				gc.compressed++
				gc.mu.Unlock()
			}
			raw, err := frame.Payload(h, payload)
			if err != nil {
				continue
			}
			var pp wire.PublishPayload
			json.Unmarshal(raw, &pp)
			gc.mu.Lock()
			gc.published = append(gc.published, pp)
			gc.mu.Unlock()
		}
	}
}

// topics returns the topics currently subscribed on this connection, sorted.
func (gc *gatewayConn) topics() []string {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	out := make([]string, 0, len(gc.subs))
	for _, t := range gc.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (gc *gatewayConn) heartbeatCount() int {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	return gc.heartbeats
}

// deliver fans body out to every subscription on topic, one frame each.
func (gc *gatewayConn) deliver(topic string, body any) {
	raw, _ := json.Marshal(body)
	payload, _ := json.Marshal(wire.DeliveryPayload{Topic: topic, Body: raw})

	gc.mu.Lock()
	var ids []uuid.UUID
	for id, t := range gc.subs {
		if t == topic {
			ids = append(ids, id)
		}
	}
	gc.mu.Unlock()

	for _, id := range ids {
		gc.send(frame.Header{
			Type:           frame.TypeDelivery,
			FrameID:        frame.NewFrameID(),
			SubscriptionID: id,
		}, payload)
	}
}

// drop severs the connection from the gateway side.
func (gc *gatewayConn) drop() { gc.pipe.Close() }

// --------------------------------------------------------------------------
// REST fake
// --------------------------------------------------------------------------

type markCall struct {
	roomID string
	id     int64
}

type fakeAPI struct {
	mu sync.Mutex

	rooms    map[string]Room
	messages map[string][]Message
	remote   map[string]int64
	listings map[string]*Listing

	historyErr map[string]error
	getRoomErr error
	sendErr    error
	markErr    error
	listingErr error

	historyCalls int
	listingCalls int
	sent         []SendMessageRequest
	marks        []markCall
	deleted      []string

	nextID int64
	onSend func(m Message)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		rooms:      make(map[string]Room),
		messages:   make(map[string][]Message),
		remote:     make(map[string]int64),
		listings:   make(map[string]*Listing),
		historyErr: make(map[string]error),
		nextID:     100,
	}
}

func (f *fakeAPI) addRoom(r Room, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[r.ID] = r
	for _, m := range msgs {
		m.RoomID = r.ID
		f.messages[r.ID] = append(f.messages[r.ID], m)
	}
}

func (f *fakeAPI) ListRooms(ctx context.Context) ([]Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Room, 0, len(f.rooms))
	for _, r := range f.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAPI) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getRoomErr != nil {
		return nil, f.getRoomErr
	}
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, &APIError{Method: "GET", Path: "/chat/rooms/" + roomID, StatusCode: 404}
	}
	return &r, nil
}

func (f *fakeAPI) DeleteRoom(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, roomID)
	f.deleted = append(f.deleted, roomID)
	return nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, roomID string, sinceID int64, pageSize int) (*History, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	if err := f.historyErr[roomID]; err != nil {
		return nil, err
	}
	all := append([]Message(nil), f.messages[roomID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	var page []Message
	if sinceID == 0 {
		page = all[max(0, len(all)-pageSize):]
	} else {
		for _, m := range all {
			if m.ID > sinceID && len(page) < pageSize {
				page = append(page, m)
			}
		}
	}
	return &History{Messages: append([]Message(nil), page...), RemoteLastReadID: f.remote[roomID]}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, roomID string, req SendMessageRequest) (*Message, error) {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return nil, err
	}
	f.sent = append(f.sent, req)
	f.nextID++
	m := Message{ID: f.nextID, RoomID: roomID, Kind: req.Kind, Body: req.Body, SentAt: req.SentAt}
	f.messages[roomID] = append(f.messages[roomID], m)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(m)
	}
	return &m, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID string, lastReadID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, markCall{roomID, lastReadID})
	return nil
}

func (f *fakeAPI) GetListing(ctx context.Context, listingID string) (*Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listingCalls++
	if f.listingErr != nil {
		return nil, f.listingErr
	}
	l, ok := f.listings[listingID]
	if !ok {
		return nil, errors.New("listing not found")
	}
	return l, nil
}

func (f *fakeAPI) markCalls() []markCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]markCall(nil), f.marks...)
}

// stubState is a ConnStater with a settable state.
type stubState struct {
	mu    sync.Mutex
	state ConnState
}

func (s *stubState) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubState) set(st ConnState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
