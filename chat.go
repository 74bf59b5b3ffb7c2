package lfchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/store"
)

// ChatAPI is the REST surface a Chat needs. *APIClient implements it.
type ChatAPI interface {
	MessageAPI
	ReadMarker
	ListingFetcher
	ListRooms(ctx context.Context) ([]Room, error)
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Options configures a Chat.
type Options struct {
	Endpoint    string // gateway WebSocket URL
	APIEndpoint string // REST base URL, used when API is nil
	UserID      string // the signed-in user
	Tokens      TokenSource

	Store      store.Store // defaults to store.NewMemory()
	Dialer     Dialer
	HTTPClient *http.Client
	API        ChatAPI
	Clock      clock.Clock
	Logger     *slog.Logger

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReadPushWindow    time.Duration
	UnreadInterval    time.Duration
	HistoryPageSize   int
}

// Chat is the session object the UI holds: one gateway connection, the
// rooms being watched or viewed, their messages, cursors and unread counts.
type Chat struct {
	opts   Options
	api    ChatAPI
	store  store.Store
	clock  clock.Clock
	logger *slog.Logger

	client   *Client
	registry *Registry
	messages *MessageStore
	cursors  *CursorTracker
	roles    *RoleResolver
	unread   *UnreadAggregator
	bus      *Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	rooms    map[string]Room
	open     map[string]bool
	watched  map[string]bool
	watching bool
	started  bool
	closed   bool
}

// New wires a Chat. Nothing touches the network until Start.
func New(opts Options) (*Chat, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("lfchat: endpoint is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("lfchat: user id is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Tokens == nil {
		opts.Tokens = StaticToken("")
	}
	if opts.API == nil {
		if opts.APIEndpoint == "" {
			return nil, errors.New("lfchat: api endpoint is required")
		}
		opts.API = NewAPIClient(opts.APIEndpoint, opts.Tokens, opts.HTTPClient)
	}
	if opts.UnreadInterval <= 0 {
		opts.UnreadInterval = DefaultUnreadInterval
	}

	c := &Chat{
		opts:    opts,
		api:     opts.API,
		store:   opts.Store,
		clock:   opts.Clock,
		logger:  opts.Logger,
		bus:     NewBus(),
		rooms:   make(map[string]Room),
		open:    make(map[string]bool),
		watched: make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.client = NewClient(ClientConfig{
		Endpoint:          opts.Endpoint,
		Tokens:            opts.Tokens,
		Dialer:            opts.Dialer,
		HeartbeatInterval: opts.HeartbeatInterval,
		ReconnectDelay:    opts.ReconnectDelay,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
	})
	c.registry = NewRegistry(c.client, opts.Logger)
	c.messages = NewMessageStore(opts.API, c.client, opts.Clock, opts.HistoryPageSize, opts.Logger)
	c.cursors = NewCursorTracker(opts.API, opts.Store, opts.Clock, opts.ReadPushWindow, opts.Logger)
	c.roles = NewRoleResolver(opts.UserID, opts.API, opts.Store, opts.Logger)
	c.unread = NewUnreadAggregator(c.messages, c.cursors, c.roles, c.bus, opts.Clock, 0, opts.Logger)

	c.client.OnStateChange(c.registry.HandleState)
	c.client.OnStateChange(c.handleState)
	return c, nil
}

// Start connects to the gateway and starts the periodic unread recompute.
// ErrNoCredential means the user is signed out and no attempt was made;
// call Start again after sign-in. Any other error has already scheduled a
// retry.
func (c *Chat) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.started {
		c.started = true
		go c.unread.Run(c.ctx, c.opts.UnreadInterval, c.recomputeList, c.prepareRoom)
	}
	c.mu.Unlock()

	return c.client.Connect(ctx)
}

// Close flushes pending read pushes and disconnects. The store is left
// open; it belongs to the caller.
func (c *Chat) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	for _, id := range c.cursors.Rooms() {
		c.cursors.Close(id)
	}
	c.client.Disconnect()
	return nil
}

// State returns the gateway connection state.
func (c *Chat) State() ConnState { return c.client.State() }

// On registers an event listener. Listeners run synchronously on the
// goroutine that produced the event and must not block.
func (c *Chat) On(fn func(Event)) (cancel func()) { return c.bus.On(fn) }

// WatchRooms subscribes to every room the user is in and computes their
// unread counts. Rooms that disappeared since the last call are released.
func (c *Chat) WatchRooms(ctx context.Context) ([]Room, error) {
	rooms, err := c.syncWatched(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	c.unread.Recompute(ctx, ids, c.prepareRoom)
	return rooms, nil
}

// StopWatching releases the subscriptions WatchRooms made. Rooms open in a
// view stay subscribed.
func (c *Chat) StopWatching() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.watched))
	for id := range c.watched {
		ids = append(ids, id)
	}
	c.watched = make(map[string]bool)
	c.watching = false
	c.mu.Unlock()

	for _, id := range ids {
		c.registry.Unsubscribe(id)
	}
}

// OpenRoom subscribes to roomID for a room view, loads its history and
// marks everything loaded as read. Live messages arriving while the room
// is open are marked read as they come.
func (c *Chat) OpenRoom(ctx context.Context, roomID string) error {
	if room, err := c.room(ctx, roomID); err != nil {
		// The role stays unresolved and reads as CALLER until the room
		// list brings the detail.
		c.logger.Warn("room detail unavailable", "room_id", roomID, "error", err)
	} else {
		c.roles.Resolve(ctx, room)
	}
	if _, err := c.cursors.Load(ctx, roomID); err != nil {
		c.logger.Warn("cursor load failed", "room_id", roomID, "error", err)
	}

	c.mu.Lock()
	if c.open[roomID] {
		c.mu.Unlock()
		return nil
	}
	c.open[roomID] = true
	c.mu.Unlock()
	c.registry.Subscribe(roomID, c.onMessage(roomID), c.onReceipt(roomID))

	if _, err := c.LoadHistory(ctx, roomID); err != nil {
		return err
	}
	if last := c.messages.LastID(roomID); last > 0 {
		return c.MarkReadUpTo(ctx, roomID, last)
	}
	return nil
}

// CloseRoom ends a room view. A pending read push is flushed; the room
// stays subscribed if the room list still watches it.
func (c *Chat) CloseRoom(roomID string) {
	c.mu.Lock()
	wasOpen := c.open[roomID]
	delete(c.open, roomID)
	c.mu.Unlock()
	if !wasOpen {
		return
	}
	c.registry.Unsubscribe(roomID)
	c.cursors.Close(roomID)
}

// LoadHistory fetches the latest page of roomID and merges it.
func (c *Chat) LoadHistory(ctx context.Context, roomID string) (*History, error) {
	h, err := c.messages.LoadHistory(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if c.cursors.ObserveRemote(roomID, h.RemoteLastReadID) {
		c.bus.Publish(Event{Kind: EventReceipt, RoomID: roomID, RemoteLastRead: c.cursors.Remote(roomID)})
	}
	c.unread.Refresh(roomID)
	return h, nil
}

// Send posts a message to roomID. The message shows up in Messages once the
// gateway delivers it back.
func (c *Chat) Send(ctx context.Context, roomID, body string, kind Kind) (*Message, error) {
	return c.messages.Send(ctx, roomID, body, kind)
}

// MarkReadUpTo advances the local read cursor of roomID to id.
func (c *Chat) MarkReadUpTo(ctx context.Context, roomID string, id int64) error {
	moved, err := c.cursors.Advance(ctx, roomID, id)
	if moved {
		c.unread.Refresh(roomID)
	}
	return err
}

// Messages returns roomID's messages in ascending ID order.
func (c *Chat) Messages(roomID string) []Message { return c.messages.Messages(roomID) }

// Unread returns roomID's unread count.
func (c *Chat) Unread(roomID string) int { return c.unread.Count(roomID) }

// TotalUnread returns the unread count over all rooms.
func (c *Chat) TotalUnread() int { return c.unread.Total() }

// RemoteLastRead returns how far the counterpart has read in roomID.
func (c *Chat) RemoteLastRead(roomID string) int64 { return c.cursors.Remote(roomID) }

// LocalLastRead returns how far this user has read in roomID.
func (c *Chat) LocalLastRead(roomID string) int64 { return c.cursors.Local(roomID) }

// Role returns the user's resolved role in roomID.
func (c *Chat) Role(roomID string) (Role, bool) { return c.roles.Cached(roomID) }

// DeleteRoom leaves roomID on the server and drops every local trace of it.
func (c *Chat) DeleteRoom(ctx context.Context, roomID string) error {
	if err := c.api.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}

	c.mu.Lock()
	delete(c.rooms, roomID)
	delete(c.open, roomID)
	delete(c.watched, roomID)
	c.mu.Unlock()

	c.registry.Forget(roomID)
	c.cursors.Forget(roomID)
	c.messages.Forget(roomID)
	c.roles.Forget(roomID)
	c.unread.Forget(roomID)
	if err := c.store.Forget(ctx, roomID); err != nil {
		c.logger.Warn("store forget failed", "room_id", roomID, "error", err)
	}
	return nil
}

// --- Internal ---

func (c *Chat) handleState(state ConnState, _ uint64) {
	c.bus.Publish(Event{Kind: EventState, State: state})
	if state != StateConnected {
		return
	}

	c.mu.Lock()
	open := make([]string, 0, len(c.open))
	for id := range c.open {
		open = append(open, id)
	}
	c.mu.Unlock()

	// Deliveries missed while disconnected are only recoverable over REST.
	for _, id := range open {
		go c.gapFill(id)
	}
}

func (c *Chat) gapFill(roomID string) {
	n, err := c.messages.SyncSince(c.ctx, roomID)
	if err != nil {
		c.logger.Warn("gap fill failed", "room_id", roomID, "error", err)
		return
	}
	c.logger.Debug("gap filled", "room_id", roomID, "added", n)

	c.mu.Lock()
	open := c.open[roomID]
	c.mu.Unlock()
	if open {
		if _, err := c.cursors.Advance(c.ctx, roomID, c.messages.LastID(roomID)); err != nil {
			c.logger.Warn("cursor save failed", "room_id", roomID, "error", err)
		}
	}
	c.unread.Refresh(roomID)
}

func (c *Chat) onMessage(roomID string) func(Message) {
	return func(m Message) {
		if !c.messages.ApplyIncoming(roomID, m) {
			return
		}
		c.bus.Publish(Event{Kind: EventMessage, RoomID: roomID, Message: &m})

		c.mu.Lock()
		open := c.open[roomID]
		c.mu.Unlock()
		if open {
			if _, err := c.cursors.Advance(c.ctx, roomID, m.ID); err != nil {
				c.logger.Warn("cursor save failed", "room_id", roomID, "error", err)
			}
		}
		c.unread.Refresh(roomID)
	}
}

func (c *Chat) onReceipt(roomID string) func(ReadReceipt) {
	return func(rc ReadReceipt) {
		if mine, ok := c.roles.Cached(roomID); ok {
			c.applyReceipt(rc, mine)
			return
		}
		// Our role decides whether the receipt is an echo; resolving it may
		// hit the network, which must not stall the read loop.
		go func() {
			room, err := c.room(c.ctx, roomID)
			if err != nil {
				c.logger.Warn("room detail unavailable", "room_id", roomID, "error", err)
				c.applyReceipt(rc, RoleCaller)
				return
			}
			c.applyReceipt(rc, c.roles.Resolve(c.ctx, room))
		}()
	}
}

func (c *Chat) applyReceipt(rc ReadReceipt, mine Role) {
	if c.cursors.ApplyReceipt(rc, mine) {
		c.bus.Publish(Event{Kind: EventReceipt, RoomID: rc.RoomID, RemoteLastRead: c.cursors.Remote(rc.RoomID)})
	}
}

// room returns roomID's payload, fetching it if this session has not seen it.
func (c *Chat) room(ctx context.Context, roomID string) (Room, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	c.mu.Unlock()
	if ok {
		return r, nil
	}
	got, err := c.api.GetRoom(ctx, roomID)
	if err != nil {
		return Room{}, fmt.Errorf("get room %s: %w", roomID, err)
	}
	if got.ID == "" {
		got.ID = roomID
	}
	c.mu.Lock()
	c.rooms[roomID] = *got
	c.mu.Unlock()
	return *got, nil
}

// syncWatched lists the user's rooms and brings the watched set in line
// with it.
func (c *Chat) syncWatched(ctx context.Context) ([]Room, error) {
	rooms, err := c.api.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	for _, r := range rooms {
		c.roles.Resolve(ctx, r)
	}

	present := make(map[string]bool, len(rooms))
	var added, removed []string
	c.mu.Lock()
	c.watching = true
	for _, r := range rooms {
		present[r.ID] = true
		c.rooms[r.ID] = r
		if !c.watched[r.ID] {
			c.watched[r.ID] = true
			added = append(added, r.ID)
		}
	}
	for id := range c.watched {
		if !present[id] {
			delete(c.watched, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	for _, id := range added {
		c.registry.Subscribe(id, c.onMessage(id), c.onReceipt(id))
	}
	for _, id := range removed {
		c.registry.Unsubscribe(id)
	}
	return rooms, nil
}

// recomputeList feeds the periodic unread cycle: every listed room while
// watching, otherwise whatever the registry holds.
func (c *Chat) recomputeList(ctx context.Context) ([]string, error) {
	c.cursors.RetryUnpushed()

	c.mu.Lock()
	watching := c.watching
	c.mu.Unlock()
	if !watching {
		return c.registry.Rooms(), nil
	}
	rooms, err := c.syncWatched(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rooms))
	for i, r := range rooms {
		ids[i] = r.ID
	}
	return ids, nil
}

func (c *Chat) prepareRoom(ctx context.Context, roomID string) error {
	if _, err := c.cursors.Load(ctx, roomID); err != nil {
		return err
	}
	h, err := c.messages.LoadHistory(ctx, roomID)
	if err != nil {
		return err
	}
	if c.cursors.ObserveRemote(roomID, h.RemoteLastReadID) {
		c.bus.Publish(Event{Kind: EventReceipt, RoomID: roomID, RemoteLastRead: c.cursors.Remote(roomID)})
	}
	return nil
}
