// Package lfchat is the realtime chat layer of the lost-and-found app. It
// keeps one authenticated gateway connection per session, subscribes to the
// rooms the user has open, merges REST history with live deliveries, tracks
// read cursors on both sides and aggregates unread counts.
package lfchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NeboLoop/lostfound-chat-go-sdk/frame"
	"github.com/NeboLoop/lostfound-chat-go-sdk/internal/clock"
	"github.com/NeboLoop/lostfound-chat-go-sdk/metrics"
	"github.com/NeboLoop/lostfound-chat-go-sdk/wire"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second

	handshakeTimeout = 10 * time.Second
	sendQueueSize    = 256
)

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// ConnState is the state of the gateway connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// ClientConfig holds connection parameters.
type ClientConfig struct {
	Endpoint          string      // WebSocket URL (e.g. "wss://chat.example.com/ws")
	Tokens            TokenSource // asked for a fresh credential on every (re)connect
	Dialer            Dialer      // defaults to WebSocketDialer
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	Clock             clock.Clock
	Logger            *slog.Logger
}

// FrameHandler receives the body of every delivery on a subscription.
type FrameHandler func(body json.RawMessage)

// Subscription identifies a topic subscription on one connection. Epoch
// names the connection it was opened on; it is dead once that connection
// is replaced.
type Subscription struct {
	ID    uuid.UUID
	Topic string
	Epoch uint64
}

// StateListener observes connection state changes. On StateConnected,
// epoch identifies the new connection.
type StateListener func(state ConnState, epoch uint64)

// Client owns the single gateway connection of an app session.
type Client struct {
	cfg    ClientConfig
	clock  clock.Clock
	logger *slog.Logger
	dedup  *frame.DedupWindow

	mu        sync.Mutex
	state     ConnState
	epoch     uint64
	live      *conn
	stopped   bool
	retry     *clock.Timer
	subs      map[uuid.UUID]topicSub
	listeners []StateListener
}

type topicSub struct {
	topic   string
	handler FrameHandler
}

// conn is one live transport plus its loops.
type conn struct {
	t        Transport
	epoch    uint64
	sendCh   chan []byte
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64
}

func (cn *conn) close() bool {
	closed := false
	cn.once.Do(func() {
		close(cn.done)
		cn.t.Close()
		closed = true
	})
	return closed
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	return &Client{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		dedup:  frame.NewDedupWindow(cfg.Clock.Now),
		subs:   make(map[uuid.UUID]topicSub),
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener. Listeners run outside the client's
// lock and may call back into the client.
func (c *Client) OnStateChange(l StateListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connect dials the gateway and authenticates. It is a no-op while
// connecting or connected. Without a credential no attempt is made and
// ErrNoCredential is returned. A failed handshake moves the client to
// StateFailed and schedules a retry; the error is returned for logging only.
func (c *Client) Connect(ctx context.Context) error {
	if s := c.State(); s == StateConnecting || s == StateConnected {
		return nil
	}

	token, err := c.cfg.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if token == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.epoch++
	epoch := c.epoch
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	notify()

	t, err := c.handshake(ctx, token)

	c.mu.Lock()
	if c.epoch != epoch || c.stopped {
		c.mu.Unlock()
		if t != nil {
			t.Close()
		}
		return fmt.Errorf("connect: %w", ErrClosed)
	}
	if err != nil {
		notify := c.setStateLocked(StateFailed)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("gateway handshake failed", "endpoint", c.cfg.Endpoint, "error", err)
		notify()
		return err
	}
	cn := &conn{
		t:      t,
		epoch:  epoch,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	cn.lastSeen.Store(c.clock.Now().UnixNano())
	c.live = cn
	notify = c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.readLoop(cn)
	go c.writeLoop(cn)
	go c.heartbeatLoop(cn)

	c.logger.Info("connected to gateway", "endpoint", c.cfg.Endpoint, "epoch", epoch)
	notify()
	return nil
}

// Disconnect tears the connection down and cancels any scheduled
// reconnect. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	cn := c.live
	c.live = nil
	c.epoch++
	c.resetSubsLocked()
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cn != nil {
		cn.close()
		c.logger.Info("disconnected from gateway", "endpoint", c.cfg.Endpoint)
	}
	notify()
}

// Subscribe opens a topic subscription on the live connection.
func (c *Client) Subscribe(topic string, handler FrameHandler) (Subscription, error) {
	c.mu.Lock()
	cn := c.live
	if cn == nil || c.state != StateConnected {
		c.mu.Unlock()
		return Subscription{}, ErrNotConnected
	}
	id := uuid.New()
	c.subs[id] = topicSub{topic: topic, handler: handler}
	metrics.ActiveSubscriptions.Set(float64(len(c.subs)))
	c.mu.Unlock()

	payload, _ := json.Marshal(wire.SubscribePayload{Topic: topic})
	encoded, err := frame.Encode(frame.Header{
		Type:           frame.TypeSubscribe,
		FrameID:        frame.NewFrameID(),
		SubscriptionID: id,
	}, payload)
	if err == nil {
		err = c.enqueue(context.Background(), cn, encoded)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		metrics.ActiveSubscriptions.Set(float64(len(c.subs)))
		c.mu.Unlock()
		return Subscription{}, err
	}
	return Subscription{ID: id, Topic: topic, Epoch: cn.epoch}, nil
}

// Unsubscribe releases a subscription. Subscriptions from a replaced
// connection, or unknown ones, are ignored.
func (c *Client) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	cn := c.live
	if cn == nil || cn.epoch != sub.Epoch {
		c.mu.Unlock()
		return
	}
	if _, ok := c.subs[sub.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sub.ID)
	metrics.ActiveSubscriptions.Set(float64(len(c.subs)))
	c.mu.Unlock()

	payload, _ := json.Marshal(wire.UnsubscribePayload{Topic: sub.Topic})
	encoded, err := frame.Encode(frame.Header{
		Type:           frame.TypeUnsubscribe,
		FrameID:        frame.NewFrameID(),
		SubscriptionID: sub.ID,
	}, payload)
	if err != nil {
		return
	}
	c.enqueue(context.Background(), cn, encoded)
}

// Publish sends body to topic. Large bodies are zstd-compressed.
func (c *Client) Publish(ctx context.Context, topic string, body json.RawMessage) error {
	c.mu.Lock()
	cn := c.live
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(wire.PublishPayload{Topic: topic, Body: body})
	if err != nil {
		return fmt.Errorf("marshal publish: %w", err)
	}
	encoded, err := frame.EncodeCompressed(frame.Header{
		Type:    frame.TypePublish,
		FrameID: frame.NewFrameID(),
	}, payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, cn, encoded)
}

// --- Internal ---

// setStateLocked records s and returns the notification to run once c.mu
// is released.
func (c *Client) setStateLocked(s ConnState) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	metrics.ConnectionState.Set(float64(s))
	epoch := c.epoch
	listeners := append([]StateListener(nil), c.listeners...)
	return func() {
		for _, l := range listeners {
			l(s, epoch)
		}
	}
}

func (c *Client) resetSubsLocked() {
	c.subs = make(map[uuid.UUID]topicSub)
	metrics.ActiveSubscriptions.Set(0)
}

func (c *Client) scheduleReconnectLocked() {
	if c.stopped || c.retry != nil {
		return
	}
	metrics.Reconnects.Inc()
	c.retry = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.retry = nil
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		err := c.Connect(context.Background())
		if errors.Is(err, ErrNoCredential) {
			// Signed out for now; keep probing so chat resumes after sign-in.
			c.mu.Lock()
			c.scheduleReconnectLocked()
			c.mu.Unlock()
		}
	})
}

func (c *Client) handshake(ctx context.Context, token string) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	t, err := c.cfg.Dialer.Dial(ctx, c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(wire.ConnectPayload{
		Token:     token,
		Heartbeat: c.cfg.HeartbeatInterval.Milliseconds(),
	})
	encoded, _ := frame.Encode(frame.Header{Type: frame.TypeConnect, FrameID: frame.NewFrameID()}, payload)
	if err := t.WriteFrame(encoded); err != nil {
		t.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := t.ReadFrame()
		ch <- result{data, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		t.Close()
		return nil, fmt.Errorf("read auth: %w", ctx.Err())
	}
	if r.err != nil {
		t.Close()
		return nil, fmt.Errorf("read auth: %w", r.err)
	}

	h, body, err := frame.Decode(r.data)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("decode auth: %w", err)
	}
	switch h.Type {
	case frame.TypeAuthOK:
		return t, nil
	case frame.TypeAuthFail:
		var res wire.AuthResultPayload
		json.Unmarshal(body, &res)
		t.Close()
		return nil, fmt.Errorf("auth failed: %s", res.Reason)
	default:
		t.Close()
		return nil, fmt.Errorf("unexpected frame type %d", h.Type)
	}
}

// sever ends a live connection after a transport failure.
func (c *Client) sever(cn *conn, cause error) {
	if !cn.close() {
		return
	}
	c.mu.Lock()
	if c.live != cn {
		c.mu.Unlock()
		return
	}
	c.live = nil
	c.resetSubsLocked()
	notify := c.setStateLocked(StateDisconnected)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.logger.Warn("gateway connection lost", "epoch", cn.epoch, "error", cause)
	notify()
}

func (c *Client) enqueue(ctx context.Context, cn *conn, data []byte) error {
	select {
	case cn.sendCh <- data:
		return nil
	case <-cn.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop(cn *conn) {
	for {
		data, err := cn.t.ReadFrame()
		if err != nil {
			c.sever(cn, fmt.Errorf("read: %w", err))
			return
		}
		cn.lastSeen.Store(c.clock.Now().UnixNano())

		h, payload, err := frame.Decode(data)
		if err != nil {
			c.logger.Debug("bad frame", "error", err)
			continue
		}

		switch h.Type {
		case frame.TypeHeartbeat:
		case frame.TypeDelivery:
			c.deliver(cn, h, payload)
		case frame.TypeError:
			var e wire.ErrorPayload
			json.Unmarshal(payload, &e)
			c.logger.Warn("gateway error", "code", e.Code, "message", e.Message)
		case frame.TypeClose:
			c.sever(cn, errors.New("closed by gateway"))
			return
		}
	}
}

func (c *Client) deliver(cn *conn, h frame.Header, payload []byte) {
	if c.dedup.IsDuplicate(h.FrameID) {
		metrics.DuplicateFrames.Inc()
		return
	}
	payload, err := frame.Payload(h, payload)
	if err != nil {
		c.logger.Debug("bad delivery payload", "error", err)
		return
	}
	var d wire.DeliveryPayload
	if err := json.Unmarshal(payload, &d); err != nil {
		c.logger.Debug("bad delivery payload", "error", err)
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[h.SubscriptionID]
	current := c.live == cn
	c.mu.Unlock()
	if !ok || !current {
		return
	}
	sub.handler(d.Body)
}

func (c *Client) writeLoop(cn *conn) {
	for {
		select {
		case data := <-cn.sendCh:
			if err := cn.t.WriteFrame(data); err != nil {
				c.sever(cn, fmt.Errorf("write: %w", err))
				return
			}
		case <-cn.done:
			return
		}
	}
}

// heartbeatLoop sends a heartbeat every interval and severs the connection
// when nothing has been read for more than two intervals.
func (c *Client) heartbeatLoop(cn *conn) {
	interval := c.cfg.HeartbeatInterval
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			silent := c.clock.Now().Sub(time.Unix(0, cn.lastSeen.Load()))
			if silent > 2*interval {
				c.sever(cn, errHeartbeatTimeout)
				return
			}
			encoded, _ := frame.Encode(frame.Header{Type: frame.TypeHeartbeat}, nil)
			select {
			case cn.sendCh <- encoded:
			case <-cn.done:
				return
			}
		}
	}
}
