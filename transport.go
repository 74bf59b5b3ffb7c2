package lfchat

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Transport moves whole frames between the client and the gateway.
// ReadFrame is called from one goroutine and WriteFrame from one other;
// Close may be called from anywhere and must unblock both.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a Transport to the gateway endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// WebSocketDialer dials the gateway over WebSocket; each binary message is
// one frame.
type WebSocketDialer struct {
	Dialer ws.Dialer
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, _, _, err := d.Dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn net.Conn
	once sync.Once
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	return wsutil.ReadServerBinary(t.conn)
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return wsutil.WriteClientBinary(t.conn, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() { err = t.conn.Close() })
	return err
}
