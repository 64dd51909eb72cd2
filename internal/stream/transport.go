package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxFrameSize bounds a single inbound frame.
	maxFrameSize = 1 << 20
)

// Transport is one open event-stream connection.
type Transport interface {
	// ReadMessage blocks until the next frame arrives or the connection
	// fails. Any error means the connection is gone.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports to the backend event endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the backend with gorilla/websocket and keeps the
// connection alive with ping/pong.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", url, err)
	}

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t := &wsTransport{
		conn: conn,
		done: make(chan struct{}),
	}
	go t.pingLoop()
	return t, nil
}

// wsTransport adapts a gorilla connection to Transport. gorilla allows one
// concurrent writer, so writes and pings share writeMu.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// pingLoop sends periodic ping messages to keep the connection alive.
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
