package stream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendStub is a minimal event endpoint: it records every frame it
// receives and answers the first subscribe on each connection with a trade.
type backendStub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []string
	conns    []*websocket.Conn
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.received = append(b.received, string(msg))
		b.mu.Unlock()

		if strings.Contains(string(msg), `"subscribe"`) {
			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"type":"new_trade","marketId":"m1","data":{"id":"t1","price":0.5,"quantity":1}}`))
		}
	}
}

func (b *backendStub) frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.received))
	copy(out, b.received)
	return out
}

func (b *backendStub) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.conns = nil
}

func TestWebsocketDialerEndToEnd(t *testing.T) {
	stub := &backendStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(Config{URL: url, ReconnectDelay: 20 * time.Millisecond}, nil, quietLogger())
	defer c.Close()

	frames := make(chan string, 8)
	c.OnFrame(func(f []byte) { frames <- string(f) })

	require.NoError(t, c.SubscribeMarket("m1", ""))
	c.Connect()
	waitState(t, c, StateConnected)

	select {
	case f := <-frames:
		assert.Contains(t, f, `"new_trade"`)
	case <-time.After(waitFor):
		t.Fatal("no frame from backend")
	}

	// Server-side close triggers exactly one reconnect and a replay.
	stub.dropAll()
	require.Eventually(t, func() bool { return len(stub.frames()) == 2 }, waitFor, tick)
	waitState(t, c, StateConnected)

	for _, f := range stub.frames() {
		assert.JSONEq(t, `{"type":"subscribe","marketId":"m1"}`, f)
	}
}
