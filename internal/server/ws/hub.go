package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Envelope is the text frame sent to clients for every bus message.
type Envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// subscribeMsg is the JSON message a client sends to change its channel
// set. Channels accept a trailing "*" as a prefix wildcard. The hub answers
// with the resulting set on the "subscriptions" channel.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// Config captures runtime metadata sent to clients on connect.
type Config struct {
	Mode      string
	StartedAt time.Time
	// State reports the upstream connection state. Optional.
	State func() string
	// Channels overrides the bus channels the hub relays. Defaults to
	// domain.Channels().
	Channels []string
}

// Hub bridges the signal bus to connected WebSocket clients. Each client
// starts subscribed to every relayed channel and can narrow the set.
type Hub struct {
	bus      domain.SignalBus
	logger   *slog.Logger
	cfg      Config
	channels []string

	unregister chan *client
	broadcast  chan Envelope
	done       chan struct{}
	ready      chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
	stopped bool
}

// NewHub creates a hub. Run must be started before HandleWS serves clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	cfg.Mode = strings.TrimSpace(strings.ToLower(cfg.Mode))
	if cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	channels := cfg.Channels
	if len(channels) == 0 {
		channels = domain.Channels()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:        bus,
		logger:     logger.With(slog.String("component", "ws_hub")),
		cfg:        cfg,
		channels:   channels,
		unregister: make(chan *client),
		broadcast:  make(chan Envelope, 256),
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the bus and serves the hub's event loop until ctx is
// cancelled. Every client connection is closed on return.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for _, ch := range h.channels {
		msgCh, err := h.bus.Subscribe(ctx, ch)
		if err != nil {
			h.logger.Error("subscribe to channel failed",
				slog.String("channel", ch),
				slog.String("error", err.Error()),
			)
			continue
		}
		go h.forward(ctx, ch, msgCh)
	}
	close(h.ready)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.stopped = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("client_id", c.id),
				slog.Int("total_clients", n),
			)

		case env := <-h.broadcast:
			frame, err := json.Marshal(env)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(env.Channel) {
					continue
				}
				select {
				case c.send <- frame:
				default:
					h.logger.Warn("dropping message for slow client",
						slog.String("client_id", c.id),
						slog.String("channel", env.Channel),
					)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// forward copies one bus subscription into the broadcast loop.
func (h *Hub) forward(ctx context.Context, channel string, msgCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			if !json.Valid(data) {
				continue
			}
			select {
			case h.broadcast <- Envelope{Channel: channel, Data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades an HTTP request to a WebSocket connection and registers
// the client with the hub.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.ready:
	case <-h.done:
		http.Error(w, "hub stopped", http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.channels)),
	}
	for _, ch := range h.channels {
		c.subs[ch] = true
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected",
		slog.String("client_id", c.id),
		slog.Int("total_clients", n),
	)
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// sendHello pushes a status frame so clients can render connectivity before
// the first market event arrives.
func (c *client) sendHello() {
	state := "unknown"
	if c.hub.cfg.State != nil {
		state = c.hub.cfg.State()
	}
	uptime := max(0, int64(time.Since(c.hub.cfg.StartedAt).Seconds()))

	data, err := json.Marshal(map[string]any{
		"clientId":      c.id,
		"mode":          c.hub.cfg.Mode,
		"state":         state,
		"channels":      c.hub.channels,
		"uptimeSeconds": uptime,
	})
	if err != nil {
		return
	}
	c.reply("hello", data)
}

// reply queues a hub-originated frame. It is a no-op once the client has
// been unregistered and its send channel closed.
func (c *client) reply(channel string, data []byte) {
	frame, err := json.Marshal(Envelope{Channel: channel, Data: data})
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// readPump handles subscription changes until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close",
					slog.String("client_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		if data, err := json.Marshal(c.apply(sub)); err == nil {
			c.reply("subscriptions", data)
		}
	}
}

// apply changes the channel set and returns it sorted.
func (c *client) apply(msg subscribeMsg) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, ch := range msg.Channels {
			c.subs[ch] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.subs, ch)
		}
	}
	out := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// isSubscribed checks whether the client wants messages from channel.
func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.subs[channel] {
		return true
	}
	for sub := range c.subs {
		if prefix, ok := strings.CutSuffix(sub, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

// writePump sends queued frames and keep-alive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
