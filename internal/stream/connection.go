// Package stream owns the single long-lived event-stream connection to the
// trading backend: lifecycle, fixed-delay reconnect, connectivity
// notifications, and replay of desired market subscriptions.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/protocol"
)

// DefaultReconnectDelay is the fixed delay before a reconnect attempt.
const DefaultReconnectDelay = 5 * time.Second

// State is the connectivity state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds the connection parameters.
type Config struct {
	URL string

	// ReconnectDelay is the delay before reconnecting after a failed dial or
	// a lost connection. Defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// MaxReconnectDelay enables capped exponential backoff when it is greater
	// than ReconnectDelay. Zero keeps the delay fixed.
	MaxReconnectDelay time.Duration

	HandshakeTimeout time.Duration

	// ReplayUserSubscription remembers the identity passed to SubscribeUser
	// and re-sends it on every connect. When false SubscribeUser is one-shot
	// and fails with domain.ErrNotConnected while disconnected.
	ReplayUserSubscription bool
}

// Subscription is a desired server-side market interest.
type Subscription struct {
	MarketID string `json:"marketId"`
	UserID   string `json:"userId,omitempty"`
}

// FrameHandler receives every raw inbound frame on the reading goroutine.
type FrameHandler func(frame []byte)

// Observer is notified with the new state on every transition.
type Observer func(State)

type observer struct {
	fn      Observer
	removed atomic.Bool
}

// Connection is the event-stream connection. It is created once by the
// application root and shared by all consumers.
type Connection struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	transport  Transport
	gen        uint64 // bumped on every dial and teardown; stale callbacks compare against it
	cleaningUp bool
	closed     bool
	timer      *time.Timer
	timerSeq   uint64
	failures   int
	subs       []Subscription // desired set, unique by MarketID, insertion ordered
	userID     string
	onFrame    FrameHandler

	obsMu     sync.Mutex
	observers []*observer

	// Transitions are queued under mu and delivered in that order by a
	// single draining goroutine at a time.
	notifyMu   sync.Mutex
	pending    []State
	delivering bool
}

// New creates a disconnected Connection. A nil dialer selects the
// gorilla/websocket dialer.
func New(cfg Config, dialer Dialer, logger *slog.Logger) *Connection {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if dialer == nil {
		dialer = WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(slog.String("component", "stream")),
	}
}

// OnFrame installs the handler for inbound frames. Install it before
// Connect; frames that arrive with no handler are dropped.
func (c *Connection) OnFrame(fn FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = fn
}

// Connect starts connecting in the background. It is a no-op when the
// connection is already connecting, connected, being torn down, or closed.
// Failures are never returned; they show up as state transitions.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.closed || c.cleaningUp || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.flushNotifications()
	go c.dial(gen)
}

// Disconnect closes the connection and cancels any pending reconnect. The
// connection stays disconnected until Connect is called again.
func (c *Connection) Disconnect() {
	c.shutdown(false)
}

// Close tears the connection down for good. Later calls to Connect are
// no-ops and observers are dropped.
func (c *Connection) Close() error {
	c.shutdown(true)

	c.obsMu.Lock()
	for _, o := range c.observers {
		o.removed.Store(true)
	}
	c.observers = nil
	c.obsMu.Unlock()
	return nil
}

func (c *Connection) shutdown(terminal bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// Flag first so callbacks racing with the teardown are ignored.
	c.cleaningUp = true
	if terminal {
		c.closed = true
	}
	c.stopTimerLocked()
	c.gen++
	t := c.transport
	c.transport = nil
	prev := c.state
	if prev != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.failures = 0
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Debug("stream: close transport", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.cleaningUp = false
	c.mu.Unlock()

	if prev != StateDisconnected {
		c.logger.Info("stream: disconnected by caller", slog.Bool("terminal", terminal))
		c.flushNotifications()
	}
}

// State returns the current connectivity state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is currently open.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// ReconnectPending reports whether a reconnect timer is outstanding.
func (c *Connection) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Subscriptions returns a copy of the desired-subscription set in the order
// it is replayed.
func (c *Connection) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, len(c.subs))
	copy(out, c.subs)
	return out
}

// Observe registers fn for state transitions. The returned function removes
// it; fn is not called after removal returns.
func (c *Connection) Observe(fn Observer) (cancel func()) {
	o := &observer{fn: fn}

	c.obsMu.Lock()
	c.observers = append(c.observers, o)
	c.obsMu.Unlock()

	return func() {
		if o.removed.Swap(true) {
			return
		}
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, cur := range c.observers {
			if cur == o {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				break
			}
		}
	}
}

// SubscribeMarket adds marketID to the desired set and sends the
// subscription now if connected. Otherwise it is sent on the next connect.
func (c *Connection) SubscribeMarket(marketID, userID string) error {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return fmt.Errorf("stream: subscribe: %w", domain.ErrInvalidMarket)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("stream: subscribe %s: %w", marketID, domain.ErrClosed)
	}

	sub := Subscription{MarketID: marketID, UserID: userID}
	existing := false
	for i, s := range c.subs {
		if s.MarketID != marketID {
			continue
		}
		if s.UserID == userID {
			return nil
		}
		c.subs[i] = sub
		existing = true
		break
	}
	if !existing {
		c.subs = append(c.subs, sub)
	}

	if c.state == StateConnected {
		c.sendSubscribeLocked(c.transport, sub, c.logger)
	}
	return nil
}

// UnsubscribeMarket removes marketID from the desired set and sends an
// unsubscribe frame if connected. Unknown markets are ignored.
func (c *Connection) UnsubscribeMarket(marketID string) {
	marketID = strings.TrimSpace(marketID)
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, s := range c.subs {
		if s.MarketID == marketID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	c.subs = append(c.subs[:idx], c.subs[idx+1:]...)

	if c.state != StateConnected {
		return
	}
	frame, err := protocol.EncodeUnsubscribe(marketID)
	if err != nil {
		c.logger.Error("stream: encode unsubscribe", slog.String("error", err.Error()))
		return
	}
	c.writeLocked(c.transport, frame, c.logger)
}

// SubscribeUser associates the connection with a user identity. See
// Config.ReplayUserSubscription for the behaviour while disconnected.
func (c *Connection) SubscribeUser(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("stream: subscribe user: empty user id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("stream: subscribe user: %w", domain.ErrClosed)
	}
	if c.cfg.ReplayUserSubscription {
		c.userID = userID
	}
	if c.state != StateConnected {
		if c.cfg.ReplayUserSubscription {
			return nil
		}
		return fmt.Errorf("stream: subscribe user: %w", domain.ErrNotConnected)
	}

	c.sendSubscribeUserLocked(c.transport, userID, c.logger)
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (c *Connection) dial(gen uint64) {
	logger := c.logger.With(slog.String("session", uuid.NewString()))

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t, err := c.dialer.Dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if c.closed || c.cleaningUp || gen != c.gen {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		logger.Debug("stream: discarding stale dial result")
		return
	}

	if err != nil {
		c.setStateLocked(StateDisconnected)
		delay := c.scheduleReconnectLocked()
		c.mu.Unlock()

		logger.Warn("stream: connect failed",
			slog.String("url", c.cfg.URL),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		c.flushNotifications()
		return
	}

	c.transport = t
	c.setStateLocked(StateConnected)
	c.failures = 0
	n := len(c.subs)
	c.replayLocked(t, logger)
	c.mu.Unlock()

	logger.Info("stream: connected",
		slog.String("url", c.cfg.URL),
		slog.Int("subscriptions", n),
	)
	c.flushNotifications()

	go c.readLoop(t, gen, logger)
}

// replayLocked re-sends the desired set, then the remembered identity.
func (c *Connection) replayLocked(t Transport, logger *slog.Logger) {
	for _, sub := range c.subs {
		c.sendSubscribeLocked(t, sub, logger)
	}
	if c.cfg.ReplayUserSubscription && c.userID != "" {
		c.sendSubscribeUserLocked(t, c.userID, logger)
	}
}

func (c *Connection) readLoop(t Transport, gen uint64, logger *slog.Logger) {
	for {
		frame, err := t.ReadMessage()
		if err != nil {
			c.handleClose(t, gen, err, logger)
			return
		}

		c.mu.Lock()
		fn := c.onFrame
		c.mu.Unlock()

		if fn != nil {
			fn(frame)
		}
	}
}

// handleClose reacts to a transport that went away without the caller
// asking for it.
func (c *Connection) handleClose(t Transport, gen uint64, cause error, logger *slog.Logger) {
	c.mu.Lock()
	if c.closed || c.cleaningUp || gen != c.gen || c.transport != t {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.setStateLocked(StateDisconnected)
	delay := c.scheduleReconnectLocked()
	c.mu.Unlock()

	_ = t.Close()
	logger.Warn("stream: connection lost",
		slog.String("error", cause.Error()),
		slog.Duration("retry_in", delay),
	)
	c.flushNotifications()
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending and returns the delay in effect.
func (c *Connection) scheduleReconnectLocked() time.Duration {
	delay := c.cfg.ReconnectDelay
	if c.cfg.MaxReconnectDelay > c.cfg.ReconnectDelay {
		for i := 0; i < c.failures && delay < c.cfg.MaxReconnectDelay; i++ {
			delay *= 2
		}
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
	}
	c.failures++

	if c.timer != nil {
		return delay
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = time.AfterFunc(delay, func() { c.fireReconnect(seq) })
	return delay
}

func (c *Connection) fireReconnect(seq uint64) {
	c.mu.Lock()
	if c.timer == nil || seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	c.Connect()
}

func (c *Connection) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.timerSeq++
}

func (c *Connection) sendSubscribeLocked(t Transport, sub Subscription, logger *slog.Logger) {
	frame, err := protocol.EncodeSubscribe(sub.MarketID, sub.UserID)
	if err != nil {
		logger.Error("stream: encode subscribe", slog.String("error", err.Error()))
		return
	}
	c.writeLocked(t, frame, logger)
}

func (c *Connection) sendSubscribeUserLocked(t Transport, userID string, logger *slog.Logger) {
	frame, err := protocol.EncodeSubscribeUser(userID)
	if err != nil {
		logger.Error("stream: encode subscribe_user", slog.String("error", err.Error()))
		return
	}
	c.writeLocked(t, frame, logger)
}

// writeLocked sends one frame. A failed write is only logged: the read loop
// sees the broken connection and drives the reconnect.
func (c *Connection) writeLocked(t Transport, frame []byte, logger *slog.Logger) {
	if t == nil {
		return
	}
	if err := t.WriteMessage(frame); err != nil {
		logger.Warn("stream: write frame", slog.String("error", err.Error()))
	}
}

// setStateLocked records a transition and queues it for observers. Callers
// must run flushNotifications after releasing mu.
func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.notifyMu.Lock()
	c.pending = append(c.pending, s)
	c.notifyMu.Unlock()
}

// flushNotifications delivers queued transitions in order. If another
// goroutine, or an observer further up this stack, is already delivering,
// it picks up the new entries instead.
func (c *Connection) flushNotifications() {
	c.notifyMu.Lock()
	if c.delivering {
		c.notifyMu.Unlock()
		return
	}
	c.delivering = true
	for len(c.pending) > 0 {
		s := c.pending[0]
		c.pending = c.pending[1:]
		c.notifyMu.Unlock()
		c.notify(s)
		c.notifyMu.Lock()
	}
	c.pending = nil
	c.delivering = false
	c.notifyMu.Unlock()
}

func (c *Connection) notify(s State) {
	c.obsMu.Lock()
	snapshot := make([]*observer, len(c.observers))
	copy(snapshot, c.observers)
	c.obsMu.Unlock()

	for _, o := range snapshot {
		if o.removed.Load() {
			continue
		}
		o.fn(s)
	}
}
