// Package router turns raw stream frames into typed events and delivers them
// to handlers registered by scope: a single market, the user's personal
// channels, or the global trade and market-update feeds.
package router

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/protocol"
	"github.com/alanyoungcy/marketsync/internal/stream"
)

// Handler receives routed events. It runs synchronously on the goroutine
// that read the frame and may register or detach handlers.
type Handler func(domain.Event)

// Conn is the part of the connection manager the router drives.
type Conn interface {
	OnFrame(fn stream.FrameHandler)
	SubscribeMarket(marketID, userID string) error
	UnsubscribeMarket(marketID string)
	SubscribeUser(userID string) error
}

type registration struct {
	seq     uint64
	scope   Scope
	fn      Handler
	removed atomic.Bool
}

// Stats is a point-in-time view of the router.
type Stats struct {
	Handlers   map[Scope]int `json:"handlers"`
	Dispatched uint64        `json:"dispatched"`
	Dropped    uint64        `json:"dropped"`
}

// Router multiplexes one connection's events to many handlers.
type Router struct {
	conn   Conn
	logger *slog.Logger

	mu      sync.Mutex
	seq     uint64
	byScope map[Scope][]*registration

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a router and attaches it to conn's frame stream. conn may be
// nil for a router that is only fed through HandleFrame.
func New(conn Conn, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		conn:    conn,
		logger:  logger.With(slog.String("component", "router")),
		byScope: make(map[Scope][]*registration),
	}
	if conn != nil {
		conn.OnFrame(r.HandleFrame)
	}
	return r
}

// On registers fn for scope and returns a function that removes it. Once
// detach returns the handler is not invoked again, even by a dispatch that
// is already in progress. Calling detach more than once is harmless.
func (r *Router) On(scope Scope, fn Handler) (detach func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.seq++
	reg := &registration{seq: r.seq, scope: scope, fn: fn}
	r.byScope[scope] = append(r.byScope[scope], reg)
	r.mu.Unlock()

	return func() { r.remove(reg) }
}

func (r *Router) remove(reg *registration) {
	if reg.removed.Swap(true) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.byScope[reg.scope]
	for i, x := range regs {
		if x == reg {
			// Copy so snapshots held by in-flight dispatches stay intact.
			next := make([]*registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			next = append(next, regs[i+1:]...)
			if len(next) == 0 {
				delete(r.byScope, reg.scope)
			} else {
				r.byScope[reg.scope] = next
			}
			return
		}
	}
}

// OnMarket registers fn for every event scoped to marketID: book updates,
// trades and targeted market updates.
func (r *Router) OnMarket(marketID string, fn Handler) func() {
	return r.On(Market(marketID), fn)
}

// OnTrade registers fn for trades in a single market.
func (r *Router) OnTrade(marketID string, fn func(domain.NewTrade)) func() {
	return r.On(Market(marketID), func(ev domain.Event) {
		if t, ok := ev.(domain.NewTrade); ok {
			fn(t)
		}
	})
}

// OnGlobalTrades registers fn for trades in every market.
func (r *Router) OnGlobalTrades(fn func(domain.NewTrade)) func() {
	return r.On(GlobalTrades, func(ev domain.Event) {
		if t, ok := ev.(domain.NewTrade); ok {
			fn(t)
		}
	})
}

// OnPersonalOrders registers fn for fills and cancellations of the user's
// own orders.
func (r *Router) OnPersonalOrders(fn Handler) func() {
	return r.On(PersonalOrders, fn)
}

// OnBalance registers fn for balance changes.
func (r *Router) OnBalance(fn func(domain.BalanceUpdated)) func() {
	return r.On(BalanceUpdates, func(ev domain.Event) {
		if b, ok := ev.(domain.BalanceUpdated); ok {
			fn(b)
		}
	})
}

// OnMarketUpdates registers fn for market updates in every market.
func (r *Router) OnMarketUpdates(fn func(domain.MarketUpdate)) func() {
	return r.On(GlobalMarketUpdates, func(ev domain.Event) {
		if u, ok := ev.(domain.MarketUpdate); ok {
			fn(u)
		}
	})
}

// HandleFrame decodes a raw frame and dispatches it. Frames that cannot be
// decoded are logged and dropped.
func (r *Router) HandleFrame(frame []byte) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		r.dropped.Add(1)
		level := slog.LevelWarn
		if errors.Is(err, domain.ErrUnknownEvent) {
			level = slog.LevelDebug
		}
		r.logger.Log(context.Background(), level, "dropping frame",
			slog.String("error", err.Error()),
			slog.Int("bytes", len(frame)),
		)
		return
	}
	r.Dispatch(ev)
}

// Dispatch delivers an already decoded event.
func (r *Router) Dispatch(ev domain.Event) {
	r.dispatched.Add(1)
	for _, reg := range r.targets(ev) {
		if reg.removed.Load() {
			continue
		}
		r.invoke(reg, ev)
	}
}

func (r *Router) invoke(reg *registration, ev domain.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				slog.String("scope", string(reg.scope)),
				slog.String("kind", string(ev.Kind())),
				slog.Any("panic", p),
			)
		}
	}()
	reg.fn(ev)
}

// targets snapshots the registrations an event goes to, in the order they
// must be invoked.
func (r *Router) targets(ev domain.Event) []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind() {
	case domain.KindMyOrderFilled, domain.KindMyOrderCancelled:
		return r.byScope[PersonalOrders]
	case domain.KindBalanceUpdated:
		return r.byScope[BalanceUpdates]
	case domain.KindNewTrade:
		return concat(r.byScope[Market(ev.Market())], r.byScope[GlobalTrades])
	case domain.KindMarketUpdate:
		if ev.Market() == "" {
			return r.allLocked()
		}
		return concat(r.byScope[Market(ev.Market())], r.byScope[GlobalMarketUpdates])
	default:
		return r.byScope[Market(ev.Market())]
	}
}

// allLocked returns every live registration across all scopes in
// registration order.
func (r *Router) allLocked() []*registration {
	var out []*registration
	for _, regs := range r.byScope {
		out = append(out, regs...)
	}
	slices.SortFunc(out, func(a, b *registration) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func concat(a, b []*registration) []*registration {
	if len(b) == 0 {
		return a
	}
	if len(a) == 0 {
		return b
	}
	out := make([]*registration, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// SubscribeMarket asks the connection for a market's events.
func (r *Router) SubscribeMarket(marketID, userID string) error {
	if r.conn == nil {
		return domain.ErrNotConnected
	}
	return r.conn.SubscribeMarket(marketID, userID)
}

// SubscribeUser asks the connection for the user's personal events.
func (r *Router) SubscribeUser(userID string) error {
	if r.conn == nil {
		return domain.ErrNotConnected
	}
	return r.conn.SubscribeUser(userID)
}

// UnsubscribeMarket drops the market from the connection and removes every
// handler registered for it.
func (r *Router) UnsubscribeMarket(marketID string) {
	marketID = strings.TrimSpace(marketID)
	if r.conn != nil {
		r.conn.UnsubscribeMarket(marketID)
	}
	scope := Market(marketID)
	r.mu.Lock()
	for _, reg := range r.byScope[scope] {
		reg.removed.Store(true)
	}
	delete(r.byScope, scope)
	r.mu.Unlock()
}

// Stats reports handler counts per scope and frame counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	handlers := make(map[Scope]int, len(r.byScope))
	for scope, regs := range r.byScope {
		handlers[scope] = len(regs)
	}
	r.mu.Unlock()
	return Stats{
		Handlers:   handlers,
		Dispatched: r.dispatched.Load(),
		Dropped:    r.dropped.Load(),
	}
}
