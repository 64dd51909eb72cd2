// Package feed connects routed stream events to the derived-data consumers:
// the chart windows and the Redis signal bus.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/protocol"
	"github.com/alanyoungcy/marketsync/internal/router"
)

// relayQueueSize bounds events waiting to be published.
const relayQueueSize = 1024

// EventSource is the subset of *router.Router the relay subscribes through.
type EventSource interface {
	OnMarket(marketID string, fn router.Handler) func()
	OnGlobalTrades(fn func(domain.NewTrade)) func()
	OnMarketUpdates(fn func(domain.MarketUpdate)) func()
	OnPersonalOrders(fn router.Handler) func()
	OnBalance(fn func(domain.BalanceUpdated)) func()
}

type outbound struct {
	channel string
	payload []byte
	stream  string // also appended to this durable stream when set
	book    *domain.Orderbook
}

// Relay republishes routed events on the signal bus so processes without
// their own stream connection (the WebSocket hub, other services) can follow
// them. Trades are also appended to the durable trade stream and order books
// are written to the book cache. books may be nil.
//
// Handlers only enqueue; Run does the network I/O. When the queue is full
// new events are dropped and counted.
type Relay struct {
	bus    domain.SignalBus
	books  domain.BookCache
	logger *slog.Logger

	queue   chan outbound
	dropped atomic.Uint64

	mu      sync.Mutex
	detachs []func()
}

// NewRelay creates a Relay.
func NewRelay(bus domain.SignalBus, books domain.BookCache, logger *slog.Logger) *Relay {
	return &Relay{
		bus:    bus,
		books:  books,
		logger: logger.With(slog.String("component", "relay")),
		queue:  make(chan outbound, relayQueueSize),
	}
}

// Attach subscribes the relay to the global and personal scopes of src and
// to the book updates of each given market.
func (r *Relay) Attach(src EventSource, markets []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detachs = append(r.detachs,
		src.OnGlobalTrades(func(ev domain.NewTrade) {
			r.enqueue(domain.ChannelTrades, ev, domain.StreamTrades)
		}),
		src.OnMarketUpdates(func(ev domain.MarketUpdate) {
			r.enqueue(domain.ChannelMarketUpdates, ev, "")
		}),
		src.OnPersonalOrders(func(ev domain.Event) {
			// Untargeted market updates reach every scope; they are
			// already relayed on the market updates channel.
			switch ev.(type) {
			case domain.MyOrderFilled, domain.MyOrderCancelled:
				r.enqueue(domain.ChannelPersonal, ev, "")
			}
		}),
		src.OnBalance(func(ev domain.BalanceUpdated) {
			r.enqueue(domain.ChannelPersonal, ev, "")
		}),
	)
	for _, m := range markets {
		r.detachs = append(r.detachs, src.OnMarket(m, func(ev domain.Event) {
			if _, ok := ev.(domain.OrderBookUpdate); ok {
				r.enqueue(domain.ChannelBooks, ev, "")
			}
		}))
	}
}

// Detach removes every handler registered by Attach.
func (r *Relay) Detach() {
	r.mu.Lock()
	detachs := r.detachs
	r.detachs = nil
	r.mu.Unlock()
	for _, d := range detachs {
		d()
	}
}

// ObserveState is a connection observer that publishes connectivity changes.
func (r *Relay) ObserveState(state fmt.Stringer) {
	payload, err := json.Marshal(domain.StatusSignal{State: state.String(), Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}
	r.push(outbound{channel: domain.ChannelStatus, payload: payload})
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Relay) enqueue(channel string, ev domain.Event, stream string) {
	payload, err := protocol.Marshal(ev)
	if err != nil {
		r.logger.Warn("marshal event failed",
			slog.String("kind", string(ev.Kind())),
			slog.String("error", err.Error()),
		)
		return
	}
	out := outbound{channel: channel, payload: payload, stream: stream}
	if b, ok := ev.(domain.OrderBookUpdate); ok {
		book := b.Book
		book.MarketID = b.MarketID
		out.book = &book
	}
	r.push(out)
}

func (r *Relay) push(out outbound) {
	select {
	case r.queue <- out:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("relay queue full, dropping events",
				slog.String("channel", out.channel),
				slog.Uint64("dropped_total", n),
			)
		}
	}
}

// Run publishes queued events until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started")
	defer r.logger.Info("relay stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-r.queue:
			if err := r.deliver(ctx, out); err != nil && ctx.Err() == nil {
				r.logger.Warn("relay publish failed",
					slog.String("channel", out.channel),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (r *Relay) deliver(ctx context.Context, out outbound) error {
	if out.book != nil && r.books != nil {
		if err := r.books.SetBook(ctx, *out.book); err != nil {
			return err
		}
	}
	if err := r.bus.Publish(ctx, out.channel, out.payload); err != nil {
		return err
	}
	if out.stream != "" {
		if err := r.bus.StreamAppend(ctx, out.stream, out.payload); err != nil {
			return err
		}
	}
	return nil
}

// publishJSON marshals v and publishes it on bus.
func publishJSON(ctx context.Context, bus domain.SignalBus, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("feed: marshal for %s: %w", channel, err)
	}
	return bus.Publish(ctx, channel, payload)
}
