package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	trades map[string][]domain.Trade
	err    error
	opts   []domain.ListOpts
}

func (h *fakeHistory) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	h.opts = append(h.opts, opts)
	if h.err != nil {
		return nil, h.err
	}
	return h.trades[marketID], nil
}

type fakeSeriesCache struct {
	mu      sync.Mutex
	candles map[string][]domain.Candle
	volumes map[string][]domain.VolumeBucket
	prices  map[string]float64
}

func newFakeSeriesCache() *fakeSeriesCache {
	return &fakeSeriesCache{
		candles: map[string][]domain.Candle{},
		volumes: map[string][]domain.VolumeBucket{},
		prices:  map[string]float64{},
	}
}

func (c *fakeSeriesCache) SetCandles(_ context.Context, marketID string, _ time.Duration, candles []domain.Candle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candles[marketID] = candles
	return nil
}

func (c *fakeSeriesCache) GetCandles(_ context.Context, marketID string, _ time.Duration) ([]domain.Candle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.candles[marketID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return out, nil
}

func (c *fakeSeriesCache) SetVolumes(_ context.Context, marketID string, _ time.Duration, buckets []domain.VolumeBucket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volumes[marketID] = buckets
	return nil
}

func (c *fakeSeriesCache) SetPrice(_ context.Context, marketID string, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[marketID] = price
	return nil
}

func (c *fakeSeriesCache) GetPrice(_ context.Context, marketID string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[marketID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Time{}, nil
}

func (c *fakeSeriesCache) candleCount(marketID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candles[marketID])
}

type published struct {
	channel string
	payload string
}

type fakeBus struct {
	mu        sync.Mutex
	published []published
	streams   map[string][]string
	failNext  bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{streams: map[string][]string{}}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errors.New("publish failed")
	}
	b.published = append(b.published, published{channel, string(payload)})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], string(payload))
	return nil
}

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *fakeBus) on(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, p := range b.published {
		if p.channel == channel {
			out = append(out, p.payload)
		}
	}
	return out
}

func (b *fakeBus) stream(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.streams[name]...)
}

type fakeBooks struct {
	mu    sync.Mutex
	books map[string]domain.Orderbook
}

func (f *fakeBooks) SetBook(_ context.Context, book domain.Orderbook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.books == nil {
		f.books = map[string]domain.Orderbook{}
	}
	f.books[book.MarketID] = book
	return nil
}

func (f *fakeBooks) GetBook(_ context.Context, marketID string) (domain.Orderbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[marketID]
	if !ok {
		return domain.Orderbook{}, domain.ErrNotFound
	}
	return b, nil
}

// blockingHistory holds ListByMarket until release is closed.
type blockingHistory struct {
	started chan struct{}
	release chan struct{}
}

func (h *blockingHistory) ListByMarket(ctx context.Context, _ string, _ domain.ListOpts) ([]domain.Trade, error) {
	close(h.started)
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return nil, nil
}

// upstreamConn records the outbound intents a router forwards.
type upstreamConn struct {
	mu           sync.Mutex
	unsubscribed []string
}

func (c *upstreamConn) OnFrame(stream.FrameHandler) {}

func (c *upstreamConn) SubscribeMarket(string, string) error { return nil }

func (c *upstreamConn) SubscribeUser(string) error { return nil }

func (c *upstreamConn) UnsubscribeMarket(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, marketID)
}
