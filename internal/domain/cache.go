package domain

import (
	"context"
	"time"
)

// SeriesCache stores the latest derived chart series for a market so other
// processes can render without recomputing.
type SeriesCache interface {
	SetCandles(ctx context.Context, marketID string, interval time.Duration, candles []Candle) error
	GetCandles(ctx context.Context, marketID string, interval time.Duration) ([]Candle, error)
	SetVolumes(ctx context.Context, marketID string, interval time.Duration, buckets []VolumeBucket) error
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// BookCache keeps the most recent order book per market.
type BookCache interface {
	SetBook(ctx context.Context, book Orderbook) error
	GetBook(ctx context.Context, marketID string) (Orderbook, error)
}

// PriceCache keeps the last traded price per market.
type PriceCache interface {
	SetPrice(ctx context.Context, marketID string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, marketID string) (float64, time.Time, error)
}

// RateLimiter counts requests per key over a window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
