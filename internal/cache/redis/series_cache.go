package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultSeriesTTL bounds how long a derived series survives without being
// refreshed by a live feed.
const DefaultSeriesTTL = 10 * time.Minute

// SeriesCache implements domain.SeriesCache and domain.PriceCache.
//
// Key schema:
//
//	chart:{marketID}:{interval}:candles - JSON array of candles
//	chart:{marketID}:{interval}:volume  - JSON array of volume buckets
//	price:{marketID}                    - hash with fields "price" and "ts"
//
// The interval segment is the bucket width in seconds.
type SeriesCache struct {
	c   *Client
	ttl time.Duration
}

// NewSeriesCache creates a SeriesCache backed by the given Client. A
// non-positive ttl selects DefaultSeriesTTL.
func NewSeriesCache(c *Client, ttl time.Duration) *SeriesCache {
	if ttl <= 0 {
		ttl = DefaultSeriesTTL
	}
	return &SeriesCache{c: c, ttl: ttl}
}

func (sc *SeriesCache) seriesKey(marketID string, interval time.Duration, kind string) string {
	return sc.c.key("chart", marketID, strconv.FormatInt(int64(interval/time.Second), 10), kind)
}

func (sc *SeriesCache) priceKey(marketID string) string {
	return sc.c.key("price", marketID)
}

// SetCandles replaces the cached candle window for a market and interval.
func (sc *SeriesCache) SetCandles(ctx context.Context, marketID string, interval time.Duration, candles []domain.Candle) error {
	return sc.setJSON(ctx, sc.seriesKey(marketID, interval, "candles"), candles)
}

// GetCandles returns the cached candle window. It returns domain.ErrNotFound
// when nothing is cached.
func (sc *SeriesCache) GetCandles(ctx context.Context, marketID string, interval time.Duration) ([]domain.Candle, error) {
	var out []domain.Candle
	if err := sc.getJSON(ctx, sc.seriesKey(marketID, interval, "candles"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetVolumes replaces the cached volume window for a market and interval.
func (sc *SeriesCache) SetVolumes(ctx context.Context, marketID string, interval time.Duration, buckets []domain.VolumeBucket) error {
	return sc.setJSON(ctx, sc.seriesKey(marketID, interval, "volume"), buckets)
}

// GetVolumes returns the cached volume window. It returns domain.ErrNotFound
// when nothing is cached.
func (sc *SeriesCache) GetVolumes(ctx context.Context, marketID string, interval time.Duration) ([]domain.VolumeBucket, error) {
	var out []domain.VolumeBucket
	if err := sc.getJSON(ctx, sc.seriesKey(marketID, interval, "volume"), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (sc *SeriesCache) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: marshal %s: %w", key, err)
	}
	if err := sc.c.rdb.Set(ctx, key, data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (sc *SeriesCache) getJSON(ctx context.Context, key string, v any) error {
	data, err := sc.c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("redis: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetPrice stores the last traded price and its timestamp for a market.
func (sc *SeriesCache) SetPrice(ctx context.Context, marketID string, price float64, ts time.Time) error {
	key := sc.priceKey(marketID)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := sc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, sc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", marketID, err)
	}
	return nil
}

// GetPrice retrieves the last traded price and timestamp for a market.
// It returns domain.ErrNotFound when the key does not exist.
func (sc *SeriesCache) GetPrice(ctx context.Context, marketID string) (float64, time.Time, error) {
	vals, err := sc.c.rdb.HGetAll(ctx, sc.priceKey(marketID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", marketID, err)
	}
	return parsePriceHash(marketID, vals)
}

func parsePriceHash(marketID string, vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", marketID, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", marketID, err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// Compile-time interface checks.
var (
	_ domain.SeriesCache = (*SeriesCache)(nil)
	_ domain.PriceCache  = (*SeriesCache)(nil)
)
