package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// RateLimiter implements domain.RateLimiter with fixed windows: one counter
// key per (key, window index), incremented and expired in a transaction.
type RateLimiter struct {
	c *Client
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c}
}

func (rl *RateLimiter) windowKey(key string, window time.Duration, now time.Time) string {
	idx := now.UnixNano() / int64(window)
	return rl.c.key("ratelimit", key, strconv.FormatInt(idx, 10))
}

// Allow counts one request for key and reports whether it is within limit
// for the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if window <= 0 || limit <= 0 {
		return true, nil
	}
	k := rl.windowKey(key, window, time.Now())

	pipe := rl.c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	return incr.Val() <= int64(limit), nil
}

// Compile-time interface check.
var _ domain.RateLimiter = (*RateLimiter)(nil)
