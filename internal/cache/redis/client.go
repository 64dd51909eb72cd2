// Package redis implements domain cache and signal-bus interfaces using
// go-redis/v9.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds connection parameters for the Redis client.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
	// KeyPrefix namespaces every cache key so several deployments can share
	// one database. Pub/sub channels are not prefixed.
	KeyPrefix string
}

// Client wraps a go-redis Client and provides connectivity helpers.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New creates a new Redis Client, pings it to verify connectivity, and returns
// the wrapper. It returns an error if the connection cannot be established.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	rdb := redis.NewClient(opts)

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

// Wrap adopts an existing go-redis client without pinging it.
func Wrap(rdb *redis.Client, keyPrefix string) *Client {
	return &Client{rdb: rdb, prefix: keyPrefix}
}

// key joins parts with ':' under the client's prefix.
func (c *Client) key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// PoolStats reports connection-pool counters for status output.
func (c *Client) PoolStats() PoolStats {
	st := c.rdb.PoolStats()
	return PoolStats{
		Hits:       st.Hits,
		Misses:     st.Misses,
		Timeouts:   st.Timeouts,
		TotalConns: st.TotalConns,
		IdleConns:  st.IdleConns,
	}
}

// PoolStats is a JSON-friendly copy of the driver's pool statistics.
type PoolStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"totalConns"`
	IdleConns  uint32 `json:"idleConns"`
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw *redis.Client for sub-packages that need direct
// access to the driver.
func (c *Client) Underlying() *redis.Client {
	return c.rdb
}
