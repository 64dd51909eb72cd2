// Package config defines the top-level configuration for the market-data
// sync daemon and provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSYNC_* environment variables.
type Config struct {
	Stream   StreamConfig   `toml:"stream"`
	Chart    ChartConfig    `toml:"chart"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// StreamConfig holds the event-stream endpoint and connection behaviour.
type StreamConfig struct {
	// Env selects which endpoint URL is dialled: "local" or "production".
	Env               string   `toml:"env"`
	LocalURL          string   `toml:"local_url"`
	ProductionURL     string   `toml:"production_url"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	MaxReconnectDelay duration `toml:"max_reconnect_delay"`
	HandshakeTimeout  duration `toml:"handshake_timeout"`
	// UserID, when set, is subscribed to the personal channel after connect.
	UserID string `toml:"user_id"`
	// Markets are subscribed at startup and charted by the feed.
	Markets                []string `toml:"markets"`
	ReplayUserSubscription bool     `toml:"replay_user_subscription"`
}

// URL returns the endpoint for the configured environment.
func (s StreamConfig) URL() string {
	if strings.EqualFold(s.Env, EnvProduction) {
		return s.ProductionURL
	}
	return s.LocalURL
}

// Stream environments.
const (
	EnvLocal      = "local"
	EnvProduction = "production"
)

// ChartConfig holds the live chart window maintained per market.
type ChartConfig struct {
	Interval  duration `toml:"interval"`
	Lookback  duration `toml:"lookback"`
	Retention duration `toml:"retention"`
	// Backfill seeds each market's series from trade history before going live.
	Backfill      bool     `toml:"backfill"`
	BackfillLimit int      `toml:"backfill_limit"`
	CacheTTL      duration `toml:"cache_ttl"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// PostgresConfig holds connection parameters for the trade-history database.
type PostgresConfig struct {
	Enabled      bool   `toml:"enabled"`
	DSN          string `toml:"dsn"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Database     string `toml:"database"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	SSLMode      string `toml:"ssl_mode"`
	PoolMaxConns int    `toml:"pool_max_conns"`
	PoolMinConns int    `toml:"pool_min_conns"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. RateLimit is the per-client
// request budget per RateWindow, enforced through Redis; zero disables it.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds the chat webhooks that receive connectivity alerts.
// Alerts are disabled when no sender is configured.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	AlertAfter        duration `toml:"alert_after"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Stream: StreamConfig{
			Env:              EnvLocal,
			LocalURL:         "ws://localhost:4000/ws",
			ProductionURL:    "wss://api.marketsync.example/ws",
			ReconnectDelay:   duration{5 * time.Second},
			HandshakeTimeout: duration{15 * time.Second},
		},
		Chart: ChartConfig{
			Interval:      duration{time.Minute},
			Lookback:      duration{24 * time.Hour},
			Retention:     duration{7 * 24 * time.Hour},
			Backfill:      false,
			BackfillLimit: 5000,
			CacheTTL:      duration{10 * time.Minute},
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Postgres: PostgresConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "postgres",
			User:         "postgres",
			SSLMode:      "disable",
			PoolMaxConns: 10,
			PoolMinConns: 2,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			AlertAfter: duration{time.Minute},
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"stream": true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: stream, server)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Stream
	switch strings.ToLower(c.Stream.Env) {
	case EnvLocal, EnvProduction:
		if err := validateWSURL(c.Stream.URL()); err != nil {
			errs = append(errs, fmt.Sprintf("stream: %s url: %v", strings.ToLower(c.Stream.Env), err))
		}
	default:
		errs = append(errs, fmt.Sprintf("stream: unknown env %q (valid: local, production)", c.Stream.Env))
	}
	if c.Stream.ReconnectDelay.Duration <= 0 {
		errs = append(errs, "stream: reconnect_delay must be > 0")
	}
	if c.Stream.MaxReconnectDelay.Duration < 0 {
		errs = append(errs, "stream: max_reconnect_delay must be >= 0")
	}
	if c.Stream.HandshakeTimeout.Duration < 0 {
		errs = append(errs, "stream: handshake_timeout must be >= 0")
	}
	for _, m := range c.Stream.Markets {
		if strings.TrimSpace(m) == "" {
			errs = append(errs, "stream: markets must not contain empty ids")
			break
		}
	}

	// Chart
	if c.Chart.Interval.Duration <= 0 {
		errs = append(errs, "chart: interval must be > 0")
	}
	if c.Chart.Lookback.Duration < 0 {
		errs = append(errs, "chart: lookback must be >= 0")
	}
	if c.Chart.Retention.Duration > 0 && c.Chart.Retention.Duration < c.Chart.Lookback.Duration {
		errs = append(errs, "chart: retention must not be shorter than lookback")
	}
	if c.Chart.Backfill {
		if !c.Postgres.Enabled {
			errs = append(errs, "chart: backfill requires postgres.enabled")
		}
		if c.Chart.BackfillLimit < 1 {
			errs = append(errs, "chart: backfill_limit must be >= 1 when backfill is enabled")
		}
	}

	// Redis
	if mode == "stream" && !c.Redis.Enabled {
		errs = append(errs, "redis: must be enabled for mode stream")
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Server
	if mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must not be negative")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if u := c.Notify.DiscordWebhookURL; u != "" && !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
		errs = append(errs, fmt.Sprintf("notify: discord_webhook_url must be an http(s) URL, got %q", u))
	}
	if c.Notify.AlertAfter.Duration < 0 {
		errs = append(errs, "notify: alert_after must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateWSURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
