package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETSYNC_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Stream ──
	setStr(&cfg.Stream.Env, "MARKETSYNC_STREAM_ENV")
	setStr(&cfg.Stream.LocalURL, "MARKETSYNC_STREAM_LOCAL_URL")
	setStr(&cfg.Stream.ProductionURL, "MARKETSYNC_STREAM_PRODUCTION_URL")
	setDuration(&cfg.Stream.ReconnectDelay, "MARKETSYNC_STREAM_RECONNECT_DELAY")
	setDuration(&cfg.Stream.MaxReconnectDelay, "MARKETSYNC_STREAM_MAX_RECONNECT_DELAY")
	setDuration(&cfg.Stream.HandshakeTimeout, "MARKETSYNC_STREAM_HANDSHAKE_TIMEOUT")
	setStr(&cfg.Stream.UserID, "MARKETSYNC_STREAM_USER_ID")
	setStringSlice(&cfg.Stream.Markets, "MARKETSYNC_STREAM_MARKETS")
	setBool(&cfg.Stream.ReplayUserSubscription, "MARKETSYNC_STREAM_REPLAY_USER_SUBSCRIPTION")

	// ── Chart ──
	setDuration(&cfg.Chart.Interval, "MARKETSYNC_CHART_INTERVAL")
	setDuration(&cfg.Chart.Lookback, "MARKETSYNC_CHART_LOOKBACK")
	setDuration(&cfg.Chart.Retention, "MARKETSYNC_CHART_RETENTION")
	setBool(&cfg.Chart.Backfill, "MARKETSYNC_CHART_BACKFILL")
	setInt(&cfg.Chart.BackfillLimit, "MARKETSYNC_CHART_BACKFILL_LIMIT")
	setDuration(&cfg.Chart.CacheTTL, "MARKETSYNC_CHART_CACHE_TTL")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETSYNC_REDIS_TLS_ENABLED")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MARKETSYNC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARKETSYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARKETSYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETSYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETSYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETSYNC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETSYNC_POSTGRES_POOL_MIN_CONNS")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKETSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETSYNC_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MARKETSYNC_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARKETSYNC_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETSYNC_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.AlertAfter, "MARKETSYNC_NOTIFY_ALERT_AFTER")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETSYNC_MODE")
	setStr(&cfg.LogLevel, "MARKETSYNC_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
