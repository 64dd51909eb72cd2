package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.Stream.ReconnectDelay.Duration)
	assert.Equal(t, "ws://localhost:4000/ws", cfg.Stream.URL())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "stream"

[stream]
env = "production"
production_url = "wss://events.example.com/ws"
reconnect_delay = "2s"
markets = ["m1", "m2"]
user_id = "u1"

[chart]
interval = "5m"
lookback = "6h"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "stream", cfg.Mode)
	assert.Equal(t, "wss://events.example.com/ws", cfg.Stream.URL())
	assert.Equal(t, 2*time.Second, cfg.Stream.ReconnectDelay.Duration)
	assert.Equal(t, []string{"m1", "m2"}, cfg.Stream.Markets)
	assert.Equal(t, 5*time.Minute, cfg.Chart.Interval.Duration)
	assert.Equal(t, 6*time.Hour, cfg.Chart.Lookback.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Stream.HandshakeTimeout.Duration)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[stream]
reconnect_delay = "soon"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETSYNC_STREAM_ENV", "production")
	t.Setenv("MARKETSYNC_STREAM_PRODUCTION_URL", "wss://prod.example.com/ws")
	t.Setenv("MARKETSYNC_STREAM_MARKETS", " a, b ,,c ")
	t.Setenv("MARKETSYNC_STREAM_RECONNECT_DELAY", "750ms")
	t.Setenv("MARKETSYNC_REDIS_POOL_SIZE", "7")
	t.Setenv("MARKETSYNC_REDIS_ENABLED", "false")
	t.Setenv("MARKETSYNC_SERVER_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wss://prod.example.com/ws", cfg.Stream.URL())
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Stream.Markets)
	assert.Equal(t, 750*time.Millisecond, cfg.Stream.ReconnectDelay.Duration)
	assert.Equal(t, 7, cfg.Redis.PoolSize)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 8000, cfg.Server.Port, "unparseable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "verbose"
	cfg.Stream.Env = "staging"
	cfg.Stream.ReconnectDelay.Duration = 0
	cfg.Chart.Interval.Duration = 0
	cfg.Chart.Backfill = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "config validation failed")
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown log_level "verbose"`)
	assert.Contains(t, msg, `unknown env "staging"`)
	assert.Contains(t, msg, "reconnect_delay must be > 0")
	assert.Contains(t, msg, "interval must be > 0")
	assert.Contains(t, msg, "backfill requires postgres.enabled")
}

func TestValidateStreamURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{"ws ok", "ws://localhost:1/ws", ""},
		{"wss ok", "wss://host/ws", ""},
		{"empty", "", "must not be empty"},
		{"http scheme", "http://host/ws", "scheme must be ws or wss"},
		{"no host", "ws:///ws", "missing host"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Stream.LocalURL = tc.url
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestStreamModeNeedsRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "stream"
	cfg.Redis.Enabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: must be enabled for mode stream")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Redis.Password = "hunter2"
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Stream.Markets = []string{"m1"}
	cfg.Notify.TelegramToken = "123:abc"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Redis.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Empty(t, out.Postgres.Password, "empty secrets stay empty")

	out.Stream.Markets[0] = "changed"
	assert.Equal(t, "m1", cfg.Stream.Markets[0])
	assert.Equal(t, "hunter2", cfg.Redis.Password)
}

func TestServerRateLimit(t *testing.T) {
	t.Setenv("MARKETSYNC_SERVER_RATE_LIMIT", "30")
	t.Setenv("MARKETSYNC_SERVER_RATE_WINDOW", "10s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Server.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Server.RateWindow.Duration)

	cfg.Server.RateWindow.Duration = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_window must be positive")

	cfg.Server.RateLimit = 0
	assert.NoError(t, cfg.Validate(), "a zero limit disables the window check")
}

func TestNotifyValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.TelegramToken = "123:abc"
	cfg.Notify.DiscordWebhookURL = "discord.example/hook"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram_token and telegram_chat_id must be set together")
	assert.Contains(t, err.Error(), "discord_webhook_url must be an http(s) URL")

	cfg.Notify.TelegramChatID = "42"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
	assert.NoError(t, cfg.Validate())
}
