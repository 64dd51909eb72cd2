package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/config"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/store/postgres"
)

// Dependencies bundles the external backends the modes run against. Every
// field is nil when its backend is disabled, so interface fields never hold
// typed nil pointers.
type Dependencies struct {
	Redis    *redis.Client
	Postgres *postgres.Client

	// Caches
	SeriesCache *redis.SeriesCache
	PriceCache  domain.PriceCache
	BookCache   domain.BookCache
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Stores
	TradeHistory domain.TradeHistory
}

// Wire constructs the enabled backends from cfg and returns them together
// with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (trade history backfill only) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		deps.Postgres = pgClient
		deps.TradeHistory = postgres.NewTradeStore(pgClient.Pool())
		logger.InfoContext(ctx, "postgres connected")
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		series := redis.NewSeriesCache(redisClient, cfg.Chart.CacheTTL.Duration)
		deps.Redis = redisClient
		deps.SeriesCache = series
		deps.PriceCache = series
		deps.BookCache = redis.NewBookCache(redisClient, cfg.Chart.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		logger.InfoContext(ctx, "redis connected", slog.String("addr", cfg.Redis.Addr))
	}

	return deps, cleanup, nil
}
