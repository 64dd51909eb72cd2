package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/feed"
	"github.com/alanyoungcy/marketsync/internal/notify"
	"github.com/alanyoungcy/marketsync/internal/router"
	"github.com/alanyoungcy/marketsync/internal/server"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/server/ws"
	"github.com/alanyoungcy/marketsync/internal/stream"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// syncPipeline is the connection, router and the consumers attached to it.
type syncPipeline struct {
	conn   *stream.Connection
	router *router.Router
	feeder *feed.ChartFeeder
	relay  *feed.Relay // nil without a signal bus
}

// StreamMode keeps the market data in sync and publishes derived series and
// routed events to Redis.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode")

	g, ctx := errgroup.WithContext(ctx)
	if _, err := a.startSync(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// ServerMode runs the sync pipeline and serves it over HTTP and WebSocket.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	p, err := a.startSync(ctx, g, deps)
	if err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps, p)
	return g.Wait()
}

// startSync wires the upstream connection to the router, the chart feeder
// and the relay, then opens the connection. Markets are tracked before the
// connection opens so backfilled trades precede live ones.
func (a *App) startSync(ctx context.Context, g *errgroup.Group, deps *Dependencies) (*syncPipeline, error) {
	sc := a.cfg.Stream
	conn := stream.New(stream.Config{
		URL:                    sc.URL(),
		ReconnectDelay:         sc.ReconnectDelay.Duration,
		MaxReconnectDelay:      sc.MaxReconnectDelay.Duration,
		HandshakeTimeout:       sc.HandshakeTimeout.Duration,
		ReplayUserSubscription: sc.ReplayUserSubscription,
	}, nil, a.logger)
	rt := router.New(conn, a.logger)

	bus := deps.SignalBus
	var cache domain.SeriesCache
	if deps.SeriesCache != nil {
		cache = deps.SeriesCache
	}
	backfill := 0
	if a.cfg.Chart.Backfill {
		backfill = a.cfg.Chart.BackfillLimit
	}
	feeder := feed.NewChartFeeder(feed.ChartFeederConfig{
		Interval:      a.cfg.Chart.Interval.Duration,
		Lookback:      a.cfg.Chart.Lookback.Duration,
		Retention:     a.cfg.Chart.Retention.Duration,
		BackfillLimit: backfill,
	}, rt, deps.TradeHistory, cache, deps.PriceCache, bus, a.logger)

	for _, m := range sc.Markets {
		if err := feeder.Track(ctx, m); err != nil {
			conn.Close()
			return nil, fmt.Errorf("app: track market %q: %w", m, err)
		}
	}

	p := &syncPipeline{conn: conn, router: rt, feeder: feeder}
	if bus != nil {
		p.relay = feed.NewRelay(bus, deps.BookCache, a.logger)
		p.relay.Attach(rt, sc.Markets)
		conn.Observe(func(s stream.State) { p.relay.ObserveState(s) })
	}
	conn.Observe(func(s stream.State) {
		a.logger.Info("upstream connection state", slog.String("state", s.String()))
	})
	if alerter := a.newAlerter(); alerter != nil {
		conn.Observe(alerter.Observe)
		g.Go(func() error {
			return alerter.Run(ctx)
		})
	}

	for _, m := range sc.Markets {
		if err := rt.SubscribeMarket(m, sc.UserID); err != nil {
			conn.Close()
			return nil, fmt.Errorf("app: subscribe market %q: %w", m, err)
		}
	}
	if sc.UserID != "" {
		if sc.ReplayUserSubscription {
			if err := rt.SubscribeUser(sc.UserID); err != nil {
				conn.Close()
				return nil, fmt.Errorf("app: subscribe user: %w", err)
			}
		} else {
			// One-shot identity frames are re-sent after every connect.
			conn.Observe(func(s stream.State) {
				if s != stream.StateConnected {
					return
				}
				if err := rt.SubscribeUser(sc.UserID); err != nil && !errors.Is(err, domain.ErrNotConnected) {
					a.logger.Warn("subscribe user failed", slog.String("error", err.Error()))
				}
			})
		}
	}

	conn.Connect()
	a.logger.InfoContext(ctx, "upstream connecting",
		slog.String("url", sc.URL()),
		slog.Int("markets", len(sc.Markets)),
	)

	g.Go(func() error {
		return feeder.Run(ctx)
	})
	if p.relay != nil {
		g.Go(func() error {
			return p.relay.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		if p.relay != nil {
			p.relay.Detach()
		}
		if err := conn.Close(); err != nil {
			a.logger.Warn("close upstream connection", slog.String("error", err.Error()))
		}
		return nil
	})
	return p, nil
}

// newAlerter returns nil when no alert sender is configured.
func (a *App) newAlerter() *notify.ConnectivityAlerter {
	nc := a.cfg.Notify
	var senders []notify.Sender
	if nc.TelegramToken != "" && nc.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", nc.TelegramToken, nc.TelegramChatID))
	}
	if nc.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(nc.DiscordWebhookURL))
	}
	n := notify.NewNotifier(senders, nc.Events, a.logger)
	if !n.Enabled() {
		return nil
	}
	return notify.NewConnectivityAlerter(n, "marketsync upstream", nc.AlertAfter.Duration, a.logger)
}

// startHTTPServer registers the read API and the WebSocket hub and serves
// them until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *syncPipeline) {
	checks := map[string]handler.Pinger{}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis
	}
	if deps.Postgres != nil {
		checks["postgres"] = deps.Postgres
	}

	status := handler.StatusSources{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
		Conn:      p.conn,
		Router:    p.router,
		Markets:   p.feeder.Markets,
	}
	if p.relay != nil {
		status.Relay = p.relay
	}
	if deps.Redis != nil {
		status.Redis = deps.Redis
	}

	chartDeps := handler.ChartDeps{
		Source:   p.feeder,
		Books:    deps.BookCache,
		Prices:   deps.PriceCache,
		Interval: a.cfg.Chart.Interval.Duration,
	}
	if deps.SeriesCache != nil {
		chartDeps.Cache = deps.SeriesCache
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: a.startedAt,
			State:     func() string { return p.conn.State().String() },
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(checks, a.logger),
		Status: handler.NewStatusHandler(status),
		Chart:  handler.NewChartHandler(chartDeps, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
