package feed

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/chart"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

// maxBufferedTrades caps the raw trades kept per market for ad-hoc queries.
const maxBufferedTrades = 50_000

// TradeSource delivers live trades for one market. *router.Router
// implements it.
type TradeSource interface {
	OnTrade(marketID string, fn func(domain.NewTrade)) (detach func())
	UnsubscribeMarket(marketID string)
}

// ChartFeederConfig configures the live chart windows.
type ChartFeederConfig struct {
	Interval  time.Duration
	Lookback  time.Duration
	Retention time.Duration
	// BackfillLimit is the maximum number of historical trades loaded per
	// market. Zero disables backfill.
	BackfillLimit int
}

// ChartFeeder maintains an incremental candle series and a bounded raw trade
// buffer per tracked market. Live trades come from a TradeSource; derived
// windows are pushed to the series cache, price cache and signal bus by Run.
// Any of history, cache, prices and bus may be nil.
type ChartFeeder struct {
	cfg     ChartFeederConfig
	src     TradeSource
	history domain.TradeHistory
	cache   domain.SeriesCache
	prices  domain.PriceCache
	bus     domain.SignalBus
	logger  *slog.Logger

	mu      sync.RWMutex
	markets map[string]*marketChart

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	wake    chan struct{}
}

type marketChart struct {
	series *chart.Series
	detach func() // guarded by ChartFeeder.mu

	mu     sync.RWMutex
	trades []domain.Trade // arrival order, pruned to the retention window
	latest time.Time
}

// NewChartFeeder creates a ChartFeeder.
func NewChartFeeder(
	cfg ChartFeederConfig,
	src TradeSource,
	history domain.TradeHistory,
	cache domain.SeriesCache,
	prices domain.PriceCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *ChartFeeder {
	if cfg.Interval <= 0 {
		cfg.Interval = chart.DefaultInterval
	}
	return &ChartFeeder{
		cfg:     cfg,
		src:     src,
		history: history,
		cache:   cache,
		prices:  prices,
		bus:     bus,
		logger:  logger.With(slog.String("component", "chart_feeder")),
		markets: make(map[string]*marketChart),
		dirty:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Track starts charting a market: it seeds the series from trade history when
// configured, then attaches to the live trade stream. Call it before the
// connection is opened so backfilled and live trades do not interleave.
// Tracking a market twice is a no-op.
func (f *ChartFeeder) Track(ctx context.Context, marketID string) error {
	marketID = strings.TrimSpace(marketID)
	if marketID == "" {
		return fmt.Errorf("feed: track: %w", domain.ErrInvalidMarket)
	}

	f.mu.Lock()
	if _, ok := f.markets[marketID]; ok {
		f.mu.Unlock()
		return nil
	}
	mc := &marketChart{
		series: chart.NewSeries(chart.SeriesConfig{
			Interval:  f.cfg.Interval,
			Retention: f.cfg.Retention,
		}),
	}
	f.markets[marketID] = mc
	f.mu.Unlock()

	if err := f.backfill(ctx, marketID, mc); err != nil {
		// A chart without history is still useful; keep going live.
		f.logger.Warn("backfill failed",
			slog.String("market", marketID),
			slog.String("error", err.Error()),
		)
	}

	detach := f.src.OnTrade(marketID, func(ev domain.NewTrade) {
		f.ingest(marketID, mc, ev.Trade)
	})
	f.mu.Lock()
	if f.markets[marketID] != mc {
		// Untracked during backfill.
		f.mu.Unlock()
		detach()
		return nil
	}
	mc.detach = detach
	f.mu.Unlock()

	f.markDirty(marketID)
	return nil
}

// Untrack stops charting a market, forgets its window and drops the
// market's upstream subscription.
func (f *ChartFeeder) Untrack(marketID string) {
	marketID = strings.TrimSpace(marketID)
	f.mu.Lock()
	mc, ok := f.markets[marketID]
	var detach func()
	if ok {
		detach = mc.detach
		delete(f.markets, marketID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	if detach != nil {
		detach()
	}
	f.src.UnsubscribeMarket(marketID)
}

// Markets returns the tracked market ids in sorted order.
func (f *ChartFeeder) Markets() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.markets))
	for id := range f.markets {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (f *ChartFeeder) backfill(ctx context.Context, marketID string, mc *marketChart) error {
	if f.history == nil || f.cfg.BackfillLimit <= 0 {
		return nil
	}
	opts := domain.ListOpts{Limit: f.cfg.BackfillLimit}
	if f.cfg.Retention > 0 {
		since := time.Now().Add(-f.cfg.Retention)
		opts.Since = &since
	}
	trades, err := f.history.ListByMarket(ctx, marketID, opts)
	if err != nil {
		return fmt.Errorf("feed: backfill %s: %w", marketID, err)
	}

	accepted := 0
	for _, t := range trades {
		if f.add(mc, t) {
			accepted++
		}
	}
	f.logger.Info("backfilled market",
		slog.String("market", marketID),
		slog.Int("loaded", len(trades)),
		slog.Int("accepted", accepted),
	)
	return nil
}

// ingest runs on the connection's read goroutine and must not block.
func (f *ChartFeeder) ingest(marketID string, mc *marketChart, t domain.Trade) {
	if t.MarketID == "" {
		t.MarketID = marketID
	}
	if !f.add(mc, t) {
		f.logger.Debug("trade excluded from chart",
			slog.String("market", marketID),
			slog.String("trade_id", t.ID),
		)
		return
	}
	f.markDirty(marketID)
}

func (f *ChartFeeder) add(mc *marketChart, t domain.Trade) bool {
	if !mc.series.Add(t) {
		return false
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.trades = append(mc.trades, t)
	if t.Timestamp.After(mc.latest) {
		mc.latest = t.Timestamp
	}
	keep := time.Duration(0)
	if f.cfg.Retention > 0 {
		// One extra bucket so the oldest retained series bucket stays whole.
		keep = f.cfg.Retention + f.cfg.Interval
	}
	mc.pruneLocked(keep)
	return true
}

// pruneLocked drops buffered trades older than keep behind the newest trade
// and enforces the hard cap.
func (mc *marketChart) pruneLocked(keep time.Duration) {
	cut := 0
	if keep > 0 {
		horizon := mc.latest.Add(-keep)
		for cut < len(mc.trades) && mc.trades[cut].Timestamp.Before(horizon) {
			cut++
		}
	}
	if over := len(mc.trades) - cut - maxBufferedTrades; over > 0 {
		cut += over
	}
	if cut == 0 {
		return
	}
	// Reallocate once the dead prefix dominates so the backing array can
	// shrink.
	if cut > len(mc.trades)/2 {
		mc.trades = append([]domain.Trade(nil), mc.trades[cut:]...)
		return
	}
	mc.trades = mc.trades[cut:]
}

func (mc *marketChart) snapshot() []domain.Trade {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return slices.Clone(mc.trades)
}

func (f *ChartFeeder) lookup(marketID string) (*marketChart, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	mc, ok := f.markets[marketID]
	if !ok {
		return nil, fmt.Errorf("feed: market %q: %w", marketID, domain.ErrNotFound)
	}
	return mc, nil
}

// normalize fills defaults and reports whether the live series can answer
// the query directly.
func (f *ChartFeeder) normalize(p chart.Params) (chart.Params, bool) {
	if p.Interval <= 0 {
		p.Interval = f.cfg.Interval
	}
	return p, p.Interval == f.cfg.Interval && p.Outcome == ""
}

// Candles returns OHLC candles for a tracked market. A zero Interval selects
// the live interval.
func (f *ChartFeeder) Candles(marketID string, p chart.Params) ([]domain.Candle, error) {
	mc, err := f.lookup(marketID)
	if err != nil {
		return nil, err
	}
	p, live := f.normalize(p)
	if live {
		return mc.series.Candles(p.Lookback, p.End), nil
	}
	return chart.Candles(mc.snapshot(), p), nil
}

// Volumes returns notional volume buckets for a tracked market.
func (f *ChartFeeder) Volumes(marketID string, p chart.Params) ([]domain.VolumeBucket, error) {
	mc, err := f.lookup(marketID)
	if err != nil {
		return nil, err
	}
	p, live := f.normalize(p)
	if live {
		return mc.series.Volumes(p.Lookback, p.End), nil
	}
	return chart.Volumes(mc.snapshot(), p), nil
}

// Sparkline returns closing prices for a tracked market.
func (f *ChartFeeder) Sparkline(marketID string, p chart.Params) ([]domain.PricePoint, error) {
	mc, err := f.lookup(marketID)
	if err != nil {
		return nil, err
	}
	p, live := f.normalize(p)
	if live {
		return mc.series.Sparkline(p.Lookback, p.End), nil
	}
	return chart.Sparkline(mc.snapshot(), p), nil
}

func (f *ChartFeeder) markDirty(marketID string) {
	f.dirtyMu.Lock()
	f.dirty[marketID] = struct{}{}
	f.dirtyMu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *ChartFeeder) takeDirty() []string {
	f.dirtyMu.Lock()
	defer f.dirtyMu.Unlock()
	out := make([]string, 0, len(f.dirty))
	for id := range f.dirty {
		out = append(out, id)
	}
	clear(f.dirty)
	slices.Sort(out)
	return out
}

// Run publishes changed windows until ctx is cancelled. Bursts of trades for
// the same market are coalesced into one publish.
func (f *ChartFeeder) Run(ctx context.Context) error {
	f.logger.Info("chart feeder started", slog.Int("markets", len(f.Markets())))
	defer f.logger.Info("chart feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
			for _, id := range f.takeDirty() {
				if err := f.publish(ctx, id); err != nil && ctx.Err() == nil {
					f.logger.Warn("publish chart window failed",
						slog.String("market", id),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (f *ChartFeeder) publish(ctx context.Context, marketID string) error {
	mc, err := f.lookup(marketID)
	if err != nil {
		return nil // untracked since it was marked
	}
	candles := mc.series.Candles(f.cfg.Lookback, time.Time{})
	if len(candles) == 0 {
		return nil
	}

	if f.cache != nil {
		if err := f.cache.SetCandles(ctx, marketID, f.cfg.Interval, candles); err != nil {
			return err
		}
		volumes := mc.series.Volumes(f.cfg.Lookback, time.Time{})
		if err := f.cache.SetVolumes(ctx, marketID, f.cfg.Interval, volumes); err != nil {
			return err
		}
	}

	last := candles[len(candles)-1]
	if f.prices != nil {
		if err := f.prices.SetPrice(ctx, marketID, last.Close, mc.series.Latest()); err != nil {
			return err
		}
	}
	if f.bus != nil {
		if err := publishJSON(ctx, f.bus, domain.ChannelCandles, domain.CandleSignal{
			MarketID: marketID,
			Interval: f.cfg.Interval.String(),
			Candle:   last,
		}); err != nil {
			return err
		}
	}
	return nil
}
