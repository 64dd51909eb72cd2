package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/chart"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/router"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tr(id string, minute int, price, qty float64, outcome string) domain.Trade {
	return domain.Trade{
		ID: id, MarketID: "m1", Outcome: outcome, Price: price, Quantity: qty,
		Timestamp: base.Add(time.Duration(minute) * time.Minute),
	}
}

func newFeeder(t *testing.T, cfg ChartFeederConfig, history domain.TradeHistory) (*ChartFeeder, *router.Router, *fakeSeriesCache, *fakeBus) {
	t.Helper()
	r := router.New(nil, quietLogger())
	cache := newFakeSeriesCache()
	bus := newFakeBus()
	f := NewChartFeeder(cfg, r, history, cache, cache, bus, quietLogger())
	return f, r, cache, bus
}

func TestTrackBackfillsThenFollowsLiveTrades(t *testing.T) {
	history := &fakeHistory{trades: map[string][]domain.Trade{
		"m1": {tr("h1", 0, 0.40, 10, "yes"), tr("h2", 10, 0.55, 5, "no")},
	}}
	f, r, _, _ := newFeeder(t, ChartFeederConfig{Interval: time.Hour, BackfillLimit: 100}, history)

	require.NoError(t, f.Track(context.Background(), "m1"))
	r.Dispatch(domain.NewTrade{MarketID: "m1", Trade: tr("l1", 65, 0.50, 3, "yes")})
	r.Dispatch(domain.NewTrade{MarketID: "m2", Trade: tr("x", 70, 0.90, 1, "yes")})

	got, err := f.Candles("m1", chart.Params{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.Candle{Start: base, Open: 0.40, High: 0.55, Low: 0.40, Close: 0.55, YesVolume: 10, NoVolume: 5, Trades: 2}, got[0])
	assert.Equal(t, 0.50, got[1].Close)

	require.Len(t, history.opts, 1)
	assert.Equal(t, 100, history.opts[0].Limit)
	assert.Equal(t, []string{"m1"}, f.Markets())
}

func TestBackfillFailureStillGoesLive(t *testing.T) {
	history := &fakeHistory{err: errors.New("db down")}
	f, r, _, _ := newFeeder(t, ChartFeederConfig{Interval: time.Minute, BackfillLimit: 10}, history)

	require.NoError(t, f.Track(context.Background(), "m1"))
	r.Dispatch(domain.NewTrade{MarketID: "m1", Trade: tr("l1", 1, 0.5, 1, "yes")})

	got, err := f.Sparkline("m1", chart.Params{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTrackValidation(t *testing.T) {
	f, _, _, _ := newFeeder(t, ChartFeederConfig{}, nil)
	assert.ErrorIs(t, f.Track(context.Background(), " "), domain.ErrInvalidMarket)

	require.NoError(t, f.Track(context.Background(), "m1"))
	require.NoError(t, f.Track(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, f.Markets())
}

func TestQueriesForUnknownMarket(t *testing.T) {
	f, _, _, _ := newFeeder(t, ChartFeederConfig{}, nil)
	_, err := f.Candles("nope", chart.Params{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.Volumes("nope", chart.Params{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdHocQueriesMatchPureFunctions(t *testing.T) {
	f, r, _, _ := newFeeder(t, ChartFeederConfig{Interval: time.Minute}, nil)
	require.NoError(t, f.Track(context.Background(), "m1"))

	trades := []domain.Trade{
		tr("a", 0, 0.40, 10, "yes"),
		tr("b", 10, 0.55, 5, "no"),
		tr("c", 65, 0.50, 3, "yes"),
		{ID: "bad", MarketID: "m1", Price: 0.5, Quantity: 1}, // no timestamp
	}
	for _, trade := range trades {
		r.Dispatch(domain.NewTrade{MarketID: "m1", Trade: trade})
	}

	tests := []chart.Params{
		{Interval: time.Hour},
		{Interval: time.Hour, Outcome: "yes"},
		{Interval: 15 * time.Minute, Lookback: 30 * time.Minute},
		{},
	}
	for _, p := range tests {
		want := p
		if want.Interval == 0 {
			want.Interval = time.Minute
		}
		candles, err := f.Candles("m1", p)
		require.NoError(t, err)
		assert.Equal(t, chart.Candles(trades, want), candles)

		volumes, err := f.Volumes("m1", p)
		require.NoError(t, err)
		assert.Equal(t, chart.Volumes(trades, want), volumes)
	}
}

func TestUntrackDetachesFromSource(t *testing.T) {
	f, r, _, _ := newFeeder(t, ChartFeederConfig{}, nil)
	require.NoError(t, f.Track(context.Background(), "m1"))
	f.Untrack("m1")

	assert.Empty(t, f.Markets())
	assert.Empty(t, r.Stats().Handlers)
}

func TestUntrackDropsUpstreamSubscription(t *testing.T) {
	conn := &upstreamConn{}
	r := router.New(conn, quietLogger())
	f := NewChartFeeder(ChartFeederConfig{}, r, nil, nil, nil, nil, quietLogger())

	require.NoError(t, f.Track(context.Background(), "m1"))
	f.Untrack(" m1 ")
	f.Untrack("m1")

	assert.Equal(t, []string{"m1"}, conn.unsubscribed)
	assert.Empty(t, r.Stats().Handlers)
}

func TestUntrackDuringBackfillLeavesNoHandler(t *testing.T) {
	history := &blockingHistory{started: make(chan struct{}), release: make(chan struct{})}
	f, r, _, _ := newFeeder(t, ChartFeederConfig{BackfillLimit: 10}, history)

	done := make(chan error, 1)
	go func() { done <- f.Track(context.Background(), "m1") }()

	<-history.started
	f.Untrack("m1")
	close(history.release)
	require.NoError(t, <-done)

	assert.Empty(t, f.Markets())
	assert.Empty(t, r.Stats().Handlers)
}

func TestRunPublishesChangedWindows(t *testing.T) {
	f, r, cache, bus := newFeeder(t, ChartFeederConfig{Interval: time.Minute, Lookback: time.Hour}, nil)
	require.NoError(t, f.Track(context.Background(), "m1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	r.Dispatch(domain.NewTrade{MarketID: "m1", Trade: tr("a", 0, 0.40, 10, "yes")})
	r.Dispatch(domain.NewTrade{MarketID: "m1", Trade: tr("b", 2, 0.45, 1, "no")})

	require.Eventually(t, func() bool { return cache.candleCount("m1") == 2 }, waitFor, tick)
	require.Eventually(t, func() bool {
		msgs := bus.on(domain.ChannelCandles)
		if len(msgs) == 0 {
			return false
		}
		var sig domain.CandleSignal
		if err := json.Unmarshal([]byte(msgs[len(msgs)-1]), &sig); err != nil {
			return false
		}
		return sig.MarketID == "m1" && sig.Candle.Close == 0.45 && sig.Interval == "1m0s"
	}, waitFor, tick)

	price, _, err := cache.GetPrice(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 0.45, price)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestTradeBufferIsBounded(t *testing.T) {
	mc := &marketChart{series: chart.NewSeries(chart.SeriesConfig{})}
	for i := 0; i < 10; i++ {
		mc.trades = append(mc.trades, tr("x", i, 0.5, 1, "yes"))
	}
	mc.latest = base.Add(9 * time.Minute)

	mc.pruneLocked(3 * time.Minute)
	require.Len(t, mc.trades, 4)
	assert.Equal(t, base.Add(6*time.Minute), mc.trades[0].Timestamp)
}
