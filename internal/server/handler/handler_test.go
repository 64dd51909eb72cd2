package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/marketsync/internal/cache/redis"
	"github.com/alanyoungcy/marketsync/internal/chart"
	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/alanyoungcy/marketsync/internal/router"
	"github.com/alanyoungcy/marketsync/internal/stream"
)

var (
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
	t0    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

func trade(minute int, price float64) domain.Trade {
	return domain.Trade{
		ID:        fmt.Sprintf("t%d", minute),
		MarketID:  "m1",
		Outcome:   "yes",
		Price:     price,
		Quantity:  2,
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
	}
}

// fakeSource answers from a fixed trade list using the pure chart functions.
type fakeSource struct {
	trades map[string][]domain.Trade
	err    error
	last   chart.Params
}

func (s *fakeSource) get(id string) ([]domain.Trade, error) {
	if s.err != nil {
		return nil, s.err
	}
	ts, ok := s.trades[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return ts, nil
}

func (s *fakeSource) Candles(id string, p chart.Params) ([]domain.Candle, error) {
	s.last = p
	ts, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return chart.Candles(ts, p), nil
}

func (s *fakeSource) Volumes(id string, p chart.Params) ([]domain.VolumeBucket, error) {
	s.last = p
	ts, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return chart.Volumes(ts, p), nil
}

func (s *fakeSource) Sparkline(id string, p chart.Params) ([]domain.PricePoint, error) {
	s.last = p
	ts, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return chart.Sparkline(ts, p), nil
}

func (s *fakeSource) Markets() []string { return []string{"m1"} }

type fakeCache struct {
	candles map[string][]domain.Candle
}

func (c *fakeCache) GetCandles(_ context.Context, id string, _ time.Duration) ([]domain.Candle, error) {
	v, ok := c.candles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return v, nil
}

func (c *fakeCache) GetVolumes(context.Context, string, time.Duration) ([]domain.VolumeBucket, error) {
	return nil, domain.ErrNotFound
}

type fakeBooks struct{ book domain.Orderbook }

func (f *fakeBooks) SetBook(context.Context, domain.Orderbook) error { return nil }

func (f *fakeBooks) GetBook(_ context.Context, id string) (domain.Orderbook, error) {
	if id != f.book.MarketID {
		return domain.Orderbook{}, domain.ErrNotFound
	}
	return f.book, nil
}

type fakePrices struct{ err error }

func (f *fakePrices) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (f *fakePrices) GetPrice(_ context.Context, id string) (float64, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	if id != "m1" {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return 0.42, t0, nil
}

func newChartMux(h *ChartHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", h.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}/candles", h.GetCandles)
	mux.HandleFunc("GET /api/markets/{id}/volume", h.GetVolume)
	mux.HandleFunc("GET /api/markets/{id}/sparkline", h.GetSparkline)
	mux.HandleFunc("GET /api/markets/{id}/book", h.GetBook)
	mux.HandleFunc("GET /api/markets/{id}/price", h.GetPrice)
	return mux
}

func get(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestChartEndpoints(t *testing.T) {
	src := &fakeSource{trades: map[string][]domain.Trade{
		"m1":    {trade(0, 0.4), trade(1, 0.5), trade(2, 0.6)},
		"quiet": nil,
	}}
	mux := newChartMux(NewChartHandler(ChartDeps{Source: src}, quiet))

	rec, body := get(t, mux, "/api/markets/m1/candles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m1", body["market_id"])
	assert.Equal(t, "1m0s", body["interval"])
	assert.Equal(t, "live", body["source"])
	assert.Equal(t, false, body["insufficient_data"])
	assert.Len(t, body["data"], 3)

	rec, body = get(t, mux, "/api/markets/m1/volume?interval=1h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1h0m0s", body["interval"])
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.InDelta(t, 3.0, data[0].(map[string]any)["total"], 1e-9)

	rec, body = get(t, mux, "/api/markets/m1/sparkline?lookback=1m")
	require.Equal(t, http.StatusOK, rec.Code)
	points := body["data"].([]any)
	require.Len(t, points, 2)
	assert.InDelta(t, 0.6, points[1].(map[string]any)["price"], 1e-9)
}

func TestChartQueryParams(t *testing.T) {
	src := &fakeSource{trades: map[string][]domain.Trade{"m1": {trade(0, 0.4)}}}
	mux := newChartMux(NewChartHandler(ChartDeps{Source: src}, quiet))

	rec, _ := get(t, mux, "/api/markets/m1/candles?interval=5m&lookback=2h&outcome=YES&end=2024-01-01T03:00:00Z")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, chart.Params{
		Interval: 5 * time.Minute,
		Lookback: 2 * time.Hour,
		End:      t0.Add(3 * time.Hour),
		Outcome:  "yes",
	}, src.last)

	rec, _ = get(t, mux, "/api/markets/m1/candles?end=1704067200")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, src.last.End.Equal(t0))

	for _, q := range []string{"interval=soon", "interval=-1m", "lookback=-1h", "end=yesterday", "interval=1s&lookback=100000h"} {
		rec, body := get(t, mux, "/api/markets/m1/candles?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestChartEmptySeriesIsFlagged(t *testing.T) {
	src := &fakeSource{trades: map[string][]domain.Trade{"quiet": nil}}
	mux := newChartMux(NewChartHandler(ChartDeps{Source: src}, quiet))

	rec, body := get(t, mux, "/api/markets/quiet/candles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["insufficient_data"])
	assert.Equal(t, []any{}, body["data"])
}

func TestChartUnknownMarket(t *testing.T) {
	mux := newChartMux(NewChartHandler(ChartDeps{Source: &fakeSource{}}, quiet))

	rec, body := get(t, mux, "/api/markets/nope/candles")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "market not tracked", body["error"])
}

func TestChartSourceFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	mux := newChartMux(NewChartHandler(ChartDeps{Source: src}, quiet))

	rec, _ := get(t, mux, "/api/markets/m1/candles")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestChartCacheFallback(t *testing.T) {
	cache := &fakeCache{candles: map[string][]domain.Candle{
		"remote": {{Start: t0, Open: 0.3, High: 0.5, Low: 0.3, Close: 0.5, Trades: 2}},
	}}
	mux := newChartMux(NewChartHandler(ChartDeps{Source: &fakeSource{}, Cache: cache}, quiet))

	rec, body := get(t, mux, "/api/markets/remote/candles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", body["source"])
	assert.Len(t, body["data"], 1)

	rec, body = get(t, mux, "/api/markets/remote/sparkline")
	require.Equal(t, http.StatusOK, rec.Code)
	points := body["data"].([]any)
	require.Len(t, points, 1)
	assert.InDelta(t, 0.5, points[0].(map[string]any)["price"], 1e-9)

	rec, _ = get(t, mux, "/api/markets/remote/candles?interval=5m")
	assert.Equal(t, http.StatusNotFound, rec.Code, "the cache only holds the live interval")

	rec, _ = get(t, mux, "/api/markets/remote/candles?outcome=no")
	assert.Equal(t, http.StatusNotFound, rec.Code, "the cache holds every outcome combined")

	rec, _ = get(t, mux, "/api/markets/remote/volume")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChartWithoutSource(t *testing.T) {
	cache := &fakeCache{candles: map[string][]domain.Candle{"m1": {}}}
	mux := newChartMux(NewChartHandler(ChartDeps{Cache: cache}, quiet))

	rec, body := get(t, mux, "/api/markets/m1/candles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["insufficient_data"])

	rec, body = get(t, mux, "/api/markets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["markets"])
}

func TestBookAndPrice(t *testing.T) {
	books := &fakeBooks{book: domain.Orderbook{
		MarketID: "m1",
		Bids:     []domain.PriceLevel{{Price: 0.41, Size: 10}, {Price: 0.40, Size: 5}},
		Asks:     []domain.PriceLevel{{Price: 0.43, Size: 7}},
	}}
	mux := newChartMux(NewChartHandler(ChartDeps{Books: books, Prices: &fakePrices{}}, quiet))

	rec, body := get(t, mux, "/api/markets/m1/book")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.41, body["best_bid"], 1e-9)
	assert.InDelta(t, 0.43, body["best_ask"], 1e-9)

	rec, _ = get(t, mux, "/api/markets/m2/book")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = get(t, mux, "/api/markets/m1/price")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.42, body["price"], 1e-9)
	assert.Equal(t, "2024-01-01T00:00:00Z", body["timestamp"])

	rec, _ = get(t, mux, "/api/markets/m2/price")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBookAndPriceDisabled(t *testing.T) {
	mux := newChartMux(NewChartHandler(ChartDeps{}, quiet))

	rec, _ := get(t, mux, "/api/markets/m1/book")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = get(t, mux, "/api/markets/m1/price")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPriceFailure(t *testing.T) {
	mux := newChartMux(NewChartHandler(ChartDeps{Prices: &fakePrices{err: errors.New("redis down")}}, quiet))

	rec, _ := get(t, mux, "/api/markets/m1/price")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	h := NewHealthHandler(map[string]Pinger{"redis": ok, "postgres": nil}, quiet)
	rec, body := get(t, http.HandlerFunc(h.HealthCheck), "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok"}, body["dependencies"])

	h = NewHealthHandler(map[string]Pinger{"redis": ok, "postgres": down}, quiet)
	rec, body = get(t, http.HandlerFunc(h.HealthCheck), "/api/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "connection refused", body["dependencies"].(map[string]any)["postgres"])
}

type fakeConn struct{}

func (fakeConn) State() stream.State    { return stream.StateConnected }
func (fakeConn) ReconnectPending() bool { return false }
func (fakeConn) Subscriptions() []stream.Subscription {
	return []stream.Subscription{{MarketID: "m1"}, {MarketID: "m2", UserID: "u1"}}
}

type fakeStats struct{}

func (fakeStats) Stats() router.Stats {
	return router.Stats{
		Handlers:   map[router.Scope]int{router.Market("m1"): 2, router.GlobalTrades: 1},
		Dispatched: 10,
		Dropped:    1,
	}
}

type fakeRelay struct{}

func (fakeRelay) Dropped() uint64 { return 3 }

type fakePool struct{}

func (fakePool) PoolStats() rediscache.PoolStats { return rediscache.PoolStats{TotalConns: 4, IdleConns: 3} }

func TestStatus(t *testing.T) {
	h := NewStatusHandler(StatusSources{
		Mode:      "server",
		StartedAt: time.Now().Add(-time.Minute),
		Conn:      fakeConn{},
		Router:    fakeStats{},
		Relay:     fakeRelay{},
		Markets:   func() []string { return []string{"m1", "m2"} },
		Redis:     fakePool{},
	})
	rec, body := get(t, http.HandlerFunc(h.GetStatus), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "server", body["mode"])
	assert.GreaterOrEqual(t, body["uptime_seconds"], 59.0)
	conn := body["connection"].(map[string]any)
	assert.Equal(t, "connected", conn["state"])
	assert.Equal(t, false, conn["reconnect_pending"])
	assert.Equal(t, []any{
		map[string]any{"marketId": "m1"},
		map[string]any{"marketId": "m2", "userId": "u1"},
	}, conn["subscriptions"])
	rt := body["router"].(map[string]any)
	assert.Equal(t, map[string]any{"market:m1": 2.0, "@global:trades": 1.0}, rt["handlers"])
	assert.Equal(t, 10.0, rt["dispatched"])
	assert.Equal(t, 3.0, body["relay_dropped"])
	assert.Equal(t, []any{"m1", "m2"}, body["markets"])
	assert.Equal(t, 4.0, body["redis_pool"].(map[string]any)["totalConns"])
}

func TestStatusMinimal(t *testing.T) {
	h := NewStatusHandler(StatusSources{Mode: "stream"})
	rec, body := get(t, http.HandlerFunc(h.GetStatus), "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stream", body["mode"])
	assert.Equal(t, []any{}, body["markets"])
	assert.NotContains(t, body, "connection")
	assert.NotContains(t, body, "router")
	assert.NotContains(t, body, "redis_pool")
}
