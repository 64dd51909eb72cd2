package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketsync/internal/chart"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ChartSource answers chart queries for tracked markets. *feed.ChartFeeder
// implements it.
type ChartSource interface {
	Candles(marketID string, p chart.Params) ([]domain.Candle, error)
	Volumes(marketID string, p chart.Params) ([]domain.VolumeBucket, error)
	Sparkline(marketID string, p chart.Params) ([]domain.PricePoint, error)
	Markets() []string
}

// CachedSeries reads windows another process published to the series
// cache.
type CachedSeries interface {
	GetCandles(ctx context.Context, marketID string, interval time.Duration) ([]domain.Candle, error)
	GetVolumes(ctx context.Context, marketID string, interval time.Duration) ([]domain.VolumeBucket, error)
}

// ChartHandler serves derived chart series, the latest book and the last
// traded price per market.
type ChartHandler struct {
	src      ChartSource
	cache    CachedSeries
	books    domain.BookCache
	prices   domain.PriceCache
	interval time.Duration
	logger   *slog.Logger
}

// ChartDeps are the optional backends of a ChartHandler. Interval is the
// live bucket width the cache is keyed by.
type ChartDeps struct {
	Source   ChartSource
	Cache    CachedSeries
	Books    domain.BookCache
	Prices   domain.PriceCache
	Interval time.Duration
}

// NewChartHandler creates a ChartHandler.
func NewChartHandler(deps ChartDeps, logger *slog.Logger) *ChartHandler {
	if deps.Interval <= 0 {
		deps.Interval = chart.DefaultInterval
	}
	return &ChartHandler{
		src:      deps.Source,
		cache:    deps.Cache,
		books:    deps.Books,
		prices:   deps.Prices,
		interval: deps.Interval,
		logger:   logHandler(logger, "chart"),
	}
}

// seriesResponse is the envelope of every chart endpoint. Data is always a
// JSON array.
type seriesResponse struct {
	MarketID         string `json:"market_id"`
	Interval         string `json:"interval"`
	Source           string `json:"source"`
	InsufficientData bool   `json:"insufficient_data"`
	Data             any    `json:"data"`
}

// ListMarkets returns the markets with a live series.
// GET /api/markets
func (h *ChartHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := []string{}
	if h.src != nil {
		if m := h.src.Markets(); m != nil {
			markets = m
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

// GetCandles returns OHLC candles.
// GET /api/markets/{id}/candles?interval=1m&lookback=24h&outcome=yes
func (h *ChartHandler) GetCandles(w http.ResponseWriter, r *http.Request) {
	serveSeries(h, w, r, h.liveCandles, h.cachedCandles)
}

// GetVolume returns notional volume buckets.
// GET /api/markets/{id}/volume
func (h *ChartHandler) GetVolume(w http.ResponseWriter, r *http.Request) {
	serveSeries(h, w, r, h.liveVolumes, h.cachedVolumes)
}

// GetSparkline returns closing prices per bucket.
// GET /api/markets/{id}/sparkline
func (h *ChartHandler) GetSparkline(w http.ResponseWriter, r *http.Request) {
	serveSeries(h, w, r, h.liveSparkline, h.cachedSparkline)
}

func (h *ChartHandler) liveCandles(id string, p chart.Params) ([]domain.Candle, error) {
	return h.src.Candles(id, p)
}

func (h *ChartHandler) liveVolumes(id string, p chart.Params) ([]domain.VolumeBucket, error) {
	return h.src.Volumes(id, p)
}

func (h *ChartHandler) liveSparkline(id string, p chart.Params) ([]domain.PricePoint, error) {
	return h.src.Sparkline(id, p)
}

func (h *ChartHandler) cachedCandles(ctx context.Context, id string) ([]domain.Candle, error) {
	return h.cache.GetCandles(ctx, id, h.interval)
}

func (h *ChartHandler) cachedVolumes(ctx context.Context, id string) ([]domain.VolumeBucket, error) {
	return h.cache.GetVolumes(ctx, id, h.interval)
}

func (h *ChartHandler) cachedSparkline(ctx context.Context, id string) ([]domain.PricePoint, error) {
	candles, err := h.cache.GetCandles(ctx, id, h.interval)
	if err != nil {
		return nil, err
	}
	points := make([]domain.PricePoint, len(candles))
	for i, c := range candles {
		points[i] = domain.PricePoint{Start: c.Start, Price: c.Close}
	}
	return points, nil
}

// serveSeries answers from the live source first. Markets the source does
// not track fall back to the cached live window, which only matches
// queries at the live interval across all outcomes.
func serveSeries[T any](
	h *ChartHandler,
	w http.ResponseWriter,
	r *http.Request,
	live func(string, chart.Params) ([]T, error),
	cached func(context.Context, string) ([]T, error),
) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	p, err := parseChartParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = h.interval
	}

	var (
		data   []T
		source = "live"
	)
	err = domain.ErrNotFound
	if h.src != nil {
		data, err = live(id, p)
	}
	if errors.Is(err, domain.ErrNotFound) && h.cache != nil && interval == h.interval && p.Outcome == "" {
		source = "cache"
		data, err = cached(r.Context(), id)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not tracked")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "chart query failed",
			slog.String("market_id", id),
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load series")
		return
	}
	if data == nil {
		data = []T{}
	}

	writeJSON(w, http.StatusOK, seriesResponse{
		MarketID:         id,
		Interval:         interval.String(),
		Source:           source,
		InsufficientData: len(data) == 0,
		Data:             data,
	})
}

// GetBook returns the latest cached order book.
// GET /api/markets/{id}/book
func (h *ChartHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	if h.books == nil {
		writeError(w, http.StatusNotFound, "book cache disabled")
		return
	}
	book, err := h.books.GetBook(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "book not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get book failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load book")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book":     book,
		"best_bid": book.BestBid(),
		"best_ask": book.BestAsk(),
	})
}

// GetPrice returns the last traded price.
// GET /api/markets/{id}/price
func (h *ChartHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	if h.prices == nil {
		writeError(w, http.StatusNotFound, "price cache disabled")
		return
	}
	price, ts, err := h.prices.GetPrice(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "price not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get price failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load price")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"price":     price,
		"timestamp": ts.UTC().Format(time.RFC3339),
	})
}
