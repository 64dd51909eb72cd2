// Package chart derives fixed-width time series from trades: OHLC candles,
// traded-notional volume buckets and closing-price sparklines.
//
// Candles, Volumes and Sparkline are pure functions of their input. Series
// maintains the same buckets incrementally for a live trade stream and
// produces identical output.
package chart

import (
	"cmp"
	"slices"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// DefaultInterval is the bucket width used when Params.Interval is unset.
const DefaultInterval = time.Minute

// Params selects the window and shape of a derived series.
type Params struct {
	// Interval is the bucket width. Buckets are aligned to the Unix epoch.
	Interval time.Duration
	// Lookback limits the series to buckets overlapping [End-Lookback, End].
	// Zero keeps every bucket.
	Lookback time.Duration
	// End anchors the lookback window. Zero means the latest valid trade.
	End time.Time
	// Outcome restricts the input to trades on one outcome. Empty keeps all.
	Outcome string
}

func (p Params) width() int64 {
	if p.Interval <= 0 {
		return int64(DefaultInterval)
	}
	return int64(p.Interval)
}

func (p Params) accepts(t domain.Trade) bool {
	if !t.Valid() {
		return false
	}
	return p.Outcome == "" || t.Outcome == p.Outcome
}

// Candles buckets trades into OHLC candles in ascending time order.
func Candles(trades []domain.Trade, p Params) []domain.Candle {
	return project(aggregate(trades, p), (*bucket).candle)
}

// Volumes buckets trades into traded notional (price × quantity) per
// outcome side in ascending time order.
func Volumes(trades []domain.Trade, p Params) []domain.VolumeBucket {
	return project(aggregate(trades, p), (*bucket).volume)
}

// Sparkline returns the closing price of every bucket in ascending time
// order.
func Sparkline(trades []domain.Trade, p Params) []domain.PricePoint {
	return project(aggregate(trades, p), (*bucket).point)
}

// aggregate is the single bucketing pass behind every projection. Invalid
// trades and trades on other outcomes are skipped.
func aggregate(trades []domain.Trade, p Params) []*bucket {
	width := p.width()
	byStart := make(map[int64]*bucket)
	var latest int64
	seen := false

	for _, t := range trades {
		if !p.accepts(t) {
			continue
		}
		ts := t.Timestamp.UnixNano()
		if !seen || ts > latest {
			latest, seen = ts, true
		}
		start := bucketStart(ts, width)
		b, ok := byStart[start]
		if !ok {
			b = newBucket(start)
			byStart[start] = b
		}
		b.add(t)
	}

	out := make([]*bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b *bucket) int { return cmp.Compare(a.start, b.start) })
	return window(out, p, width, latest)
}

// window trims sorted buckets to the lookback range ending at p.End, or at
// latest when p.End is zero.
func window(sorted []*bucket, p Params, width, latest int64) []*bucket {
	if len(sorted) == 0 {
		return sorted
	}
	end := latest
	if !p.End.IsZero() {
		end = p.End.UnixNano()
	}

	lo := 0
	if p.Lookback > 0 {
		from := bucketStart(end-int64(p.Lookback), width)
		lo, _ = slices.BinarySearchFunc(sorted, from, func(b *bucket, t int64) int { return cmp.Compare(b.start, t) })
	}
	hi, _ := slices.BinarySearchFunc(sorted, end+1, func(b *bucket, t int64) int { return cmp.Compare(b.start, t) })
	if lo >= hi {
		return sorted[:0]
	}
	return sorted[lo:hi]
}

func project[T any](buckets []*bucket, fn func(*bucket) T) []T {
	out := make([]T, len(buckets))
	for i, b := range buckets {
		out[i] = fn(b)
	}
	return out
}
