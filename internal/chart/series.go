package chart

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// SeriesConfig fixes the shape of an incremental Series.
type SeriesConfig struct {
	Interval time.Duration
	Outcome  string
	// Retention bounds how far behind the latest trade buckets are kept.
	// Zero keeps everything.
	Retention time.Duration
}

// Series is an append-only bucket accumulator for a live trade stream.
// For any lookback within its retention, its projections equal the pure
// functions applied to every trade added so far, in the order added.
//
// A Series is safe for concurrent use.
type Series struct {
	params    Params
	width     int64
	retention time.Duration

	mu      sync.RWMutex
	buckets []*bucket // ascending by start
	latest  int64
	seen    bool
	horizon int64 // buckets starting before this have been pruned
}

// NewSeries creates an empty series.
func NewSeries(cfg SeriesConfig) *Series {
	p := Params{Interval: cfg.Interval, Outcome: cfg.Outcome}
	return &Series{
		params:    p,
		width:     p.width(),
		retention: cfg.Retention,
	}
}

// Interval reports the bucket width.
func (s *Series) Interval() time.Duration {
	return time.Duration(s.width)
}

// Add folds one trade into its bucket. It reports false when the trade is
// invalid, on another outcome, or older than the retained range. Trades
// arriving in time order cost O(1) amortized.
func (s *Series) Add(t domain.Trade) bool {
	if !s.params.accepts(t) {
		return false
	}
	ts := t.Timestamp.UnixNano()
	start := bucketStart(ts, s.width)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retention > 0 && s.seen && start < s.horizon {
		return false
	}
	s.bucketLocked(start).add(t)
	if !s.seen || ts > s.latest {
		s.latest, s.seen = ts, true
		s.pruneLocked()
	}
	return true
}

// AddAll adds trades in order and returns how many were accepted.
func (s *Series) AddAll(trades []domain.Trade) int {
	n := 0
	for _, t := range trades {
		if s.Add(t) {
			n++
		}
	}
	return n
}

func (s *Series) bucketLocked(start int64) *bucket {
	n := len(s.buckets)
	if n > 0 && s.buckets[n-1].start == start {
		return s.buckets[n-1]
	}
	if n == 0 || s.buckets[n-1].start < start {
		b := newBucket(start)
		s.buckets = append(s.buckets, b)
		return b
	}
	i, found := slices.BinarySearchFunc(s.buckets, start, func(b *bucket, t int64) int { return cmp.Compare(b.start, t) })
	if found {
		return s.buckets[i]
	}
	b := newBucket(start)
	s.buckets = slices.Insert(s.buckets, i, b)
	return b
}

func (s *Series) pruneLocked() {
	if s.retention <= 0 {
		return
	}
	s.horizon = bucketStart(s.latest-int64(s.retention), s.width)
	i := 0
	for i < len(s.buckets) && s.buckets[i].start < s.horizon {
		i++
	}
	if i == 0 {
		return
	}
	clear(s.buckets[:i])
	s.buckets = s.buckets[i:]
}

// Len reports the number of retained buckets.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Latest returns the timestamp of the newest trade added, or the zero time.
func (s *Series) Latest() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.seen {
		return time.Time{}
	}
	return time.Unix(0, s.latest).UTC()
}

// Candles projects the retained buckets as candles. lookback and end have
// the meaning of the matching Params fields.
func (s *Series) Candles(lookback time.Duration, end time.Time) []domain.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return project(s.windowLocked(lookback, end), (*bucket).candle)
}

// Volumes projects the retained buckets as notional volume buckets.
func (s *Series) Volumes(lookback time.Duration, end time.Time) []domain.VolumeBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return project(s.windowLocked(lookback, end), (*bucket).volume)
}

// Sparkline projects the retained buckets as closing prices.
func (s *Series) Sparkline(lookback time.Duration, end time.Time) []domain.PricePoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return project(s.windowLocked(lookback, end), (*bucket).point)
}

func (s *Series) windowLocked(lookback time.Duration, end time.Time) []*bucket {
	p := s.params
	p.Lookback = lookback
	p.End = end
	return window(s.buckets, p, s.width, s.latest)
}
