package chart

import (
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// bucket accumulates the trades of one fixed-width time slot.
//
// Open is the earliest trade and Close the latest, by timestamp. Among trades
// with equal timestamps the first one added opens and the last one added
// closes, which is what a stable sort by time followed by a linear scan would
// give, without needing the sort.
type bucket struct {
	start int64 // unix nanos, multiple of the interval

	open, high, low, close float64
	openAt, closeAt        int64

	yesQty, noQty           float64
	yesNotional, noNotional float64
	trades                  int
}

func newBucket(start int64) *bucket {
	return &bucket{start: start}
}

func (b *bucket) add(t domain.Trade) {
	ts := t.Timestamp.UnixNano()
	if b.trades == 0 {
		b.open, b.high, b.low, b.close = t.Price, t.Price, t.Price, t.Price
		b.openAt, b.closeAt = ts, ts
	} else {
		if ts < b.openAt {
			b.open, b.openAt = t.Price, ts
		}
		if ts >= b.closeAt {
			b.close, b.closeAt = t.Price, ts
		}
		b.high = max(b.high, t.Price)
		b.low = min(b.low, t.Price)
	}

	if t.IsYes() {
		b.yesQty += t.Quantity
		b.yesNotional += t.Notional()
	} else {
		b.noQty += t.Quantity
		b.noNotional += t.Notional()
	}
	b.trades++
}

func (b *bucket) startTime() time.Time {
	return time.Unix(0, b.start).UTC()
}

func (b *bucket) candle() domain.Candle {
	return domain.Candle{
		Start:     b.startTime(),
		Open:      b.open,
		High:      b.high,
		Low:       b.low,
		Close:     b.close,
		YesVolume: b.yesQty,
		NoVolume:  b.noQty,
		Trades:    b.trades,
	}
}

func (b *bucket) volume() domain.VolumeBucket {
	return domain.VolumeBucket{
		Start:       b.startTime(),
		YesNotional: b.yesNotional,
		NoNotional:  b.noNotional,
		Total:       b.yesNotional + b.noNotional,
		Trades:      b.trades,
	}
}

func (b *bucket) point() domain.PricePoint {
	return domain.PricePoint{Start: b.startTime(), Price: b.close}
}

// bucketStart floors ts to a multiple of width, rounding towards negative
// infinity so pre-epoch timestamps land in the right slot.
func bucketStart(ts, width int64) int64 {
	q := ts / width
	if ts%width != 0 && ts < 0 {
		q--
	}
	return q * width
}
