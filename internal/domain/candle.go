package domain

import "time"

// Candle is one OHLC bucket of a market's trade series. Volumes are raw
// share quantities split by outcome side.
type Candle struct {
	Start     time.Time `json:"start"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	YesVolume float64   `json:"yesVolume"`
	NoVolume  float64   `json:"noVolume"`
	Trades    int       `json:"trades"`
}

// VolumeBucket is one bucket of traded notional (price × quantity).
type VolumeBucket struct {
	Start       time.Time `json:"start"`
	YesNotional float64   `json:"yesNotional"`
	NoNotional  float64   `json:"noNotional"`
	Total       float64   `json:"total"`
	Trades      int       `json:"trades"`
}

// PricePoint is a single sparkline sample: the closing price of a bucket.
type PricePoint struct {
	Start time.Time `json:"start"`
	Price float64   `json:"price"`
}
