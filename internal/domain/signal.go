package domain

import "time"

// Signal-bus channels the relay publishes to and the WebSocket hub
// subscribes to.
const (
	ChannelTrades        = "marketsync:trades"
	ChannelBooks         = "marketsync:books"
	ChannelMarketUpdates = "marketsync:market_updates"
	ChannelPersonal      = "marketsync:personal"
	ChannelCandles       = "marketsync:candles"
	ChannelStatus        = "marketsync:status"
)

// StreamTrades is the durable stream every routed trade is appended to.
const StreamTrades = "marketsync:stream:trades"

// Channels lists every pub/sub channel in publishing order.
func Channels() []string {
	return []string{
		ChannelTrades,
		ChannelBooks,
		ChannelMarketUpdates,
		ChannelPersonal,
		ChannelCandles,
		ChannelStatus,
	}
}

// CandleSignal announces that a market's live candle window changed. Only
// the bucket the triggering trade landed in is carried.
type CandleSignal struct {
	MarketID string `json:"marketId"`
	Interval string `json:"interval"` // time.Duration string, e.g. "1m0s"
	Candle   Candle `json:"candle"`
}

// StatusSignal is published on every connectivity transition.
type StatusSignal struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}
