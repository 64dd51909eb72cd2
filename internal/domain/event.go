package domain

import "encoding/json"

// EventKind identifies the type of an inbound stream event.
type EventKind string

const (
	KindOrderBookUpdate  EventKind = "orderbook_update"
	KindNewTrade         EventKind = "new_trade"
	KindMyOrderFilled    EventKind = "my_order_filled"
	KindMyOrderCancelled EventKind = "my_order_cancelled"
	KindBalanceUpdated   EventKind = "balance_updated"
	KindMarketUpdate     EventKind = "market_update"
)

// Personal reports whether events of this kind are addressed to the current
// user only. Personal events are never routed by market.
func (k EventKind) Personal() bool {
	switch k {
	case KindMyOrderFilled, KindMyOrderCancelled, KindBalanceUpdated:
		return true
	default:
		return false
	}
}

// Event is the closed set of inbound events. Only the types in this file
// implement it.
type Event interface {
	Kind() EventKind
	// Market returns the market the event is scoped to, or "" for personal
	// events and untargeted broadcasts.
	Market() string
	isEvent()
}

// OrderBookUpdate carries a fresh book for one market.
type OrderBookUpdate struct {
	MarketID string
	Book     Orderbook
}

// NewTrade announces an executed trade in one market.
type NewTrade struct {
	MarketID string
	Trade    Trade
}

// Fill describes how much of one of the user's orders executed.
type Fill struct {
	MarketID  string  `json:"marketId,omitempty"`
	Outcome   string  `json:"outcome,omitempty"`
	Side      string  `json:"side,omitempty"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Remaining float64 `json:"remaining,omitempty"`
}

// MyOrderFilled is sent on the personal channel when one of the user's
// orders is (partially) filled.
type MyOrderFilled struct {
	OrderID string
	Fill    Fill
}

// MyOrderCancelled is sent on the personal channel when one of the user's
// orders is cancelled.
type MyOrderCancelled struct {
	OrderID string
	Reason  string
	Refund  float64
}

// BalanceUpdated carries the user's new balance.
type BalanceUpdated struct {
	Balance float64
}

// MarketUpdate is a generic state-changed notification. When MarketID is
// empty it is an untargeted broadcast.
type MarketUpdate struct {
	MarketID string
	Payload  json.RawMessage
}

func (OrderBookUpdate) Kind() EventKind  { return KindOrderBookUpdate }
func (NewTrade) Kind() EventKind         { return KindNewTrade }
func (MyOrderFilled) Kind() EventKind    { return KindMyOrderFilled }
func (MyOrderCancelled) Kind() EventKind { return KindMyOrderCancelled }
func (BalanceUpdated) Kind() EventKind   { return KindBalanceUpdated }
func (MarketUpdate) Kind() EventKind     { return KindMarketUpdate }

func (e OrderBookUpdate) Market() string { return e.MarketID }
func (e NewTrade) Market() string        { return e.MarketID }
func (MyOrderFilled) Market() string     { return "" }
func (MyOrderCancelled) Market() string  { return "" }
func (BalanceUpdated) Market() string    { return "" }
func (e MarketUpdate) Market() string    { return e.MarketID }

func (OrderBookUpdate) isEvent()  {}
func (NewTrade) isEvent()         {}
func (MyOrderFilled) isEvent()    {}
func (MyOrderCancelled) isEvent() {}
func (BalanceUpdated) isEvent()   {}
func (MarketUpdate) isEvent()     {}
