package domain

import (
	"math"
	"time"
)

// Outcome names for binary markets. Multi-outcome markets use the option id
// as the outcome instead.
const (
	OutcomeYes = "yes"
	OutcomeNo  = "no"
)

// Trade is a single executed trade as reported by the backend. Trades are
// never mutated after receipt.
type Trade struct {
	ID        string    `json:"id"`
	MarketID  string    `json:"marketId"`
	Outcome   string    `json:"outcome"` // "yes", "no", or an option id
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
	Buyer     string    `json:"buyerId,omitempty"`
	Seller    string    `json:"sellerId,omitempty"`
}

// IsYes reports whether the trade was on the yes side of a binary market.
func (t Trade) IsYes() bool {
	return t.Outcome == OutcomeYes
}

// Notional is the monetary value of the trade (price × quantity).
func (t Trade) Notional() float64 {
	return t.Price * t.Quantity
}

// Valid reports whether the trade can take part in aggregation: it needs a
// timestamp and a finite, positive price and quantity.
func (t Trade) Valid() bool {
	if t.Timestamp.IsZero() {
		return false
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return false
	}
	if math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) || t.Quantity <= 0 {
		return false
	}
	return true
}
