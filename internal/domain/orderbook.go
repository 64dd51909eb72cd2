package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is the book state carried by an orderbook_update event.
type Orderbook struct {
	MarketID  string       `json:"marketId"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// BestBid returns the highest bid, or 0 when the bid side is empty.
func (b Orderbook) BestBid() float64 {
	best := 0.0
	for _, l := range b.Bids {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask, or 0 when the ask side is empty.
func (b Orderbook) BestAsk() float64 {
	best := 0.0
	for _, l := range b.Asks {
		if best == 0 || l.Price < best {
			best = l.Price
		}
	}
	return best
}
