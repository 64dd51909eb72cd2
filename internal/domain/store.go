package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeHistory is the read-only source used to seed chart windows with
// trades that happened before the live stream was attached.
type TradeHistory interface {
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Trade, error)
}
