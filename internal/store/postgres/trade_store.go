package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// TradeStore implements domain.TradeHistory over the backend's trades table.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, market_id, outcome, price, quantity, timestamp,
	COALESCE(buyer_id, ''), COALESCE(seller_id, '')`

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(
			&t.ID, &t.MarketID, &t.Outcome, &t.Price, &t.Quantity,
			&t.Timestamp, &t.Buyer, &t.Seller,
		); err != nil {
			return nil, err
		}
		t.Outcome = strings.ToLower(t.Outcome)
		t.Timestamp = t.Timestamp.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ListByMarket returns a market's trades in ascending time order. With a
// Limit, the most recent Limit trades inside the Since/Until range are
// returned.
func (s *TradeStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Trade, error) {
	if strings.TrimSpace(marketID) == "" {
		return nil, fmt.Errorf("postgres: list trades by market: %w", domain.ErrInvalidMarket)
	}
	query, args := listByMarketQuery(marketID, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by market: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by market: %w", err)
	}
	// Rows come newest first so LIMIT keeps the latest; flip for replay.
	slices.Reverse(trades)
	return trades, nil
}

func listByMarketQuery(marketID string, opts domain.ListOpts) (string, []any) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface check.
var _ domain.TradeHistory = (*TradeStore)(nil)
