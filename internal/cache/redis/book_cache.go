package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// BookCache implements domain.BookCache using Redis sorted sets and hashes
// for each market's latest order book.
//
// Key schema:
//
//	book:{marketID}:bids     - sorted set of bid prices (score = price)
//	book:{marketID}:asks     - sorted set of ask prices (score = price)
//	book:{marketID}:bid:size - hash mapping price -> size for bids
//	book:{marketID}:ask:size - hash mapping price -> size for asks
//	book:{marketID}:meta     - hash with "ts" field (book timestamp)
type BookCache struct {
	c   *Client
	ttl time.Duration
}

// NewBookCache creates a BookCache backed by the given Client. Books expire
// after ttl without an update; zero keeps them indefinitely.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{c: c, ttl: ttl}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func (bc *BookCache) keys(marketID string) bookKeys {
	return bookKeys{
		bids:    bc.c.key("book", marketID, "bids"),
		asks:    bc.c.key("book", marketID, "asks"),
		bidSize: bc.c.key("book", marketID, "bid", "size"),
		askSize: bc.c.key("book", marketID, "ask", "size"),
		meta:    bc.c.key("book", marketID, "meta"),
	}
}

// SetBook atomically replaces the cached book for book.MarketID.
func (bc *BookCache) SetBook(ctx context.Context, book domain.Orderbook) error {
	if book.MarketID == "" {
		return fmt.Errorf("redis: set book: %w", domain.ErrInvalidMarket)
	}
	k := bc.keys(book.MarketID)

	pipe := bc.c.rdb.TxPipeline()
	pipe.Del(ctx, k.bids, k.asks, k.bidSize, k.askSize, k.meta)

	for _, lvl := range book.Bids {
		priceStr := strconv.FormatFloat(lvl.Price, 'f', -1, 64)
		pipe.ZAdd(ctx, k.bids, redis.Z{Score: lvl.Price, Member: priceStr})
		pipe.HSet(ctx, k.bidSize, priceStr, strconv.FormatFloat(lvl.Size, 'f', -1, 64))
	}
	for _, lvl := range book.Asks {
		priceStr := strconv.FormatFloat(lvl.Price, 'f', -1, 64)
		pipe.ZAdd(ctx, k.asks, redis.Z{Score: lvl.Price, Member: priceStr})
		pipe.HSet(ctx, k.askSize, priceStr, strconv.FormatFloat(lvl.Size, 'f', -1, 64))
	}

	ts := book.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	pipe.HSet(ctx, k.meta, "ts", strconv.FormatInt(ts.UnixNano(), 10))

	if bc.ttl > 0 {
		for _, key := range []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta} {
			pipe.Expire(ctx, key, bc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.MarketID, err)
	}
	return nil
}

// GetBook reconstructs the cached book with bids best-first (descending) and
// asks best-first (ascending). It returns domain.ErrNotFound if no book is
// cached for the market.
func (bc *BookCache) GetBook(ctx context.Context, marketID string) (domain.Orderbook, error) {
	k := bc.keys(marketID)

	pipe := bc.c.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.Orderbook{}, fmt.Errorf("redis: get book %s: %w", marketID, err)
	}

	metaVals, _ := metaCmd.Result()
	if len(metaVals) == 0 {
		return domain.Orderbook{}, domain.ErrNotFound
	}

	book := domain.Orderbook{MarketID: marketID}
	if tsStr, ok := metaVals["ts"]; ok {
		if tsNano, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			book.Timestamp = time.Unix(0, tsNano).UTC()
		}
	}

	bidsZ, _ := bidsCmd.Result()
	bidSizes, _ := bidSizeCmd.Result()
	book.Bids = levelsFromZ(bidsZ, bidSizes)

	asksZ, _ := asksCmd.Result()
	askSizes, _ := askSizeCmd.Result()
	book.Asks = levelsFromZ(asksZ, askSizes)

	return book, nil
}

// levelsFromZ pairs sorted-set prices with their sizes, keeping set order.
func levelsFromZ(zs []redis.Z, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(zs))
	for _, z := range zs {
		priceStr, ok := z.Member.(string)
		if !ok {
			continue
		}
		size := 0.0
		if sizeStr, exists := sizes[priceStr]; exists {
			size, _ = strconv.ParseFloat(sizeStr, 64)
		}
		out = append(out, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return out
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
