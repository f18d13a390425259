package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/costsim/internal/domain"
)

// OrderbookCache implements domain.OrderbookCache. It mirrors the latest
// published BookView so dashboards and other processes can read the book
// without a feed connection of their own.
//
// Key schema (under the client prefix):
//
//	book:{key}:bids - sorted set of bid prices (score = price)
//	book:{key}:asks - sorted set of ask prices (score = price)
//	book:{key}:size - hash "b:{price}" / "a:{price}" -> size
//	book:{key}:meta - hash with exchange, symbol, seq, ts, stale, crossed
//
// All keys expire after ttl, so a stopped process leaves no stale mirror.
type OrderbookCache struct {
	c   *Client
	ttl time.Duration
}

// NewOrderbookCache creates an OrderbookCache. ttl <= 0 disables expiry.
func NewOrderbookCache(c *Client, ttl time.Duration) *OrderbookCache {
	return &OrderbookCache{c: c, ttl: ttl}
}

func (oc *OrderbookCache) keys(key string) (bids, asks, size, meta string) {
	return oc.c.Key("book", key, "bids"),
		oc.c.Key("book", key, "asks"),
		oc.c.Key("book", key, "size"),
		oc.c.Key("book", key, "meta")
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// SetSnapshot atomically replaces the mirrored book with view.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, key string, view *domain.BookView) error {
	bidsKey, asksKey, sizeKey, metaKey := oc.keys(key)

	pipe := oc.c.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, sizeKey, metaKey)

	for _, l := range view.Bids {
		p := formatFloat(l.Price)
		pipe.ZAdd(ctx, bidsKey, redis.Z{Score: l.Price, Member: p})
		pipe.HSet(ctx, sizeKey, "b:"+p, formatFloat(l.Size))
	}
	for _, l := range view.Asks {
		p := formatFloat(l.Price)
		pipe.ZAdd(ctx, asksKey, redis.Z{Score: l.Price, Member: p})
		pipe.HSet(ctx, sizeKey, "a:"+p, formatFloat(l.Size))
	}
	pipe.HSet(ctx, metaKey,
		"exchange", view.Exchange,
		"symbol", view.Symbol,
		"seq", strconv.FormatInt(view.Sequence, 10),
		"ts", strconv.FormatInt(view.UpdatedAt.UnixNano(), 10),
		"stale", strconv.FormatBool(view.Stale),
		"crossed", strconv.FormatBool(view.Crossed),
	)
	if oc.ttl > 0 {
		for _, k := range []string{bidsKey, asksKey, sizeKey, metaKey} {
			pipe.Expire(ctx, k, oc.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook %s: %w", key, err)
	}
	return nil
}

// GetSnapshot rebuilds the mirrored view. It returns domain.ErrNotFound when
// nothing is mirrored under key.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, key string) (*domain.BookView, error) {
	bidsKey, asksKey, sizeKey, metaKey := oc.keys(key)

	pipe := oc.c.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, bidsKey, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, asksKey, 0, -1)
	sizeCmd := pipe.HGetAll(ctx, sizeKey)
	metaCmd := pipe.HGetAll(ctx, metaKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get orderbook %s: %w", key, err)
	}

	meta, _ := metaCmd.Result()
	if len(meta) == 0 {
		return nil, fmt.Errorf("redis: get orderbook %s: %w", key, domain.ErrNotFound)
	}
	sizes, _ := sizeCmd.Result()

	view := &domain.BookView{Exchange: meta["exchange"], Symbol: meta["symbol"]}
	view.Sequence, _ = strconv.ParseInt(meta["seq"], 10, 64)
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		view.UpdatedAt = time.Unix(0, ns).UTC()
	}
	view.Stale, _ = strconv.ParseBool(meta["stale"])
	view.Crossed, _ = strconv.ParseBool(meta["crossed"])

	levels := func(zs []redis.Z, prefix string) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(zs))
		for _, z := range zs {
			member, _ := z.Member.(string)
			size, err := strconv.ParseFloat(sizes[prefix+member], 64)
			if err != nil || size <= 0 {
				continue
			}
			out = append(out, domain.PriceLevel{Price: z.Score, Size: size})
		}
		return out
	}
	bids, _ := bidsCmd.Result()
	asks, _ := asksCmd.Result()
	view.Bids = levels(bids, "b:")
	view.Asks = levels(asks, "a:")
	return view, nil
}

var _ domain.OrderbookCache = (*OrderbookCache)(nil)
