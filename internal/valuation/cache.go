package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
)

// PriceCache stores quotes between runs.
type PriceCache interface {
	GetPrice(ctx context.Context, key string, now time.Time) (*model.PriceQuote, error)
	PutPrice(ctx context.Context, quote model.PriceQuote, ttl time.Duration) error
}

// Cached puts a PriceCache in front of a PriceSource. Known misses are
// cached too. Cache failures are logged and the source is consulted.
type Cached struct {
	source PriceSource
	cache  PriceCache
	ttl    time.Duration
	now    func() time.Time
}

// NewCached wraps source with cache.
func NewCached(source PriceSource, cache PriceCache, ttl time.Duration) *Cached {
	return &Cached{source: source, cache: cache, ttl: ttl, now: time.Now}
}

// UngradedPrice implements PriceSource.
func (c *Cached) UngradedPrice(ctx context.Context, card model.RecognizedCard) (decimal.Decimal, error) {
	return c.lookup(ctx, card.Key()+"|raw", func(ctx context.Context) (decimal.Decimal, error) {
		return c.source.UngradedPrice(ctx, card)
	})
}

// GradedPrice implements PriceSource.
func (c *Cached) GradedPrice(ctx context.Context, card model.RecognizedCard, grade int) (decimal.Decimal, error) {
	return c.lookup(ctx, fmt.Sprintf("%s|g%d", card.Key(), grade), func(ctx context.Context) (decimal.Decimal, error) {
		return c.source.GradedPrice(ctx, card, grade)
	})
}

func (c *Cached) lookup(ctx context.Context, key string, fetch func(context.Context) (decimal.Decimal, error)) (decimal.Decimal, error) {
	now := c.now()
	q, err := c.cache.GetPrice(ctx, key, now)
	if err != nil {
		zap.L().Warn("valuation: price cache read failed", zap.String("key", key), zap.Error(err))
	}
	if q != nil {
		if q.Price == nil {
			return decimal.Zero, ErrPriceUnavailable
		}
		return *q.Price, nil
	}

	price, err := fetch(ctx)
	quote := model.PriceQuote{Key: key, FetchedAt: now.UTC()}
	switch {
	case err == nil:
		quote.Price = &price
	case errors.Is(err, ErrPriceUnavailable):
	default:
		return decimal.Zero, err
	}
	if perr := c.cache.PutPrice(ctx, quote, c.ttl); perr != nil {
		zap.L().Warn("valuation: price cache write failed", zap.String("key", key), zap.Error(perr))
	}
	return price, err
}
