package valuation

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/pkg/pricecharting"
)

// Grade to PriceCharting field for trading cards. Grades below 7 have no
// dedicated column.
var gradeFields = map[int]string{
	7:  "cib-price",
	8:  "new-price",
	9:  "graded-price",
	10: "manual-only-price",
}

const ungradedField = "loose-price"

// PriceCharting quotes prices from the PriceCharting API.
type PriceCharting struct {
	client pricecharting.Client
}

// NewPriceCharting wraps a PriceCharting client.
func NewPriceCharting(client pricecharting.Client) *PriceCharting {
	return &PriceCharting{client: client}
}

// UngradedPrice implements PriceSource.
func (p *PriceCharting) UngradedPrice(ctx context.Context, card model.RecognizedCard) (decimal.Decimal, error) {
	return p.price(ctx, card, ungradedField)
}

// GradedPrice implements PriceSource.
func (p *PriceCharting) GradedPrice(ctx context.Context, card model.RecognizedCard, grade int) (decimal.Decimal, error) {
	field, ok := gradeFields[grade]
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return p.price(ctx, card, field)
}

func (p *PriceCharting) price(ctx context.Context, card model.RecognizedCard, field string) (decimal.Decimal, error) {
	prod, err := p.client.Product(ctx, card.Title())
	if errors.Is(err, pricecharting.ErrNoProduct) {
		return decimal.Zero, ErrPriceUnavailable
	}
	var apiErr *pricecharting.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return decimal.Zero, resilience.NewTransientError(err, apiErr.StatusCode)
	}
	if err != nil {
		return decimal.Zero, err
	}
	pennies, ok := prod.Price(field)
	if !ok {
		return decimal.Zero, ErrPriceUnavailable
	}
	return decimal.New(pennies, -2), nil
}
