// Package valuation estimates the net proceeds of selling a card raw versus
// grading it first, and picks the better disposition.
package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
)

// MaxGrade is the top of the grading scale.
const MaxGrade = 10

// ErrPriceUnavailable means the source has no price for the requested
// card or grade. It is a definite miss and is not retried.
var ErrPriceUnavailable = eris.New("valuation: price unavailable")

// PriceSource quotes market prices.
type PriceSource interface {
	UngradedPrice(ctx context.Context, card model.RecognizedCard) (decimal.Decimal, error)
	GradedPrice(ctx context.Context, card model.RecognizedCard, grade int) (decimal.Decimal, error)
}

// Engine evaluates cards against a price source and fee schedule.
type Engine struct {
	prices PriceSource
	fees   FeeSchedule
	policy resilience.Policy
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(prices PriceSource, fees FeeSchedule, policy resilience.Policy) *Engine {
	return &Engine{prices: prices, fees: fees, policy: policy, now: time.Now}
}

// Evaluate prices the card ungraded and at every grade from the estimate up
// to MaxGrade, and decides between selling raw and grading.
func (e *Engine) Evaluate(ctx context.Context, card model.RecognizedCard, grade int) (*model.Valuation, error) {
	if grade < 1 || grade > MaxGrade {
		return nil, model.Invalid("valuation: estimated grade out of range", eris.Errorf("grade %d", grade))
	}

	ungraded, err := resilience.CallVal(ctx, e.policy, "ungraded_price", func(ctx context.Context) (decimal.Decimal, error) {
		return e.prices.UngradedPrice(ctx, card)
	})
	if errors.Is(err, ErrPriceUnavailable) {
		return nil, model.DataUnavailable("valuation: no ungraded price", err)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "valuation: ungraded price for %q", card.Title())
	}

	v := &model.Valuation{
		EstimatedGrade: grade,
		UngradedPrice:  model.Cents(ungraded),
		UngradedNet:    e.fees.AfterFees(ungraded),
		ValuedAt:       e.now().UTC(),
	}

	for g := grade; g <= MaxGrade; g++ {
		price, err := resilience.CallVal(ctx, e.policy, "graded_price", func(ctx context.Context) (decimal.Decimal, error) {
			return e.prices.GradedPrice(ctx, card, g)
		})
		if errors.Is(err, ErrPriceUnavailable) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "valuation: grade %d price for %q", g, card.Title())
		}
		cost := e.fees.GradingCost(g)
		v.Graded = append(v.Graded, model.GradedNet{
			Grade: g,
			Price: model.Cents(price),
			Cost:  cost,
			Net:   e.fees.AfterFees(price).Sub(cost),
		})
	}

	Decide(v)
	zap.L().Debug("valuation: evaluated",
		zap.String("card", card.Title()),
		zap.String("ungraded_net", v.UngradedNet.StringFixed(2)),
		zap.Int("graded_levels", len(v.Graded)),
		zap.String("disposition", string(v.Disposition)),
	)
	return v, nil
}

// Decide fills BreakEvenGrade and Disposition from the priced nets.
func Decide(v *model.Valuation) {
	v.BreakEvenGrade = nil
	for _, gn := range v.Graded {
		if gn.Net.GreaterThan(v.UngradedNet) {
			g := gn.Grade
			v.BreakEvenGrade = &g
			break
		}
	}

	v.Disposition = model.DispositionSellUngraded
	at, ok := v.GradedNetAt(v.EstimatedGrade)
	if ok && v.BreakEvenGrade != nil && at.Net.GreaterThan(v.UngradedNet) && v.EstimatedGrade >= *v.BreakEvenGrade {
		v.Disposition = model.DispositionGrade
	}
}
