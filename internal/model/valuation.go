package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Disposition is the chosen outcome for a card.
type Disposition string

// Dispositions.
const (
	DispositionSellUngraded Disposition = "sell_ungraded"
	DispositionGrade        Disposition = "grade"
)

// Cents rounds a monetary amount to two decimal places.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// GradedNet is the expected result of grading at one grade level.
type GradedNet struct {
	Grade int             `json:"grade"`
	Price decimal.Decimal `json:"price"`
	Cost  decimal.Decimal `json:"cost"`
	Net   decimal.Decimal `json:"net"`
}

// Valuation is the computed sell-or-grade result for an asset.
type Valuation struct {
	EstimatedGrade int             `json:"estimated_grade"`
	UngradedPrice  decimal.Decimal `json:"ungraded_price"`
	UngradedNet    decimal.Decimal `json:"ungraded_net"`
	Graded         []GradedNet     `json:"graded,omitempty"`
	BreakEvenGrade *int            `json:"break_even_grade"`
	Disposition    Disposition     `json:"disposition"`
	ValuedAt       time.Time       `json:"valued_at"`
}

// GradedNetAt returns the graded result for grade g, if priced.
func (v Valuation) GradedNetAt(g int) (GradedNet, bool) {
	for _, gn := range v.Graded {
		if gn.Grade == g {
			return gn, true
		}
	}
	return GradedNet{}, false
}

// ExpectedNet is the net proceeds of the chosen disposition.
func (v Valuation) ExpectedNet() decimal.Decimal {
	if v.Disposition == DispositionGrade {
		if gn, ok := v.GradedNetAt(v.EstimatedGrade); ok {
			return gn.Net
		}
	}
	return v.UngradedNet
}

func (v Valuation) clone() Valuation {
	c := v
	c.Graded = append([]GradedNet(nil), v.Graded...)
	if v.BreakEvenGrade != nil {
		g := *v.BreakEvenGrade
		c.BreakEvenGrade = &g
	}
	return c
}

// BatchAmount is the amount recorded on the batch entry: the asking price
// for a listing, the declared value at the estimated grade for a submission.
func (v Valuation) BatchAmount() decimal.Decimal {
	if v.Disposition == DispositionGrade {
		if gn, ok := v.GradedNetAt(v.EstimatedGrade); ok {
			return gn.Price
		}
	}
	return v.UngradedPrice
}

// PriceQuote is a cached price lookup. A nil Price records a known miss.
type PriceQuote struct {
	Key       string           `json:"key"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	FetchedAt time.Time        `json:"fetched_at"`
}
