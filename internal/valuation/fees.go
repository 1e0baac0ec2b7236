package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
)

// FeeSchedule holds marketplace and grading costs.
type FeeSchedule struct {
	MarketplaceFeeRate decimal.Decimal
	GradingBaseFee     decimal.Decimal
	PremiumSurcharge   decimal.Decimal
	PremiumMinGrade    int
}

// FeesFromConfig converts the configured float amounts to decimals.
func FeesFromConfig(cfg config.FeesConfig) FeeSchedule {
	return FeeSchedule{
		MarketplaceFeeRate: decimal.NewFromFloat(cfg.MarketplaceFeeRate),
		GradingBaseFee:     model.Cents(decimal.NewFromFloat(cfg.GradingBaseFee)),
		PremiumSurcharge:   model.Cents(decimal.NewFromFloat(cfg.PremiumSurcharge)),
		PremiumMinGrade:    cfg.PremiumMinGrade,
	}
}

// AfterFees is the sale price less the marketplace fee, rounded to cents.
func (f FeeSchedule) AfterFees(price decimal.Decimal) decimal.Decimal {
	return model.Cents(price.Mul(decimal.NewFromInt(1).Sub(f.MarketplaceFeeRate)))
}

// GradingCost is the base fee plus the premium surcharge for high grades.
func (f FeeSchedule) GradingCost(grade int) decimal.Decimal {
	cost := f.GradingBaseFee
	if f.PremiumMinGrade > 0 && grade >= f.PremiumMinGrade {
		cost = cost.Add(f.PremiumSurcharge)
	}
	return cost
}
