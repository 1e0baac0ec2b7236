package valuation

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/pkg/pricecharting"
)

// NewSource builds the configured price source. When cache is non-nil and
// a TTL is configured, quotes are cached in it.
func NewSource(cfg config.PricingConfig, cache PriceCache) (PriceSource, error) {
	var src PriceSource
	switch cfg.Provider {
	case "pricecharting", "":
		if cfg.Token == "" {
			return nil, eris.New("valuation: pricecharting provider requires pricing.token")
		}
		src = NewPriceCharting(pricecharting.NewClient(cfg.Token,
			pricecharting.WithBaseURL(cfg.BaseURL),
			pricecharting.WithRateLimit(cfg.RateLimit),
		))
	case "sheet":
		sheet, err := LoadSheet(cfg.SheetPath)
		if err != nil {
			return nil, err
		}
		return sheet, nil
	default:
		return nil, eris.Errorf("valuation: unknown pricing provider %q", cfg.Provider)
	}

	if cache != nil && cfg.CacheTTLHours > 0 {
		src = NewCached(src, cache, time.Duration(cfg.CacheTTLHours)*time.Hour)
	}
	return src, nil
}

var (
	_ PriceSource = (*Sheet)(nil)
	_ PriceSource = (*Cached)(nil)
	_ PriceSource = (*PriceCharting)(nil)
)
