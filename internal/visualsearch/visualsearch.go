// Package visualsearch finds the catalog entry that best matches a card image.
package visualsearch

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
)

var (
	// ErrNotFound is a definite miss: the service has no match for the image.
	ErrNotFound = eris.New("visualsearch: no match")
	// ErrRateLimited is returned wrapped in a resilience.TransientError.
	ErrRateLimited = eris.New("visualsearch: rate limited")
)

// Match is the top catalog hit for an image. Set and number are always
// present on a match; year and player only when the service knows them.
type Match struct {
	Set    string
	Number string
	Year   model.Optional[int]
	Player model.Optional[string]
	Score  float64
}

// Searcher looks up a card image.
type Searcher interface {
	Search(ctx context.Context, imagePath string) (*Match, error)
}

// New builds the configured searcher. Provider "none" yields a nil
// Searcher, which recognition treats as visual search being unavailable.
func New(provider string, vcfg config.VisualConfig, acfg config.AnthropicConfig) (Searcher, error) {
	switch provider {
	case "http", "":
		if vcfg.BaseURL == "" {
			return nil, eris.New("visualsearch: http provider requires visual.base_url")
		}
		return NewHTTP(vcfg.BaseURL, vcfg.Key, vcfg.RateLimit), nil
	case "anthropic":
		if acfg.Key == "" {
			return nil, eris.New("visualsearch: anthropic provider requires anthropic.key")
		}
		return NewAnthropicFromKey(acfg), nil
	case "none":
		return nil, nil
	default:
		return nil, eris.Errorf("visualsearch: unknown provider %q", provider)
	}
}

// rateLimited wraps ErrRateLimited so the retry policy backs off.
func rateLimited() error {
	return resilience.NewTransientError(ErrRateLimited, 429)
}

// NewBreaker builds the circuit breaker guarding a searcher.
func NewBreaker(cfg config.VisualConfig) *resilience.Breaker {
	return resilience.NewBreaker("visualsearch", cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSecs)*time.Second)
}
