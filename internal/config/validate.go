package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Validate checks value ranges and provider names. Credentials are checked
// lazily by the command that needs them.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, eris.Errorf(format, args...).Error())
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		add("store.database_url is required for postgres")
	}
	if c.Capture.DefaultGrade < 1 || c.Capture.DefaultGrade > 10 {
		add("capture.default_grade must be 1-10, got %d", c.Capture.DefaultGrade)
	}
	if _, err := c.Location(); err != nil {
		add("capture.time_zone: %v", err)
	}
	switch c.Normalize.Engine {
	case "native", "gocv":
	default:
		add("normalize.engine must be native or gocv, got %q", c.Normalize.Engine)
	}
	if c.Normalize.Width <= 0 || c.Normalize.Height <= 0 {
		add("normalize.width and normalize.height must be positive")
	}
	if c.Recognize.ConfidenceThreshold < 0 || c.Recognize.ConfidenceThreshold > 1 {
		add("recognize.confidence_threshold must be in [0,1], got %v", c.Recognize.ConfidenceThreshold)
	}
	switch c.Recognize.VisualProvider {
	case "http", "anthropic", "none":
	default:
		add("recognize.visual_provider must be http, anthropic or none, got %q", c.Recognize.VisualProvider)
	}
	switch c.Recognize.SetAuthority {
	case "visual", "text":
	default:
		add("recognize.set_authority must be visual or text, got %q", c.Recognize.SetAuthority)
	}
	if c.Fees.MarketplaceFeeRate < 0 || c.Fees.MarketplaceFeeRate >= 1 {
		add("fees.marketplace_fee_rate must be in [0,1), got %v", c.Fees.MarketplaceFeeRate)
	}
	if c.Fees.GradingBaseFee < 0 || c.Fees.PremiumSurcharge < 0 {
		add("fees must not be negative")
	}
	if c.Batch.Concurrency < 1 {
		add("batch.concurrency must be at least 1, got %d", c.Batch.Concurrency)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location resolves the capture time zone used for day numbering.
func (c *Config) Location() (*time.Location, error) {
	if c.Capture.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Capture.TimeZone)
	if err != nil {
		return nil, eris.Wrapf(err, "config: load time zone %q", c.Capture.TimeZone)
	}
	return loc, nil
}

// ExternalTimeout is the per-attempt timeout for collaborator calls.
func (c *Config) ExternalTimeout() time.Duration {
	if c.Retry.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Retry.TimeoutSecs) * time.Second
}
