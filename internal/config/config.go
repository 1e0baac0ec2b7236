package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Capture    CaptureConfig    `yaml:"capture" mapstructure:"capture"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Recognize  RecognizeConfig  `yaml:"recognize" mapstructure:"recognize"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Visual     VisualConfig     `yaml:"visual" mapstructure:"visual"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Fees       FeesConfig       `yaml:"fees" mapstructure:"fees"`
	Ebay       EbayConfig       `yaml:"ebay" mapstructure:"ebay"`
	Images     ImagesConfig     `yaml:"images" mapstructure:"images"`
	Submission SubmissionConfig `yaml:"submission" mapstructure:"submission"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CaptureConfig configures the image source and identity assignment.
type CaptureConfig struct {
	ImageDir     string `yaml:"image_dir" mapstructure:"image_dir"`
	CanonicalDir string `yaml:"canonical_dir" mapstructure:"canonical_dir"`
	TimeZone     string `yaml:"time_zone" mapstructure:"time_zone"`
	DefaultGrade int    `yaml:"default_grade" mapstructure:"default_grade"`
}

// NormalizeConfig configures the image normalizer.
type NormalizeConfig struct {
	Engine          string  `yaml:"engine" mapstructure:"engine"`
	Width           int     `yaml:"width" mapstructure:"width"`
	Height          int     `yaml:"height" mapstructure:"height"`
	MinAreaRatio    float64 `yaml:"min_area_ratio" mapstructure:"min_area_ratio"`
	AspectTolerance float64 `yaml:"aspect_tolerance" mapstructure:"aspect_tolerance"`
	BlockSize       int     `yaml:"block_size" mapstructure:"block_size"`
	ThresholdC      float64 `yaml:"threshold_c" mapstructure:"threshold_c"`
	MaxDetectSide   int     `yaml:"max_detect_side" mapstructure:"max_detect_side"`
	JPEGQuality     int     `yaml:"jpeg_quality" mapstructure:"jpeg_quality"`
}

// RecognizeConfig configures text/visual reconciliation.
type RecognizeConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	VisualProvider      string  `yaml:"visual_provider" mapstructure:"visual_provider"`
	SetAuthority        string  `yaml:"set_authority" mapstructure:"set_authority"`
}

// OCRConfig configures image text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
}

// VisualConfig configures the HTTP visual-similarity service.
type VisualConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	Key                 string  `yaml:"key" mapstructure:"key"`
	RateLimit           float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// AnthropicConfig holds Anthropic API settings for vision identification.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// PricingConfig configures the price source.
type PricingConfig struct {
	Provider      string  `yaml:"provider" mapstructure:"provider"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	Token         string  `yaml:"token" mapstructure:"token"`
	SheetPath     string  `yaml:"sheet_path" mapstructure:"sheet_path"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// FeesConfig holds the marketplace fee and grading cost schedule.
type FeesConfig struct {
	MarketplaceFeeRate float64 `yaml:"marketplace_fee_rate" mapstructure:"marketplace_fee_rate"`
	GradingBaseFee     float64 `yaml:"grading_base_fee" mapstructure:"grading_base_fee"`
	PremiumSurcharge   float64 `yaml:"premium_surcharge" mapstructure:"premium_surcharge"`
	PremiumMinGrade    int     `yaml:"premium_min_grade" mapstructure:"premium_min_grade"`
}

// EbayConfig holds eBay Inventory API settings.
type EbayConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	Token               string  `yaml:"token" mapstructure:"token"`
	MarketplaceID       string  `yaml:"marketplace_id" mapstructure:"marketplace_id"`
	CategoryID          string  `yaml:"category_id" mapstructure:"category_id"`
	Condition           string  `yaml:"condition" mapstructure:"condition"`
	Currency            string  `yaml:"currency" mapstructure:"currency"`
	MerchantLocationKey string  `yaml:"merchant_location_key" mapstructure:"merchant_location_key"`
	FulfillmentPolicyID string  `yaml:"fulfillment_policy_id" mapstructure:"fulfillment_policy_id"`
	PaymentPolicyID     string  `yaml:"payment_policy_id" mapstructure:"payment_policy_id"`
	ReturnPolicyID      string  `yaml:"return_policy_id" mapstructure:"return_policy_id"`
	RateLimit           float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ImagesConfig configures where listing images are hosted.
type ImagesConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	Bucket        string `yaml:"bucket" mapstructure:"bucket"`
	Prefix        string `yaml:"prefix" mapstructure:"prefix"`
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url"`
	LocalDir      string `yaml:"local_dir" mapstructure:"local_dir"`
}

// SubmissionConfig configures grading submission delivery.
type SubmissionConfig struct {
	Provider     string `yaml:"provider" mapstructure:"provider"`
	OutboxDir    string `yaml:"outbox_dir" mapstructure:"outbox_dir"`
	ServiceLevel string `yaml:"service_level" mapstructure:"service_level"`
	FTPAddr      string `yaml:"ftp_addr" mapstructure:"ftp_addr"`
	FTPUser      string `yaml:"ftp_user" mapstructure:"ftp_user"`
	FTPPassword  string `yaml:"ftp_password" mapstructure:"ftp_password"`
	FTPDir       string `yaml:"ftp_dir" mapstructure:"ftp_dir"`
}

// NotionConfig holds the optional review-queue mirror settings.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// RetryConfig is the call policy applied to every external collaborator.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// BatchConfig configures stage worker pools.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CARDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "cardflow.db")
	v.SetDefault("capture.image_dir", "images")
	v.SetDefault("capture.canonical_dir", "images/canonical")
	v.SetDefault("capture.time_zone", "UTC")
	v.SetDefault("capture.default_grade", 8)
	v.SetDefault("normalize.engine", "native")
	v.SetDefault("normalize.width", 500)
	v.SetDefault("normalize.height", 700)
	v.SetDefault("normalize.min_area_ratio", 0.05)
	v.SetDefault("normalize.aspect_tolerance", 0.08)
	v.SetDefault("normalize.block_size", 25)
	v.SetDefault("normalize.threshold_c", 7.0)
	v.SetDefault("normalize.max_detect_side", 1024)
	v.SetDefault("normalize.jpeg_quality", 92)
	v.SetDefault("recognize.confidence_threshold", 0.7)
	v.SetDefault("recognize.visual_provider", "http")
	v.SetDefault("recognize.set_authority", "visual")
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("visual.rate_limit", 2.0)
	v.SetDefault("visual.breaker_threshold", 5)
	v.SetDefault("visual.breaker_cooldown_secs", 60)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("pricing.provider", "pricecharting")
	v.SetDefault("pricing.base_url", "https://www.pricecharting.com")
	v.SetDefault("pricing.sheet_path", "prices.yaml")
	v.SetDefault("pricing.cache_ttl_hours", 24)
	v.SetDefault("pricing.rate_limit", 1.0)
	v.SetDefault("fees.marketplace_fee_rate", 0.1325)
	v.SetDefault("fees.grading_base_fee", 25.00)
	v.SetDefault("fees.premium_surcharge", 0.00)
	v.SetDefault("fees.premium_min_grade", 10)
	v.SetDefault("ebay.base_url", "https://api.ebay.com")
	v.SetDefault("ebay.marketplace_id", "EBAY_US")
	v.SetDefault("ebay.category_id", "261328")
	v.SetDefault("ebay.condition", "USED_VERY_GOOD")
	v.SetDefault("ebay.currency", "USD")
	v.SetDefault("ebay.rate_limit", 2.0)
	v.SetDefault("images.provider", "local")
	v.SetDefault("images.prefix", "cards")
	v.SetDefault("images.local_dir", "public")
	v.SetDefault("submission.provider", "file")
	v.SetDefault("submission.outbox_dir", "outbox")
	v.SetDefault("submission.service_level", "value")
	v.SetDefault("submission.ftp_dir", "/")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.timeout_secs", 30)
	v.SetDefault("batch.concurrency", 8)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
