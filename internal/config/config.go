// Package config gathers the engine's settings from flags, environment and
// config file, and validates them.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/pavelanni/mathgrader/internal/confidence"
	"github.com/pavelanni/mathgrader/internal/ledger"
)

// Provider names accepted in the solve order.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// OpenAI configures the OpenAI-compatible solve provider.
type OpenAI struct {
	URL   string `validate:"omitempty,url"`
	Key   string
	Model string `validate:"required"`
}

// Gemini configures the Gemini solve provider.
type Gemini struct {
	Key   string
	Model string `validate:"required"`
}

// Mathpix configures the OCR provider.
type Mathpix struct {
	URL    string `validate:"omitempty,url"`
	AppID  string
	AppKey string
}

// Wolfram configures the symbolic verifier.
type Wolfram struct {
	URL   string `validate:"omitempty,url"`
	AppID string
}

// Config is the full engine configuration.
type Config struct {
	Addr     string `validate:"required"`
	DBDriver string `validate:"oneof=sqlite pgx postgres"`
	DB       string `validate:"required"`
	Lang     string `validate:"oneof=en ru"`

	Providers []string `validate:"min=1,dive,oneof=openai gemini"`
	OpenAI    OpenAI
	Gemini    Gemini
	Mathpix   Mathpix
	Wolfram   Wolfram

	OCREnabled        bool
	SymbolicEnabled   bool
	PipelineTimeout   time.Duration `validate:"gt=0"`
	CallTimeout       time.Duration `validate:"gt=0,ltefield=PipelineTimeout"`
	VerifyConcurrency int           `validate:"gte=1,lte=32"`
	PointsPerQuestion int           `validate:"gte=1"`

	Pricing     ledger.Pricing
	SignupBonus int64 `validate:"gte=0"`
	Thresholds  confidence.Thresholds

	ReviewWindow        time.Duration `validate:"gt=0"`
	ReviewBuckets       int           `validate:"gte=1,lte=3600"`
	ReviewAlertRate     float64       `validate:"gte=0,lte=1"`
	ReviewCheckInterval time.Duration `validate:"gt=0"`
	RedisAddr           string        `validate:"omitempty,hostname_port"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Addr:                ":8080",
		DBDriver:            "sqlite",
		DB:                  "mathgrader.db",
		Lang:                "en",
		Providers:           []string{ProviderOpenAI, ProviderGemini},
		OpenAI:              OpenAI{URL: "https://api.openai.com/v1", Model: "gpt-4o"},
		Gemini:              Gemini{Model: "gemini-1.5-flash"},
		OCREnabled:          true,
		SymbolicEnabled:     true,
		PipelineTimeout:     30 * time.Second,
		CallTimeout:         20 * time.Second,
		VerifyConcurrency:   4,
		PointsPerQuestion:   1,
		Pricing:             ledger.DefaultPricing(),
		Thresholds:          confidence.DefaultThresholds(),
		ReviewWindow:        time.Hour,
		ReviewBuckets:       60,
		ReviewAlertRate:     0.3,
		ReviewCheckInterval: time.Minute,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// FromViper reads every key the engine knows from v, falling back to the
// defaults for keys v does not have, and validates the result.
func FromViper(v *viper.Viper) (Config, error) {
	c := Default()
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	num64 := func(key string, dst *int64) {
		if v.IsSet(key) {
			*dst = v.GetInt64(key)
		}
	}
	frac := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}

	str("addr", &c.Addr)
	str("db-driver", &c.DBDriver)
	str("db", &c.DB)
	str("lang", &c.Lang)
	if v.IsSet("providers") {
		c.Providers = nil
		for _, p := range v.GetStringSlice("providers") {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				c.Providers = append(c.Providers, p)
			}
		}
	}
	str("openai-url", &c.OpenAI.URL)
	str("openai-key", &c.OpenAI.Key)
	str("openai-model", &c.OpenAI.Model)
	str("gemini-key", &c.Gemini.Key)
	str("gemini-model", &c.Gemini.Model)
	str("mathpix-url", &c.Mathpix.URL)
	str("mathpix-app-id", &c.Mathpix.AppID)
	str("mathpix-app-key", &c.Mathpix.AppKey)
	str("wolfram-url", &c.Wolfram.URL)
	str("wolfram-app-id", &c.Wolfram.AppID)

	boolean("ocr", &c.OCREnabled)
	boolean("symbolic", &c.SymbolicEnabled)
	dur("pipeline-timeout", &c.PipelineTimeout)
	dur("call-timeout", &c.CallTimeout)
	num("verify-concurrency", &c.VerifyConcurrency)
	num("points-per-question", &c.PointsPerQuestion)

	num64("cost-per-submission", &c.Pricing.PerSubmission)
	num64("cost-feedback", &c.Pricing.Feedback)
	num("bulk-threshold", &c.Pricing.BulkThreshold)
	if v.IsSet("bulk-discount") {
		c.Pricing.BulkDiscountBP = ledger.RateToBP(v.GetFloat64("bulk-discount"))
	}
	num64("signup-bonus", &c.SignupBonus)
	frac("ocr-threshold", &c.Thresholds.OCR)
	frac("readability-threshold", &c.Thresholds.Readability)

	dur("review-window", &c.ReviewWindow)
	num("review-buckets", &c.ReviewBuckets)
	frac("review-alert-rate", &c.ReviewAlertRate)
	dur("review-check-interval", &c.ReviewCheckInterval)
	str("redis-addr", &c.RedisAddr)

	str("log-level", &c.LogLevel)
	str("log-format", &c.LogFormat)
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

var validate = validator.New()

// Validate checks field constraints. Missing provider credentials are not an
// error here: the provider is skipped when the engine is built.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if seen[p] {
			return fmt.Errorf("configuration validation failed: provider %q listed twice", p)
		}
		seen[p] = true
	}
	return nil
}
