package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestFromViper(t *testing.T) {
	v := viper.New()
	v.Set("providers", []string{" Gemini ", "openai"})
	v.Set("gemini-key", "k")
	v.Set("pipeline-timeout", "45s")
	v.Set("bulk-discount", 0.15)
	v.Set("ocr", false)
	v.Set("readability-threshold", 0.6)
	v.Set("log-level", "DEBUG")

	c, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if len(c.Providers) != 2 || c.Providers[0] != "gemini" {
		t.Errorf("providers = %v", c.Providers)
	}
	if c.PipelineTimeout != 45*time.Second {
		t.Errorf("pipeline timeout = %v", c.PipelineTimeout)
	}
	if c.Pricing.BulkDiscountBP != 1500 {
		t.Errorf("bulk discount = %d bp, want 1500", c.Pricing.BulkDiscountBP)
	}
	if c.OCREnabled {
		t.Error("OCR should be disabled")
	}
	if c.Thresholds.Readability != 0.6 || c.Thresholds.OCR != 0.7 {
		t.Errorf("thresholds = %+v", c.Thresholds)
	}
	if c.LogLevel != "debug" {
		t.Errorf("log level = %q", c.LogLevel)
	}
	if c.CallTimeout != 20*time.Second {
		t.Errorf("call timeout default = %v", c.CallTimeout)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Providers = []string{"claude"} }, "Providers"},
		{"no providers", func(c *Config) { c.Providers = nil }, "Providers"},
		{"duplicate provider", func(c *Config) { c.Providers = []string{"openai", "openai"} }, "twice"},
		{"call timeout over pipeline", func(c *Config) { c.CallTimeout = time.Minute }, "CallTimeout"},
		{"threshold over one", func(c *Config) { c.Thresholds.OCR = 1.2 }, "OCR"},
		{"discount over 100%", func(c *Config) { c.Pricing.BulkDiscountBP = 20000 }, "BulkDiscountBP"},
		{"bad driver", func(c *Config) { c.DBDriver = "mysql" }, "DBDriver"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LogFormat"},
		{"bad redis addr", func(c *Config) { c.RedisAddr = "not an address" }, "RedisAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
