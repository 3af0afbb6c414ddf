// Package cost prices text-generation calls from token counts.
package cost

import (
	"math"
	"strings"

	"github.com/onsite-teams/salesintel/internal/config"
)

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates is the price table. Default applies to models missing from Models.
type Rates struct {
	Models  map[string]ModelRate `yaml:"models" mapstructure:"models"`
	Default ModelRate            `yaml:"default" mapstructure:"default"`
}

// Calculator computes costs for model usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	if rates.Default.Input == 0 && rates.Default.Output == 0 {
		rates.Default = DefaultRates().Default
	}
	return &Calculator{rates: rates}
}

// FromConfig layers configured overrides on top of DefaultRates.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for model, p := range cfg.Models {
		rates.Models[model] = ModelRate{Input: p.Input, Output: p.Output}
	}
	if cfg.Default.Input > 0 || cfg.Default.Output > 0 {
		rates.Default = ModelRate{Input: cfg.Default.Input, Output: cfg.Default.Output}
	}
	return NewCalculator(rates)
}

// Rate returns the price for model. An exact match wins; otherwise the
// longest configured prefix (so "gpt-4o-2024-08-06" prices as "gpt-4o").
func (c *Calculator) Rate(model string) ModelRate {
	if r, ok := c.rates.Models[model]; ok {
		return r
	}
	best := ""
	for name := range c.rates.Models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return c.rates.Models[best]
	}
	return c.rates.Default
}

// Call returns (input×priceIn + output×priceOut) / 1e6 rounded to six decimals.
func (c *Calculator) Call(model string, input, output int64) float64 {
	rate := c.Rate(model)
	usd := (float64(input)*rate.Input + float64(output)*rate.Output) / 1e6
	return math.Round(usd*1e6) / 1e6
}

// DefaultRates returns the built-in price table.
func DefaultRates() Rates {
	return Rates{
		Models: map[string]ModelRate{
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
			"gpt-4o":                     {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		},
		Default: ModelRate{Input: 3.00, Output: 15.00},
	}
}
