package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Hyperquant HyperquantConfig `yaml:"hyperquant"`
	Source     SourceConfig     `yaml:"source"`
	Valuation  ValuationConfig  `yaml:"valuation"`
	Stream     StreamConfig     `yaml:"stream"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type HyperquantConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Bitfinex BitfinexSourceConfig `yaml:"bitfinex"`
}

type BitfinexSourceConfig struct {
	RestURL   string          `yaml:"rest_url"`
	WsURL     string          `yaml:"ws_url"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type ValuationConfig struct {
	ReserveAsset     string    `yaml:"reserve_asset"`
	TargetCurrencies []string  `yaml:"target_currencies"`
	Portfolio        []Holding `yaml:"portfolio"`
}

// Holding is one configured portfolio position. Amount stays a string in
// YAML and is validated as a decimal so balances never round-trip through
// floats.
type Holding struct {
	Currency string `yaml:"currency"`
	Amount   string `yaml:"amount"`
}

type StreamConfig struct {
	TradePairs []string `yaml:"trade_pairs"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// DefaultConfigPath is used when no -config flag is supplied and no
// environment specific file applies.
const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Source: SourceConfig{
			Bitfinex: BitfinexSourceConfig{
				Timeout:   10 * time.Second,
				RateLimit: RateLimitConfig{RequestsPerMinute: 30},
			},
		},
		Valuation: ValuationConfig{ReserveAsset: "USDT"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override endpoints from environment variables if available
	if v := os.Getenv("BITFINEX_REST_URL"); v != "" {
		config.Source.Bitfinex.RestURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BITFINEX_WS_URL"); v != "" {
		config.Source.Bitfinex.WsURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("RESERVE_ASSET"); v != "" {
		config.Valuation.ReserveAsset = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Hyperquant.Name == "" {
		return fmt.Errorf("hyperquant.name is required")
	}

	if cfg.Hyperquant.Version == "" {
		return fmt.Errorf("hyperquant.version is required")
	}

	if cfg.Source.Bitfinex.Timeout <= 0 {
		return fmt.Errorf("source.bitfinex.timeout must be greater than 0")
	}

	if cfg.Source.Bitfinex.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("source.bitfinex.rate_limit.requests_per_minute must be greater than 0")
	}

	if cfg.Valuation.ReserveAsset == "" {
		return fmt.Errorf("valuation.reserve_asset is required")
	}

	seen := make(map[string]struct{}, len(cfg.Valuation.Portfolio))
	for _, holding := range cfg.Valuation.Portfolio {
		if holding.Currency == "" {
			return fmt.Errorf("valuation.portfolio entries require a currency")
		}
		if _, ok := seen[holding.Currency]; ok {
			return fmt.Errorf("valuation.portfolio currency '%s' is duplicated", holding.Currency)
		}
		seen[holding.Currency] = struct{}{}
		if _, err := decimal.NewFromString(holding.Amount); err != nil {
			return fmt.Errorf("valuation.portfolio amount for '%s' is not a decimal: %w", holding.Currency, err)
		}
	}

	for _, target := range cfg.Valuation.TargetCurrencies {
		if target == "" {
			return fmt.Errorf("valuation.target_currencies entries cannot be empty")
		}
	}

	return nil
}
