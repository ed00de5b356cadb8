// Package config loads the swing engine's YAML configuration, following the
// teacher's config.LoadConfig pattern (gopkg.in/yaml.v3 unmarshal + explicit
// post-load validation, with sensitive fields overridable from the
// environment).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level swingbot configuration document.
type Config struct {
	Swingbot   SwingbotConfig   `yaml:"swingbot"`
	Venue      VenueConfig      `yaml:"venue"`
	Symbol     SymbolConfig     `yaml:"symbol"`
	Strategy   StrategyConfig   `yaml:"strategy"`
	Order      OrderConfig      `yaml:"order"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

// SwingbotConfig carries service identity, mirroring the teacher's top-level
// CryptoflowConfig block.
type SwingbotConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VenueConfig selects and authenticates the exchange adapter.
type VenueConfig struct {
	Name       string        `yaml:"name"` // "binance", "bybit", "kucoin"
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"`
	Passphrase string        `yaml:"passphrase"` // kucoin only
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`

	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// ConnectionPoolConfig mirrors the teacher's per-source HTTP transport
// tuning knobs (config.ConnectionPoolConfig).
type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// SymbolConfig names the traded symbol and the (possibly different) signal
// symbol/interval the RSI is computed against, per §6.
type SymbolConfig struct {
	Trade          string `yaml:"trade"`
	SignalSymbol   string `yaml:"signal_symbol"`
	SignalInterval string `yaml:"signal_interval"`
	DepthSpeedMs   int    `yaml:"depth_speed_ms"`
	DepthLimit     int    `yaml:"depth_limit"`
}

// StrategyConfig configures the swing engine, per §4.5/§4.6/§6.
type StrategyConfig struct {
	Direction           string  `yaml:"direction"` // "long", "short", "both"
	TradeAmount         string  `yaml:"trade_amount"`
	PollIntervalMs      int     `yaml:"poll_interval_ms"`
	RSIPeriod           int     `yaml:"rsi_period"`
	RSIHigh             float64 `yaml:"rsi_high"`
	RSILow              float64 `yaml:"rsi_low"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`
	MaxCloseSlippagePct float64 `yaml:"max_close_slippage_pct"`
	MaxLogEntries       int     `yaml:"max_log_entries"`
}

// OrderConfig configures the order coordinator, per §4.4.
type OrderConfig struct {
	PriceTick       string        `yaml:"price_tick"`
	QtyStep         string        `yaml:"qty_step"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	StopDebounce    time.Duration `yaml:"stop_debounce"`
}

// RateLimitConfig configures the throttling controller, per §4.3.
type RateLimitConfig struct {
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	CyclesPerSec float64       `yaml:"cycles_per_sec"`
	Burst        int           `yaml:"burst"`
}

// LoggingConfig mirrors the teacher's config.LoggingConfig, consumed by
// logger.Log.Configure.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// CloudWatchConfig enables periodic metric/report publication via the
// ambient logger's CloudWatch integration (logger.InitCloudWatch/StartReport).
type CloudWatchConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Region         string        `yaml:"region"`
	Namespace      string        `yaml:"namespace"`
	Dashboard      string        `yaml:"dashboard"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// LoadConfig reads and validates a swingbot configuration document, per the
// teacher's config.LoadConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{
		RateLimit:  RateLimitConfig{CyclesPerSec: 2, Burst: 2},
		Strategy:   StrategyConfig{RSIHigh: 70, RSILow: 30, PollIntervalMs: 500},
		CloudWatch: CloudWatchConfig{ReportInterval: 60 * time.Second},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets venue credentials be supplied out-of-band instead
// of committed to the config file, per the teacher's S3 credential override
// in config.LoadConfig.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VENUE_API_KEY"); v != "" {
		cfg.Venue.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("VENUE_API_SECRET"); v != "" {
		cfg.Venue.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("VENUE_PASSPHRASE"); v != "" {
		cfg.Venue.Passphrase = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Swingbot.Name == "" {
		return fmt.Errorf("swingbot.name is required")
	}
	if cfg.Venue.Name == "" {
		return fmt.Errorf("venue.name is required")
	}
	switch strings.ToLower(cfg.Venue.Name) {
	case "binance", "bybit", "kucoin":
	default:
		return fmt.Errorf("venue.name '%s' is not a supported venue", cfg.Venue.Name)
	}
	if cfg.Symbol.Trade == "" {
		return fmt.Errorf("symbol.trade is required")
	}
	if cfg.Symbol.SignalSymbol == "" {
		cfg.Symbol.SignalSymbol = cfg.Symbol.Trade
	}
	if cfg.Symbol.SignalInterval == "" {
		return fmt.Errorf("symbol.signal_interval is required")
	}
	if cfg.Strategy.TradeAmount == "" {
		return fmt.Errorf("strategy.trade_amount is required")
	}
	if cfg.Strategy.RSIPeriod <= 0 {
		return fmt.Errorf("strategy.rsi_period must be greater than 0")
	}
	switch strings.ToLower(cfg.Strategy.Direction) {
	case "long", "short", "both":
	default:
		return fmt.Errorf("strategy.direction '%s' must be one of long, short, both", cfg.Strategy.Direction)
	}
	return nil
}
