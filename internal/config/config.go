// Package config defines all configuration for the signal-trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// ExchangeConfig holds the futures venue endpoint and credentials.
// RecvWindow bounds request validity: clock drift beyond it fails signing.
type ExchangeConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	RecvWindow  time.Duration `mapstructure:"recv_window"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	QuoteAsset  string        `mapstructure:"quote_asset"` // settlement currency, usually USDT
}

// LLMConfig holds the recognition backend. The endpoint is any
// chat-completions-compatible API; Model is configuration, not code.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// ChatConfig holds the chat-transport gateway credentials used by ingestion.
type ChatConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
	BotToken   string `mapstructure:"bot_token"`
	APIID      string `mapstructure:"api_id"`
	APIHash    string `mapstructure:"api_hash"`
}

// TradingConfig sets the global sizing and safety policy.
//
//   - MaxLeverage: hard cap applied before setLeverage, whatever the signal says.
//   - MaxPositionPercent: global cap on per-trade sizing (0–100).
//   - DefaultRiskPercent: fallback when a channel omits its own risk fraction.
//   - PriceDriftPct: executed-price drift beyond this annotates the position.
//   - RiskManagementDisabled: emergency override that bypasses sanity checks
//     and dedup (never sizing). Logged loudly on every executed signal.
type TradingConfig struct {
	MaxLeverage            int     `mapstructure:"max_leverage"`
	MaxPositionPercent     float64 `mapstructure:"max_position_percent"`
	DefaultRiskPercent     float64 `mapstructure:"default_risk_percent"`
	PriceDriftPct          float64 `mapstructure:"price_drift_pct"`
	RiskManagementDisabled bool    `mapstructure:"risk_management_disabled"`
}

// FeedConfig tunes the signal feed consumer pool.
type FeedConfig struct {
	Workers       int           `mapstructure:"workers"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	DedupEpsilon  float64       `mapstructure:"dedup_epsilon"` // relative entry-price tolerance
}

// ReconcileConfig controls the position reconciliation loop.
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig sets where the relational store lives.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite database file
}

// RedisConfig points at the key-value store backing the durable message
// queue and ephemeral pub/sub caches.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig controls the thin admin HTTP surface.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SB_EXCHANGE_API_KEY, SB_EXCHANGE_SECRET_KEY,
// SB_LLM_API_KEY, SB_CHAT_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SB_EXCHANGE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("SB_EXCHANGE_SECRET_KEY"); secret != "" {
		cfg.Exchange.SecretKey = secret
	}
	if key := os.Getenv("SB_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if tok := os.Getenv("SB_CHAT_BOT_TOKEN"); tok != "" {
		cfg.Chat.BotToken = tok
	}
	if os.Getenv("SB_DRY_RUN") == "true" || os.Getenv("SB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.RecvWindow <= 0 {
		c.Exchange.RecvWindow = 5 * time.Second
	}
	if c.Exchange.CallTimeout <= 0 {
		c.Exchange.CallTimeout = 5 * time.Second
	}
	if c.Exchange.QuoteAsset == "" {
		c.Exchange.QuoteAsset = "USDT"
	}
	if c.LLM.CallTimeout <= 0 {
		c.LLM.CallTimeout = 15 * time.Second
	}
	if c.Feed.Workers <= 0 {
		c.Feed.Workers = 4
	}
	if c.Feed.MinConfidence <= 0 {
		c.Feed.MinConfidence = 0.8
	}
	if c.Feed.DedupWindow <= 0 {
		c.Feed.DedupWindow = 24 * time.Hour
	}
	if c.Feed.DedupEpsilon <= 0 {
		c.Feed.DedupEpsilon = 0.001
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = 30 * time.Second
	}
	if c.Trading.PriceDriftPct <= 0 {
		c.Trading.PriceDriftPct = 2.0
	}
	if c.Trading.DefaultRiskPercent <= 0 {
		c.Trading.DefaultRiskPercent = 2.0
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("exchange credentials are required (set SB_EXCHANGE_API_KEY / SB_EXCHANGE_SECRET_KEY)")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Trading.MaxLeverage <= 0 {
		return fmt.Errorf("trading.max_leverage must be > 0")
	}
	if c.Trading.MaxPositionPercent <= 0 || c.Trading.MaxPositionPercent > 100 {
		return fmt.Errorf("trading.max_position_percent must be in (0, 100]")
	}
	if c.Trading.DefaultRiskPercent < 0.1 || c.Trading.DefaultRiskPercent > 20 {
		return fmt.Errorf("trading.default_risk_percent must be in [0.1, 20]")
	}
	if c.Feed.MinConfidence < 0 || c.Feed.MinConfidence > 1 {
		return fmt.Errorf("feed.min_confidence must be in [0, 1]")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
