// Package config defines all configuration for the orchestrator.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADEORCH_* environment variables.
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
	DryRun       bool               `mapstructure:"dry_run"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	MarketData   MarketDataConfig   `mapstructure:"market_data"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Evaluator    EvaluatorConfig    `mapstructure:"evaluator"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Bars         BarsConfig         `mapstructure:"bars"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Store        StoreConfig        `mapstructure:"store"`
	Dashboard    DashboardConfig    `mapstructure:"dashboard"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// BrokerConfig holds the broker API endpoint, credentials, and the hard
// order constraints the adapter enforces before anything reaches the wire.
type BrokerConfig struct {
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	APISecret    string  `mapstructure:"api_secret"`
	Passphrase   string  `mapstructure:"passphrase"`
	MaxOrderQty  float64 `mapstructure:"max_order_qty"`
	MaxNotional  float64 `mapstructure:"max_notional"`
	RateLimitRPS float64 `mapstructure:"rate_limit_rps"`
	RateBurst    int     `mapstructure:"rate_burst"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MarketDataConfig holds the bar history REST endpoint and the live bar
// websocket feed.
type MarketDataConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig is the Postgres connection for strategy records, audit
// entries, and the durable bar tier.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig backs the distributed per-symbol lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// EvaluatorConfig points at the external strategy evaluation service.
// Timeout defaults to 50s; evaluation is slow and a late answer is still
// better than a dropped one.
type EvaluatorConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// OrchestratorConfig controls strategy discovery, the bar fan-out, and the
// process-wide safety flags.
type OrchestratorConfig struct {
	UserID                  string        `mapstructure:"user_id"`
	DiscoveryInterval       time.Duration `mapstructure:"discovery_interval"`
	ReconcileInterval       time.Duration `mapstructure:"reconcile_interval"`
	MaxConcurrentStrategies int           `mapstructure:"max_concurrent_strategies"`
	WorkerPoolSize          int           `mapstructure:"worker_pool_size"`
	AllowLiveOrders         bool          `mapstructure:"allow_live_orders"`
	AllowCancelEntries      bool          `mapstructure:"allow_cancel_entries"`
	DynamicSizing           bool          `mapstructure:"dynamic_sizing"`
	SizingFactor            float64       `mapstructure:"sizing_factor"` // fraction of buying power, default 0.75
}

// BarsConfig tunes the bar cache.
type BarsConfig struct {
	MaxSize      int           `mapstructure:"max_size"`      // bars kept per (symbol, timeframe)
	GapThreshold float64       `mapstructure:"gap_threshold"` // missing fraction above which backfill is refused
	MemoryTTL    time.Duration `mapstructure:"memory_ttl"`
}

// RiskConfig sets hard limits that trigger order cancellation (kill switch).
type RiskConfig struct {
	MaxPositionPerSymbol float64       `mapstructure:"max_position_per_symbol"`
	MaxGlobalExposure    float64       `mapstructure:"max_global_exposure"`
	MaxStrategiesActive  int           `mapstructure:"max_strategies_active"`
	MaxDailyLoss         float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
}

// DashboardConfig controls the read-only HTTP/WebSocket status API.
// An empty AllowedOrigins list permits same-host and localhost origins.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// StoreConfig sets where engine runtime-state snapshots are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADEORCH_API_KEY, TRADEORCH_API_SECRET,
// TRADEORCH_PASSPHRASE, TRADEORCH_DB_DSN, TRADEORCH_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEORCH")
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
	if key := os.Getenv("TRADEORCH_API_KEY"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("TRADEORCH_API_SECRET"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if pass := os.Getenv("TRADEORCH_PASSPHRASE"); pass != "" {
		cfg.Broker.Passphrase = pass
	}
	if dsn := os.Getenv("TRADEORCH_DB_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if pw := os.Getenv("TRADEORCH_REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if os.Getenv("TRADEORCH_DRY_RUN") == "true" || os.Getenv("TRADEORCH_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Broker.RequestTimeout == 0 {
		c.Broker.RequestTimeout = 10 * time.Second
	}
	if c.Broker.RateLimitRPS == 0 {
		c.Broker.RateLimitRPS = 10
	}
	if c.Broker.RateBurst == 0 {
		c.Broker.RateBurst = 20
	}
	if c.MarketData.RequestTimeout == 0 {
		c.MarketData.RequestTimeout = 15 * time.Second
	}
	if c.Evaluator.Timeout == 0 {
		c.Evaluator.Timeout = 50 * time.Second
	}
	if c.Orchestrator.DiscoveryInterval == 0 {
		c.Orchestrator.DiscoveryInterval = 30 * time.Second
	}
	if c.Orchestrator.ReconcileInterval == 0 {
		c.Orchestrator.ReconcileInterval = 60 * time.Second
	}
	if c.Orchestrator.MaxConcurrentStrategies == 0 {
		c.Orchestrator.MaxConcurrentStrategies = 50
	}
	if c.Orchestrator.WorkerPoolSize == 0 {
		c.Orchestrator.WorkerPoolSize = 16
	}
	if c.Orchestrator.SizingFactor == 0 {
		c.Orchestrator.SizingFactor = 0.75
	}
	if c.Evaluator.Interval == 0 {
		c.Evaluator.Interval = 15 * time.Minute
	}
	if c.Bars.MaxSize == 0 {
		c.Bars.MaxSize = 10000
	}
	if c.Bars.GapThreshold == 0 {
		c.Bars.GapThreshold = 0.5
	}
	if c.Bars.MemoryTTL == 0 {
		c.Bars.MemoryTTL = 24 * time.Hour
	}
	if c.Risk.CooldownAfterKill == 0 {
		c.Risk.CooldownAfterKill = 5 * time.Minute
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "data"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if !c.DryRun && c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required (set TRADEORCH_API_KEY)")
	}
	if !c.DryRun && c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required (set TRADEORCH_API_SECRET)")
	}
	if c.MarketData.BaseURL == "" {
		return fmt.Errorf("market_data.base_url is required")
	}
	if c.Broker.MaxOrderQty <= 0 {
		return fmt.Errorf("broker.max_order_qty must be > 0")
	}
	if c.Broker.MaxNotional <= 0 {
		return fmt.Errorf("broker.max_notional must be > 0")
	}
	if c.Risk.MaxPositionPerSymbol <= 0 {
		return fmt.Errorf("risk.max_position_per_symbol must be > 0")
	}
	if c.Risk.MaxGlobalExposure <= 0 {
		return fmt.Errorf("risk.max_global_exposure must be > 0")
	}
	if c.Risk.MaxStrategiesActive <= 0 {
		return fmt.Errorf("risk.max_strategies_active must be > 0")
	}
	if c.Bars.GapThreshold < 0 || c.Bars.GapThreshold > 1 {
		return fmt.Errorf("bars.gap_threshold must be in [0, 1]")
	}
	return nil
}
