package api

import (
	"time"

	"tradeorch/internal/config"
)

// FleetSnapshot is the complete dashboard state: every running strategy
// plus aggregate risk and the effective configuration.
type FleetSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Strategies []StrategyStatus `json:"strategies"`

	// Aggregates across the fleet
	TotalExposure      float64 `json:"total_exposure"`
	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`

	Risk   *RiskSnapshot `json:"risk,omitempty"`
	Config ConfigSummary `json:"config"`
}

// StrategyStatus is the per-strategy view: FSM state, position, and the
// current price levels of each order plan.
type StrategyStatus struct {
	ID        string `json:"id"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	State     string `json:"state"`

	BarsActive    int     `json:"bars_active"`
	PositionQty   float64 `json:"position_qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	LevelsFrozen  bool    `json:"levels_frozen"`
	OpenOrders    int     `json:"open_orders"`

	Plans map[string]PlanLevels `json:"plans,omitempty"`
}

// PlanLevels is the current numeric levels of one order plan.
type PlanLevels struct {
	Entry     float64   `json:"entry"`
	EntryLow  float64   `json:"entry_low"`
	EntryHigh float64   `json:"entry_high"`
	Stop      float64   `json:"stop"`
	Targets   []float64 `json:"targets"`
}

// RiskSnapshot is the aggregate risk state in API form.
type RiskSnapshot struct {
	GlobalExposure    float64 `json:"global_exposure"`
	MaxGlobalExposure float64 `json:"max_global_exposure"`
	ExposurePct       float64 `json:"exposure_pct"`

	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchUntil  time.Time `json:"kill_switch_until,omitempty"`

	TotalRealizedPnL   float64 `json:"total_realized_pnl"`
	TotalUnrealizedPnL float64 `json:"total_unrealized_pnl"`
	ActiveStrategies   int     `json:"active_strategies"`
}

// ConfigSummary is the subset of configuration worth showing on the
// dashboard. No credentials or endpoints.
type ConfigSummary struct {
	// Orchestrator
	UserID                  string `json:"user_id,omitempty"`
	MaxConcurrentStrategies int    `json:"max_concurrent_strategies"`
	WorkerPoolSize          int    `json:"worker_pool_size"`
	DiscoveryInterval       string `json:"discovery_interval"`
	ReconcileInterval       string `json:"reconcile_interval"`
	EvaluatorInterval       string `json:"evaluator_interval"`

	// Execution flags
	AllowLiveOrders    bool    `json:"allow_live_orders"`
	AllowCancelEntries bool    `json:"allow_cancel_entries"`
	DynamicSizing      bool    `json:"dynamic_sizing"`
	SizingFactor       float64 `json:"sizing_factor"`

	// Hard order constraints
	MaxOrderQty float64 `json:"max_order_qty"`
	MaxNotional float64 `json:"max_notional"`

	// Risk limits
	MaxPositionPerSymbol float64 `json:"max_position_per_symbol"`
	MaxGlobalExposure    float64 `json:"max_global_exposure"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	CooldownAfterKill    string  `json:"cooldown_after_kill"`

	// Operational
	DryRun bool `json:"dry_run"`
}

// NewConfigSummary creates a config summary from the full config.
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		UserID:                  cfg.Orchestrator.UserID,
		MaxConcurrentStrategies: cfg.Orchestrator.MaxConcurrentStrategies,
		WorkerPoolSize:          cfg.Orchestrator.WorkerPoolSize,
		DiscoveryInterval:       cfg.Orchestrator.DiscoveryInterval.String(),
		ReconcileInterval:       cfg.Orchestrator.ReconcileInterval.String(),
		EvaluatorInterval:       cfg.Evaluator.Interval.String(),

		AllowLiveOrders:    cfg.Orchestrator.AllowLiveOrders,
		AllowCancelEntries: cfg.Orchestrator.AllowCancelEntries,
		DynamicSizing:      cfg.Orchestrator.DynamicSizing,
		SizingFactor:       cfg.Orchestrator.SizingFactor,

		MaxOrderQty: cfg.Broker.MaxOrderQty,
		MaxNotional: cfg.Broker.MaxNotional,

		MaxPositionPerSymbol: cfg.Risk.MaxPositionPerSymbol,
		MaxGlobalExposure:    cfg.Risk.MaxGlobalExposure,
		MaxDailyLoss:         cfg.Risk.MaxDailyLoss,
		CooldownAfterKill:    cfg.Risk.CooldownAfterKill.String(),

		DryRun: cfg.DryRun,
	}
}
