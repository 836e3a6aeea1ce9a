package api

import (
	"time"

	"tradeorch/internal/config"
	"tradeorch/internal/risk"
)

// FleetProvider gives the API read access to the running fleet. The
// orchestrator implements it; RiskManager may return nil when risk
// enforcement is disabled.
type FleetProvider interface {
	StrategiesSnapshot() []StrategyStatus
	RiskManager() *risk.Manager
}

// BuildSnapshot aggregates fleet, risk, and config state into one
// dashboard snapshot.
func BuildSnapshot(provider FleetProvider, cfg config.Config) FleetSnapshot {
	strategies := provider.StrategiesSnapshot()

	snap := FleetSnapshot{
		Timestamp:  time.Now(),
		Strategies: strategies,
		Config:     NewConfigSummary(cfg),
	}

	if rm := provider.RiskManager(); rm != nil {
		rs := convertRiskSnapshot(rm.GetSnapshot())
		snap.Risk = &rs
		snap.TotalExposure = rs.GlobalExposure
		snap.TotalRealizedPnL = rs.TotalRealizedPnL
		snap.TotalUnrealizedPnL = rs.TotalUnrealizedPnL
	}

	return snap
}

func convertRiskSnapshot(snap risk.Snapshot) RiskSnapshot {
	pct := 0.0
	if snap.MaxGlobalExposure > 0 {
		pct = snap.GlobalExposure / snap.MaxGlobalExposure * 100
	}
	return RiskSnapshot{
		GlobalExposure:     snap.GlobalExposure,
		MaxGlobalExposure:  snap.MaxGlobalExposure,
		ExposurePct:        pct,
		KillSwitchActive:   snap.KillSwitchActive,
		KillSwitchUntil:    snap.KillSwitchUntil,
		TotalRealizedPnL:   snap.TotalRealizedPnL,
		TotalUnrealizedPnL: snap.TotalUnrealizedPnL,
		ActiveStrategies:   snap.ActiveStrategies,
	}
}
