// Package risk enforces portfolio-level limits across all running strategies.
//
// The manager runs as a standalone goroutine that receives PositionReports
// from each strategy engine after every bar and checks them against
// configured limits:
//
//   - Per-symbol exposure:  caps USD exposure in any single symbol
//   - Global exposure:      caps total USD exposure across all symbols
//   - Daily loss:           triggers kill switch if realized+unrealized PnL
//     breaches the threshold
//
// When a limit is breached, the manager emits a KillSignal on KillCh(). The
// orchestrator reads this signal and cancels working orders (globally or for
// one symbol). After a kill, the switch stays engaged for CooldownAfterKill,
// during which AllowSubmission rejects every new order plan.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"context"

	"tradeorch/internal/config"
)

// PositionReport is sent by each strategy engine after processing a bar.
type PositionReport struct {
	StrategyID    string
	Symbol        string
	Qty           float64 // signed share count
	MarkPrice     float64 // last close used to mark the position
	ExposureUSD   float64 // abs(qty) * mark
	UnrealizedPnL float64
	RealizedPnL   float64
	Timestamp     time.Time
}

// KillSignal tells the orchestrator to cancel working orders. If Symbol is
// empty the kill is global.
type KillSignal struct {
	Symbol string
	Reason string
}

// Manager aggregates position reports, checks limits, and emits kill
// signals when a limit is breached.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	positions        map[string]PositionReport // latest report per strategy
	totalExposure    float64
	totalRealizedPnL float64
	killSwitchActive bool
	killSwitchUntil  time.Time

	reportCh chan PositionReport
	killCh   chan KillSignal
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		positions: make(map[string]PositionReport),
		reportCh:  make(chan PositionReport, 100),
		killCh:    make(chan KillSignal, 10),
	}
}

// Run starts the risk monitoring loop.
func (rm *Manager) Run(ctx context.Context) {
	// Periodic check clears the kill switch even when no reports arrive
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-rm.reportCh:
			rm.processReport(report)
		case <-ticker.C:
			rm.clearExpiredKillSwitch()
		}
	}
}

// Report submits a position report (non-blocking).
func (rm *Manager) Report(report PositionReport) {
	select {
	case rm.reportCh <- report:
	default:
		rm.logger.Warn("risk report channel full, dropping report",
			"strategy", report.StrategyID)
	}
}

// KillCh returns the channel for reading kill signals.
func (rm *Manager) KillCh() <-chan KillSignal {
	return rm.killCh
}

// RemoveStrategy cleans up state for a stopped strategy and recomputes
// the aggregate totals.
func (rm *Manager) RemoveStrategy(strategyID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.positions, strategyID)
	rm.recomputeTotals()
}

// IsKillSwitchActive returns whether the kill switch is engaged.
func (rm *Manager) IsKillSwitchActive() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.killSwitchActive {
		return false
	}
	if time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// AllowSubmission is the pre-trade filter. It rejects a submission while
// the kill switch is engaged or when the notional would breach the
// per-symbol or global exposure limits.
func (rm *Manager) AllowSubmission(symbol string, notionalUSD float64) error {
	if rm.IsKillSwitchActive() {
		return fmt.Errorf("kill switch engaged until %s", rm.killSwitchUntilString())
	}

	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var symbolExposure float64
	for _, pos := range rm.positions {
		if pos.Symbol == symbol {
			symbolExposure += pos.ExposureUSD
		}
	}
	if symbolExposure+notionalUSD > rm.cfg.MaxPositionPerSymbol {
		return fmt.Errorf("per-symbol exposure limit: %s has %.2f, adding %.2f exceeds %.2f",
			symbol, symbolExposure, notionalUSD, rm.cfg.MaxPositionPerSymbol)
	}
	if rm.totalExposure+notionalUSD > rm.cfg.MaxGlobalExposure {
		return fmt.Errorf("global exposure limit: %.2f + %.2f exceeds %.2f",
			rm.totalExposure, notionalUSD, rm.cfg.MaxGlobalExposure)
	}
	return nil
}

// RemainingBudget returns how much additional USD exposure is allowed for
// the given symbol: the minimum of per-symbol and global headroom, floored
// at zero.
func (rm *Manager) RemainingBudget(symbol string) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var symbolExposure float64
	for _, pos := range rm.positions {
		if pos.Symbol == symbol {
			symbolExposure += pos.ExposureUSD
		}
	}

	perSymbol := rm.cfg.MaxPositionPerSymbol - symbolExposure
	global := rm.cfg.MaxGlobalExposure - rm.totalExposure

	remaining := perSymbol
	if global < remaining {
		remaining = global
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot is the aggregate risk state for logging and reconciliation.
type Snapshot struct {
	GlobalExposure     float64
	MaxGlobalExposure  float64
	KillSwitchActive   bool
	KillSwitchUntil    time.Time
	TotalRealizedPnL   float64
	TotalUnrealizedPnL float64
	ActiveStrategies   int
}

// GetSnapshot returns current aggregate risk metrics.
func (rm *Manager) GetSnapshot() Snapshot {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	var totalUnrealized float64
	for _, pos := range rm.positions {
		totalUnrealized += pos.UnrealizedPnL
	}

	return Snapshot{
		GlobalExposure:     rm.totalExposure,
		MaxGlobalExposure:  rm.cfg.MaxGlobalExposure,
		KillSwitchActive:   rm.killSwitchActive,
		KillSwitchUntil:    rm.killSwitchUntil,
		TotalRealizedPnL:   rm.totalRealizedPnL,
		TotalUnrealizedPnL: totalUnrealized,
		ActiveStrategies:   len(rm.positions),
	}
}

func (rm *Manager) processReport(report PositionReport) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.positions[report.StrategyID] = report
	rm.recomputeTotals()

	var symbolExposure float64
	totalUnrealized := 0.0
	for _, pos := range rm.positions {
		if pos.Symbol == report.Symbol {
			symbolExposure += pos.ExposureUSD
		}
		totalUnrealized += pos.UnrealizedPnL
	}

	if symbolExposure > rm.cfg.MaxPositionPerSymbol {
		rm.emitKill(report.Symbol, "per-symbol position limit breached")
	}
	if rm.totalExposure > rm.cfg.MaxGlobalExposure {
		rm.emitKill("", "global exposure limit breached")
	}
	if totalPnL := rm.totalRealizedPnL + totalUnrealized; totalPnL < -rm.cfg.MaxDailyLoss {
		rm.emitKill("", "max daily loss breached")
	}
}

// recomputeTotals must be called with mu held.
func (rm *Manager) recomputeTotals() {
	rm.totalExposure = 0
	rm.totalRealizedPnL = 0
	for _, pos := range rm.positions {
		rm.totalExposure += pos.ExposureUSD
		rm.totalRealizedPnL += pos.RealizedPnL
	}
}

func (rm *Manager) clearExpiredKillSwitch() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
}

func (rm *Manager) killSwitchUntilString() string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.killSwitchUntil.Format(time.RFC3339)
}

// emitKill engages the kill switch, starts the cooldown timer, and sends a
// KillSignal. If the kill channel is full, the stale signal is drained
// first so the latest kill reason is always delivered.
func (rm *Manager) emitKill(symbol, reason string) {
	rm.killSwitchActive = true
	rm.killSwitchUntil = time.Now().Add(rm.cfg.CooldownAfterKill)

	rm.logger.Error("KILL SWITCH",
		"symbol", symbol,
		"reason", reason,
		"cooldown_until", rm.killSwitchUntil,
	)

	sig := KillSignal{Symbol: symbol, Reason: reason}
	select {
	case rm.killCh <- sig:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- sig
	}
}
