package orchestrator

import (
	"tradeorch/internal/api"
	"tradeorch/internal/risk"
)

// ————————————————————————————————————————————————————————————————————————
// Dashboard provider
// ————————————————————————————————————————————————————————————————————————

// StrategiesSnapshot builds the per-strategy dashboard view. Each engine
// is read under its run lock so the view is internally consistent.
func (o *Orchestrator) StrategiesSnapshot() []api.StrategyStatus {
	insts := o.list()
	out := make([]api.StrategyStatus, 0, len(insts))
	for _, inst := range insts {
		inst.runMu.Lock()
		st := api.StrategyStatus{
			ID:            inst.record.ID,
			Symbol:        inst.eng.Symbol(),
			Timeframe:     string(inst.eng.Timeframe()),
			State:         string(inst.eng.State()),
			BarsActive:    inst.eng.BarsActive(),
			PositionQty:   inst.eng.PositionQty(),
			AvgEntryPrice: inst.eng.AvgEntryPrice(),
			LevelsFrozen:  inst.eng.LevelsFrozen(),
			OpenOrders:    len(inst.eng.OpenOrders()),
			Plans:         make(map[string]api.PlanLevels),
		}
		for _, planID := range inst.eng.PlanIDs() {
			if lv, ok := inst.eng.PlanLevels(planID); ok {
				st.Plans[planID] = api.PlanLevels{
					Entry:     lv.Entry,
					EntryLow:  lv.EntryLow,
					EntryHigh: lv.EntryHigh,
					Stop:      lv.Stop,
					Targets:   append([]float64(nil), lv.Targets...),
				}
			}
		}
		inst.runMu.Unlock()
		out = append(out, st)
	}
	return out
}

// RiskManager exposes the risk manager to the dashboard; nil when risk
// enforcement is disabled.
func (o *Orchestrator) RiskManager() *risk.Manager {
	return o.deps.Risk
}

// Events returns the dashboard event stream.
func (o *Orchestrator) Events() <-chan api.Event {
	return o.events
}

// emitEvent pushes a dashboard event without ever blocking the caller.
func (o *Orchestrator) emitEvent(evt api.Event) {
	select {
	case o.events <- evt:
	default:
	}
}
