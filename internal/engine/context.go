package engine

import (
	"log/slog"
	"math"

	"tradeorch/internal/expr"
	"tradeorch/internal/ir"
	"tradeorch/internal/store"
)

// evalCtx resolves identifiers for transition predicates and dynamic level
// expressions. Resolution order: computed features, current-bar builtins,
// then the plan-scoped variables (entry, stop, stopPrice, eL, eH, t1,
// entry_timer_expired). The plan variables reflect plan's levels as they
// stood at the start of the expression pass, so a level expression never
// sees its own half-updated value.
type evalCtx struct {
	engine *Engine
	plan   store.PlanLevels
}

// evalCtx builds the context for transition predicates, scoped to the
// primary (first) order plan's levels.
func (e *Engine) evalCtx() evalCtx {
	ctx := evalCtx{engine: e}
	if len(e.ir.OrderPlans) > 0 {
		ctx.plan = e.levels[e.ir.OrderPlans[0].ID]
	}
	return ctx
}

func (c evalCtx) Value(name string) (float64, bool) {
	if v, ok := c.engine.features[name]; ok {
		return v, true
	}
	if len(c.engine.bars) > 0 {
		bar := c.engine.bars[len(c.engine.bars)-1]
		switch name {
		case "open":
			return bar.Open, true
		case "high":
			return bar.High, true
		case "low":
			return bar.Low, true
		case "close", "price":
			return bar.Close, true
		case "volume":
			return bar.Volume, true
		}
	}
	switch name {
	case "entry":
		return c.plan.Entry, true
	case "stop", "stopPrice":
		return c.plan.Stop, true
	case "eL":
		return c.plan.EntryLow, true
	case "eH":
		return c.plan.EntryHigh, true
	case "t1":
		if len(c.plan.Targets) > 0 {
			return c.plan.Targets[0], true
		}
		return 0, true
	case "entry_timer_expired":
		if c.engine.timerExpired["entry_timer"] {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func (c evalCtx) ValueAt(name string, barsAgo int) (float64, bool) {
	if barsAgo == 0 {
		return c.Value(name)
	}
	h, ok := c.engine.history[name]
	if !ok || barsAgo >= len(h) {
		return 0, false
	}
	return h[len(h)-1-barsAgo], true
}

// recomputeLevels reevaluates every dynamic level expression against the
// current feature snapshot. All new values for one plan are computed
// against the previous values before any assignment, then swapped in
// together. A failing expression keeps that level's previous value.
func (e *Engine) recomputeLevels() {
	for _, plan := range e.ir.OrderPlans {
		prev := e.levels[plan.ID]
		ctx := evalCtx{engine: e, plan: prev}
		next := prev
		next.Targets = append([]float64(nil), prev.Targets...)

		next.Entry = e.levelValue(plan.ID, "entry", plan.Entry, prev.Entry, ctx)
		next.EntryLow = e.levelValue(plan.ID, "entry_low", plan.EntryLow, prev.EntryLow, ctx)
		next.EntryHigh = e.levelValue(plan.ID, "entry_high", plan.EntryHigh, prev.EntryHigh, ctx)
		next.Stop = e.levelValue(plan.ID, "stop", plan.Stop, prev.Stop, ctx)
		for i, tg := range plan.Targets {
			next.Targets[i] = e.levelValue(plan.ID, "target", tg.Price, prev.Targets[i], ctx)
		}
		e.levels[plan.ID] = next
	}
}

func (e *Engine) levelValue(planID, which string, lvl ir.DynamicLevel, prev float64, ctx evalCtx) float64 {
	if !lvl.IsDynamic() {
		return lvl.Static
	}
	v, err := expr.Eval(lvl.Expr, ctx)
	if err != nil {
		e.logger.Warn("level expression failed, keeping previous value",
			slog.String("plan", planID), slog.String("level", which), slog.Any("error", err))
		return prev
	}
	// NaN means a feature lacked history this bar; the level holds.
	if math.IsNaN(v) {
		return prev
	}
	return v
}
