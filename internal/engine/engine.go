// Package engine runs one compiled strategy against a live bar stream.
//
// Each Engine instance owns a CompiledIR, its FSM runtime state, a bounded
// bar history, per-feature history rings, and the live numeric levels of
// its order plans. The orchestrator delivers bars one at a time per
// instance; ProcessBar is not safe for concurrent use on the same Engine.
//
// Bar processing follows a fixed order: append bar, sync open orders from
// the broker when the local set is empty, compute features, recompute
// dynamic levels unless frozen, tick timers, evaluate transitions (at most
// one commits per bar), then bump the dwell counter. Replay mode runs the
// same pipeline with every broker-visible side effect suppressed, so a
// restarted strategy arrives at the right state before its first live bar.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"tradeorch/internal/bars"
	"tradeorch/internal/broker"
	"tradeorch/internal/expr"
	"tradeorch/internal/feature"
	"tradeorch/internal/ir"
	"tradeorch/internal/risk"
	"tradeorch/internal/store"
	"tradeorch/pkg/types"
)

const (
	defaultBarHistory     = 200
	defaultFeatureHistory = 100
	defaultSizingFactor   = 0.75
)

// OrderGateway is the broker surface the engine needs. *broker.Facade
// satisfies it.
type OrderGateway interface {
	SubmitBracket(ctx context.Context, spec types.BracketSpec) ([]types.Order, error)
	CancelOrders(ctx context.Context, orderIDs []string) types.CancellationResult
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	GetPosition(ctx context.Context, symbol string) (*broker.Position, error)
	GetAccount(ctx context.Context) (*broker.Account, error)
}

// Options are the per-process execution knobs shared by every engine.
type Options struct {
	AllowLiveOrders    bool
	AllowCancelEntries bool
	DynamicSizing      bool
	SizingFactor       float64 // fraction of buying power, default 0.75
	MaxOrderQty        float64 // 0 disables the clamp
	MaxNotional        float64 // 0 disables the clamp
	MaxOrdersPerSymbol int     // 0 disables the check
	BarHistory         int
	FeatureHistory     int
}

func (o *Options) applyDefaults() {
	if o.SizingFactor <= 0 {
		o.SizingFactor = defaultSizingFactor
	}
	if o.BarHistory <= 0 {
		o.BarHistory = defaultBarHistory
	}
	if o.FeatureHistory <= 0 {
		o.FeatureHistory = defaultFeatureHistory
	}
}

// Engine executes one strategy's FSM. Runtime state is mutated only by
// ProcessBar, UpdatePosition, and Restore.
type Engine struct {
	id      string
	userID  string
	ir      *ir.CompiledIR
	gateway OrderGateway
	riskMgr *risk.Manager // optional
	opts    Options
	logger  *slog.Logger

	state         ir.State
	stateBarCount int
	barCount      int
	barsActive    int

	bars     []types.Bar
	features map[string]float64
	history  map[string][]float64 // oldest first, last element = current bar

	levels        map[string]store.PlanLevels
	levelsFrozen  bool
	pendingFreeze bool

	timerRemaining map[string]int
	timerExpired   map[string]bool

	openOrders  []types.Order
	bracketID   string
	positionQty float64
	avgEntry    float64

	// computeFeatures is swappable so tests can force feature values.
	computeFeatures func(plan []ir.PlannedFeature, bars []types.Bar, logger *slog.Logger) map[string]float64
}

// New creates an engine in the IR's initial state with plan levels seeded
// from their static snapshots.
func New(id, userID string, compiled *ir.CompiledIR, gateway OrderGateway, riskMgr *risk.Manager, opts Options, logger *slog.Logger) *Engine {
	opts.applyDefaults()

	e := &Engine{
		id:              id,
		userID:          userID,
		ir:              compiled,
		gateway:         gateway,
		riskMgr:         riskMgr,
		opts:            opts,
		logger:          logger.With("component", "engine", "strategy", id, "symbol", compiled.Symbol),
		state:           compiled.InitialState,
		features:        map[string]float64{},
		history:         map[string][]float64{},
		levels:          map[string]store.PlanLevels{},
		timerRemaining:  map[string]int{},
		timerExpired:    map[string]bool{},
		computeFeatures: feature.ComputePlan,
	}
	for _, plan := range compiled.OrderPlans {
		e.levels[plan.ID] = staticLevels(plan)
	}
	return e
}

func staticLevels(plan ir.OrderPlan) store.PlanLevels {
	lv := store.PlanLevels{
		Entry:     plan.Entry.Static,
		EntryLow:  plan.EntryLow.Static,
		EntryHigh: plan.EntryHigh.Static,
		Stop:      plan.Stop.Static,
		Targets:   make([]float64, len(plan.Targets)),
	}
	for i, tg := range plan.Targets {
		lv.Targets[i] = tg.Price.Static
	}
	return lv
}

// ————————————————————————————————————————————————————————————————————————
// Accessors
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) ID() string                 { return e.id }
func (e *Engine) Symbol() string             { return e.ir.Symbol }
func (e *Engine) Timeframe() types.Timeframe { return e.ir.Timeframe }
func (e *Engine) State() ir.State            { return e.state }
func (e *Engine) BarsActive() int            { return e.barsActive }
func (e *Engine) PositionQty() float64       { return e.positionQty }
func (e *Engine) LevelsFrozen() bool         { return e.levelsFrozen }
func (e *Engine) AvgEntryPrice() float64     { return e.avgEntry }

// PlanIDs returns the plan identifiers in declaration order.
func (e *Engine) PlanIDs() []string {
	out := make([]string, 0, len(e.ir.OrderPlans))
	for _, p := range e.ir.OrderPlans {
		out = append(out, p.ID)
	}
	return out
}

// OpenOrders returns a copy of the local working order set.
func (e *Engine) OpenOrders() []types.Order {
	out := make([]types.Order, len(e.openOrders))
	copy(out, e.openOrders)
	return out
}

// PlanLevels returns the current numeric levels of one order plan.
func (e *Engine) PlanLevels(planID string) (store.PlanLevels, bool) {
	lv, ok := e.levels[planID]
	return lv, ok
}

// ReplaceOpenOrders swaps the local working set for the broker's truth.
// The reconciliation loop calls this so the MANAGING gate sees reality on
// the next bar.
func (e *Engine) ReplaceOpenOrders(orders []types.Order) {
	if len(e.openOrders) > 0 && len(orders) == 0 {
		e.logger.Warn("reconciliation cleared working orders", "had", len(e.openOrders))
	}
	e.openOrders = append([]types.Order(nil), orders...)
}

// ReconcileOrders narrows the broker's full open-order list for the symbol
// down to this engine's orders and replaces the local set with that truth.
// Orders belonging to other strategies on the same symbol are ignored.
func (e *Engine) ReconcileOrders(brokerOrders []types.Order) {
	if len(e.openOrders) == 0 && e.bracketID == "" {
		return
	}
	known := make(map[string]bool, len(e.openOrders))
	for _, o := range e.openOrders {
		known[o.ID] = true
	}
	var mine []types.Order
	for _, o := range brokerOrders {
		if known[o.ID] || (e.bracketID != "" && o.BracketID == e.bracketID) {
			mine = append(mine, o)
		}
	}
	if len(mine) != len(e.openOrders) {
		e.logger.Warn("reconciliation mismatch, adopting broker truth",
			"local", len(e.openOrders), "broker", len(mine))
	}
	e.openOrders = mine
}

// UpdatePosition applies an external fill notification. Zero crossings are
// logged as position open/close events.
func (e *Engine) UpdatePosition(fill types.Fill) {
	before := e.positionQty
	signed := fill.Qty
	if fill.Side == types.SELL {
		signed = -signed
	}
	after := before + signed

	if before == 0 && after != 0 {
		e.avgEntry = fill.Price
		e.logger.Info("position opened", "qty", after, "price", fill.Price)
	} else if before != 0 && after == 0 {
		e.logger.Info("position closed", "price", fill.Price)
		e.avgEntry = 0
	} else if (before > 0) == (signed > 0) && after != 0 {
		e.avgEntry = (e.avgEntry*math.Abs(before) + fill.Price*math.Abs(signed)) / math.Abs(after)
	}
	e.positionQty = after
}

// ————————————————————————————————————————————————————————————————————————
// Bar processing
// ————————————————————————————————————————————————————————————————————————

// ProcessBar runs one closed bar through the pipeline. Feature and
// predicate failures are contained; the returned error covers only
// internal invariant violations.
func (e *Engine) ProcessBar(ctx context.Context, bar types.Bar, replay bool) error {
	// 1. Append to bounded history.
	e.barCount++
	e.barsActive++
	e.bars = append(e.bars, bar)
	if len(e.bars) > e.opts.BarHistory {
		e.bars = e.bars[len(e.bars)-e.opts.BarHistory:]
	}

	// 2. Truth sync: when the local order set is empty the broker may still
	// know about working orders from before a restart.
	if !replay && len(e.openOrders) == 0 {
		e.syncOpenOrders(ctx)
	}

	// 3. Features, snapshot plus history rings.
	e.features = e.computeFeatures(e.ir.FeaturePlan, e.bars, e.logger)
	e.recordHistory(bar)

	// 4. Dynamic plan levels.
	if !e.levelsFrozen {
		e.recomputeLevels()
	}

	// 5. Freeze point. pendingFreeze covers the restored-mid-state case
	// where levels had not been materialized yet.
	if e.pendingFreeze || e.shouldFreeze(e.state) {
		if !e.levelsFrozen {
			e.levelsFrozen = true
			e.logger.Info("plan levels frozen", "state", e.state)
		}
		e.pendingFreeze = false
	}

	// 6. Timers.
	e.tickTimers()

	// 7. Transitions: declaration order, at most one commit.
	e.evaluateTransitions(ctx, replay)

	// 8. Dwell counter moves after evaluation. A state committed this bar
	// was reset to 0 and starts the next bar at 1, so the PLACED dwell
	// gate blocks only a bar that begins at stateBarCount 0.
	e.stateBarCount++

	if !replay {
		e.reportRisk(bar)
	}
	return nil
}

// lastBarInRTH reports whether the bar being processed closed inside
// regular trading hours.
func (e *Engine) lastBarInRTH() bool {
	if len(e.bars) == 0 {
		return false
	}
	return bars.InRTH(e.bars[len(e.bars)-1].Timestamp)
}

func (e *Engine) syncOpenOrders(ctx context.Context) {
	orders, err := e.gateway.GetOpenOrders(ctx, e.ir.Symbol)
	if err != nil {
		e.logger.Warn("broker sync failed", "error", err)
		return
	}
	if len(orders) > 0 {
		e.logger.Info("broker sync recovered working orders", "count", len(orders))
		e.openOrders = orders
	}
}

func (e *Engine) recordHistory(bar types.Bar) {
	push := func(name string, v float64) {
		h := append(e.history[name], v)
		if len(h) > e.opts.FeatureHistory {
			h = h[len(h)-e.opts.FeatureHistory:]
		}
		e.history[name] = h
	}
	for name, v := range e.features {
		push(name, v)
	}
	push("open", bar.Open)
	push("high", bar.High)
	push("low", bar.Low)
	push("close", bar.Close)
	push("volume", bar.Volume)
	push("price", bar.Close)
}

func (e *Engine) shouldFreeze(state ir.State) bool {
	switch e.ir.Execution.FreezeLevelsOn {
	case ir.FreezeOnArmed:
		return state == ir.StateArmed
	case ir.FreezeOnPlaced:
		return state == ir.StatePlaced
	}
	return false
}

func (e *Engine) tickTimers() {
	for name, remaining := range e.timerRemaining {
		if remaining <= 0 {
			continue
		}
		remaining--
		e.timerRemaining[name] = remaining
		if remaining == 0 {
			e.timerExpired[name] = true
			e.logger.Info("timer expired", "timer", name)
		}
	}
}

func (e *Engine) evaluateTransitions(ctx context.Context, replay bool) {
	for i := range e.ir.Transitions {
		t := &e.ir.Transitions[i]
		if t.From != e.state {
			continue
		}
		// PLACED is sticky for one bar: only the MANAGING confirmation may
		// leave it on the bar it was entered.
		if t.From == ir.StatePlaced && t.To != ir.StateManaging && e.stateBarCount < 1 {
			continue
		}
		if t.To == ir.StateManaging && !e.managingGate(ctx, replay) {
			continue
		}

		ok, err := expr.EvalBool(t.When, e.evalCtx())
		if err != nil {
			e.logger.Warn("predicate error, treated as false",
				"from", t.From, "to", t.To, "rule", t.Source, "error", err)
			continue
		}
		if !ok {
			continue
		}

		e.commit(ctx, t, replay)
		return
	}
}

// managingGate confirms the entry actually reached the broker: a fresh
// order sync must show at least one live order, or the position must be
// nonzero. Replay never talks to the broker and judges local state only.
func (e *Engine) managingGate(ctx context.Context, replay bool) bool {
	if replay {
		return len(e.openOrders) > 0 || e.positionQty != 0
	}

	orders, err := e.gateway.GetOpenOrders(ctx, e.ir.Symbol)
	if err != nil {
		e.logger.Warn("managing gate: broker sync failed", "error", err)
		return false
	}
	e.openOrders = orders
	for _, o := range orders {
		if o.IsLive() {
			return true
		}
	}

	pos, err := e.gateway.GetPosition(ctx, e.ir.Symbol)
	if err != nil {
		e.logger.Warn("managing gate: position fetch failed", "error", err)
		return false
	}
	return pos != nil && pos.Qty != 0
}

func (e *Engine) commit(ctx context.Context, t *ir.Transition, replay bool) {
	e.logger.Info("transition", "from", t.From, "to", t.To, "rule", t.Source, "replay", replay)
	e.state = t.To
	e.stateBarCount = 0

	if e.shouldFreeze(t.To) && !e.levelsFrozen {
		e.levelsFrozen = true
		e.logger.Info("plan levels frozen", "state", t.To)
	}

	for _, action := range t.Actions {
		if err := e.execute(ctx, action, replay); err != nil {
			e.logger.Error("action failed, aborting remaining actions",
				"action", action.Type, "error", err)
			return
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Actions
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) execute(ctx context.Context, a ir.Action, replay bool) error {
	switch a.Type {
	case ir.ActionStartTimer:
		e.timerRemaining[a.TimerName] = a.TimerBars
		e.timerExpired[a.TimerName] = a.TimerBars <= 0
		return nil
	case ir.ActionSubmitPlan:
		return e.submitPlan(ctx, a.PlanID, replay)
	case ir.ActionCancelEntries:
		return e.cancelEntries(ctx, replay)
	case ir.ActionLog:
		if !replay {
			e.logger.Info(a.Message, "state", e.state)
		}
		return nil
	case ir.ActionNoop:
		return nil
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}

// submitPlan is a guarded cascade. Guard blocks log and return nil so the
// transition's remaining actions still run; only broker failures and
// cancellation failures propagate as errors.
func (e *Engine) submitPlan(ctx context.Context, planID string, replay bool) error {
	if replay {
		return nil
	}
	plan := e.ir.Plan(planID)
	if plan == nil {
		return fmt.Errorf("order plan %q not in IR", planID)
	}
	if !e.opts.AllowLiveOrders {
		e.logger.Warn("submission blocked: live orders disabled", "plan", planID)
		return nil
	}
	if e.ir.Execution.RTHOnly && !e.lastBarInRTH() {
		e.logger.Warn("submission blocked: outside regular trading hours", "plan", planID)
		return nil
	}

	// Kill-switch and daily-loss blocks come before any working order is
	// touched; the notional exposure check runs again after sizing.
	if e.riskMgr != nil {
		if err := e.riskMgr.AllowSubmission(e.ir.Symbol, 0); err != nil {
			e.logger.Warn("submission blocked by risk manager", "plan", planID, "error", err)
			return nil
		}
	}

	// Split mode materializes one entry/stop/take-profit triplet per
	// target; single mode one bracket for the whole position.
	expected := 3
	if plan.Mode == types.BracketSplit {
		expected = 3 * len(plan.Targets)
	}
	if e.opts.MaxOrdersPerSymbol > 0 && len(e.openOrders)+expected > e.opts.MaxOrdersPerSymbol {
		e.logger.Warn("submission blocked: order cap",
			"plan", planID, "open", len(e.openOrders), "cap", e.opts.MaxOrdersPerSymbol)
		return nil
	}

	// Stale working orders are cancelled before a new bracket goes out. A
	// cancellation failure aborts the submission entirely.
	if len(e.openOrders) > 0 {
		if err := e.cancelEntries(ctx, replay); err != nil {
			return fmt.Errorf("pre-submit cancel: %w", err)
		}
	}

	lv := e.levels[planID]
	qty, err := e.sizeOrder(ctx, plan, lv.Entry)
	if err != nil {
		return err
	}
	if qty <= 0 {
		e.logger.Error("submission blocked: sized to zero",
			"plan", planID, "entry", lv.Entry)
		return nil
	}

	if e.riskMgr != nil {
		if err := e.riskMgr.AllowSubmission(e.ir.Symbol, qty*lv.Entry); err != nil {
			e.logger.Warn("submission blocked by risk manager", "plan", planID, "error", err)
			return nil
		}
	}

	spec := types.BracketSpec{
		PlanID:     planID,
		Symbol:     e.ir.Symbol,
		Side:       plan.Side,
		Qty:        qty,
		EntryPrice: lv.Entry,
		EntryLow:   lv.EntryLow,
		EntryHigh:  lv.EntryHigh,
		StopPrice:  lv.Stop,
		Mode:       plan.Mode,
	}
	for i, tg := range plan.Targets {
		spec.Targets = append(spec.Targets, types.BracketTarget{
			Price: lv.Targets[i],
			Ratio: tg.Ratio,
		})
	}

	orders, err := e.gateway.SubmitBracket(ctx, spec)
	if err != nil {
		if broker.IsConstraintError(err) {
			e.logger.Error("submission rejected by constraints", "plan", planID, "error", err)
		}
		return fmt.Errorf("submit plan %s: %w", planID, err)
	}
	e.openOrders = append(e.openOrders, orders...)
	if len(orders) > 0 {
		e.bracketID = orders[0].BracketID
	}
	e.logger.Info("order plan submitted", "plan", planID, "qty", qty, "legs", len(orders))
	return nil
}

// sizeOrder returns the share quantity for a plan. With dynamic sizing the
// quantity comes from buying power, clamped by the plan quantity and the
// hard limits; otherwise the plan quantity is used as written.
func (e *Engine) sizeOrder(ctx context.Context, plan *ir.OrderPlan, entry float64) (float64, error) {
	if !e.opts.DynamicSizing {
		return plan.Qty, nil
	}
	if entry <= 0 {
		return 0, nil
	}
	account, err := e.gateway.GetAccount(ctx)
	if err != nil {
		return 0, fmt.Errorf("sizing: fetch account: %w", err)
	}

	qty := math.Floor(account.BuyingPower * e.opts.SizingFactor / entry)
	qty = math.Min(qty, plan.Qty)
	if e.opts.MaxOrderQty > 0 {
		qty = math.Min(qty, e.opts.MaxOrderQty)
	}
	if e.opts.MaxNotional > 0 {
		qty = math.Min(qty, math.Floor(e.opts.MaxNotional/entry))
	}
	return qty, nil
}

// cancelEntries cancels the local working set. The set afterwards retains
// exactly the orders the broker refused to cancel.
func (e *Engine) cancelEntries(ctx context.Context, replay bool) error {
	if replay {
		return nil
	}
	if !e.opts.AllowCancelEntries {
		e.logger.Warn("cancellation blocked: disabled by config")
		return nil
	}
	if len(e.openOrders) == 0 {
		return nil
	}

	ids := make([]string, len(e.openOrders))
	byID := make(map[string]types.Order, len(e.openOrders))
	for i, o := range e.openOrders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	result := e.gateway.CancelOrders(ctx, ids)
	remaining := e.openOrders[:0]
	for _, f := range result.Failed {
		if o, ok := byID[f.OrderID]; ok {
			remaining = append(remaining, o)
		}
	}
	e.openOrders = remaining

	if !result.AllSucceeded() {
		return fmt.Errorf("cancel entries: %d of %d failed", len(result.Failed), len(ids))
	}
	e.bracketID = ""
	return nil
}

func (e *Engine) reportRisk(bar types.Bar) {
	if e.riskMgr == nil {
		return
	}
	e.riskMgr.Report(risk.PositionReport{
		StrategyID:    e.id,
		Symbol:        e.ir.Symbol,
		Qty:           e.positionQty,
		MarkPrice:     bar.Close,
		ExposureUSD:   math.Abs(e.positionQty) * bar.Close,
		UnrealizedPnL: e.positionQty * (bar.Close - e.avgEntry),
		Timestamp:     bar.Time(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Persistence
// ————————————————————————————————————————————————————————————————————————

// Snapshot captures the runtime state for crash-safe persistence.
func (e *Engine) Snapshot() store.Snapshot {
	snap := store.Snapshot{
		StrategyID:    e.id,
		Symbol:        e.ir.Symbol,
		State:         string(e.state),
		StateBarCount: e.stateBarCount,
		BarsActive:    e.barsActive,
		LevelsFrozen:  e.levelsFrozen,
		BracketID:     e.bracketID,
		PositionQty:   e.positionQty,
		AvgEntryPrice: e.avgEntry,
	}
	if len(e.bars) > 0 {
		snap.LastBarTimestamp = e.bars[len(e.bars)-1].Timestamp
	}
	if e.levelsFrozen {
		snap.FrozenLevels = make(map[string]store.PlanLevels, len(e.levels))
		for id, lv := range e.levels {
			snap.FrozenLevels[id] = lv
		}
	}
	for _, o := range e.openOrders {
		snap.WorkingOrderIDs = append(snap.WorkingOrderIDs, o.ID)
	}
	if len(e.timerRemaining) > 0 {
		snap.Timers = make(map[string]int, len(e.timerRemaining))
		for name, remaining := range e.timerRemaining {
			snap.Timers[name] = remaining
		}
	}
	return snap
}

// Restore rehydrates runtime state from a snapshot. Working orders are not
// rebuilt here: the empty local set makes the next bar's broker sync pull
// the truth. A frozen snapshot without materialized levels defers the
// freeze to the first processed bar.
func (e *Engine) Restore(snap *store.Snapshot) {
	if snap == nil {
		return
	}
	if s := ir.State(snap.State); s.Valid() {
		e.state = s
	}
	e.stateBarCount = snap.StateBarCount
	e.barsActive = snap.BarsActive
	e.positionQty = snap.PositionQty
	e.avgEntry = snap.AvgEntryPrice
	e.bracketID = snap.BracketID

	for name, remaining := range snap.Timers {
		e.timerRemaining[name] = remaining
		e.timerExpired[name] = remaining <= 0
	}

	if len(snap.FrozenLevels) > 0 {
		for id, lv := range snap.FrozenLevels {
			if _, ok := e.levels[id]; ok {
				e.levels[id] = lv
			}
		}
		e.levelsFrozen = true
	} else if snap.LevelsFrozen || e.shouldFreeze(e.state) {
		e.pendingFreeze = true
	}
}
