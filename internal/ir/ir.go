// Package ir defines the compiled intermediate representation of a strategy.
//
// A CompiledIR is the frozen, post-validation product of the compiler: a
// topologically sorted feature plan, FSM transitions with parsed predicate
// ASTs, and order plans whose dynamic level expressions are kept separate
// from their numeric snapshots. Given the same strategy document the
// compiler always produces an element-wise identical IR.
package ir

import (
	"tradeorch/internal/expr"
	"tradeorch/pkg/types"
)

// State is one of the five FSM states driving a live strategy.
type State string

const (
	StateIdle     State = "IDLE"
	StateArmed    State = "ARMED"
	StatePlaced   State = "PLACED"
	StateManaging State = "MANAGING"
	StateExited   State = "EXITED"
)

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateArmed, StatePlaced, StateManaging, StateExited:
		return true
	}
	return false
}

// FeatureKind tags how a feature is computed. Builtins project the current
// bar, indicators are window functions over bar history, microstructure
// features are bar-internal statistics.
type FeatureKind string

const (
	KindBuiltin        FeatureKind = "builtin"
	KindIndicator      FeatureKind = "indicator"
	KindMicrostructure FeatureKind = "microstructure"
)

// PlannedFeature is one entry of the execution plan. The plan is ordered so
// that every feature appears after all of its dependencies.
type PlannedFeature struct {
	Name      string // name rules refer to, e.g. "ema20"
	Registry  string // registry entry it binds to, e.g. "ema"
	Kind      FeatureKind
	Params    map[string]float64 // registry parameters, e.g. {"period": 20}
	DependsOn []string           // other plan entries this one reads
	Lookback  int                // bars of history required before first value
}

// ActionType enumerates transition actions.
type ActionType string

const (
	ActionStartTimer    ActionType = "start_timer"
	ActionSubmitPlan    ActionType = "submit_order_plan"
	ActionCancelEntries ActionType = "cancel_entries"
	ActionLog           ActionType = "log"
	ActionNoop          ActionType = "noop"
)

// Action is one side effect executed when a transition commits. Fields are
// populated according to Type.
type Action struct {
	Type      ActionType
	TimerName string // start_timer
	TimerBars int    // start_timer
	PlanID    string // submit_order_plan
	Message   string // log
}

// Transition is a guarded edge of the FSM. When is the parsed predicate;
// Source preserves the original rule text for diagnostics.
type Transition struct {
	From    State
	To      State
	When    expr.Node
	Source  string
	Actions []Action
}

// DynamicLevel pairs an order-plan level's static snapshot with the
// expression that recomputes it each bar. A nil Expr means the level is a
// plain number and never moves.
type DynamicLevel struct {
	Static float64
	Expr   expr.Node
	Source string
}

// Value returns the static snapshot; the engine overrides it per bar when
// Expr is present and levels are not frozen.
func (d DynamicLevel) Value() float64 { return d.Static }

// IsDynamic reports whether the level has a backing expression.
func (d DynamicLevel) IsDynamic() bool { return d.Expr != nil }

// PlanTarget is one bracket target of an order plan.
type PlanTarget struct {
	Price DynamicLevel
	Ratio float64
}

// OrderPlan is the lowered order template attached to the IR.
type OrderPlan struct {
	ID        string
	Side      types.Side
	Entry     DynamicLevel
	EntryLow  DynamicLevel
	EntryHigh DynamicLevel
	Stop      DynamicLevel
	Qty       float64
	Targets   []PlanTarget
	Mode      types.BracketMode
}

// FreezePoint names the state on whose entry plan levels stop recomputing.
type FreezePoint string

const (
	FreezeNever    FreezePoint = ""
	FreezeOnArmed  FreezePoint = "armed"
	FreezeOnPlaced FreezePoint = "triggered"
)

// ExecutionConfig carries per-strategy execution knobs from the document.
type ExecutionConfig struct {
	EntryTimeoutBars int
	RTHOnly          bool
	FreezeLevelsOn   FreezePoint
}

// RiskConfig carries the document's risk block.
type RiskConfig struct {
	MaxRiskPerTrade float64
}

// CompiledIR is the executable artifact the engine runs. It is immutable
// after compilation; the engine copies level snapshots into its own runtime
// state before mutating anything.
type CompiledIR struct {
	Symbol       string
	Timeframe    types.Timeframe
	InitialState State
	FeaturePlan  []PlannedFeature
	Transitions  []Transition
	OrderPlans   []OrderPlan
	Execution    ExecutionConfig
	Risk         RiskConfig
}

// Plan returns the order plan with the given ID, or nil.
func (c *CompiledIR) Plan(id string) *OrderPlan {
	for i := range c.OrderPlans {
		if c.OrderPlans[i].ID == id {
			return &c.OrderPlans[i]
		}
	}
	return nil
}

// MaxLookback returns the largest lookback over the feature plan. The
// orchestrator uses it to size the warm-up replay window.
func (c *CompiledIR) MaxLookback() int {
	max := 0
	for _, f := range c.FeaturePlan {
		if f.Lookback > max {
			max = f.Lookback
		}
	}
	return max
}
