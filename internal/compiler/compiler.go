// Package compiler turns a declarative strategy document into a CompiledIR.
//
// The pipeline runs in a fixed order: schema validation, expression
// parsing, name resolution, feature DAG construction with topological
// sort, lowering to the canonical FSM scaffold, and static invariant
// checks on order plans. The compiler is pure: the same document always
// produces an element-wise identical IR (features ordered topologically
// with name tie-breaks, transitions in scaffold order).
package compiler

import (
	"fmt"
	"math"
	"sort"

	"tradeorch/internal/dsl"
	"tradeorch/internal/expr"
	"tradeorch/internal/feature"
	"tradeorch/internal/ir"
	"tradeorch/pkg/types"
)

// Plan-scoped variables rules and level expressions may reference in
// addition to declared features and bar builtins. "stopPrice" is an alias
// for "stop"; "entry_timer_expired" is set by the engine's timer registry.
var planVars = map[string]bool{
	"entry":               true,
	"stop":                true,
	"stopPrice":           true,
	"eL":                  true,
	"eH":                  true,
	"t1":                  true,
	"entry_timer_expired": true,
}

// Compile parses and compiles a YAML strategy document.
func Compile(data []byte) (*ir.CompiledIR, error) {
	doc, err := dsl.Parse(data)
	if err != nil {
		return nil, &SchemaError{Path: "$", Reason: err.Error()}
	}
	return CompileDocument(doc)
}

// CompileDocument compiles an already-parsed document.
func CompileDocument(doc *dsl.Document) (*ir.CompiledIR, error) {
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	declared := make(map[string]dsl.Feature, len(doc.Features))
	for _, f := range doc.Features {
		declared[f.Name] = f
	}

	rules, err := parseRules(doc)
	if err != nil {
		return nil, err
	}

	plans, err := lowerOrderPlans(doc, declared)
	if err != nil {
		return nil, err
	}

	// Name-resolve every rule against declared features, builtins,
	// functions, and plan variables.
	for where, node := range rules {
		if node == nil {
			continue
		}
		if err := resolveNames(node, declared, where); err != nil {
			return nil, err
		}
	}

	plan, err := buildFeaturePlan(doc, declared)
	if err != nil {
		return nil, err
	}

	transitions := lowerTransitions(doc, rules, plans)

	execCfg := ir.ExecutionConfig{EntryTimeoutBars: 5}
	if doc.Execution != nil {
		execCfg = ir.ExecutionConfig{
			EntryTimeoutBars: doc.Execution.EntryTimeoutBars,
			RTHOnly:          doc.Execution.RTHOnly,
			FreezeLevelsOn:   ir.FreezePoint(doc.Execution.FreezeLevelsOn),
		}
		if execCfg.EntryTimeoutBars <= 0 {
			execCfg.EntryTimeoutBars = 5
		}
	}

	compiled := &ir.CompiledIR{
		Symbol:       doc.Meta.Symbol,
		Timeframe:    types.Timeframe(doc.Meta.Timeframe),
		InitialState: ir.StateIdle,
		FeaturePlan:  plan,
		Transitions:  transitions,
		OrderPlans:   plans,
		Execution:    execCfg,
		Risk:         ir.RiskConfig{MaxRiskPerTrade: doc.Risk.MaxRiskPerTrade},
	}

	if err := checkPlanInvariants(compiled); err != nil {
		return nil, err
	}
	return compiled, nil
}

// ————————————————————————————————————————————————————————————————————————
// Step 1: schema validation
// ————————————————————————————————————————————————————————————————————————

func validateSchema(doc *dsl.Document) error {
	if doc.Meta.Symbol == "" {
		return &SchemaError{Path: "meta.symbol", Reason: "required"}
	}
	if doc.Meta.Timeframe == "" {
		return &SchemaError{Path: "meta.timeframe", Reason: "required"}
	}
	if doc.Rules.Trigger == "" {
		return &SchemaError{Path: "rules.trigger", Reason: "required"}
	}
	if len(doc.OrderPlans) == 0 {
		return &SchemaError{Path: "order_plans", Reason: "at least one order plan is required"}
	}
	if fl := doc.Execution; fl != nil {
		switch fl.FreezeLevelsOn {
		case "", "armed", "triggered":
		default:
			return &SchemaError{Path: "execution.freeze_levels_on", Reason: "must be armed or triggered"}
		}
	}

	for i, p := range doc.OrderPlans {
		path := fmt.Sprintf("order_plans[%d]", i)
		if p.ID == "" {
			return &SchemaError{Path: path + ".id", Reason: "required"}
		}
		switch p.Side {
		case "buy", "sell":
		default:
			return &SchemaError{Path: path + ".side", Reason: "must be buy or sell"}
		}
		if p.Qty <= 0 {
			return &SchemaError{Path: path + ".qty", Reason: "must be > 0"}
		}
		if p.Entry.IsZero() {
			return &SchemaError{Path: path + ".entry", Reason: "required"}
		}
		if p.Stop.IsZero() {
			return &SchemaError{Path: path + ".stop", Reason: "required"}
		}
		if len(p.EntryZone) != 0 && len(p.EntryZone) != 2 {
			return &SchemaError{Path: path + ".entry_zone", Reason: "must be [low, high]"}
		}
		if len(p.Targets) == 0 {
			return &SchemaError{Path: path + ".targets", Reason: "at least one target is required"}
		}
		sum := 0.0
		for j, tg := range p.Targets {
			if tg.Ratio < 0 || tg.Ratio > 1 {
				return &SchemaError{
					Path:   fmt.Sprintf("%s.targets[%d].ratio", path, j),
					Reason: fmt.Sprintf("ratio %g outside [0, 1]", tg.Ratio),
				}
			}
			if tg.Price.IsZero() {
				return &SchemaError{Path: fmt.Sprintf("%s.targets[%d].price", path, j), Reason: "required"}
			}
			sum += tg.Ratio
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return &SchemaError{
				Path:   path + ".targets",
				Reason: fmt.Sprintf("ratios sum to %g, want 1.0", sum),
			}
		}
		switch p.Mode {
		case "", "single", "split_bracket":
		default:
			return &SchemaError{Path: path + ".mode", Reason: "must be single or split_bracket"}
		}
	}

	for i, f := range doc.Features {
		path := fmt.Sprintf("features[%d]", i)
		if f.Name == "" {
			return &SchemaError{Path: path + ".name", Reason: "required"}
		}
		if _, ok := feature.Get(f.RegistryName()); !ok {
			return &SchemaError{
				Path:   path,
				Reason: fmt.Sprintf("unknown registry entry %q", f.RegistryName()),
			}
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Step 2: expression parsing
// ————————————————————————————————————————————————————————————————————————

func parseRules(doc *dsl.Document) (map[string]expr.Node, error) {
	out := make(map[string]expr.Node)
	parse := func(where, src string) error {
		if src == "" {
			out[where] = nil
			return nil
		}
		node, err := expr.Parse(src)
		if err != nil {
			return &ParseError{Where: where, Source: src, Err: err}
		}
		out[where] = node
		return nil
	}
	if err := parse("rules.arm", doc.Rules.Arm); err != nil {
		return nil, err
	}
	if err := parse("rules.trigger", doc.Rules.Trigger); err != nil {
		return nil, err
	}
	if err := parse("rules.invalidate", doc.Rules.Invalidate); err != nil {
		return nil, err
	}
	if err := parse("rules.disarm", doc.Rules.Disarm); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLevel(where string, lvl dsl.Level, declared map[string]dsl.Feature) (ir.DynamicLevel, error) {
	if lvl.Number != nil {
		return ir.DynamicLevel{Static: *lvl.Number}, nil
	}
	node, err := expr.Parse(lvl.Expr)
	if err != nil {
		return ir.DynamicLevel{}, &ParseError{Where: where, Source: lvl.Expr, Err: err}
	}
	if err := resolveNames(node, declared, where); err != nil {
		return ir.DynamicLevel{}, err
	}
	return ir.DynamicLevel{Static: math.NaN(), Expr: node, Source: lvl.Expr}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Step 3: name resolution
// ————————————————————————————————————————————————————————————————————————

func resolveNames(node expr.Node, declared map[string]dsl.Feature, where string) error {
	for _, name := range expr.Identifiers(node) {
		if _, ok := declared[name]; ok {
			continue
		}
		if feature.IsBarBuiltin(name) || planVars[name] {
			continue
		}
		return &NameError{Symbol: name, Location: where}
	}
	for _, fn := range expr.FuncNames(node) {
		if !expr.IsFunction(fn) {
			return &NameError{Symbol: fn, Location: where}
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Step 4: feature DAG construction and topological sort
// ————————————————————————————————————————————————————————————————————————

func buildFeaturePlan(doc *dsl.Document, declared map[string]dsl.Feature) ([]ir.PlannedFeature, error) {
	// Dependency edges come from the registry entry plus any explicit
	// depends_on in the document. Every dependency must itself be a
	// declared feature.
	deps := make(map[string][]string, len(doc.Features))
	for _, f := range doc.Features {
		entry, _ := feature.Get(f.RegistryName())
		var all []string
		all = append(all, entry.DependsOn...)
		all = append(all, f.DependsOn...)
		for _, d := range all {
			if _, ok := declared[d]; !ok {
				return nil, &NameError{
					Symbol:   d,
					Location: fmt.Sprintf("features.%s dependencies", f.Name),
				}
			}
		}
		deps[f.Name] = all
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, err
	}

	plan := make([]ir.PlannedFeature, 0, len(order))
	for _, name := range order {
		f := declared[name]
		entry, _ := feature.Get(f.RegistryName())
		plan = append(plan, ir.PlannedFeature{
			Name:      f.Name,
			Registry:  f.RegistryName(),
			Kind:      entry.Kind,
			Params:    f.Params,
			DependsOn: deps[name],
			Lookback:  entry.Lookback(f.Params),
		})
	}
	return plan, nil
}

// topoSort is Kahn's algorithm with the ready set kept sorted by name, so
// the resulting order is deterministic (topological-plus-name).
func topoSort(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))
	for name, ds := range deps {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, d := range ds {
			indegree[name]++
			dependents[d] = append(dependents[d], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Nodes: stuck}
	}
	return order, nil
}

func insertSorted(xs []string, v string) []string {
	i := sort.SearchStrings(xs, v)
	xs = append(xs, "")
	copy(xs[i+1:], xs[i:])
	xs[i] = v
	return xs
}

// ————————————————————————————————————————————————————————————————————————
// Step 5: lowering
// ————————————————————————————————————————————————————————————————————————

func mustParse(src string) expr.Node {
	node, err := expr.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("compiler internal expression %q: %v", src, err))
	}
	return node
}

// lowerTransitions emits the canonical FSM scaffold:
//
//	IDLE --arm--> ARMED --trigger--> PLACED --entry filled--> MANAGING
//	MANAGING --invalidate--> EXITED
//	ARMED --entry_timer expired or disarm--> IDLE
//	PLACED --disarm--> IDLE (when a disarm rule exists)
//
// Transition order is fixed; the engine evaluates in declaration order and
// commits at most one per bar.
func lowerTransitions(doc *dsl.Document, rules map[string]expr.Node, plans []ir.OrderPlan) []ir.Transition {
	var out []ir.Transition

	arm := rules["rules.arm"]
	armSrc := doc.Rules.Arm
	if arm == nil {
		arm = mustParse("true")
		armSrc = "true"
	}
	out = append(out, ir.Transition{
		From:   ir.StateIdle,
		To:     ir.StateArmed,
		When:   arm,
		Source: armSrc,
		Actions: []ir.Action{
			{Type: ir.ActionStartTimer, TimerName: "entry_timer", TimerBars: entryTimeout(doc)},
			{Type: ir.ActionLog, Message: "armed"},
		},
	})

	trigger := ir.Transition{
		From:   ir.StateArmed,
		To:     ir.StatePlaced,
		When:   rules["rules.trigger"],
		Source: doc.Rules.Trigger,
	}
	for _, p := range plans {
		trigger.Actions = append(trigger.Actions, ir.Action{Type: ir.ActionSubmitPlan, PlanID: p.ID})
	}
	trigger.Actions = append(trigger.Actions, ir.Action{Type: ir.ActionLog, Message: "triggered"})
	out = append(out, trigger)

	// Invalidation from PLACED is declared before the entry confirmation:
	// transitions evaluate in declaration order, so a bar that breaks the
	// setup while entries are still working cancels and exits instead of
	// confirming. The edge is dwell gated, so it cannot fire on the
	// trigger bar itself.
	inv := rules["rules.invalidate"]
	if inv != nil {
		out = append(out, ir.Transition{
			From:   ir.StatePlaced,
			To:     ir.StateExited,
			When:   inv,
			Source: doc.Rules.Invalidate,
			Actions: []ir.Action{
				{Type: ir.ActionCancelEntries},
				{Type: ir.ActionLog, Message: "invalidated, exited"},
			},
		})
	}

	// Entry confirmation: the predicate is always true, the engine's
	// MANAGING gate (fresh broker sync, live order or nonzero position)
	// decides whether the transition may commit.
	out = append(out, ir.Transition{
		From:    ir.StatePlaced,
		To:      ir.StateManaging,
		When:    mustParse("true"),
		Source:  "true",
		Actions: []ir.Action{{Type: ir.ActionLog, Message: "entry filled, managing"}},
	})

	if inv != nil {
		out = append(out, ir.Transition{
			From:   ir.StateManaging,
			To:     ir.StateExited,
			When:   inv,
			Source: doc.Rules.Invalidate,
			Actions: []ir.Action{
				{Type: ir.ActionCancelEntries},
				{Type: ir.ActionLog, Message: "invalidated, exited"},
			},
		})
	}

	// Disarm paths back to IDLE.
	disarmSrc := "entry_timer_expired"
	if doc.Rules.Disarm != "" {
		disarmSrc = "entry_timer_expired || (" + doc.Rules.Disarm + ")"
	}
	out = append(out, ir.Transition{
		From:    ir.StateArmed,
		To:      ir.StateIdle,
		When:    mustParse(disarmSrc),
		Source:  disarmSrc,
		Actions: []ir.Action{{Type: ir.ActionLog, Message: "disarmed"}},
	})

	if doc.Rules.Disarm != "" {
		out = append(out, ir.Transition{
			From:   ir.StatePlaced,
			To:     ir.StateIdle,
			When:   rules["rules.disarm"],
			Source: doc.Rules.Disarm,
			Actions: []ir.Action{
				{Type: ir.ActionCancelEntries},
				{Type: ir.ActionLog, Message: "disarmed from placed"},
			},
		})
	}

	return out
}

func entryTimeout(doc *dsl.Document) int {
	if doc.Execution != nil && doc.Execution.EntryTimeoutBars > 0 {
		return doc.Execution.EntryTimeoutBars
	}
	return 5
}

func lowerOrderPlans(doc *dsl.Document, declared map[string]dsl.Feature) ([]ir.OrderPlan, error) {
	out := make([]ir.OrderPlan, 0, len(doc.OrderPlans))
	for i, p := range doc.OrderPlans {
		path := fmt.Sprintf("order_plans[%d]", i)

		entry, err := parseLevel(path+".entry", p.Entry, declared)
		if err != nil {
			return nil, err
		}
		stop, err := parseLevel(path+".stop", p.Stop, declared)
		if err != nil {
			return nil, err
		}

		eL, eH := entry, entry
		if len(p.EntryZone) == 2 {
			if eL, err = parseLevel(path+".entry_zone[0]", p.EntryZone[0], declared); err != nil {
				return nil, err
			}
			if eH, err = parseLevel(path+".entry_zone[1]", p.EntryZone[1], declared); err != nil {
				return nil, err
			}
		}

		targets := make([]ir.PlanTarget, 0, len(p.Targets))
		for j, tg := range p.Targets {
			price, err := parseLevel(fmt.Sprintf("%s.targets[%d].price", path, j), tg.Price, declared)
			if err != nil {
				return nil, err
			}
			targets = append(targets, ir.PlanTarget{Price: price, Ratio: tg.Ratio})
		}

		side := types.BUY
		if p.Side == "sell" {
			side = types.SELL
		}
		mode := types.BracketSingle
		if p.Mode == "split_bracket" {
			mode = types.BracketSplit
		}

		out = append(out, ir.OrderPlan{
			ID:        p.ID,
			Side:      side,
			Entry:     entry,
			EntryLow:  eL,
			EntryHigh: eH,
			Stop:      stop,
			Qty:       p.Qty,
			Targets:   targets,
			Mode:      mode,
		})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Step 6: static invariant checks on order plans
// ————————————————————————————————————————————————————————————————————————

// checkPlanInvariants enforces the level ordering rules using the static
// snapshots. Dynamic levels have already type-checked; their numeric
// invariants are rechecked at runtime after each recomputation.
func checkPlanInvariants(compiled *ir.CompiledIR) error {
	for i, p := range compiled.OrderPlans {
		path := fmt.Sprintf("order_plans[%d]", i)

		eL, eH := p.EntryLow.Static, p.EntryHigh.Static
		if !p.EntryLow.IsDynamic() && !p.EntryHigh.IsDynamic() && eL > eH {
			return &SchemaError{Path: path + ".entry_zone", Reason: fmt.Sprintf("low %g > high %g", eL, eH)}
		}

		if !p.Stop.IsDynamic() {
			stop := p.Stop.Static
			if p.Side == types.BUY && !p.EntryLow.IsDynamic() && stop >= eL {
				return &SchemaError{Path: path + ".stop", Reason: fmt.Sprintf("buy stop %g must be below entry zone low %g", stop, eL)}
			}
			if p.Side == types.SELL && !p.EntryHigh.IsDynamic() && stop <= eH {
				return &SchemaError{Path: path + ".stop", Reason: fmt.Sprintf("sell stop %g must be above entry zone high %g", stop, eH)}
			}
		}

		for j, tg := range p.Targets {
			if tg.Price.IsDynamic() {
				continue
			}
			price := tg.Price.Static
			if p.Side == types.BUY && !p.EntryHigh.IsDynamic() && price <= eH {
				return &SchemaError{
					Path:   fmt.Sprintf("%s.targets[%d].price", path, j),
					Reason: fmt.Sprintf("buy target %g must be above entry zone high %g", price, eH),
				}
			}
			if p.Side == types.SELL && !p.EntryLow.IsDynamic() && price >= eL {
				return &SchemaError{
					Path:   fmt.Sprintf("%s.targets[%d].price", path, j),
					Reason: fmt.Sprintf("sell target %g must be below entry zone low %g", price, eL),
				}
			}
		}
	}
	return nil
}
