package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeorch/internal/api"
	"tradeorch/internal/compiler"
	"tradeorch/internal/ir"
	"tradeorch/internal/risk"
	"tradeorch/internal/symlock"
	"tradeorch/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Bar fan-out
// ————————————————————————————————————————————————————————————————————————

// HandleBar ingests one live bar: append it to the cache, then queue it to
// every instance on the bar's (symbol, timeframe). Delivery is serial per
// instance and ordered by arrival; independent instances proceed in
// parallel on the worker pool.
func (o *Orchestrator) HandleBar(ctx context.Context, bar types.Bar) {
	if err := o.deps.Bars.Append(ctx, bar); err != nil {
		o.logger.Warn("bar cache append failed",
			"symbol", bar.Symbol, "timeframe", bar.Timeframe, "error", err)
	}

	o.mu.RLock()
	series := o.bySeries[seriesKey(bar.Symbol, bar.Timeframe)]
	targets := make([]*instance, 0, len(series))
	for _, inst := range series {
		targets = append(targets, inst)
	}
	o.mu.RUnlock()

	for _, inst := range targets {
		o.deliver(ctx, inst, bar)
	}
}

// deliver appends the bar to the instance's queue and schedules a drain if
// one is not already running. The running flag guarantees a single drainer
// per instance, which is what keeps bar order intact.
func (o *Orchestrator) deliver(ctx context.Context, inst *instance, bar types.Bar) {
	inst.mu.Lock()
	inst.queue = append(inst.queue, bar)
	if inst.running {
		inst.mu.Unlock()
		return
	}
	inst.running = true
	inst.mu.Unlock()

	if err := o.pool.Submit(func() { o.drain(ctx, inst) }); err != nil {
		inst.mu.Lock()
		inst.running = false
		inst.mu.Unlock()
		o.logger.Error("worker pool rejected bar task", "strategy", inst.record.ID, "error", err)
	}
}

func (o *Orchestrator) drain(ctx context.Context, inst *instance) {
	for {
		inst.mu.Lock()
		if len(inst.queue) == 0 {
			inst.running = false
			inst.mu.Unlock()
			return
		}
		bar := inst.queue[0]
		inst.queue = inst.queue[1:]
		inst.mu.Unlock()

		o.processBar(ctx, inst, bar)
	}
}

// processBar runs one bar through one engine, persists the resulting
// state, and closes the strategy when its FSM exits. A panic inside the
// engine fails this instance only.
func (o *Orchestrator) processBar(ctx context.Context, inst *instance, bar types.Bar) {
	defer func() {
		if r := recover(); r != nil {
			o.markInstanceFailed(ctx, inst, fmt.Sprintf("panic during bar processing: %v", r))
		}
	}()

	barCtx, cancel := context.WithTimeout(ctx, barGraceWindow)
	defer cancel()

	inst.runMu.Lock()
	err := inst.eng.ProcessBar(barCtx, bar, false)
	snap := inst.eng.Snapshot()
	exited := inst.eng.State() == ir.StateExited
	inst.runMu.Unlock()

	if err != nil {
		o.logger.Error("bar processing failed", "strategy", inst.record.ID, "error", err)
		return
	}
	if serr := o.deps.Snapshots.SaveState(snap); serr != nil {
		o.logger.Error("state persistence failed", "strategy", inst.record.ID, "error", serr)
	}
	if exited {
		o.closeInstance(ctx, inst, "strategy exited")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// reconcile pulls the broker's open orders per symbol and gives every
// engine on that symbol the truth. Runs under the per-symbol lock so it
// cannot interleave with a swap.
func (o *Orchestrator) reconcile(ctx context.Context) {
	bySymbol := make(map[string][]*instance)
	for _, inst := range o.list() {
		sym := inst.eng.Symbol()
		bySymbol[sym] = append(bySymbol[sym], inst)
	}

	for sym, insts := range bySymbol {
		err := symlock.WithLock(ctx, o.deps.Locker, sym, o.ownerID, lockTTL, func(ctx context.Context) error {
			open, err := o.deps.Gateway.GetOpenOrders(ctx, sym)
			if err != nil {
				return err
			}
			for _, inst := range insts {
				inst.runMu.Lock()
				inst.eng.ReconcileOrders(open)
				inst.runMu.Unlock()
			}
			return nil
		})
		if err != nil {
			o.logger.Warn("reconciliation failed", "symbol", sym, "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Evaluation
// ————————————————————————————————————————————————————————————————————————

// evaluateAll asks the advisor about every running strategy. Failures and
// unknown verdicts leave the strategy running.
func (o *Orchestrator) evaluateAll(ctx context.Context) {
	for _, inst := range o.list() {
		inst.runMu.Lock()
		req := types.EvaluationRequest{
			StrategyID:   inst.record.ID,
			UserID:       inst.record.UserID,
			Symbol:       inst.eng.Symbol(),
			YAMLContent:  inst.record.YAMLContent,
			CurrentState: string(inst.eng.State()),
			PositionSize: inst.eng.PositionQty(),
			BarsActive:   inst.eng.BarsActive(),
		}
		inst.runMu.Unlock()

		result, err := o.deps.Evaluator.Evaluate(ctx, req)
		if err != nil {
			o.logger.Warn("evaluation failed, keeping strategy",
				"strategy", inst.record.ID, "error", err)
			continue
		}

		switch result.Recommendation {
		case types.RecommendClose:
			o.logger.Info("evaluator recommends close",
				"strategy", inst.record.ID, "confidence", result.Confidence, "reason", result.Reason)
			o.closeInstance(ctx, inst, "evaluator: "+result.Reason)
		case types.RecommendSwap:
			o.swapInstance(ctx, inst, result)
		}
	}
}

// swapInstance replaces a running strategy with the advisor's suggested
// document: cancel the old orders, create a replacement PENDING record,
// close the old one. The whole sequence holds the symbol lock; the next
// discovery tick activates the replacement.
func (o *Orchestrator) swapInstance(ctx context.Context, inst *instance, result types.EvaluationResult) {
	sym := inst.eng.Symbol()
	err := symlock.WithLock(ctx, o.deps.Locker, sym, o.ownerID, lockTTL, func(ctx context.Context) error {
		// The replacement must compile before the running strategy is
		// touched.
		suggested, err := compiler.Compile([]byte(result.SuggestedYAML))
		if err != nil {
			return fmt.Errorf("suggested strategy does not compile: %w", err)
		}

		if err := o.cancelInstanceOrders(ctx, inst); err != nil {
			return fmt.Errorf("cancel before swap: %w", err)
		}

		replacement := types.StrategyRecord{
			ID:          uuid.NewString(),
			UserID:      inst.record.UserID,
			Symbol:      suggested.Symbol,
			Timeframe:   suggested.Timeframe,
			Status:      types.StatusPending,
			YAMLContent: result.SuggestedYAML,
			CreatedAt:   time.Now(),
		}
		if err := o.deps.Repo.Create(ctx, &replacement); err != nil {
			return fmt.Errorf("create replacement record: %w", err)
		}

		if err := o.deps.Repo.Close(ctx, inst.record.ID, "swapped: "+result.Reason); err != nil {
			o.logger.Error("close after swap failed", "strategy", inst.record.ID, "error", err)
		}
		if err := o.deps.Snapshots.DeleteState(inst.record.ID); err != nil {
			o.logger.Warn("could not delete persisted state", "strategy", inst.record.ID, "error", err)
		}
		o.removeInstance(inst)

		o.logger.Info("strategy swapped",
			"old", inst.record.ID, "new", replacement.ID,
			"confidence", result.Confidence, "reason", result.Reason)
		return nil
	})
	if err != nil {
		o.logger.Error("swap aborted, keeping strategy",
			"strategy", inst.record.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Kill signals
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) killLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case kill := <-o.deps.Risk.KillCh():
			o.handleKill(ctx, kill)
		}
	}
}

// handleKill cancels working orders and closes the affected strategies.
// An empty symbol kills the whole fleet.
func (o *Orchestrator) handleKill(ctx context.Context, kill risk.KillSignal) {
	o.logger.Error("KILL SIGNAL received", "symbol", kill.Symbol, "reason", kill.Reason)
	o.emitEvent(api.NewKillEvent(kill.Symbol, kill.Reason, time.Now().Add(o.cfg.Risk.CooldownAfterKill)))

	affected := make(map[string][]*instance)
	for _, inst := range o.list() {
		sym := inst.eng.Symbol()
		if kill.Symbol == "" || sym == kill.Symbol {
			affected[sym] = append(affected[sym], inst)
		}
	}

	for sym, insts := range affected {
		// Symbol-wide cancel is the safety net; per-instance close then
		// clears records and local state.
		err := o.deps.Queue.Do(ctx, sym, "kill_cancel", func(ctx context.Context) error {
			result, err := o.deps.Gateway.CancelSymbol(ctx, sym)
			if err != nil {
				return err
			}
			if !result.AllSucceeded() {
				return fmt.Errorf("%d cancels failed", len(result.Failed))
			}
			return nil
		})
		if err != nil {
			o.logger.Error("kill cancellation failed, orders may be working",
				"symbol", sym, "error", err)
		}
		for _, inst := range insts {
			inst.eng.ReplaceOpenOrders(nil)
			o.closeInstance(ctx, inst, "risk kill: "+kill.Reason)
		}
	}
}
