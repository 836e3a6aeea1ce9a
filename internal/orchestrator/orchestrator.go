// Package orchestrator is the top-level process driving many strategy
// engines at once.
//
// It discovers PENDING strategy records, compiles them, warms the bar
// cache, replays history into a fresh engine, and marks the record ACTIVE.
// Live bars fan out through a bounded worker pool with per-instance serial
// delivery, so two bars for one strategy are never processed concurrently
// while independent strategies run in parallel. Periodic loops reconcile
// local order state against the broker, ask the evaluator service about
// long-running strategies, and react to risk kill signals.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"tradeorch/internal/api"
	"tradeorch/internal/compiler"
	"tradeorch/internal/config"
	"tradeorch/internal/engine"
	"tradeorch/internal/repo"
	"tradeorch/internal/risk"
	"tradeorch/internal/store"
	"tradeorch/internal/symlock"
	"tradeorch/pkg/types"
)

const (
	lockTTL        = 30 * time.Second
	barGraceWindow = 30 * time.Second
)

// Gateway is the broker surface the orchestrator needs: everything an
// engine needs plus symbol-wide cancellation for kill handling.
type Gateway interface {
	engine.OrderGateway
	CancelSymbol(ctx context.Context, symbol string) (types.CancellationResult, error)
}

// BarSource is the bar cache surface: live appends, historical warm-up,
// and windows for replay.
type BarSource interface {
	Append(ctx context.Context, bar types.Bar) error
	Warm(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) (int, error)
	Window(symbol string, tf types.Timeframe, n int) []types.Bar
}

// Evaluator is the strategy advisor client surface.
type Evaluator interface {
	Evaluate(ctx context.Context, req types.EvaluationRequest) (types.EvaluationResult, error)
}

// Feed is the live bar feed subscription surface. Optional; nil disables
// subscription management.
type Feed interface {
	Subscribe(symbol string, tf types.Timeframe) error
	Unsubscribe(symbol string, tf types.Timeframe) error
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Repo      repo.Repository
	Bars      BarSource
	Gateway   Gateway
	Evaluator Evaluator
	Feed      Feed          // optional
	Risk      *risk.Manager // optional
	Locker    symlock.Locker
	Queue     *symlock.Queue
	Snapshots *store.Store
}

// instance is one running strategy. Bars queue through deliver/drain so
// processing is serial per instance; runMu additionally serializes bar
// processing against reconciliation and swap operations on the same
// engine.
type instance struct {
	record types.StrategyRecord
	eng    *engine.Engine

	mu      sync.Mutex // guards queue and running
	queue   []types.Bar
	running bool

	runMu sync.Mutex
}

// Orchestrator runs the full strategy fleet.
type Orchestrator struct {
	cfg     config.Config
	deps    Deps
	pool    *ants.Pool
	ownerID string
	logger  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance            // strategy ID -> instance
	bySeries  map[string]map[string]*instance // symbol|timeframe -> strategy ID -> instance

	events chan api.Event

	wg sync.WaitGroup
}

// New creates an orchestrator. The worker pool size bounds how many bar
// deliveries run at once across all instances.
func New(cfg config.Config, deps Deps, logger *slog.Logger) (*Orchestrator, error) {
	pool, err := ants.NewPool(cfg.Orchestrator.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		pool:      pool,
		ownerID:   "orch-" + uuid.NewString(),
		logger:    logger.With("component", "orchestrator"),
		instances: make(map[string]*instance),
		bySeries:  make(map[string]map[string]*instance),
		events:    make(chan api.Event, 100),
	}, nil
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (o *Orchestrator) engineOpts() engine.Options {
	oc := o.cfg.Orchestrator
	return engine.Options{
		AllowLiveOrders:    oc.AllowLiveOrders,
		AllowCancelEntries: oc.AllowCancelEntries,
		DynamicSizing:      oc.DynamicSizing,
		SizingFactor:       oc.SizingFactor,
		MaxOrderQty:        o.cfg.Broker.MaxOrderQty,
		MaxNotional:        o.cfg.Broker.MaxNotional,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight work and
// persists every instance's state.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		"user", o.cfg.Orchestrator.UserID,
		"max_strategies", o.cfg.Orchestrator.MaxConcurrentStrategies,
		"workers", o.cfg.Orchestrator.WorkerPoolSize,
	)

	// Re-adopt strategies that were ACTIVE before a restart, then start
	// the periodic loops.
	o.adoptActive(ctx)
	o.discover(ctx)

	if o.deps.Risk != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.deps.Risk.Run(ctx)
		}()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.killLoop(ctx)
		}()
	}

	o.loop(ctx, o.cfg.Orchestrator.DiscoveryInterval, o.discover)
	o.loop(ctx, o.cfg.Orchestrator.ReconcileInterval, o.reconcile)
	o.loop(ctx, o.cfg.Evaluator.Interval, o.evaluateAll)

	<-ctx.Done()
	o.shutdown()
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (o *Orchestrator) shutdown() {
	o.logger.Info("shutting down, draining bar queues")
	o.wg.Wait()
	o.pool.Release()

	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, inst := range o.instances {
		inst.runMu.Lock()
		if err := o.deps.Snapshots.SaveState(inst.eng.Snapshot()); err != nil {
			o.logger.Error("failed to persist state on shutdown", "strategy", id, "error", err)
		}
		inst.runMu.Unlock()
	}
	o.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Discovery and activation
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.instances)
}

func (o *Orchestrator) list() []*instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*instance, 0, len(o.instances))
	for _, inst := range o.instances {
		out = append(out, inst)
	}
	return out
}

// adoptActive rebuilds instances for records that were ACTIVE when the
// process last stopped, restoring their persisted runtime state.
func (o *Orchestrator) adoptActive(ctx context.Context) {
	records, err := o.deps.Repo.FindActive(ctx)
	if err != nil {
		o.logger.Error("startup adoption failed", "error", err)
		return
	}
	for _, rec := range records {
		if !o.ownedRecord(rec) {
			continue
		}
		o.startInstance(ctx, rec, true)
	}
}

// discover polls for PENDING records and activates them up to capacity.
// Excess records stay PENDING for a later tick.
func (o *Orchestrator) discover(ctx context.Context) {
	pending, err := o.deps.Repo.FindPending(ctx)
	if err != nil {
		o.logger.Error("discovery poll failed", "error", err)
		return
	}
	for _, rec := range pending {
		if !o.ownedRecord(rec) {
			continue
		}
		if o.count() >= o.cfg.Orchestrator.MaxConcurrentStrategies {
			o.logger.Warn("at capacity, leaving records pending",
				"active", o.count(), "cap", o.cfg.Orchestrator.MaxConcurrentStrategies)
			return
		}
		o.startInstance(ctx, rec, false)
	}
}

func (o *Orchestrator) ownedRecord(rec types.StrategyRecord) bool {
	if o.cfg.Orchestrator.UserID == "" {
		return true
	}
	return rec.UserID == o.cfg.Orchestrator.UserID
}

// startInstance compiles, warms, replays, and registers one strategy.
// adopted records are already ACTIVE and skip the lifecycle call.
func (o *Orchestrator) startInstance(ctx context.Context, rec types.StrategyRecord, adopted bool) {
	o.mu.RLock()
	_, exists := o.instances[rec.ID]
	o.mu.RUnlock()
	if exists {
		return
	}

	compiled, err := compiler.Compile([]byte(rec.YAMLContent))
	if err != nil {
		o.logger.Error("compilation failed", "strategy", rec.ID, "error", err)
		if ferr := o.deps.Repo.MarkFailed(ctx, rec.ID, err.Error()); ferr != nil {
			o.logger.Error("could not mark record failed", "strategy", rec.ID, "error", ferr)
		}
		return
	}

	lookback := compiled.MaxLookback()
	nowMs := time.Now().UnixMilli()
	fromMs := nowMs - compiled.Timeframe.Millis()*int64(lookback+1)
	if _, err := o.deps.Bars.Warm(ctx, compiled.Symbol, compiled.Timeframe, fromMs, nowMs); err != nil {
		o.logger.Error("bar warm-up failed", "strategy", rec.ID, "symbol", compiled.Symbol, "error", err)
		if ferr := o.deps.Repo.MarkFailed(ctx, rec.ID, "warm-up: "+err.Error()); ferr != nil {
			o.logger.Error("could not mark record failed", "strategy", rec.ID, "error", ferr)
		}
		return
	}

	eng := engine.New(rec.ID, rec.UserID, compiled, o.deps.Gateway, o.deps.Risk, o.engineOpts(), o.logger)

	var lastSeen int64
	if snap, err := o.deps.Snapshots.LoadState(rec.ID); err != nil {
		o.logger.Warn("could not load persisted state", "strategy", rec.ID, "error", err)
	} else if snap != nil {
		eng.Restore(snap)
		lastSeen = snap.LastBarTimestamp
	}

	// Side-effect-free replay brings features, timers, and the FSM to the
	// present before the first live bar.
	replayed := 0
	for _, bar := range o.deps.Bars.Window(compiled.Symbol, compiled.Timeframe, lookback+1) {
		if bar.Timestamp <= lastSeen {
			continue
		}
		if err := eng.ProcessBar(ctx, bar, true); err != nil {
			o.logger.Warn("replay bar failed", "strategy", rec.ID, "error", err)
		}
		replayed++
	}

	if !adopted {
		if err := o.deps.Repo.Activate(ctx, rec.ID); err != nil {
			o.logger.Error("activation failed", "strategy", rec.ID, "error", err)
			return
		}
	}

	inst := &instance{record: rec, eng: eng}
	key := seriesKey(compiled.Symbol, compiled.Timeframe)

	o.mu.Lock()
	o.instances[rec.ID] = inst
	if o.bySeries[key] == nil {
		o.bySeries[key] = make(map[string]*instance)
	}
	o.bySeries[key][rec.ID] = inst
	firstOnSeries := len(o.bySeries[key]) == 1
	o.mu.Unlock()

	if firstOnSeries && o.deps.Feed != nil {
		if err := o.deps.Feed.Subscribe(compiled.Symbol, compiled.Timeframe); err != nil {
			o.logger.Error("feed subscribe failed", "symbol", compiled.Symbol, "error", err)
		}
	}

	o.logger.Info("strategy started",
		"strategy", rec.ID,
		"symbol", compiled.Symbol,
		"timeframe", compiled.Timeframe,
		"state", eng.State(),
		"replayed", replayed,
		"adopted", adopted,
	)
	o.emitEvent(api.NewLifecycleEvent(rec.ID, compiled.Symbol, string(types.StatusActive), ""))
}

// removeInstance unregisters a strategy and releases its resources. The
// repository lifecycle call is the caller's responsibility.
func (o *Orchestrator) removeInstance(inst *instance) {
	key := seriesKey(inst.eng.Symbol(), inst.eng.Timeframe())

	o.mu.Lock()
	delete(o.instances, inst.record.ID)
	if series := o.bySeries[key]; series != nil {
		delete(series, inst.record.ID)
		if len(series) == 0 {
			delete(o.bySeries, key)
		}
	}
	lastOnSeries := o.bySeries[key] == nil
	o.mu.Unlock()

	if lastOnSeries && o.deps.Feed != nil {
		if err := o.deps.Feed.Unsubscribe(inst.eng.Symbol(), inst.eng.Timeframe()); err != nil {
			o.logger.Warn("feed unsubscribe failed", "symbol", inst.eng.Symbol(), "error", err)
		}
	}
	if o.deps.Risk != nil {
		o.deps.Risk.RemoveStrategy(inst.record.ID)
	}
}

// closeInstance cancels the strategy's working orders, closes the record,
// and drops the persisted snapshot.
func (o *Orchestrator) closeInstance(ctx context.Context, inst *instance, reason string) {
	if err := o.cancelInstanceOrders(ctx, inst); err != nil {
		o.logger.Error("cancel on close failed, orders may be working",
			"strategy", inst.record.ID, "error", err)
	}
	if err := o.deps.Repo.Close(ctx, inst.record.ID, reason); err != nil {
		o.logger.Error("close lifecycle call failed", "strategy", inst.record.ID, "error", err)
	}
	if err := o.deps.Snapshots.DeleteState(inst.record.ID); err != nil {
		o.logger.Warn("could not delete persisted state", "strategy", inst.record.ID, "error", err)
	}
	o.removeInstance(inst)
	o.logger.Info("strategy closed", "strategy", inst.record.ID, "reason", reason)
	o.emitEvent(api.NewLifecycleEvent(inst.record.ID, inst.eng.Symbol(), string(types.StatusClosed), reason))
}

// cancelInstanceOrders cancels the engine's working orders through the
// retrying operation queue.
func (o *Orchestrator) cancelInstanceOrders(ctx context.Context, inst *instance) error {
	open := inst.eng.OpenOrders()
	if len(open) == 0 {
		return nil
	}
	ids := make([]string, len(open))
	for i, ord := range open {
		ids[i] = ord.ID
	}
	return o.deps.Queue.Do(ctx, inst.eng.Symbol(), "cancel_orders", func(ctx context.Context) error {
		result := o.deps.Gateway.CancelOrders(ctx, ids)
		if !result.AllSucceeded() {
			return fmt.Errorf("%d of %d cancels failed", len(result.Failed), len(ids))
		}
		inst.eng.ReplaceOpenOrders(nil)
		return nil
	})
}

// markInstanceFailed handles an internal error in one instance without
// touching the rest of the fleet.
func (o *Orchestrator) markInstanceFailed(ctx context.Context, inst *instance, detail string) {
	o.logger.Error("instance failed", "strategy", inst.record.ID, "detail", detail)
	if err := o.deps.Repo.MarkFailed(ctx, inst.record.ID, detail); err != nil {
		o.logger.Error("could not mark record failed", "strategy", inst.record.ID, "error", err)
	}
	o.removeInstance(inst)
	o.emitEvent(api.NewLifecycleEvent(inst.record.ID, inst.eng.Symbol(), string(types.StatusFailed), detail))
}
