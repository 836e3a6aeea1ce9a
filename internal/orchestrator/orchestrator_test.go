package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"tradeorch/internal/broker"
	"tradeorch/internal/config"
	"tradeorch/internal/repo"
	"tradeorch/internal/risk"
	"tradeorch/internal/store"
	"tradeorch/internal/symlock"
	"tradeorch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func strategyYAML(symbol string) string {
	return fmt.Sprintf(`
meta:
  name: breakout
  symbol: %s
  timeframe: 5m
features:
  - name: ema20
    type: indicator
    fn: ema
    params: {period: 20}
  - name: rsi14
    type: indicator
    fn: rsi
    params: {period: 14}
rules:
  arm: "rsi14 < 30"
  trigger: "close > ema20"
  invalidate: "close < stop"
order_plans:
  - id: plan1
    side: buy
    entry: 100.5
    qty: 10
    stop: 96
    targets:
      - {price: 105, ratio: 1.0}
    mode: single
`, symbol)
}

// ————————————————————————————————————————————————————————————————————————
// Stubs
// ————————————————————————————————————————————————————————————————————————

type fakeBars struct {
	mu        sync.Mutex
	warmCalls int
	warmErr   error
	window    []types.Bar
	appended  []types.Bar
}

func (b *fakeBars) Append(_ context.Context, bar types.Bar) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, bar)
	return nil
}

func (b *fakeBars) Warm(context.Context, string, types.Timeframe, int64, int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warmCalls++
	if b.warmErr != nil {
		return 0, b.warmErr
	}
	return len(b.window), nil
}

func (b *fakeBars) Window(_ string, _ types.Timeframe, n int) []types.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.window) {
		n = len(b.window)
	}
	return append([]types.Bar(nil), b.window[len(b.window)-n:]...)
}

type stubGateway struct {
	mu            sync.Mutex
	open          []types.Order
	cancelledSyms []string
}

func (g *stubGateway) SubmitBracket(_ context.Context, spec types.BracketSpec) ([]types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order := types.Order{ID: "ord-" + spec.PlanID, Symbol: spec.Symbol, Status: types.OrderStatusAccepted}
	g.open = append(g.open, order)
	return []types.Order{order}, nil
}

func (g *stubGateway) CancelOrders(_ context.Context, orderIDs []string) types.CancellationResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	var result types.CancellationResult
	for _, id := range orderIDs {
		result.Succeeded = append(result.Succeeded, id)
		for i, o := range g.open {
			if o.ID == id {
				g.open = append(g.open[:i], g.open[i+1:]...)
				break
			}
		}
	}
	return result
}

func (g *stubGateway) GetOpenOrders(context.Context, string) ([]types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.Order(nil), g.open...), nil
}

func (g *stubGateway) GetPosition(context.Context, string) (*broker.Position, error) {
	return &broker.Position{}, nil
}

func (g *stubGateway) GetAccount(context.Context) (*broker.Account, error) {
	return &broker.Account{Equity: 100000, BuyingPower: 100000}, nil
}

func (g *stubGateway) CancelSymbol(_ context.Context, symbol string) (types.CancellationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelledSyms = append(g.cancelledSyms, symbol)
	var result types.CancellationResult
	kept := g.open[:0]
	for _, o := range g.open {
		if o.Symbol == symbol {
			result.Succeeded = append(result.Succeeded, o.ID)
			continue
		}
		kept = append(kept, o)
	}
	g.open = kept
	return result, nil
}

type stubEvaluator struct {
	mu      sync.Mutex
	results map[string]types.EvaluationResult // strategy ID -> verdict
}

func (e *stubEvaluator) Evaluate(_ context.Context, req types.EvaluationRequest) (types.EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.results[req.StrategyID]; ok {
		return r, nil
	}
	return types.EvaluationResult{Recommendation: types.RecommendKeep}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

type harness struct {
	orch      *Orchestrator
	repo      *repo.MemoryRepository
	bars      *fakeBars
	gateway   *stubGateway
	evaluator *stubEvaluator
	snapshots *store.Store
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Config{}
	cfg.Orchestrator = config.OrchestratorConfig{
		UserID:                  "u1",
		DiscoveryInterval:       time.Hour,
		ReconcileInterval:       time.Hour,
		MaxConcurrentStrategies: 8,
		WorkerPoolSize:          4,
		AllowLiveOrders:         true,
		AllowCancelEntries:      true,
		SizingFactor:            0.75,
	}
	cfg.Evaluator.Interval = time.Hour
	cfg.Broker.MaxOrderQty = 10000
	cfg.Broker.MaxNotional = 1e9
	if mutate != nil {
		mutate(&cfg)
	}

	snapshots, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	h := &harness{
		repo:      repo.NewMemoryRepository(),
		bars:      &fakeBars{},
		gateway:   &stubGateway{},
		evaluator: &stubEvaluator{results: map[string]types.EvaluationResult{}},
		snapshots: snapshots,
	}
	orch, err := New(cfg, Deps{
		Repo:      h.repo,
		Bars:      h.bars,
		Gateway:   h.gateway,
		Evaluator: h.evaluator,
		Locker:    symlock.NewLocalLocker(),
		Queue:     symlock.NewQueue(2, time.Millisecond, testLogger()),
		Snapshots: snapshots,
	}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	t.Cleanup(orch.pool.Release)
	return h
}

func (h *harness) addPending(t *testing.T, id, symbol string) types.StrategyRecord {
	t.Helper()
	rec := types.StrategyRecord{
		ID:          id,
		UserID:      "u1",
		Symbol:      symbol,
		Timeframe:   types.TF5Min,
		Status:      types.StatusPending,
		YAMLContent: strategyYAML(symbol),
	}
	if err := h.repo.Create(context.Background(), &rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func (h *harness) status(t *testing.T, id string) types.StrategyStatus {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return rec.Status
}

// ————————————————————————————————————————————————————————————————————————
// Tests
// ————————————————————————————————————————————————————————————————————————

func TestDiscoveryActivatesPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")

	h.orch.discover(context.Background())

	if got := h.status(t, "s1"); got != types.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got)
	}
	if h.orch.count() != 1 {
		t.Errorf("instances = %d, want 1", h.orch.count())
	}
	if h.bars.warmCalls != 1 {
		t.Errorf("warm calls = %d, want 1", h.bars.warmCalls)
	}
}

func TestCompileFailureMarksRecordFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	rec := types.StrategyRecord{
		ID: "bad", UserID: "u1", Symbol: "AAPL",
		Status: types.StatusPending, YAMLContent: "meta: {symbol: AAPL}",
	}
	_ = h.repo.Create(context.Background(), &rec)

	h.orch.discover(context.Background())

	if got := h.status(t, "bad"); got != types.StatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
	if h.orch.count() != 0 {
		t.Errorf("instances = %d, want 0", h.orch.count())
	}
}

func TestWarmFailureMarksRecordFailed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.bars.warmErr = fmt.Errorf("upstream outage")
	h.addPending(t, "s1", "AAPL")

	h.orch.discover(context.Background())

	if got := h.status(t, "s1"); got != types.StatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestCapacityLeavesExcessPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Orchestrator.MaxConcurrentStrategies = 1
	})
	h.addPending(t, "s1", "AAPL")
	h.addPending(t, "s2", "MSFT")

	h.orch.discover(context.Background())

	active, pending := 0, 0
	for _, id := range []string{"s1", "s2"} {
		switch h.status(t, id) {
		case types.StatusActive:
			active++
		case types.StatusPending:
			pending++
		}
	}
	if active != 1 || pending != 1 {
		t.Errorf("active = %d pending = %d, want 1 and 1", active, pending)
	}
}

func TestIgnoresOtherUsersRecords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	rec := types.StrategyRecord{
		ID: "theirs", UserID: "someone-else", Symbol: "AAPL",
		Status: types.StatusPending, YAMLContent: strategyYAML("AAPL"),
	}
	_ = h.repo.Create(context.Background(), &rec)

	h.orch.discover(context.Background())

	if got := h.status(t, "theirs"); got != types.StatusPending {
		t.Errorf("status = %s, want record untouched", got)
	}
}

func TestAdoptActiveOnStartup(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	_ = h.repo.Activate(context.Background(), "s1")

	h.orch.adoptActive(context.Background())

	if h.orch.count() != 1 {
		t.Fatalf("instances = %d, want adopted instance", h.orch.count())
	}
	if got := h.status(t, "s1"); got != types.StatusActive {
		t.Errorf("status = %s, want ACTIVE (no double lifecycle call)", got)
	}
}

func TestHandleBarReachesInstance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.orch.discover(context.Background())

	bar := types.Bar{
		Symbol: "AAPL", Timeframe: types.TF5Min,
		Timestamp: time.Now().UnixMilli(),
		Open:      100, High: 101, Low: 99, Close: 100, Volume: 1000,
	}
	h.orch.HandleBar(context.Background(), bar)

	// Delivery is asynchronous; the snapshot write is the observable end
	// of one bar's processing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := h.snapshots.LoadState("s1")
		if err == nil && snap != nil {
			if snap.LastBarTimestamp != bar.Timestamp {
				t.Errorf("snapshot bar = %d, want %d", snap.LastBarTimestamp, bar.Timestamp)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("bar never processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.bars.mu.Lock()
	appended := len(h.bars.appended)
	h.bars.mu.Unlock()
	if appended != 1 {
		t.Errorf("cache appends = %d, want 1", appended)
	}
}

func TestHandleBarIgnoresUnsubscribedSeries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.orch.discover(context.Background())

	h.orch.HandleBar(context.Background(), types.Bar{
		Symbol: "TSLA", Timeframe: types.TF5Min,
		Timestamp: time.Now().UnixMilli(),
		Open:      10, High: 11, Low: 9, Close: 10, Volume: 1,
	})
	time.Sleep(50 * time.Millisecond)

	if snap, _ := h.snapshots.LoadState("s1"); snap != nil {
		t.Error("instance processed a bar for another symbol")
	}
}

func TestEvaluatorCloseVerdict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.orch.discover(context.Background())
	h.evaluator.results["s1"] = types.EvaluationResult{
		Recommendation: types.RecommendClose,
		Reason:         "edge gone",
	}

	h.orch.evaluateAll(context.Background())

	if got := h.status(t, "s1"); got != types.StatusClosed {
		t.Errorf("status = %s, want CLOSED", got)
	}
	if h.orch.count() != 0 {
		t.Errorf("instances = %d, want 0", h.orch.count())
	}
}

func TestEvaluatorSwapVerdict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.orch.discover(context.Background())
	h.evaluator.results["s1"] = types.EvaluationResult{
		Recommendation: types.RecommendSwap,
		Reason:         "regime change",
		SuggestedYAML:  strategyYAML("AAPL"),
	}

	h.orch.evaluateAll(context.Background())

	if got := h.status(t, "s1"); got != types.StatusClosed {
		t.Errorf("old status = %s, want CLOSED", got)
	}
	pending, err := h.repo.FindPending(context.Background())
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending replacements = %d (%v), want 1", len(pending), err)
	}

	// The next discovery tick activates the replacement.
	h.orch.discover(context.Background())
	if got := h.status(t, pending[0].ID); got != types.StatusActive {
		t.Errorf("replacement status = %s, want ACTIVE", got)
	}
}

func TestSwapWithBrokenSuggestionKeepsStrategy(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.orch.discover(context.Background())
	h.evaluator.results["s1"] = types.EvaluationResult{
		Recommendation: types.RecommendSwap,
		SuggestedYAML:  "meta: {symbol: AAPL}",
	}

	h.orch.evaluateAll(context.Background())

	if got := h.status(t, "s1"); got != types.StatusActive {
		t.Errorf("status = %s, strategy should survive a broken suggestion", got)
	}
	if h.orch.count() != 1 {
		t.Errorf("instances = %d, want 1", h.orch.count())
	}
}

func TestKillSignalClosesSymbolStrategies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.addPending(t, "s1", "AAPL")
	h.addPending(t, "s2", "MSFT")
	h.orch.discover(context.Background())

	h.orch.handleKill(context.Background(), risk.KillSignal{Symbol: "AAPL", Reason: "max daily loss"})

	if got := h.status(t, "s1"); got != types.StatusClosed {
		t.Errorf("AAPL strategy status = %s, want CLOSED", got)
	}
	if got := h.status(t, "s2"); got != types.StatusActive {
		t.Errorf("MSFT strategy status = %s, want untouched ACTIVE", got)
	}
	h.gateway.mu.Lock()
	cancelled := append([]string(nil), h.gateway.cancelledSyms...)
	h.gateway.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != "AAPL" {
		t.Errorf("cancelled symbols = %v, want [AAPL]", cancelled)
	}
}
