package broker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		BaseURL:     "http://localhost",
		MaxOrderQty: 1000,
		MaxNotional: 100000,
	}
}

func buySpec() types.BracketSpec {
	return types.BracketSpec{
		PlanID:     "plan1",
		Symbol:     "AAPL",
		Side:       types.BUY,
		Qty:        100,
		EntryPrice: 100,
		EntryLow:   99,
		EntryHigh:  101,
		StopPrice:  95,
		Targets: []types.BracketTarget{
			{Price: 105, Ratio: 0.5},
			{Price: 110, Ratio: 0.5},
		},
		Mode: types.BracketSplit,
	}
}

func TestSubmitBracketSplitMode(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())

	orders, err := f.SubmitBracket(context.Background(), buySpec())
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}

	// Two targets at ratio 0.5 each expand into two child brackets of 50
	// shares: an entry/stop/take-profit triplet per target.
	if len(orders) != 6 {
		t.Fatalf("got %d orders, want 6", len(orders))
	}

	var entries, stops, tps []types.Order
	for _, o := range orders {
		switch o.Kind {
		case types.KindEntry:
			entries = append(entries, o)
		case types.KindStopLoss:
			stops = append(stops, o)
		case types.KindTakeProfit:
			tps = append(tps, o)
		}
	}
	if len(entries) != 2 || len(stops) != 2 || len(tps) != 2 {
		t.Fatalf("legs = %d entries, %d stops, %d tps; want 2 of each",
			len(entries), len(stops), len(tps))
	}
	var entryQty float64
	for _, o := range entries {
		if o.Side != types.BUY {
			t.Errorf("entry leg side = %s, want BUY", o.Side)
		}
		entryQty += o.Qty
	}
	if entryQty != 100 {
		t.Errorf("entry qtys sum to %v, want the full position 100", entryQty)
	}
	for _, o := range stops {
		if o.Side != types.SELL || o.StopPrice != 95 {
			t.Errorf("bad stop leg: %+v", o)
		}
	}
	if tps[0].Qty+tps[1].Qty != 100 {
		t.Errorf("take profit qtys %v + %v do not sum to position", tps[0].Qty, tps[1].Qty)
	}
	for _, o := range orders {
		if o.BracketID == "" {
			t.Error("order missing bracket ID")
		}
	}
}

func TestSubmitBracketSingleMode(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())

	spec := buySpec()
	spec.Mode = types.BracketSingle
	orders, err := f.SubmitBracket(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	if len(orders) != 3 {
		t.Fatalf("got %d orders, want 3 (entry, stop, one tp)", len(orders))
	}
	for _, o := range orders {
		if o.Kind == types.KindTakeProfit {
			if o.Qty != 100 || o.LimitPrice != 105 {
				t.Errorf("single-mode tp = qty %v @ %v, want 100 @ first target 105", o.Qty, o.LimitPrice)
			}
		}
	}
}

func TestSplitTargetQtysRemainderToLast(t *testing.T) {
	t.Parallel()
	targets := []types.BracketTarget{
		{Price: 105, Ratio: 0.33},
		{Price: 107, Ratio: 0.33},
		{Price: 110, Ratio: 0.34},
	}
	qtys := SplitTargetQtys(100, targets)

	if qtys[0] != 33 || qtys[1] != 33 {
		t.Errorf("floor shares = %v, want [33 33 ...]", qtys)
	}
	// Last target absorbs the remainder: 100 - 33 - 33 = 34.
	if qtys[2] != 34 {
		t.Errorf("last share = %v, want 34", qtys[2])
	}
	var sum float64
	for _, q := range qtys {
		sum += q
	}
	if sum != 100 {
		t.Errorf("shares sum to %v, want 100", sum)
	}
}

func TestSubmitBracketConstraints(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*types.BracketSpec)
	}{
		{"fractional qty", func(s *types.BracketSpec) { s.Qty = 10.5 }},
		{"zero qty", func(s *types.BracketSpec) { s.Qty = 0 }},
		{"over max qty", func(s *types.BracketSpec) { s.Qty = 2000 }},
		{"over max notional", func(s *types.BracketSpec) { s.Qty = 1000; s.EntryPrice = 500 }},
		{"buy stop above entry", func(s *types.BracketSpec) { s.StopPrice = 101 }},
		{"buy target below entry", func(s *types.BracketSpec) { s.Targets[0].Price = 99 }},
		{"no targets", func(s *types.BracketSpec) { s.Targets = nil }},
		{"negative entry", func(s *types.BracketSpec) { s.EntryPrice = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := buySpec()
			tc.mutate(&spec)
			_, err := f.SubmitBracket(ctx, spec)
			if err == nil {
				t.Fatal("expected constraint rejection, got nil")
			}
			if !IsConstraintError(err) {
				t.Errorf("error %T (%v), want ConstraintError", err, err)
			}
		})
	}

	// Rejections must not reach the adapter.
	open, _ := sim.GetOpenOrders(ctx, "AAPL")
	if len(open) != 0 {
		t.Errorf("%d orders placed despite rejections", len(open))
	}
}

func TestConstraintsAnchorOnEntryZone(t *testing.T) {
	t.Parallel()
	f := NewFacade(NewSim(1_000_000), testBrokerConfig(), testLogger())
	ctx := context.Background()

	// Stop below the entry price but inside the zone: a fill at the zone
	// low would sit below its own stop, so the spec must be rejected.
	spec := buySpec()
	spec.StopPrice = 99.5
	if _, err := f.SubmitBracket(ctx, spec); !IsConstraintError(err) {
		t.Errorf("buy stop inside entry zone accepted, err = %v", err)
	}

	// Target above the entry price but under the zone high.
	spec = buySpec()
	spec.Targets[0].Price = 100.8
	if _, err := f.SubmitBracket(ctx, spec); !IsConstraintError(err) {
		t.Errorf("buy target inside entry zone accepted, err = %v", err)
	}

	// Sell side mirrors: stop must clear the zone high, targets the low.
	sell := types.BracketSpec{
		PlanID:     "short1",
		Symbol:     "MSFT",
		Side:       types.SELL,
		Qty:        50,
		EntryPrice: 200,
		EntryLow:   198,
		EntryHigh:  202,
		StopPrice:  201,
		Targets:    []types.BracketTarget{{Price: 190, Ratio: 1}},
	}
	if _, err := f.SubmitBracket(ctx, sell); !IsConstraintError(err) {
		t.Errorf("sell stop inside entry zone accepted, err = %v", err)
	}
	sell.StopPrice = 210
	sell.Targets[0].Price = 199
	if _, err := f.SubmitBracket(ctx, sell); !IsConstraintError(err) {
		t.Errorf("sell target inside entry zone accepted, err = %v", err)
	}
}

func TestSubmitBracketSellConstraints(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())

	spec := types.BracketSpec{
		PlanID:     "short1",
		Symbol:     "MSFT",
		Side:       types.SELL,
		Qty:        50,
		EntryPrice: 200,
		StopPrice:  210,
		Targets:    []types.BracketTarget{{Price: 190, Ratio: 1}},
	}
	if _, err := f.SubmitBracket(context.Background(), spec); err != nil {
		t.Fatalf("valid sell bracket rejected: %v", err)
	}

	spec.StopPrice = 195 // below entry, wrong side for a short
	if _, err := f.SubmitBracket(context.Background(), spec); !IsConstraintError(err) {
		t.Errorf("sell stop below entry accepted, err = %v", err)
	}
}

func TestSubmitBracketRollsBackOnPartialFailure(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	sim.FailPlaceOrderAt(3) // entry and stop place, first tp fails
	f := NewFacade(sim, testBrokerConfig(), testLogger())

	_, err := f.SubmitBracket(context.Background(), buySpec())
	if err == nil {
		t.Fatal("expected submission failure")
	}

	// The already-placed legs must have been cancelled.
	open, _ := sim.GetOpenOrders(context.Background(), "AAPL")
	if len(open) != 0 {
		t.Errorf("%d orders left working after failed bracket", len(open))
	}
}

func TestCancelOrdersPartialResult(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())
	ctx := context.Background()

	orders, err := f.SubmitBracket(ctx, buySpec())
	if err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}

	stuck := orders[1].ID
	sim.FailCancel(stuck, errors.New("venue refused"))

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	result := f.CancelOrders(ctx, ids)

	if result.AllSucceeded() {
		t.Fatal("expected partial cancellation")
	}
	if len(result.Succeeded) != len(orders)-1 {
		t.Errorf("succeeded = %d, want %d", len(result.Succeeded), len(orders)-1)
	}
	if len(result.Failed) != 1 || result.Failed[0].OrderID != stuck {
		t.Errorf("failed = %+v, want exactly the stuck order", result.Failed)
	}
}

func TestCancelOrdersAlreadyGoneIsSuccess(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())

	result := f.CancelOrders(context.Background(), []string{"never-existed"})
	if !result.AllSucceeded() {
		t.Errorf("cancelling an unknown order should count as success: %+v", result.Failed)
	}
}

func TestCancelSymbol(t *testing.T) {
	t.Parallel()
	sim := NewSim(1_000_000)
	f := NewFacade(sim, testBrokerConfig(), testLogger())
	ctx := context.Background()

	if _, err := f.SubmitBracket(ctx, buySpec()); err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}

	result, err := f.CancelSymbol(ctx, "AAPL")
	if err != nil {
		t.Fatalf("CancelSymbol: %v", err)
	}
	if !result.AllSucceeded() {
		t.Errorf("cancel symbol failed: %+v", result.Failed)
	}

	open, _ := sim.GetOpenOrders(ctx, "AAPL")
	if len(open) != 0 {
		t.Errorf("%d orders still open", len(open))
	}
}
