package bars

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testBarsConfig() config.BarsConfig {
	return config.BarsConfig{
		MaxSize:      10000,
		GapThreshold: 0.5,
		MemoryTTL:    time.Hour,
	}
}

// sessionStart is Tuesday 2026-01-06 10:00 ET, comfortably inside RTH.
var sessionStart = time.Date(2026, 1, 6, 10, 0, 0, 0, nyse)

func barAt(ts time.Time, close float64) types.Bar {
	return types.Bar{
		Symbol:    "AAPL",
		Timeframe: types.TF1Min,
		Timestamp: ts.UnixMilli(),
		Open:      close,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    1000,
	}
}

func contiguousBars(start time.Time, n int) []types.Bar {
	out := make([]types.Bar, n)
	for i := 0; i < n; i++ {
		out[i] = barAt(start.Add(time.Duration(i)*time.Minute), 100+float64(i))
	}
	return out
}

// fakeFetcher serves a fixed universe of bars and records calls.
type fakeFetcher struct {
	universe []types.Bar
	calls    int
	lastFrom int64
	lastTo   int64
	err      error
}

func (f *fakeFetcher) GetBars(_ context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error) {
	f.calls++
	f.lastFrom, f.lastTo = fromMs, toMs
	if f.err != nil {
		return nil, f.err
	}
	var out []types.Bar
	for _, b := range f.universe {
		if b.Symbol == symbol && b.Timeframe == tf && b.Timestamp >= fromMs && b.Timestamp <= toMs {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestInRTH(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"mid session", time.Date(2026, 1, 6, 10, 0, 0, 0, nyse), true},
		{"open boundary", time.Date(2026, 1, 6, 9, 30, 0, 0, nyse), true},
		{"just before open", time.Date(2026, 1, 6, 9, 29, 0, 0, nyse), false},
		{"close boundary", time.Date(2026, 1, 6, 16, 0, 0, 0, nyse), false},
		{"evening", time.Date(2026, 1, 6, 20, 0, 0, 0, nyse), false},
		{"saturday", time.Date(2026, 1, 10, 10, 0, 0, 0, nyse), false},
	}
	for _, tc := range cases {
		if got := InRTH(tc.ts.UnixMilli()); got != tc.want {
			t.Errorf("InRTH(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestOverlapsRTH(t *testing.T) {
	t.Parallel()
	// Friday close through Monday open: overlaps Friday's session tail?
	// No: start exactly at Friday 16:00 and end at Monday 09:30 touches
	// neither session's interior.
	friClose := time.Date(2026, 1, 9, 16, 0, 0, 0, nyse)
	monOpen := time.Date(2026, 1, 12, 9, 30, 0, 0, nyse)
	if OverlapsRTH(friClose.UnixMilli(), monOpen.UnixMilli()) {
		t.Error("weekend between sessions should not overlap RTH")
	}

	// An hour inside Tuesday's session overlaps.
	a := time.Date(2026, 1, 6, 11, 0, 0, 0, nyse)
	b := a.Add(time.Hour)
	if !OverlapsRTH(a.UnixMilli(), b.UnixMilli()) {
		t.Error("intra-session interval should overlap RTH")
	}
}

func TestDetectGapsIntraSession(t *testing.T) {
	t.Parallel()
	bars := contiguousBars(sessionStart, 5)
	// Remove bars 2 and 3: hole of 2 missing bars.
	holed := []types.Bar{bars[0], bars[1], bars[4]}

	gaps := DetectGaps(holed, types.TF1Min)
	if len(gaps) != 1 {
		t.Fatalf("got %d gaps, want 1", len(gaps))
	}
	if gaps[0].MissingBars != 2 {
		t.Errorf("MissingBars = %d, want 2", gaps[0].MissingBars)
	}
	if gaps[0].Start != bars[1].Timestamp || gaps[0].End != bars[4].Timestamp {
		t.Errorf("gap bounds = [%d, %d]", gaps[0].Start, gaps[0].End)
	}
}

func TestDetectGapsIgnoresOvernight(t *testing.T) {
	t.Parallel()
	// Last bar of Tuesday, first bar of Wednesday.
	tueLast := barAt(time.Date(2026, 1, 6, 15, 59, 0, 0, nyse), 100)
	wedFirst := barAt(time.Date(2026, 1, 7, 9, 30, 0, 0, nyse), 101)

	gaps := DetectGaps([]types.Bar{tueLast, wedFirst}, types.TF1Min)
	if len(gaps) != 0 {
		t.Errorf("overnight hole flagged as gap: %+v", gaps)
	}
}

func TestAppendOrderingAndDedup(t *testing.T) {
	t.Parallel()
	c := NewCache(testBarsConfig(), NewMemoryStore(), nil, testLogger())
	ctx := context.Background()

	bars := contiguousBars(sessionStart, 3)
	for _, b := range bars {
		if err := c.Append(ctx, b); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Duplicate and stale appends are dropped.
	if err := c.Append(ctx, bars[2]); err != nil {
		t.Fatalf("duplicate append errored: %v", err)
	}
	if err := c.Append(ctx, bars[0]); err != nil {
		t.Fatalf("stale append errored: %v", err)
	}

	w := c.Window("AAPL", types.TF1Min, 10)
	if len(w) != 3 {
		t.Fatalf("window = %d bars, want 3", len(w))
	}
	for i := 1; i < len(w); i++ {
		if w[i].Timestamp <= w[i-1].Timestamp {
			t.Error("window not strictly increasing")
		}
	}
}

func TestAppendRejectsInvalidBar(t *testing.T) {
	t.Parallel()
	c := NewCache(testBarsConfig(), nil, nil, testLogger())

	bad := barAt(sessionStart, 100)
	bad.High = bad.Low - 1
	if err := c.Append(context.Background(), bad); err == nil {
		t.Error("invalid OHLC accepted")
	}
}

func TestAppendTrimsToMaxSize(t *testing.T) {
	t.Parallel()
	cfg := testBarsConfig()
	cfg.MaxSize = 5
	c := NewCache(cfg, nil, nil, testLogger())
	ctx := context.Background()

	for _, b := range contiguousBars(sessionStart, 8) {
		if err := c.Append(ctx, b); err != nil {
			t.Fatal(err)
		}
	}
	if got := c.Len("AAPL", types.TF1Min); got != 5 {
		t.Errorf("series len = %d, want 5", got)
	}
	// Oldest bars were evicted, the tail survives.
	w := c.Window("AAPL", types.TF1Min, 5)
	if w[len(w)-1].Close != 107 {
		t.Errorf("tail close = %v, want 107", w[len(w)-1].Close)
	}
}

func TestWarmBackfillsGap(t *testing.T) {
	t.Parallel()
	all := contiguousBars(sessionStart, 10)
	store := NewMemoryStore()
	// Store holds a holed series: bars 4 and 5 missing.
	holed := append(append([]types.Bar{}, all[:4]...), all[6:]...)
	if err := store.SaveBars(context.Background(), holed); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{universe: all}
	c := NewCache(testBarsConfig(), store, fetcher, testLogger())

	n, err := c.Warm(context.Background(), "AAPL", types.TF1Min, all[0].Timestamp, all[9].Timestamp)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n != 10 {
		t.Errorf("warmed %d bars, want 10", n)
	}

	// Backfill must be idempotent: warming again changes nothing.
	n2, err := c.Warm(context.Background(), "AAPL", types.TF1Min, all[0].Timestamp, all[9].Timestamp)
	if err != nil {
		t.Fatalf("second Warm: %v", err)
	}
	if n2 != 10 {
		t.Errorf("second warm = %d bars, want 10", n2)
	}

	w := c.Window("AAPL", types.TF1Min, 20)
	for i := 1; i < len(w); i++ {
		if w[i].Timestamp <= w[i-1].Timestamp {
			t.Fatal("duplicates introduced by repeated backfill")
		}
	}
}

func TestWarmRefusesUnfillableGap(t *testing.T) {
	t.Parallel()
	all := contiguousBars(sessionStart, 10)
	store := NewMemoryStore()
	// Bars 2..7 missing (6 bars); the remote can only supply one of them.
	holed := append(append([]types.Bar{}, all[:2]...), all[8:]...)
	if err := store.SaveBars(context.Background(), holed); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{universe: []types.Bar{all[3]}}
	c := NewCache(testBarsConfig(), store, fetcher, testLogger())

	_, err := c.Warm(context.Background(), "AAPL", types.TF1Min, all[0].Timestamp, all[9].Timestamp)
	if !errors.Is(err, ErrGapTooWide) {
		t.Errorf("err = %v, want ErrGapTooWide", err)
	}
}

func TestWindowRehydratesAfterEviction(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	c := NewCache(testBarsConfig(), store, nil, testLogger())

	bar := barAt(sessionStart, 100)
	if err := c.Append(context.Background(), bar); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Evict the hot tier; the durable store still holds the bar.
	c.memory.Flush()

	w := c.Window("AAPL", types.TF1Min, 10)
	if len(w) != 1 || w[0].Timestamp != bar.Timestamp {
		t.Fatalf("window after eviction = %d bars, want the stored bar back", len(w))
	}
	if n := c.Len("AAPL", types.TF1Min); n != 1 {
		t.Errorf("Len after eviction = %d, want 1", n)
	}
}

func TestWarmRefetchesFullRangeOnSparseStore(t *testing.T) {
	t.Parallel()
	all := contiguousBars(sessionStart, 20)
	store := NewMemoryStore()
	// Only the newest bar is stored: 1 of 20 expected session bars, well
	// under the coverage threshold.
	if err := store.SaveBars(context.Background(), all[19:]); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{universe: all}
	c := NewCache(testBarsConfig(), store, fetcher, testLogger())

	n, err := c.Warm(context.Background(), "AAPL", types.TF1Min, all[0].Timestamp, all[19].Timestamp)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n != 20 {
		t.Errorf("warmed %d bars, want 20", n)
	}
	if fetcher.lastFrom != all[0].Timestamp {
		t.Errorf("fetched from %d, want the full range start %d", fetcher.lastFrom, all[0].Timestamp)
	}
}

func TestWarmTopsUpTailWhenStoreCovers(t *testing.T) {
	t.Parallel()
	all := contiguousBars(sessionStart, 20)
	store := NewMemoryStore()
	// 18 of 20 bars stored: the store anchors the series, so only the
	// missing tail goes upstream.
	if err := store.SaveBars(context.Background(), all[:18]); err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{universe: all}
	c := NewCache(testBarsConfig(), store, fetcher, testLogger())

	n, err := c.Warm(context.Background(), "AAPL", types.TF1Min, all[0].Timestamp, all[19].Timestamp)
	if err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if n != 20 {
		t.Errorf("warmed %d bars, want 20", n)
	}
	if want := all[18].Timestamp; fetcher.lastFrom != want {
		t.Errorf("fetched from %d, want first missing bar %d", fetcher.lastFrom, want)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	ctx := context.Background()
	all := contiguousBars(sessionStart, 5)

	if err := store.SaveBars(ctx, all); err != nil {
		t.Fatal(err)
	}
	// Re-saving is a no-op.
	if err := store.SaveBars(ctx, all[:2]); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadBars(ctx, "AAPL", types.TF1Min, all[1].Timestamp, all[3].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d bars, want 3", len(got))
	}
	if got[0].Timestamp != all[1].Timestamp || got[2].Timestamp != all[3].Timestamp {
		t.Errorf("range bounds wrong: %d..%d", got[0].Timestamp, got[2].Timestamp)
	}
}
