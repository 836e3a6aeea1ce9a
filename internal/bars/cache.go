// Package bars maintains per-(symbol, timeframe) bar history behind three
// tiers: a hot in-memory series, a durable store, and the remote market
// data service for history and gap backfill.
//
// Bars in a series are strictly increasing by timestamp. A hole wider than
// 1.5 intervals that overlaps regular trading hours is a gap; gaps are
// backfilled from the remote tier idempotently. A series whose gap cannot
// be filled beyond the configured threshold is refused rather than served
// with silently wrong indicator values.
package bars

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

// Fetcher is the remote bar source (the market data REST client).
type Fetcher interface {
	GetBars(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error)
}

// ErrGapTooWide is wrapped into errors returned when a backfill cannot
// recover enough of a hole to trust the series.
var ErrGapTooWide = fmt.Errorf("gap exceeds backfill threshold")

// series is the hot tier for one (symbol, timeframe).
type series struct {
	mu   sync.RWMutex
	bars []types.Bar // sorted by timestamp, capped at maxSize
}

// Cache is the three-tier bar cache.
type Cache struct {
	cfg     config.BarsConfig
	memory  *gocache.Cache // key: symbol|tf -> *series
	store   Store
	fetcher Fetcher
	logger  *slog.Logger

	mu sync.Mutex // guards series creation
}

// NewCache builds a cache over the durable store and remote fetcher.
func NewCache(cfg config.BarsConfig, store Store, fetcher Fetcher, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		memory:  gocache.New(cfg.MemoryTTL, cfg.MemoryTTL*2),
		store:   store,
		fetcher: fetcher,
		logger:  logger.With("component", "bars"),
	}
}

func (c *Cache) getSeries(ctx context.Context, symbol string, tf types.Timeframe) *series {
	key := seriesKey(symbol, tf)
	if v, ok := c.memory.Get(key); ok {
		return v.(*series)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.memory.Get(key); ok {
		return v.(*series)
	}
	// The hot tier is a cache over the store, not the other way around: a
	// TTL eviction rehydrates from the durable tier so the window an
	// engine sees never shrinks behind its back.
	s := &series{}
	if c.store != nil {
		stored, err := c.store.LoadBars(ctx, symbol, tf, 0, time.Now().UnixMilli())
		if err != nil {
			c.logger.Error("store rehydrate failed",
				"symbol", symbol, "timeframe", tf, "error", err)
		} else {
			if len(stored) > c.cfg.MaxSize {
				stored = stored[len(stored)-c.cfg.MaxSize:]
			}
			s.bars = stored
		}
	}
	c.memory.Set(key, s, gocache.DefaultExpiration)
	return s
}

// Append adds one closed bar to the series and writes it through to the
// durable store. Bars at or before the series tail are ignored; ordering
// is the series invariant, not the feed's.
func (c *Cache) Append(ctx context.Context, bar types.Bar) error {
	if err := bar.Validate(); err != nil {
		return err
	}
	s := c.getSeries(ctx, bar.Symbol, bar.Timeframe)

	s.mu.Lock()
	if n := len(s.bars); n > 0 && bar.Timestamp <= s.bars[n-1].Timestamp {
		s.mu.Unlock()
		c.logger.Debug("dropping stale or duplicate bar",
			"symbol", bar.Symbol, "timeframe", bar.Timeframe, "timestamp", bar.Timestamp)
		return nil
	}
	s.bars = append(s.bars, bar)
	if len(s.bars) > c.cfg.MaxSize {
		s.bars = s.bars[len(s.bars)-c.cfg.MaxSize:]
	}
	s.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveBars(ctx, []types.Bar{bar}); err != nil {
			c.logger.Error("write-through failed", "symbol", bar.Symbol, "error", err)
		}
	}
	return nil
}

// Window returns up to n most recent bars, oldest first. The returned
// slice is a copy.
func (c *Cache) Window(symbol string, tf types.Timeframe, n int) []types.Bar {
	s := c.getSeries(context.Background(), symbol, tf)
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := len(s.bars) - n
	if start < 0 {
		start = 0
	}
	out := make([]types.Bar, len(s.bars)-start)
	copy(out, s.bars[start:])
	return out
}

// Len returns the number of bars held for a series.
func (c *Cache) Len(symbol string, tf types.Timeframe) int {
	s := c.getSeries(context.Background(), symbol, tf)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Warm loads history for a series: the durable store first, then the
// remote fetcher for whatever the store is missing, then a gap check.
// It returns the number of bars held after warming.
func (c *Cache) Warm(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) (int, error) {
	var merged []types.Bar

	if c.store != nil {
		stored, err := c.store.LoadBars(ctx, symbol, tf, fromMs, toMs)
		if err != nil {
			return 0, fmt.Errorf("load stored bars: %w", err)
		}
		merged = stored
	}

	// Decide between a full refetch and a tail top-up: when the store
	// covers less than the gap-threshold fraction of the session bars in
	// the range it cannot anchor the series, so the whole range comes
	// from upstream. Otherwise only bars newer than the store's latest
	// are fetched.
	fetchFrom := fromMs
	if n := len(merged); n > 0 {
		expected := expectedRTHBars(fromMs, toMs, tf)
		if expected == 0 || float64(n)/float64(expected) >= c.cfg.GapThreshold {
			fetchFrom = merged[n-1].Timestamp + tf.Millis()
		}
	}
	if c.fetcher != nil && fetchFrom <= toMs {
		remote, err := c.fetcher.GetBars(ctx, symbol, tf, fetchFrom, toMs)
		if err != nil {
			return 0, fmt.Errorf("fetch bars: %w", err)
		}
		merged = mergeBars(merged, remote)
		if c.store != nil && len(remote) > 0 {
			if err := c.store.SaveBars(ctx, remote); err != nil {
				c.logger.Error("persist fetched bars failed", "symbol", symbol, "error", err)
			}
		}
	}

	for _, gap := range DetectGaps(merged, tf) {
		filled, err := c.fillGap(ctx, symbol, tf, gap)
		if err != nil {
			return 0, err
		}
		merged = mergeBars(merged, filled)
	}

	if len(merged) > c.cfg.MaxSize {
		merged = merged[len(merged)-c.cfg.MaxSize:]
	}

	s := c.getSeries(ctx, symbol, tf)
	s.mu.Lock()
	s.bars = merged
	s.mu.Unlock()

	c.logger.Info("series warmed", "symbol", symbol, "timeframe", tf, "bars", len(merged))
	return len(merged), nil
}

// DetectGaps scans a sorted series for holes wider than 1.5 intervals that
// overlap regular trading hours.
func DetectGaps(sorted []types.Bar, tf types.Timeframe) []types.Gap {
	interval := tf.Millis()
	threshold := interval + interval/2

	var gaps []types.Gap
	for i := 1; i < len(sorted); i++ {
		prev, next := sorted[i-1].Timestamp, sorted[i].Timestamp
		delta := next - prev
		if delta <= threshold {
			continue
		}
		if !OverlapsRTH(prev+interval, next) {
			continue
		}
		gaps = append(gaps, types.Gap{
			Start:       prev,
			End:         next,
			MissingBars: int(delta/interval) - 1,
		})
	}
	return gaps
}

// fillGap fetches the missing range. Filling is idempotent: bars already
// held are deduplicated by timestamp during the merge. If the unfilled
// remainder still exceeds the configured threshold fraction of the hole,
// the series is refused.
func (c *Cache) fillGap(ctx context.Context, symbol string, tf types.Timeframe, gap types.Gap) ([]types.Bar, error) {
	if c.fetcher == nil {
		return nil, fmt.Errorf("%w: %d bars missing for %s/%s and no fetcher configured",
			ErrGapTooWide, gap.MissingBars, symbol, tf)
	}
	interval := tf.Millis()
	fetched, err := c.fetcher.GetBars(ctx, symbol, tf, gap.Start+interval, gap.End-interval)
	if err != nil {
		return nil, fmt.Errorf("backfill %s/%s: %w", symbol, tf, err)
	}

	// Only bars inside RTH count toward the expected total.
	expected := 0
	for ts := gap.Start + interval; ts < gap.End; ts += interval {
		if InRTH(ts) {
			expected++
		}
	}
	if expected > 0 {
		missing := expected - len(fetched)
		if missing < 0 {
			missing = 0
		}
		if frac := float64(missing) / float64(expected); frac > c.cfg.GapThreshold {
			return nil, fmt.Errorf("%w: %s/%s still missing %.0f%% of %d bars after backfill",
				ErrGapTooWide, symbol, tf, frac*100, expected)
		}
	}

	if c.store != nil && len(fetched) > 0 {
		if err := c.store.SaveBars(ctx, fetched); err != nil {
			c.logger.Error("persist backfill failed", "symbol", symbol, "error", err)
		}
	}
	c.logger.Info("gap backfilled",
		"symbol", symbol, "timeframe", tf,
		"start", gap.Start, "end", gap.End, "fetched", len(fetched))
	return fetched, nil
}

// mergeBars merges two sorted-ish slices, deduplicating by timestamp.
// Existing bars win over incoming duplicates.
func mergeBars(existing, incoming []types.Bar) []types.Bar {
	seen := make(map[int64]bool, len(existing))
	out := make([]types.Bar, 0, len(existing)+len(incoming))
	for _, b := range existing {
		if !seen[b.Timestamp] {
			seen[b.Timestamp] = true
			out = append(out, b)
		}
	}
	for _, b := range incoming {
		if !seen[b.Timestamp] {
			seen[b.Timestamp] = true
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
