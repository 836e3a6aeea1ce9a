package bars

import (
	"context"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeorch/pkg/types"
)

// Store is the durable bar tier beneath the in-memory cache.
type Store interface {
	// SaveBars upserts bars. Re-saving an existing (symbol, timeframe,
	// timestamp) is a no-op, which keeps backfill idempotent.
	SaveBars(ctx context.Context, bars []types.Bar) error
	// LoadBars returns bars in [fromMs, toMs] ordered by timestamp.
	LoadBars(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error)
}

// GormStore persists bars to Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the bars table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&types.Bar{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) SaveBars(ctx context.Context, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(bars, 500).Error
}

func (s *GormStore) LoadBars(ctx context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error) {
	var out []types.Bar
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?", symbol, tf, fromMs, toMs).
		Order("timestamp ASC").
		Find(&out).Error
	return out, err
}

// MemoryStore is an in-process Store for tests and dry runs.
type MemoryStore struct {
	mu   sync.RWMutex
	bars map[string]map[int64]types.Bar // symbol|tf -> ts -> bar
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bars: make(map[string]map[int64]types.Bar)}
}

func seriesKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (s *MemoryStore) SaveBars(_ context.Context, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bars {
		key := seriesKey(b.Symbol, b.Timeframe)
		if s.bars[key] == nil {
			s.bars[key] = make(map[int64]types.Bar)
		}
		if _, exists := s.bars[key][b.Timestamp]; exists {
			continue
		}
		s.bars[key][b.Timestamp] = b
	}
	return nil
}

func (s *MemoryStore) LoadBars(_ context.Context, symbol string, tf types.Timeframe, fromMs, toMs int64) ([]types.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Bar
	for ts, b := range s.bars[seriesKey(symbol, tf)] {
		if ts >= fromMs && ts <= toMs {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

var (
	_ Store = (*GormStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
