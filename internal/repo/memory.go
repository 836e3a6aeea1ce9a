package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"tradeorch/pkg/types"
)

// MemoryRepository is an in-process Repository for tests and dry runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]types.StrategyRecord
	audits  []types.AuditEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]types.StrategyRecord)}
}

func (r *MemoryRepository) Create(_ context.Context, rec *types.StrategyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.Status == "" {
		rec.Status = types.StatusPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()
	r.records[rec.ID] = *rec
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*types.StrategyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (r *MemoryRepository) find(filter func(types.StrategyRecord) bool) []types.StrategyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.StrategyRecord
	for _, rec := range r.records {
		if rec.DeletedAt == nil && filter(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) FindPending(context.Context) ([]types.StrategyRecord, error) {
	return r.find(func(rec types.StrategyRecord) bool { return rec.Status == types.StatusPending }), nil
}

func (r *MemoryRepository) FindActive(context.Context) ([]types.StrategyRecord, error) {
	return r.find(func(rec types.StrategyRecord) bool { return rec.Status == types.StatusActive }), nil
}

func (r *MemoryRepository) FindActiveBySymbol(_ context.Context, symbol string) ([]types.StrategyRecord, error) {
	return r.find(func(rec types.StrategyRecord) bool {
		return rec.Status == types.StatusActive && rec.Symbol == symbol
	}), nil
}

func (r *MemoryRepository) transition(id string, from []types.StrategyStatus, to types.StrategyStatus, action, detail string, mutate func(*types.StrategyRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	allowed := false
	for _, s := range from {
		if rec.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ErrBadTransition{ID: id, From: rec.Status, To: to}
	}

	rec.Status = to
	rec.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(&rec)
	}
	r.records[id] = rec
	r.audits = append(r.audits, newAudit(&rec, action, detail))
	return nil
}

func (r *MemoryRepository) Activate(_ context.Context, id string) error {
	return r.transition(id,
		[]types.StrategyStatus{types.StatusPending}, types.StatusActive,
		"activate", "",
		func(rec *types.StrategyRecord) {
			now := time.Now()
			rec.ActivatedAt = &now
		})
}

func (r *MemoryRepository) Close(_ context.Context, id, reason string) error {
	return r.transition(id,
		[]types.StrategyStatus{types.StatusActive}, types.StatusClosed,
		"close", reason,
		func(rec *types.StrategyRecord) {
			now := time.Now()
			rec.ClosedAt = &now
			rec.CloseReason = reason
		})
}

func (r *MemoryRepository) Reopen(_ context.Context, id string) error {
	return r.transition(id,
		[]types.StrategyStatus{types.StatusClosed}, types.StatusPending,
		"reopen", "",
		func(rec *types.StrategyRecord) {
			rec.ClosedAt = nil
			rec.CloseReason = ""
			rec.ActivatedAt = nil
		})
}

func (r *MemoryRepository) MarkFailed(_ context.Context, id, detail string) error {
	return r.transition(id,
		[]types.StrategyStatus{types.StatusPending, types.StatusActive}, types.StatusFailed,
		"mark_failed", detail, nil)
}

func (r *MemoryRepository) AuditLog(_ context.Context, strategyID string) ([]types.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.AuditEntry
	for _, a := range r.audits {
		if a.StrategyID == strategyID {
			out = append(out, a)
		}
	}
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
