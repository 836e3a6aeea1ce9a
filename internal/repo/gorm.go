package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradeorch/pkg/types"
)

// GormRepository persists strategy records and audit entries to Postgres.
type GormRepository struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*GormRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewGormRepository(db)
}

// NewGormRepository migrates the schema on an existing connection.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if err := db.AutoMigrate(&types.StrategyRecord{}, &types.AuditEntry{}); err != nil {
		return nil, err
	}
	return &GormRepository{db: db}, nil
}

// DB exposes the underlying connection so other stores (bars) can share it.
func (r *GormRepository) DB() *gorm.DB { return r.db }

func (r *GormRepository) Create(ctx context.Context, rec *types.StrategyRecord) error {
	if rec.Status == "" {
		rec.Status = types.StatusPending
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *GormRepository) Get(ctx context.Context, id string) (*types.StrategyRecord, error) {
	var rec types.StrategyRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *GormRepository) FindPending(ctx context.Context) ([]types.StrategyRecord, error) {
	var out []types.StrategyRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND deleted_at IS NULL", types.StatusPending).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *GormRepository) FindActive(ctx context.Context) ([]types.StrategyRecord, error) {
	var out []types.StrategyRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND deleted_at IS NULL", types.StatusActive).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *GormRepository) FindActiveBySymbol(ctx context.Context, symbol string) ([]types.StrategyRecord, error) {
	var out []types.StrategyRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND symbol = ? AND deleted_at IS NULL", types.StatusActive, symbol).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

// transition applies a guarded status change and its audit entry in one
// transaction.
func (r *GormRepository) transition(ctx context.Context, id string, from []types.StrategyStatus, to types.StrategyStatus, action, detail string, mutate func(*types.StrategyRecord)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec types.StrategyRecord
		err := tx.First(&rec, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
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
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}

		audit := newAudit(&rec, action, detail)
		return tx.Create(&audit).Error
	})
}

func (r *GormRepository) Activate(ctx context.Context, id string) error {
	return r.transition(ctx, id,
		[]types.StrategyStatus{types.StatusPending}, types.StatusActive,
		"activate", "",
		func(rec *types.StrategyRecord) {
			now := time.Now()
			rec.ActivatedAt = &now
		})
}

func (r *GormRepository) Close(ctx context.Context, id, reason string) error {
	return r.transition(ctx, id,
		[]types.StrategyStatus{types.StatusActive}, types.StatusClosed,
		"close", reason,
		func(rec *types.StrategyRecord) {
			now := time.Now()
			rec.ClosedAt = &now
			rec.CloseReason = reason
		})
}

func (r *GormRepository) Reopen(ctx context.Context, id string) error {
	return r.transition(ctx, id,
		[]types.StrategyStatus{types.StatusClosed}, types.StatusPending,
		"reopen", "",
		func(rec *types.StrategyRecord) {
			rec.ClosedAt = nil
			rec.CloseReason = ""
			rec.ActivatedAt = nil
		})
}

func (r *GormRepository) MarkFailed(ctx context.Context, id, detail string) error {
	return r.transition(ctx, id,
		[]types.StrategyStatus{types.StatusPending, types.StatusActive}, types.StatusFailed,
		"mark_failed", detail, nil)
}

func (r *GormRepository) AuditLog(ctx context.Context, strategyID string) ([]types.AuditEntry, error) {
	var out []types.AuditEntry
	err := r.db.WithContext(ctx).
		Where("strategy_id = ?", strategyID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

var _ Repository = (*GormRepository)(nil)
