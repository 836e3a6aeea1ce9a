// Package repo persists strategy records and the append-only lifecycle
// audit log. Every lifecycle transition writes one audit entry in the same
// call; callers never log lifecycle changes themselves.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tradeorch/pkg/types"
)

// ErrNotFound is returned when a strategy ID does not exist.
var ErrNotFound = errors.New("strategy not found")

// ErrBadTransition is returned for lifecycle calls on a record whose
// status does not permit them (e.g. closing a DRAFT).
type ErrBadTransition struct {
	ID   string
	From types.StrategyStatus
	To   types.StrategyStatus
}

func (e *ErrBadTransition) Error() string {
	return fmt.Sprintf("strategy %s: cannot move %s -> %s", e.ID, e.From, e.To)
}

// Repository is the strategy record store.
type Repository interface {
	// Create inserts a new record (typically PENDING).
	Create(ctx context.Context, rec *types.StrategyRecord) error
	// Get returns one record by ID.
	Get(ctx context.Context, id string) (*types.StrategyRecord, error)
	// FindPending returns records awaiting activation, oldest first.
	FindPending(ctx context.Context) ([]types.StrategyRecord, error)
	// FindActive returns all running records.
	FindActive(ctx context.Context) ([]types.StrategyRecord, error)
	// FindActiveBySymbol returns running records bound to one symbol.
	FindActiveBySymbol(ctx context.Context, symbol string) ([]types.StrategyRecord, error)

	// Activate moves PENDING -> ACTIVE and stamps ActivatedAt.
	Activate(ctx context.Context, id string) error
	// Close moves ACTIVE -> CLOSED with a reason.
	Close(ctx context.Context, id, reason string) error
	// Reopen moves CLOSED -> PENDING so the orchestrator picks the
	// record up again.
	Reopen(ctx context.Context, id string) error
	// MarkFailed moves any live status -> FAILED with the error detail.
	MarkFailed(ctx context.Context, id, detail string) error

	// AuditLog returns the audit entries for a strategy, oldest first.
	AuditLog(ctx context.Context, strategyID string) ([]types.AuditEntry, error)
}

func newAudit(rec *types.StrategyRecord, action, detail string) types.AuditEntry {
	return types.AuditEntry{
		ID:         uuid.NewString(),
		StrategyID: rec.ID,
		UserID:     rec.UserID,
		Action:     action,
		Detail:     detail,
		CreatedAt:  time.Now(),
	}
}
