package broker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradeorch/internal/config"
	"tradeorch/pkg/types"
)

// Facade sits between strategy engines and the venue Adapter. It enforces
// the hard order constraints, expands a numeric BracketSpec into concrete
// child orders, rolls back partial submissions, and reports cancellation
// outcomes per order instead of collapsing them into one error.
type Facade struct {
	adapter Adapter
	cfg     config.BrokerConfig
	logger  *slog.Logger
}

// NewFacade wraps an adapter with constraint enforcement.
func NewFacade(adapter Adapter, cfg config.BrokerConfig, logger *slog.Logger) *Facade {
	return &Facade{
		adapter: adapter,
		cfg:     cfg,
		logger:  logger.With("component", "broker_facade"),
	}
}

// Adapter exposes the wrapped venue adapter for read paths that need no
// constraint checks.
func (f *Facade) Adapter() Adapter { return f.adapter }

// GetOpenOrders passes through to the adapter.
func (f *Facade) GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	return f.adapter.GetOpenOrders(ctx, symbol)
}

// GetPosition passes through to the adapter.
func (f *Facade) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return f.adapter.GetPosition(ctx, symbol)
}

// GetAccount passes through to the adapter.
func (f *Facade) GetAccount(ctx context.Context) (*Account, error) {
	return f.adapter.GetAccount(ctx)
}

// checkConstraints rejects a spec that violates the hard limits. The check
// runs before anything reaches the wire, so a rejection leaves no partial
// state behind.
func (f *Facade) checkConstraints(spec types.BracketSpec) error {
	if spec.Symbol == "" {
		return &ConstraintError{Field: "symbol", Reason: "required"}
	}
	if spec.Qty < 1 {
		return &ConstraintError{Field: "qty", Reason: fmt.Sprintf("%g is below one share", spec.Qty)}
	}
	if spec.Qty != float64(int64(spec.Qty)) {
		return &ConstraintError{Field: "qty", Reason: fmt.Sprintf("%g is not a whole number of shares", spec.Qty)}
	}
	if f.cfg.MaxOrderQty > 0 && spec.Qty > f.cfg.MaxOrderQty {
		return &ConstraintError{Field: "qty", Reason: fmt.Sprintf("%g exceeds max order qty %g", spec.Qty, f.cfg.MaxOrderQty)}
	}
	if spec.EntryPrice <= 0 {
		return &ConstraintError{Field: "entry", Reason: fmt.Sprintf("price %g must be positive", spec.EntryPrice)}
	}
	if spec.StopPrice <= 0 {
		return &ConstraintError{Field: "stop", Reason: fmt.Sprintf("price %g must be positive", spec.StopPrice)}
	}
	if len(spec.Targets) == 0 {
		return &ConstraintError{Field: "targets", Reason: "at least one target required"}
	}
	notional := spec.Qty * spec.EntryPrice
	if f.cfg.MaxNotional > 0 && notional > f.cfg.MaxNotional {
		return &ConstraintError{Field: "notional", Reason: fmt.Sprintf("%.2f exceeds max notional %.2f", notional, f.cfg.MaxNotional)}
	}

	// Stops and targets anchor on the entry zone bounds, not the target
	// entry price: a fill anywhere in the zone must still leave the stop
	// on the loss side and every target on the profit side. A spec
	// without a zone collapses to the entry price.
	eL, eH := spec.EntryLow, spec.EntryHigh
	if eL <= 0 {
		eL = spec.EntryPrice
	}
	if eH <= 0 {
		eH = spec.EntryPrice
	}
	if eL > eH {
		return &ConstraintError{Field: "entry_zone", Reason: fmt.Sprintf("low %g above high %g", eL, eH)}
	}

	switch spec.Side {
	case types.BUY:
		if spec.StopPrice >= eL {
			return &ConstraintError{Field: "stop", Reason: fmt.Sprintf("buy stop %g must be below entry zone low %g", spec.StopPrice, eL)}
		}
		for i, tg := range spec.Targets {
			if tg.Price <= eH {
				return &ConstraintError{Field: fmt.Sprintf("targets[%d]", i), Reason: fmt.Sprintf("buy target %g must be above entry zone high %g", tg.Price, eH)}
			}
		}
	case types.SELL:
		if spec.StopPrice <= eH {
			return &ConstraintError{Field: "stop", Reason: fmt.Sprintf("sell stop %g must be above entry zone high %g", spec.StopPrice, eH)}
		}
		for i, tg := range spec.Targets {
			if tg.Price >= eL {
				return &ConstraintError{Field: fmt.Sprintf("targets[%d]", i), Reason: fmt.Sprintf("sell target %g must be below entry zone low %g", tg.Price, eL)}
			}
		}
	default:
		return &ConstraintError{Field: "side", Reason: fmt.Sprintf("unknown side %q", spec.Side)}
	}
	return nil
}

// SplitTargetQtys divides a whole-share quantity across target ratios.
// Each target gets floor(qty * ratio) shares; the last target absorbs the
// remainder so the legs always sum to the full quantity.
func SplitTargetQtys(qty float64, targets []types.BracketTarget) []float64 {
	total := decimal.NewFromFloat(qty)
	out := make([]float64, len(targets))
	assigned := decimal.Zero
	for i, tg := range targets {
		if i == len(targets)-1 {
			out[i] = total.Sub(assigned).InexactFloat64()
			break
		}
		share := total.Mul(decimal.NewFromFloat(tg.Ratio)).Floor()
		out[i] = share.InexactFloat64()
		assigned = assigned.Add(share)
	}
	return out
}

// SubmitBracket validates the spec, expands it into child orders, and
// submits them. On any placement failure the already-placed children are
// cancelled before the error is returned, so a failed submission leaves no
// working orders behind.
func (f *Facade) SubmitBracket(ctx context.Context, spec types.BracketSpec) ([]types.Order, error) {
	if err := f.checkConstraints(spec); err != nil {
		return nil, err
	}

	bracketID := spec.PlanID + "-" + uuid.NewString()
	exitSide := spec.Side.Opposite()

	var reqs []OrderRequest
	switch spec.Mode {
	case types.BracketSplit:
		// Each target becomes its own child bracket: an entry, stop and
		// take profit sized to that target's share of the position.
		qtys := SplitTargetQtys(spec.Qty, spec.Targets)
		for i, tg := range spec.Targets {
			if qtys[i] <= 0 {
				continue
			}
			reqs = append(reqs, OrderRequest{
				ClientID:   uuid.NewString(),
				PlanID:     spec.PlanID,
				Symbol:     spec.Symbol,
				Side:       spec.Side,
				Kind:       types.KindEntry,
				Qty:        qtys[i],
				LimitPrice: spec.EntryPrice,
			}, OrderRequest{
				ClientID:  uuid.NewString(),
				PlanID:    spec.PlanID,
				Symbol:    spec.Symbol,
				Side:      exitSide,
				Kind:      types.KindStopLoss,
				Qty:       qtys[i],
				StopPrice: spec.StopPrice,
			}, OrderRequest{
				ClientID:   uuid.NewString(),
				PlanID:     spec.PlanID,
				Symbol:     spec.Symbol,
				Side:       exitSide,
				Kind:       types.KindTakeProfit,
				Qty:        qtys[i],
				LimitPrice: tg.Price,
			})
		}
	default:
		// Single mode: one bracket for the whole position, take profit
		// at the first target.
		reqs = append(reqs, OrderRequest{
			ClientID:   uuid.NewString(),
			PlanID:     spec.PlanID,
			Symbol:     spec.Symbol,
			Side:       spec.Side,
			Kind:       types.KindEntry,
			Qty:        spec.Qty,
			LimitPrice: spec.EntryPrice,
		}, OrderRequest{
			ClientID:  uuid.NewString(),
			PlanID:    spec.PlanID,
			Symbol:    spec.Symbol,
			Side:      exitSide,
			Kind:      types.KindStopLoss,
			Qty:       spec.Qty,
			StopPrice: spec.StopPrice,
		}, OrderRequest{
			ClientID:   uuid.NewString(),
			PlanID:     spec.PlanID,
			Symbol:     spec.Symbol,
			Side:       exitSide,
			Kind:       types.KindTakeProfit,
			Qty:        spec.Qty,
			LimitPrice: spec.Targets[0].Price,
		})
	}

	placed := make([]types.Order, 0, len(reqs))
	for _, req := range reqs {
		order, err := f.adapter.PlaceOrder(ctx, req)
		if err != nil {
			f.rollback(ctx, placed)
			return nil, fmt.Errorf("submit bracket %s leg %s: %w", spec.PlanID, req.Kind, err)
		}
		order.BracketID = bracketID
		placed = append(placed, *order)
	}

	f.logger.Info("bracket submitted",
		"plan", spec.PlanID,
		"symbol", spec.Symbol,
		"side", spec.Side,
		"qty", spec.Qty,
		"legs", len(placed),
		"bracket_id", bracketID,
	)
	return placed, nil
}

// rollback cancels orders placed before a mid-bracket failure.
func (f *Facade) rollback(ctx context.Context, placed []types.Order) {
	for _, o := range placed {
		if err := f.adapter.CancelOrder(ctx, o.ID); err != nil && err != ErrOrderNotFound {
			f.logger.Error("rollback cancel failed, order may be working",
				"order_id", o.ID, "error", err)
		}
	}
}

// CancelOrders cancels each order individually and reports the outcome
// per order. An order the venue no longer knows counts as cancelled.
func (f *Facade) CancelOrders(ctx context.Context, orderIDs []string) types.CancellationResult {
	var result types.CancellationResult
	for _, id := range orderIDs {
		err := f.adapter.CancelOrder(ctx, id)
		switch {
		case err == nil, err == ErrOrderNotFound:
			result.Succeeded = append(result.Succeeded, id)
		default:
			result.Failed = append(result.Failed, types.CancellationFailure{
				OrderID: id,
				Reason:  err.Error(),
			})
		}
	}
	if !result.AllSucceeded() {
		f.logger.Error("partial cancellation",
			"succeeded", len(result.Succeeded),
			"failed", len(result.Failed),
		)
	}
	return result
}

// CancelSymbol cancels every working order for a symbol.
func (f *Facade) CancelSymbol(ctx context.Context, symbol string) (types.CancellationResult, error) {
	open, err := f.adapter.GetOpenOrders(ctx, symbol)
	if err != nil {
		return types.CancellationResult{}, fmt.Errorf("list open orders for %s: %w", symbol, err)
	}
	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ID)
	}
	return f.CancelOrders(ctx, ids), nil
}
