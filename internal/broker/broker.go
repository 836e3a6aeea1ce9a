// Package broker implements the order-routing layer: a REST client for the
// brokerage API, a simulated in-memory broker for dry runs, and the Facade
// that turns numeric bracket snapshots into concrete child orders while
// enforcing the hard order constraints.
//
// Every request is rate-limited via per-category TokenBuckets, automatically
// retried on 5xx errors, and authenticated with HMAC headers.
package broker

import (
	"context"
	"errors"
	"fmt"

	"tradeorch/pkg/types"
)

// OrderRequest is one primitive order handed to an Adapter.
type OrderRequest struct {
	ClientID   string     `json:"client_id"`
	PlanID     string     `json:"plan_id,omitempty"`
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Kind       types.OrderKind
	Qty        float64 `json:"qty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

// Position is the broker's view of holdings in one symbol. Qty is signed:
// negative means short.
type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// Account is the broker's view of the trading account.
type Account struct {
	Equity      float64 `json:"equity"`
	BuyingPower float64 `json:"buying_power"`
	Cash        float64 `json:"cash"`
}

// Adapter is the primitive order interface a venue implementation provides.
// The Facade composes these into bracket submissions and atomic-as-possible
// cancellations.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*types.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	GetFills(ctx context.Context, symbol string, sinceMillis int64) ([]types.Fill, error)
}

// ErrOrderNotFound is returned when the venue does not know the order ID.
// Cancelling an order the venue already closed maps here and is treated as
// success by the Facade.
var ErrOrderNotFound = errors.New("order not found")

// ConstraintError reports an order rejected by the Facade's hard limits
// before anything reached the wire. It is permanent: retrying the same
// request can never succeed.
type ConstraintError struct {
	Field  string
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("order constraint violated (%s): %s", e.Field, e.Reason)
}

// IsConstraintError reports whether err is a pre-submission rejection.
func IsConstraintError(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}
