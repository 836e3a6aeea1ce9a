package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeorch/pkg/types"
)

// Sim is an in-memory broker for dry runs and tests. Orders rest until
// FillOrder or CancelOrder is called; fills update the position and the
// fill log the way a real venue would.
type Sim struct {
	mu        sync.Mutex
	orders    map[string]*types.Order
	positions map[string]*Position
	fills     []types.Fill
	account   Account
	seq       int

	// Test hooks. failPlaceAt fails the Nth PlaceOrder call (1-based);
	// failCancel forces CancelOrder errors per order ID.
	failPlaceAt int
	placeCalls  int
	failCancel  map[string]error
}

// NewSim creates a simulated broker with the given account equity.
func NewSim(equity float64) *Sim {
	return &Sim{
		orders:    make(map[string]*types.Order),
		positions: make(map[string]*Position),
		account: Account{
			Equity:      equity,
			BuyingPower: equity,
			Cash:        equity,
		},
	}
}

// FailPlaceOrderAt makes the Nth PlaceOrder call fail (1-based).
func (s *Sim) FailPlaceOrderAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPlaceAt = n
}

// FailCancel makes CancelOrder fail for the given order ID.
func (s *Sim) FailCancel(orderID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCancel == nil {
		s.failCancel = make(map[string]error)
	}
	s.failCancel[orderID] = err
}

func (s *Sim) PlaceOrder(_ context.Context, req OrderRequest) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.placeCalls++
	if s.failPlaceAt > 0 && s.placeCalls == s.failPlaceAt {
		return nil, fmt.Errorf("simulated placement failure on call %d", s.placeCalls)
	}

	s.seq++
	order := &types.Order{
		ID:         fmt.Sprintf("sim-%d", s.seq),
		ClientID:   req.ClientID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Kind:       req.Kind,
		Qty:        req.Qty,
		LimitPrice: req.LimitPrice,
		StopPrice:  req.StopPrice,
		Status:     types.OrderStatusAccepted,
		CreatedAt:  time.Now(),
	}
	s.orders[order.ID] = order

	cp := *order
	return &cp, nil
}

func (s *Sim) CancelOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failCancel[orderID]; ok {
		return err
	}
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !order.IsLive() {
		return ErrOrderNotFound
	}
	order.Status = types.OrderStatusCancelled
	return nil
}

func (s *Sim) GetOrder(_ context.Context, orderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (s *Sim) GetOpenOrders(_ context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Order
	for _, o := range s.orders {
		if o.Symbol == symbol && o.IsLive() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *Sim) GetPosition(_ context.Context, symbol string) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, ok := s.positions[symbol]; ok {
		cp := *pos
		return &cp, nil
	}
	return &Position{Symbol: symbol}, nil
}

func (s *Sim) GetAccount(_ context.Context) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.account
	return &acct, nil
}

func (s *Sim) GetFills(_ context.Context, symbol string, sinceMillis int64) ([]types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Fill
	for _, f := range s.fills {
		if f.Symbol == symbol && f.Timestamp.UnixMilli() >= sinceMillis {
			out = append(out, f)
		}
	}
	return out, nil
}

// FillOrder marks a working order filled at the given price and applies it
// to the position.
func (s *Sim) FillOrder(orderID string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if !order.IsLive() {
		return fmt.Errorf("order %s is %s, cannot fill", orderID, order.Status)
	}
	order.Status = types.OrderStatusFilled
	order.FilledQty = order.Qty

	pos, ok := s.positions[order.Symbol]
	if !ok {
		pos = &Position{Symbol: order.Symbol}
		s.positions[order.Symbol] = pos
	}
	signed := order.Qty
	if order.Side == types.SELL {
		signed = -signed
	}
	newQty := pos.Qty + signed
	if pos.Qty == 0 || (pos.Qty > 0) == (signed > 0) {
		// Adding to the position: blend the average price.
		total := pos.AvgPrice*pos.Qty + price*signed
		if newQty != 0 {
			pos.AvgPrice = total / newQty
		}
	} else if newQty == 0 {
		pos.AvgPrice = 0
	}
	pos.Qty = newQty

	s.fills = append(s.fills, types.Fill{
		OrderID:   orderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       order.Qty,
		Price:     price,
		Timestamp: time.Now(),
	})
	return nil
}

var _ Adapter = (*Sim)(nil)
