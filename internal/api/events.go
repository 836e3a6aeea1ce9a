package api

import (
	"time"
)

// Event is the wrapper for everything pushed over the dashboard socket.
type Event struct {
	Type       string      `json:"type"` // "snapshot", "lifecycle", "order", "kill"
	Timestamp  time.Time   `json:"timestamp"`
	StrategyID string      `json:"strategy_id,omitempty"` // empty for fleet-wide events
	Data       interface{} `json:"data"`
}

// LifecycleEvent is emitted when a strategy changes lifecycle status:
// started, closed, failed, swapped.
type LifecycleEvent struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// OrderEvent is emitted when a bracket is submitted or cancelled.
type OrderEvent struct {
	StrategyID string  `json:"strategy_id"`
	OrderID    string  `json:"order_id"`
	Status     string  `json:"status"` // "SUBMITTED", "CANCELLED"
	Side       string  `json:"side"`
	Qty        float64 `json:"qty"`
	Price      float64 `json:"price"`
}

// KillEvent is emitted when the risk manager trips a kill switch.
type KillEvent struct {
	Symbol string    `json:"symbol,omitempty"` // empty = fleet-wide
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

// NewLifecycleEvent wraps a lifecycle change for broadcast.
func NewLifecycleEvent(strategyID, symbol, status, reason string) Event {
	return Event{
		Type:       "lifecycle",
		Timestamp:  time.Now(),
		StrategyID: strategyID,
		Data:       LifecycleEvent{StrategyID: strategyID, Symbol: symbol, Status: status, Reason: reason},
	}
}

// NewKillEvent wraps a kill-switch activation for broadcast.
func NewKillEvent(symbol, reason string, until time.Time) Event {
	return Event{
		Type:      "kill",
		Timestamp: time.Now(),
		Data:      KillEvent{Symbol: symbol, Reason: reason, Until: until},
	}
}
