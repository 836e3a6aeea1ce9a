// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the orchestrator: bars, orders,
// order plans, strategy lifecycle records, and broker result shapes. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"math"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the opposing side (used for bracket exits).
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Timeframe identifies a bar interval: "1m", "5m", "15m", "1h", "1d".
type Timeframe string

const (
	TF1Min  Timeframe = "1m"
	TF5Min  Timeframe = "5m"
	TF15Min Timeframe = "15m"
	TF1Hour Timeframe = "1h"
	TF1Day  Timeframe = "1d"
)

// Duration returns the bar interval length. Unknown timeframes default to
// one minute so callers never divide by zero.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1Min:
		return time.Minute
	case TF5Min:
		return 5 * time.Minute
	case TF15Min:
		return 15 * time.Minute
	case TF1Hour:
		return time.Hour
	case TF1Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Millis returns the interval length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration().Milliseconds()
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is one closed OHLCV interval. Timestamp is the bar open time in Unix
// milliseconds. Bars for a (symbol, timeframe) pair form a strictly
// increasing sequence by Timestamp.
type Bar struct {
	Symbol    string    `json:"symbol" gorm:"primaryKey"`
	Timeframe Timeframe `json:"timeframe" gorm:"primaryKey"`
	Timestamp int64     `json:"timestamp" gorm:"primaryKey"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Time returns the bar open time.
func (b Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// Validate enforces the OHLCV invariant:
// low ≤ min(open, close) ≤ max(open, close) ≤ high, volume ≥ 0.
func (b Bar) Validate() error {
	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if b.Low > lo || hi > b.High {
		return fmt.Errorf("bar %s/%s@%d: low=%g open=%g close=%g high=%g violates OHLC ordering",
			b.Symbol, b.Timeframe, b.Timestamp, b.Low, b.Open, b.Close, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s/%s@%d: negative volume %g", b.Symbol, b.Timeframe, b.Timestamp, b.Volume)
	}
	return nil
}

// Gap is a detected hole in a bar sequence: the missing interval overlaps
// regular trading hours and spans MissingBars expected bars.
type Gap struct {
	Start       int64 // timestamp of the bar before the hole
	End         int64 // timestamp of the bar after the hole
	MissingBars int
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderStatus is the broker-side lifecycle of a single order.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusAccepted  OrderStatus = "ACCEPTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// OrderKind distinguishes the legs of a bracket.
type OrderKind string

const (
	KindEntry      OrderKind = "ENTRY"
	KindTakeProfit OrderKind = "TAKE_PROFIT"
	KindStopLoss   OrderKind = "STOP_LOSS"
	KindMarket     OrderKind = "MARKET"
)

// Order is a live or historical broker order as the engine sees it.
type Order struct {
	ID         string      `json:"id"`       // broker-assigned order ID
	ClientID   string      `json:"clientId"` // our UUID, set before submission
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Kind       OrderKind   `json:"kind"`
	Qty        float64     `json:"qty"`
	LimitPrice float64     `json:"limitPrice,omitempty"`
	StopPrice  float64     `json:"stopPrice,omitempty"`
	Status     OrderStatus `json:"status"`
	BracketID  string      `json:"bracketId,omitempty"` // groups legs of one bracket
	FilledQty  float64     `json:"filledQty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// IsLive reports whether the order is still working at the broker.
func (o Order) IsLive() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusAccepted
}

// CancellationResult partitions a cancel request into the orders the broker
// confirmed cancelled and the ones it refused, with reasons.
type CancellationResult struct {
	Succeeded []string
	Failed    []CancellationFailure
}

// CancellationFailure is one order the broker could not cancel.
type CancellationFailure struct {
	OrderID string
	Reason  string
}

// AllSucceeded reports whether every requested cancel went through.
func (r CancellationResult) AllSucceeded() bool {
	return len(r.Failed) == 0
}

// BracketMode selects how a plan's targets are materialized at the broker:
// one bracket for the whole position, or one child bracket per target ratio.
type BracketMode string

const (
	BracketSingle BracketMode = "single"
	BracketSplit  BracketMode = "split_bracket"
)

// BracketTarget is one take-profit level and the fraction of the position
// that exits there. Ratios across a spec sum to 1.0.
type BracketTarget struct {
	Price float64 `json:"price"`
	Ratio float64 `json:"ratio"`
}

// BracketSpec is the numeric snapshot of an order plan the engine hands to
// the broker adapter. All dynamic expressions have already been evaluated;
// the broker sees only concrete levels.
type BracketSpec struct {
	PlanID     string          `json:"planId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        float64         `json:"qty"`
	EntryPrice float64         `json:"entryPrice"`
	EntryLow   float64         `json:"entryLow"`
	EntryHigh  float64         `json:"entryHigh"`
	StopPrice  float64         `json:"stopPrice"`
	Targets    []BracketTarget `json:"targets"`
	Mode       BracketMode     `json:"mode"`
}

// Fill is a fill notification delivered to the engine.
type Fill struct {
	OrderID   string
	Symbol    string
	Side      Side
	Qty       float64
	Price     float64
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Strategy lifecycle
// ————————————————————————————————————————————————————————————————————————

// StrategyStatus is the persistence-facing lifecycle state of a strategy
// record. Runtime FSM states live in the engine, not here.
type StrategyStatus string

const (
	StatusDraft   StrategyStatus = "DRAFT"
	StatusPending StrategyStatus = "PENDING"
	StatusActive  StrategyStatus = "ACTIVE"
	StatusClosed  StrategyStatus = "CLOSED"
	StatusFailed  StrategyStatus = "FAILED"
)

// StrategyRecord is the persisted strategy row. Uniqueness is on ID only;
// several live records may share (UserID, Symbol) and the orchestrator owns
// the concurrency policy between them.
type StrategyRecord struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	UserID      string         `json:"userId" gorm:"index"`
	Symbol      string         `json:"symbol" gorm:"index"`
	Timeframe   Timeframe      `json:"timeframe"`
	Status      StrategyStatus `json:"status" gorm:"index"`
	YAMLContent string         `json:"yamlContent"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	ClosedAt    *time.Time     `json:"closedAt,omitempty"`
	CloseReason string         `json:"closeReason,omitempty"`
	DeletedAt   *time.Time     `json:"deletedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// AuditEntry is one row of the append-only lifecycle audit log. Every
// repository lifecycle call produces one.
type AuditEntry struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	StrategyID string    `json:"strategyId" gorm:"index"`
	UserID     string    `json:"userId"`
	Action     string    `json:"action"` // "activate", "close", "reopen", "mark_failed"
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Evaluator
// ————————————————————————————————————————————————————————————————————————

// Recommendation is the advisor verdict for a running strategy.
type Recommendation string

const (
	RecommendKeep  Recommendation = "keep"
	RecommendSwap  Recommendation = "swap"
	RecommendClose Recommendation = "close"
)

// EvaluationRequest describes a running strategy to the advisor service.
type EvaluationRequest struct {
	StrategyID   string  `json:"strategyId"`
	UserID       string  `json:"userId"`
	Symbol       string  `json:"symbol"`
	YAMLContent  string  `json:"yamlContent"`
	CurrentState string  `json:"currentState"`
	PositionSize float64 `json:"positionSize"`
	BarsActive   int     `json:"barsActive"`
}

// EvaluationResult is the advisor response. SuggestedYAML is only set when
// Recommendation is "swap".
type EvaluationResult struct {
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reason         string         `json:"reason"`
	SuggestedYAML  string         `json:"suggestedStrategy,omitempty"`
}
