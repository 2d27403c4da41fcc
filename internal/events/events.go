package events

import (
	"time"

	"grid-core/pkg/exchange"
)

// Topic enumerates bus subjects inside the core.
type Topic string

const (
	TopicAction     Topic = "action"
	TopicRiskState  Topic = "risk_state"
	TopicStreamDown Topic = "stream_down"
)

// PriceTick is a mark-price update for one symbol.
type PriceTick struct {
	Symbol string
	Price  float64
	At     time.Time
}

// Execution reports a fill (full or partial) of one of our orders.
type Execution struct {
	Symbol    string
	ClientID  string
	Side      exchange.PositionSide
	Qty       float64
	Price     float64
	PnL       float64 // realized pnl reported with the fill, if any
	ReduceAck bool    // true when the fill reduced the position
	At        time.Time
}

// OrderUpdate reports an order lifecycle change.
type OrderUpdate struct {
	Symbol    string
	ClientID  string
	Side      exchange.PositionSide
	Status    exchange.OrderStatus
	FilledQty float64
	AvgPrice  float64
	At        time.Time
}

// PositionUpdate is the exchange's pushed view of one leg.
type PositionUpdate struct {
	Symbol   string
	Side     exchange.PositionSide
	Qty      float64
	AvgPrice float64
	At       time.Time
}

// Wallet is an account-wide margin update.
type Wallet struct {
	Available   float64
	Equity      float64
	MarginRatio float64
	At          time.Time
}

// Action kinds published on TopicAction for the journal and the control API.
const (
	ActionAveraged       = "averaged"
	ActionTookProfit     = "took_profit"
	ActionReopened       = "reopened"
	ActionBalanced       = "balanced_adaptively"
	ActionEnteredPanic   = "entered_panic"
	ActionExitedPanic    = "exited_panic"
	ActionEmergencyClose = "emergency_closed"
)

// Action is a discrete strategy decision worth journaling.
type Action struct {
	Kind   string
	Symbol string
	Side   exchange.PositionSide
	Qty    float64
	Margin float64
	PnL    float64
	Detail string
	At     time.Time
}

// Event is the union delivered to a symbol engine: PriceTick, Execution,
// OrderUpdate or PositionUpdate. Wallet events are account-scoped and go
// straight to the balance cache and risk controller instead.
type Event any

// SymbolOf extracts the routing key from a symbol-scoped event.
func SymbolOf(ev Event) string {
	switch e := ev.(type) {
	case PriceTick:
		return e.Symbol
	case Execution:
		return e.Symbol
	case OrderUpdate:
		return e.Symbol
	case PositionUpdate:
		return e.Symbol
	}
	return ""
}
