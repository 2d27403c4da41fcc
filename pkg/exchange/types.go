package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide identifies one leg of a hedge-mode position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Opposite returns the other leg.
func (s PositionSide) Opposite() PositionSide {
	if s == PositionLong {
		return PositionShort
	}
	return PositionLong
}

// EntrySide is the order side that increases this leg.
func (s PositionSide) EntrySide() Side {
	if s == PositionLong {
		return SideBuy
	}
	return SideSell
}

// ExitSide is the order side that reduces this leg.
func (s PositionSide) ExitSide() Side {
	if s == PositionLong {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes supported order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to the exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Qty          float64
	Price        float64 // required for LIMIT
	StopPrice    float64 // trigger price for TAKE_PROFIT_MARKET
	TimeInForce  TimeInForce
	ClientID     string // client order id, used for dedup on replay
	ReduceOnly   bool
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	AvgFillPrice    float64
	FilledQty       float64
}

// PositionInfo is the exchange's authoritative view of one leg.
type PositionInfo struct {
	Symbol           string
	Side             PositionSide
	Quantity         float64 // always >= 0, zero means flat
	AvgPrice         float64
	LiquidationPrice float64
}

// BalanceSnapshot is the account's margin state at FetchedAt.
type BalanceSnapshot struct {
	Available   float64 // free margin in quote currency
	Equity      float64 // wallet balance + unrealized PnL
	MarginRatio float64 // maintenance margin / equity, 0..1
	FetchedAt   time.Time
}

// SymbolFilters are the exchange's trading constraints for a symbol.
type SymbolFilters struct {
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}
