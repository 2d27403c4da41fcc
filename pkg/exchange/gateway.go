package exchange

import (
	"context"
	"errors"
)

// Sentinel errors shared by all gateway implementations.
var (
	ErrUnavailable   = errors.New("exchange unavailable")
	ErrOrderRejected = errors.New("order rejected")
	ErrOrderNotFound = errors.New("order not found")
)

// Gateway abstracts the perpetual-futures venue. Implementations must be safe
// for concurrent use; every call may block on the network and is therefore
// never invoked under an engine lock.
type Gateway interface {
	// MarkPrice returns the current mark price for a symbol.
	MarkPrice(ctx context.Context, symbol string) (float64, error)

	// Position returns the authoritative position for one leg.
	Position(ctx context.Context, symbol string, side PositionSide) (PositionInfo, error)

	// SubmitOrder places an order and returns the exchange ack.
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// CancelOrder cancels by client order id. Returns ErrOrderNotFound when
	// the order is already gone (filled or previously canceled).
	CancelOrder(ctx context.Context, symbol, clientID string) error

	// Balance fetches the account margin snapshot.
	Balance(ctx context.Context) (BalanceSnapshot, error)

	// RealizedPnL returns the realized profit recorded for a close, keyed by
	// the closing order's client id.
	RealizedPnL(ctx context.Context, symbol, clientID string) (float64, error)

	// Filters returns trading constraints for a symbol.
	Filters(ctx context.Context, symbol string) (SymbolFilters, error)

	// SetLeverage configures leverage for a symbol before trading starts.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}
