package risk

import (
	"context"
	"time"

	"grid-core/pkg/exchange"
)

// State is the account-wide risk ladder. Transitions move one rung at a
// time in both directions; EmergencyClose is an action, not a state.
type State int

const (
	StateNormal State = iota
	StateEarlyFreeze
	StatePanic
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateEarlyFreeze:
		return "early_freeze"
	case StatePanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Transition records a state change with its trigger context.
type Transition struct {
	From      State
	To        State
	Available float64
	Threshold float64
	Emergency bool
	At        time.Time
}

// Profile is one symbol's contribution to the account-wide risk picture,
// reported under that symbol's own lock.
type Profile struct {
	Symbol string

	// NextCost is the worst-case cost of the symbol's next averaging step
	// including the symmetric reservation (margin x 2 x buffer).
	NextCost float64

	LongQty  float64
	ShortQty float64

	// ImbalanceMargin is the margin required to market-buy the lighter side
	// level with the heavier one. Zero when the sides are square.
	ImbalanceMargin float64
	ImbalanceQty    float64
	LighterSide     exchange.PositionSide
}

// Member is a per-symbol engine as seen by the account controller.
type Member interface {
	RiskProfile() Profile

	// OnPanicEnter cancels the trend-side protective order; OnPanicExit
	// restores protective orders on both sides.
	OnPanicEnter(ctx context.Context) error
	OnPanicExit(ctx context.Context) error

	// Rebalance spends up to marginBudget evening out the symbol's sides.
	Rebalance(ctx context.Context, marginBudget float64) error

	// FlattenAll market-closes every position the symbol holds.
	FlattenAll(ctx context.Context) error
}
