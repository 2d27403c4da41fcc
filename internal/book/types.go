package book

import (
	"errors"
	"time"

	"grid-core/pkg/exchange"
)

var (
	// ErrLevelOccupied is returned when a grid level already holds a position.
	ErrLevelOccupied = errors.New("grid level already occupied")
	// ErrLevelReserved is returned when a grid level already has a pending
	// reservation on that side.
	ErrLevelReserved = errors.New("grid level already reserved")
)

// Position is one filled grid level on one side.
type Position struct {
	Side       exchange.PositionSide
	EntryPrice float64
	Qty        float64
	Level      int
	OrderID    string
	OpenedAt   time.Time
}

// Reservation is a resting limit order committing margin for a level that has
// no position yet.
type Reservation struct {
	Side        exchange.PositionSide
	Level       int
	OrderID     string
	TargetPrice float64
}

// Protective is the take-profit order covering a side's whole position.
type Protective struct {
	Side         exchange.PositionSide
	OrderID      string
	TriggerPrice float64
	Qty          float64
}

// SideView is a read-only copy of one side's state.
type SideView struct {
	Positions    []Position
	Reservations []Reservation
	Protective   *Protective
}

// View is a read-only copy of a whole symbol book, safe to use without locks.
type View struct {
	Symbol string
	Long   SideView
	Short  SideView
	RefQty map[int]float64
}

// SideOf selects a side's view.
func (v View) SideOf(side exchange.PositionSide) SideView {
	if side == exchange.PositionLong {
		return v.Long
	}
	return v.Short
}
