package book

import (
	"sort"
	"sync"
	"time"

	"grid-core/pkg/exchange"
)

// Book is the per-symbol record of grid positions, pending symmetry
// reservations and protective orders for both sides. One mutex guards the
// whole book: the symbol's event loop and the periodic reconciler both mutate
// it, and the API/risk controller read it from other goroutines.
type Book struct {
	mu     sync.RWMutex
	symbol string
	sides  map[exchange.PositionSide]*sideState
	refQty map[int]float64 // level -> contract qty fixed by the first fill
}

type sideState struct {
	positions    []Position // sorted by level
	reservations map[int]Reservation
	protective   *Protective
}

// New creates an empty book for a symbol.
func New(symbol string) *Book {
	return &Book{
		symbol: symbol,
		sides: map[exchange.PositionSide]*sideState{
			exchange.PositionLong:  {reservations: make(map[int]Reservation)},
			exchange.PositionShort: {reservations: make(map[int]Reservation)},
		},
		refQty: make(map[int]float64),
	}
}

// Symbol returns the symbol this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

// AddPosition appends a confirmed filled entry. The level must not already
// hold a position on that side; a pending reservation at the level is
// consumed (the fill is what a reservation becomes). The first fill at a
// level across both sides fixes the reference quantity for the level.
func (b *Book) AddPosition(side exchange.PositionSide, price, qty float64, level int, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sides[side]
	for _, p := range s.positions {
		if p.Level == level {
			return ErrLevelOccupied
		}
	}

	delete(s.reservations, level)

	s.positions = append(s.positions, Position{
		Side:       side,
		EntryPrice: price,
		Qty:        qty,
		Level:      level,
		OrderID:    orderID,
		OpenedAt:   time.Now(),
	})
	sort.Slice(s.positions, func(i, j int) bool {
		return s.positions[i].Level < s.positions[j].Level
	})

	if _, ok := b.refQty[level]; !ok {
		b.refQty[level] = qty
	}
	return nil
}

// RemoveAllPositions clears a side entirely and returns what was removed.
// Used only on a confirmed full close.
func (b *Book) RemoveAllPositions(side exchange.PositionSide) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sides[side]
	removed := s.positions
	s.positions = nil

	// Reference quantities for levels no longer present on either side are
	// forgotten so the next cycle can fix fresh quantities.
	other := b.sides[side.Opposite()]
	kept := make(map[int]bool, len(other.positions))
	for _, p := range other.positions {
		kept[p.Level] = true
	}
	for level := range b.refQty {
		if !kept[level] {
			delete(b.refQty, level)
		}
	}
	return removed
}

// WeightedAverage returns sum(qty*price)/sum(qty) for a side, 0 when flat.
func (b *Book) WeightedAverage(side exchange.PositionSide) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var notional, qty float64
	for _, p := range b.sides[side].positions {
		notional += p.Qty * p.EntryPrice
		qty += p.Qty
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// TotalQty returns the side's total contract quantity.
func (b *Book) TotalQty(side exchange.PositionSide) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var qty float64
	for _, p := range b.sides[side].positions {
		qty += p.Qty
	}
	return qty
}

// MaxLevel returns the highest filled level on a side, -1 when flat.
func (b *Book) MaxLevel(side exchange.PositionSide) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.sides[side]
	if len(s.positions) == 0 {
		return -1
	}
	return s.positions[len(s.positions)-1].Level
}

// LevelCount returns how many levels are filled on a side.
func (b *Book) LevelCount(side exchange.PositionSide) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sides[side].positions)
}

// LastEntry returns the most recent (highest level) position on a side.
func (b *Book) LastEntry(side exchange.PositionSide) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.sides[side]
	if len(s.positions) == 0 {
		return Position{}, false
	}
	return s.positions[len(s.positions)-1], true
}

// HasPosition reports whether a side holds the given level.
func (b *Book) HasPosition(side exchange.PositionSide, level int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, p := range b.sides[side].positions {
		if p.Level == level {
			return true
		}
	}
	return false
}

// ReferenceQty returns the contract quantity fixed for a level, if any.
func (b *Book) ReferenceQty(level int) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.refQty[level]
	return q, ok
}

// Reserve records a pending symmetry reservation. The level must hold
// neither a position nor an existing reservation on that side.
func (b *Book) Reserve(side exchange.PositionSide, level int, orderID string, targetPrice float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sides[side]
	for _, p := range s.positions {
		if p.Level == level {
			return ErrLevelOccupied
		}
	}
	if _, ok := s.reservations[level]; ok {
		return ErrLevelReserved
	}
	s.reservations[level] = Reservation{
		Side:        side,
		Level:       level,
		OrderID:     orderID,
		TargetPrice: targetPrice,
	}
	return nil
}

// ReservedLevels returns the reserved levels on a side, ascending.
func (b *Book) ReservedLevels(side exchange.PositionSide) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := b.sides[side]
	levels := make([]int, 0, len(s.reservations))
	for level := range s.reservations {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	return levels
}

// RemoveReservation drops one reservation, returning it if present.
func (b *Book) RemoveReservation(side exchange.PositionSide, level int) (Reservation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sides[side]
	r, ok := s.reservations[level]
	if ok {
		delete(s.reservations, level)
	}
	return r, ok
}

// ClearReservations drops every reservation on a side and returns them so the
// caller can cancel the backing orders off-lock.
func (b *Book) ClearReservations(side exchange.PositionSide) []Reservation {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.sides[side]
	out := make([]Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		out = append(out, r)
	}
	s.reservations = make(map[int]Reservation)
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// FindOrder locates a position or reservation by client order id.
func (b *Book) FindOrder(orderID string) (side exchange.PositionSide, level int, reserved bool, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s, st := range b.sides {
		for _, p := range st.positions {
			if p.OrderID == orderID {
				return s, p.Level, false, true
			}
		}
		for _, r := range st.reservations {
			if r.OrderID == orderID {
				return s, r.Level, true, true
			}
		}
	}
	return "", 0, false, false
}

// SetProtective records the side's take-profit order identity.
func (b *Book) SetProtective(side exchange.PositionSide, orderID string, triggerPrice, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sides[side].protective = &Protective{
		Side:         side,
		OrderID:      orderID,
		TriggerPrice: triggerPrice,
		Qty:          qty,
	}
}

// Protective returns the side's take-profit order, if one is tracked.
func (b *Book) Protective(side exchange.PositionSide) (Protective, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p := b.sides[side].protective
	if p == nil {
		return Protective{}, false
	}
	return *p, true
}

// ClearProtective forgets the side's take-profit order.
func (b *Book) ClearProtective(side exchange.PositionSide) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sides[side].protective = nil
}

// Snapshot returns a deep copy of the whole book.
func (b *Book) Snapshot() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := View{
		Symbol: b.symbol,
		RefQty: make(map[int]float64, len(b.refQty)),
	}
	for level, q := range b.refQty {
		v.RefQty[level] = q
	}
	v.Long = b.sideView(exchange.PositionLong)
	v.Short = b.sideView(exchange.PositionShort)
	return v
}

// caller must hold b.mu
func (b *Book) sideView(side exchange.PositionSide) SideView {
	s := b.sides[side]
	sv := SideView{
		Positions:    append([]Position(nil), s.positions...),
		Reservations: make([]Reservation, 0, len(s.reservations)),
	}
	for _, r := range s.reservations {
		sv.Reservations = append(sv.Reservations, r)
	}
	sort.Slice(sv.Reservations, func(i, j int) bool {
		return sv.Reservations[i].Level < sv.Reservations[j].Level
	})
	if s.protective != nil {
		p := *s.protective
		sv.Protective = &p
	}
	return sv
}
