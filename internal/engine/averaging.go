package engine

import (
	"context"
	"errors"

	"grid-core/internal/events"
	"grid-core/internal/risk"
	"grid-core/pkg/exchange"
)

// maybeAverage checks one side's averaging trigger against a fresh price and,
// when it fires, runs the full cycle: authorize, place, record, reserve
// symmetry, refresh the protective. The cycle is all-or-nothing — a denied
// authorization or failed placement leaves the book untouched.
func (e *Engine) maybeAverage(ctx context.Context, side exchange.PositionSide, price float64) {
	if e.isPaused() {
		return
	}
	last, ok := e.book.LastEntry(side)
	if !ok || e.book.LevelCount(side) >= e.cfg.MaxLevels {
		return
	}
	if !adverseMove(side, last.EntryPrice, price, e.cfg.GridStepPct) {
		return
	}

	level := e.book.MaxLevel(side) + 1
	margin := e.marginAt(level)

	// Account gate covers the new entry plus the symmetric reservation it
	// will demand on the opposite side.
	release, err := e.auth.Authorize(ctx, e.cfg.Symbol, margin*2)
	if err != nil {
		if errors.Is(err, risk.ErrFrozen) || errors.Is(err, risk.ErrInsufficientMargin) {
			log.WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side, "level": level, "margin": margin,
			}).Warn("averaging cycle skipped")
			return
		}
		log.WithError(err).WithField("symbol", e.cfg.Symbol).Error("averaging authorization error")
		return
	}
	defer release()

	qty := e.qtyFor(margin, price)
	if rq, okRef := e.book.ReferenceQty(level); okRef {
		qty = rq
	}
	if qty <= 0 {
		return
	}

	fill, err := e.placer.PlaceEntry(ctx, e.cfg.Symbol, side, qty, e.roundPrice(price), func(ctx context.Context) (float64, error) {
		return e.gw.MarkPrice(ctx, e.cfg.Symbol)
	})
	if err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "level": level,
		}).Error("averaging entry failed, deferring to next cycle")
		return
	}

	if err := e.book.AddPosition(side, fill.Price, fill.Qty, level, fill.ClientID); err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "level": level,
		}).Info("averaging fill already recorded")
		return
	}
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "level": level,
		"price": fill.Price, "qty": fill.Qty, "margin": margin,
	}).Info("averaged into new level")

	// The exchange now holds the entry's real margin; drop the pre-check
	// hold so the symmetry batch below is authorized against what is
	// actually left.
	release()
	e.reserveSymmetry(ctx, fill.Price)
	e.replaceProtective(ctx, side)
	e.persist()
	e.publishAction(events.ActionAveraged, side, fill.Qty, margin, 0, "")
}

// adverseMove reports whether price moved against the side by at least
// stepPct from the reference entry.
func adverseMove(side exchange.PositionSide, entry, price, stepPct float64) bool {
	if entry <= 0 || price <= 0 {
		return false
	}
	if side == exchange.PositionLong {
		return price <= entry*(1-stepPct)
	}
	return price >= entry*(1+stepPct)
}

// reserveSymmetry tops up resting limit orders so both sides cover the same
// level range. Idempotent: levels that already hold a position or reservation
// are skipped, so a second pass with no intervening fills places nothing.
func (e *Engine) reserveSymmetry(ctx context.Context, price float64) {
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		e.reserveSideUpTo(ctx, side, e.book.MaxLevel(side.Opposite()), price)
	}
}

func (e *Engine) reserveSideUpTo(ctx context.Context, side exchange.PositionSide, targetMax int, price float64) {
	ownMax := e.book.MaxLevel(side)
	if targetMax <= ownMax {
		return
	}
	reserved := make(map[int]bool)
	for _, lvl := range e.book.ReservedLevels(side) {
		reserved[lvl] = true
	}

	type candidate struct {
		level  int
		qty    float64
		target float64
	}
	var cands []candidate
	var totalMargin float64
	for level := ownMax + 1; level <= targetMax; level++ {
		if reserved[level] || e.book.HasPosition(side, level) {
			continue
		}
		steps := level - ownMax
		target := e.roundPrice(reservationPrice(side, price, e.cfg.GridStepPct, steps))

		qty, okRef := e.book.ReferenceQty(level)
		if !okRef {
			qty = e.qtyFor(e.marginAt(level), target)
		}
		if qty <= 0 {
			continue
		}
		cands = append(cands, candidate{level: level, qty: qty, target: target})
		totalMargin += e.marginAt(level)
	}
	if len(cands) == 0 {
		return
	}

	// Resting reservations commit margin like any entry: the whole batch is
	// authorized through the account-wide gate (buffer applied there) and
	// skipped when the balance cannot carry it.
	release, err := e.auth.Authorize(ctx, e.cfg.Symbol, totalMargin)
	if err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "levels": len(cands), "margin": totalMargin,
		}).Warn("symmetry reservations skipped, retrying next cycle")
		return
	}
	defer release()

	for _, c := range cands {
		clientID := newReservationID()
		_, err := e.gw.SubmitOrder(ctx, exchange.OrderRequest{
			Symbol:       e.cfg.Symbol,
			Side:         side.EntrySide(),
			PositionSide: side,
			Type:         exchange.OrderTypeLimit,
			Qty:          c.qty,
			Price:        c.target,
			TimeInForce:  exchange.TIFGTC,
			ClientID:     clientID,
		})
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side, "level": c.level,
			}).Error("symmetry reservation failed, deferring to reconcile")
			continue
		}
		if rerr := e.book.Reserve(side, c.level, clientID, c.target); rerr != nil {
			// Lost the race with a concurrent fill: undo the resting order.
			_ = e.gw.CancelOrder(ctx, e.cfg.Symbol, clientID)
			continue
		}
		log.WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "level": c.level, "target": c.target, "qty": c.qty,
		}).Info("symmetry level reserved")
	}
}

// reservationPrice offsets the resting entry an unfavorable stepPct per level
// away from the current price.
func reservationPrice(side exchange.PositionSide, price, stepPct float64, steps int) float64 {
	offset := stepPct * float64(steps)
	if side == exchange.PositionLong {
		return price * (1 - offset)
	}
	return price * (1 + offset)
}

// replaceProtective recomputes the side's take-profit order from the weighted
// average entry and swaps it in for the old one.
func (e *Engine) replaceProtective(ctx context.Context, side exchange.PositionSide) {
	totalQty := e.book.TotalQty(side)
	avg := e.book.WeightedAverage(side)
	if totalQty <= 0 || avg <= 0 {
		return
	}

	if old, ok := e.book.Protective(side); ok {
		if err := e.gw.CancelOrder(ctx, e.cfg.Symbol, old.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			log.WithError(err).WithField("symbol", e.cfg.Symbol).Warn("stale protective cancel failed")
		}
		e.book.ClearProtective(side)
	}

	trigger := e.roundPrice(protectivePrice(side, avg, e.cfg.TakeProfitPct))
	clientID := newProtectiveID()
	_, err := e.gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:       e.cfg.Symbol,
		Side:         side.ExitSide(),
		PositionSide: side,
		Type:         exchange.OrderTypeTakeProfit,
		Qty:          totalQty,
		StopPrice:    trigger,
		ClientID:     clientID,
		ReduceOnly:   true,
	})
	if err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "trigger": trigger,
		}).Error("protective placement failed, deferring to reconcile")
		return
	}
	e.book.SetProtective(side, clientID, trigger, totalQty)
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "trigger": trigger, "qty": totalQty,
	}).Info("protective order replaced")
}

func protectivePrice(side exchange.PositionSide, avg, tpPct float64) float64 {
	if side == exchange.PositionLong {
		return avg * (1 + tpPct)
	}
	return avg * (1 - tpPct)
}
