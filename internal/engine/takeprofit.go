package engine

import (
	"context"
	"errors"
	"fmt"

	"grid-core/internal/events"
	"grid-core/internal/order"
	"grid-core/pkg/exchange"
)

// handleSideClosed runs the full close path for a side: clear the ledger,
// cancel its pending reservations, then reopen at an adaptively chosen size
// so the side is never left empty.
func (e *Engine) handleSideClosed(ctx context.Context, side exchange.PositionSide, pnl float64, reason string) {
	removed := e.book.RemoveAllPositions(side)
	if len(removed) == 0 {
		return
	}
	closedQty := 0.0
	closedMargin := 0.0
	for _, p := range removed {
		closedQty += p.Qty
		closedMargin += e.marginAt(p.Level)
	}
	e.book.ClearProtective(side)
	reservations := e.book.ClearReservations(side)

	for _, r := range reservations {
		if err := e.gw.CancelOrder(ctx, e.cfg.Symbol, r.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			log.WithError(err).WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side, "level": r.Level,
			}).Warn("reservation cancel failed after close")
		}
	}

	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "levels": len(removed),
		"qty": closedQty, "pnl": pnl, "reason": reason,
	}).Info("side closed")
	e.publishAction(events.ActionTookProfit, side, closedQty, closedMargin, pnl, reason)

	margin := e.reopenMargin(closedMargin, side.Opposite())
	e.reopen(ctx, side, margin)
	e.persist()
}

// reopenMargin sizes the re-entry from how lopsided the close left the
// symbol: the further the closed side had run ahead of the survivor, the more
// doubling levels the reopen restores at once.
func (e *Engine) reopenMargin(closedMargin float64, opposite exchange.PositionSide) float64 {
	oppMargin := 0.0
	for _, p := range e.book.Snapshot().SideOf(opposite).Positions {
		oppMargin += e.marginAt(p.Level)
	}
	if oppMargin <= 0 {
		return e.cfg.InitialMargin
	}
	levels := 1
	switch ratio := closedMargin / oppMargin; {
	case ratio >= 16:
		levels = 4
	case ratio >= 8:
		levels = 3
	case ratio >= 4:
		levels = 2
	}
	return e.marginThrough(levels)
}

// reopen places the re-entry with bounded retries and exponential backoff,
// falling back to the minimum initial size when every attempt fails.
func (e *Engine) reopen(ctx context.Context, side exchange.PositionSide, margin float64) {
	err := order.RetryWithBackoff(ctx, e.ordCfg.ReopenAttempts, e.ordCfg.ReopenBackoff, func(ctx context.Context) error {
		return e.openSide(ctx, side, margin)
	})
	if err == nil {
		e.publishAction(events.ActionReopened, side, 0, margin, 0, "")
		return
	}

	log.WithError(err).WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "margin": margin,
	}).Error("reopen retries exhausted, falling back to minimum size")
	if ferr := e.openSide(ctx, side, e.cfg.InitialMargin); ferr != nil {
		log.WithError(ferr).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side,
		}).Error("minimum-size reopen failed, deferring to reconcile")
		return
	}
	e.publishAction(events.ActionReopened, side, 0, e.cfg.InitialMargin, 0, "minimum size fallback")
}

// openSide opens a fresh level-0 position of the given margin and arms its
// protective order.
func (e *Engine) openSide(ctx context.Context, side exchange.PositionSide, margin float64) error {
	price, err := e.price(ctx)
	if err != nil {
		return fmt.Errorf("price for reopen: %w", err)
	}
	qty := e.qtyFor(margin, price)
	if qty <= 0 {
		return fmt.Errorf("reopen qty is zero at price %.8f", price)
	}

	fill, err := e.placer.PlaceEntry(ctx, e.cfg.Symbol, side, qty, e.roundPrice(price), func(ctx context.Context) (float64, error) {
		return e.gw.MarkPrice(ctx, e.cfg.Symbol)
	})
	if err != nil {
		return err
	}
	if err := e.book.AddPosition(side, fill.Price, fill.Qty, 0, fill.ClientID); err != nil {
		return err
	}
	e.replaceProtective(ctx, side)
	return nil
}

// handleUntrackedClose resolves a side the exchange reports flat while the
// book still holds levels. Realized pnl comes from the exchange, never from a
// local estimate; when it cannot be fetched the close is journaled with zero
// pnl and a warning.
func (e *Engine) handleUntrackedClose(ctx context.Context, side exchange.PositionSide) {
	pnl := 0.0
	if prot, ok := e.book.Protective(side); ok {
		fetched, err := e.gw.RealizedPnL(ctx, e.cfg.Symbol, prot.OrderID)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side,
			}).Warn("realized pnl unavailable for untracked close, recording zero")
		} else {
			pnl = fetched
		}
	}
	e.handleSideClosed(ctx, side, pnl, "untracked close")
}
