package engine

import (
	"context"

	"grid-core/pkg/exchange"
)

// reconcile is the periodic safety net: it repairs missing protectives,
// re-runs the symmetry pass, detects untracked closes by diffing the
// exchange against the book, and re-seeds a side a failed reopen left flat.
func (e *Engine) reconcile(ctx context.Context) {
	price, err := e.price(ctx)
	if err != nil {
		log.WithError(err).WithField("symbol", e.cfg.Symbol).Warn("reconcile skipped, no price")
		return
	}

	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		e.reconcileSide(ctx, side)
	}
	e.reserveSymmetry(ctx, price)
	e.persist()
}

func (e *Engine) reconcileSide(ctx context.Context, side exchange.PositionSide) {
	if e.book.LevelCount(side) == 0 {
		// A side must never stay empty: a reopen that exhausted its retries
		// lands here on the next cycle.
		if e.isPaused() {
			return
		}
		log.WithFields(map[string]any{"symbol": e.cfg.Symbol, "side": side}).
			Warn("flat side found during reconcile, reopening at initial size")
		if err := e.openSide(ctx, side, e.cfg.InitialMargin); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side,
			}).Error("reconcile reopen failed")
		}
		return
	}

	pos, err := e.gw.Position(ctx, e.cfg.Symbol, side)
	if err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side,
		}).Warn("position fetch failed during reconcile")
		return
	}
	if pos.Quantity <= 0 {
		log.WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "levels": e.book.LevelCount(side),
		}).Warn("exchange reports side flat, treating as untracked close")
		e.handleUntrackedClose(ctx, side)
		return
	}

	// Positions exist: make sure the protective survives, except on the side
	// panic entry deliberately stripped.
	e.mu.Lock()
	skipped := e.panickedSide == side
	e.mu.Unlock()
	if skipped {
		return
	}
	if _, ok := e.book.Protective(side); !ok {
		log.WithFields(map[string]any{"symbol": e.cfg.Symbol, "side": side}).
			Warn("protective missing, recreating")
		e.replaceProtective(ctx, side)
	}
}
