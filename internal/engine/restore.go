package engine

import (
	"context"
	"fmt"

	"grid-core/internal/events"
	"grid-core/pkg/exchange"
)

// restore adopts the exchange as ground truth before the engine goes Live:
// leverage and filters are fixed, existing legs are taken over as level-0
// positions, flat legs are opened at the initial size, protectives and
// symmetry reservations are armed, and finally the events buffered since the
// first Deliver are replayed with order-id deduplication.
func (e *Engine) restore(ctx context.Context) error {
	e.mu.Lock()
	e.phase = PhaseRestoring
	e.mu.Unlock()

	price, err := e.gw.MarkPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("starting price: %w", err)
	}
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	if err := e.gw.SetLeverage(ctx, e.cfg.Symbol, e.cfg.Leverage); err != nil {
		log.WithError(err).WithField("symbol", e.cfg.Symbol).Warn("leverage set failed, keeping exchange setting")
	}
	filters, err := e.gw.Filters(ctx, e.cfg.Symbol)
	if err != nil {
		log.WithError(err).WithField("symbol", e.cfg.Symbol).Warn("symbol filters unavailable, trading unnormalized")
	} else {
		e.filters = filters
	}

	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		if err := e.restoreSide(ctx, side, price); err != nil {
			return err
		}
	}
	e.reserveSymmetry(ctx, price)
	e.persist()

	e.replayBuffer(ctx)
	return nil
}

func (e *Engine) restoreSide(ctx context.Context, side exchange.PositionSide, price float64) error {
	pos, err := e.gw.Position(ctx, e.cfg.Symbol, side)
	if err != nil {
		return fmt.Errorf("position %s: %w", side, err)
	}

	if pos.Quantity > 0 {
		// The exchange reports one aggregate leg; adopt it as level 0 and let
		// averaging rebuild the ladder from there.
		if err := e.book.AddPosition(side, pos.AvgPrice, pos.Quantity, 0, newAdoptedID()); err != nil {
			return fmt.Errorf("adopt %s leg: %w", side, err)
		}
		log.WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side,
			"qty": pos.Quantity, "avg": pos.AvgPrice,
		}).Info("adopted existing position from exchange")
		e.replaceProtective(ctx, side)
		return nil
	}

	if err := e.openSide(ctx, side, e.cfg.InitialMargin); err != nil {
		return fmt.Errorf("open initial %s: %w", side, err)
	}
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "margin": e.cfg.InitialMargin, "price": price,
	}).Info("opened initial position")
	return nil
}

// replayBuffer flips the engine Live and applies everything buffered during
// Bootstrapping/Restoring in arrival order. Fill events whose order id
// already exists in the restored book are duplicates of state the restore
// itself created and are dropped.
func (e *Engine) replayBuffer(ctx context.Context) {
	e.mu.Lock()
	buffered := e.buffer
	e.buffer = nil
	e.phase = PhaseLive
	e.mu.Unlock()

	if len(buffered) == 0 {
		return
	}
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "events": len(buffered),
	}).Info("replaying buffered events")

	for _, ev := range buffered {
		if id := fillOrderID(ev); id != "" {
			if _, _, reserved, ok := e.book.FindOrder(id); ok && !reserved {
				log.WithFields(map[string]any{
					"symbol": e.cfg.Symbol, "order_id": id,
				}).Debug("dropping replayed event already applied by restore")
				continue
			}
		}
		e.handle(ctx, ev)
	}
}

// fillOrderID extracts the order id from events that can create positions.
func fillOrderID(ev events.Event) string {
	switch t := ev.(type) {
	case events.OrderUpdate:
		if t.Status == exchange.StatusFilled {
			return t.ClientID
		}
	case events.Execution:
		return t.ClientID
	}
	return ""
}
