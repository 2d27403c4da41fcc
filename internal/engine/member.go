package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"grid-core/internal/events"
	"grid-core/internal/risk"
	"grid-core/pkg/exchange"
)

// RiskProfile reports this symbol's contribution to the account-wide risk
// picture: the cost of its worst next averaging step and its side imbalance.
func (e *Engine) RiskProfile() risk.Profile {
	p := risk.Profile{Symbol: e.cfg.Symbol}

	worst := 0.0
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		if e.book.LevelCount(side) >= e.cfg.MaxLevels {
			continue
		}
		if m := e.marginAt(e.book.MaxLevel(side) + 1); m > worst {
			worst = m
		}
	}
	p.NextCost = worst * 2 // entry plus its symmetric reservation

	p.LongQty = e.book.TotalQty(exchange.PositionLong)
	p.ShortQty = e.book.TotalQty(exchange.PositionShort)

	diff := math.Abs(p.LongQty - p.ShortQty)
	if diff > 0 {
		e.mu.Lock()
		price := e.lastPrice
		e.mu.Unlock()
		if price > 0 && e.cfg.Leverage > 0 {
			p.ImbalanceQty = diff
			p.ImbalanceMargin = diff * price / float64(e.cfg.Leverage)
			if p.LongQty < p.ShortQty {
				p.LighterSide = exchange.PositionLong
			} else {
				p.LighterSide = exchange.PositionShort
			}
		}
	}
	return p
}

// OnPanicEnter strips the protective from the trend side only: the side that
// averaged deeper is the one running with the market, and its take-profit
// would cash out the hedge at the worst moment. The counter-trend protective
// stays as the natural exit.
func (e *Engine) OnPanicEnter(ctx context.Context) error {
	trend := e.trendSide()
	e.mu.Lock()
	e.panickedSide = trend
	e.mu.Unlock()

	prot, ok := e.book.Protective(trend)
	if !ok {
		return nil
	}
	if err := e.gw.CancelOrder(ctx, e.cfg.Symbol, prot.OrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return fmt.Errorf("cancel trend protective: %w", err)
	}
	e.book.ClearProtective(trend)
	e.persist()
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": trend,
	}).Warn("trend-side protective canceled on panic entry")
	return nil
}

// OnPanicExit restores protective orders on every side that holds positions.
func (e *Engine) OnPanicExit(ctx context.Context) error {
	e.mu.Lock()
	e.panickedSide = ""
	e.mu.Unlock()

	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		if e.book.LevelCount(side) == 0 {
			continue
		}
		if _, ok := e.book.Protective(side); !ok {
			e.replaceProtective(ctx, side)
		}
	}
	e.persist()
	return nil
}

// Rebalance spends up to marginBudget evening the lighter side toward the
// heavier one with an immediate market entry. Called in Panic, where the
// normal reserve buffer no longer applies.
func (e *Engine) Rebalance(ctx context.Context, marginBudget float64) error {
	profile := e.RiskProfile()
	if profile.ImbalanceQty <= 0 || marginBudget <= 0 {
		return nil
	}
	price, err := e.price(ctx)
	if err != nil {
		return fmt.Errorf("price for rebalance: %w", err)
	}

	qty := e.qtyFor(marginBudget, price)
	if qty > profile.ImbalanceQty {
		qty = profile.ImbalanceQty
	}
	if qty <= 0 {
		return nil
	}
	side := profile.LighterSide

	fill, err := e.placer.PlaceEntry(ctx, e.cfg.Symbol, side, qty, e.roundPrice(price), nil)
	if err != nil {
		return fmt.Errorf("rebalance entry: %w", err)
	}
	level := e.book.MaxLevel(side) + 1
	if err := e.book.AddPosition(side, fill.Price, fill.Qty, level, fill.ClientID); err != nil {
		return fmt.Errorf("record rebalance fill: %w", err)
	}
	e.persist()
	e.publishAction(events.ActionBalanced, side, fill.Qty, marginBudget, 0, "panic rebalancing")
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "qty": fill.Qty, "budget": marginBudget,
	}).Warn("rebalanced lighter side")
	return nil
}

// FlattenAll market-closes both legs and cancels every working order. Used
// only by the emergency path.
func (e *Engine) FlattenAll(ctx context.Context) error {
	var firstErr error
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		qty := e.book.TotalQty(side)

		if prot, ok := e.book.Protective(side); ok {
			_ = e.gw.CancelOrder(ctx, e.cfg.Symbol, prot.OrderID)
			e.book.ClearProtective(side)
		}
		for _, r := range e.book.ClearReservations(side) {
			_ = e.gw.CancelOrder(ctx, e.cfg.Symbol, r.OrderID)
		}
		if qty <= 0 {
			continue
		}

		_, err := e.gw.SubmitOrder(ctx, exchange.OrderRequest{
			Symbol:       e.cfg.Symbol,
			Side:         side.ExitSide(),
			PositionSide: side,
			Type:         exchange.OrderTypeMarket,
			Qty:          qty,
			ClientID:     newCloseID(),
			ReduceOnly:   true,
		})
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"symbol": e.cfg.Symbol, "side": side, "qty": qty,
			}).Error("emergency close order failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.book.RemoveAllPositions(side)
		e.publishAction(events.ActionEmergencyClose, side, qty, 0, 0, "maintenance margin breach")
	}
	e.persist()
	return firstErr
}

// trendSide is the side that has averaged deeper; ties go to the heavier
// quantity.
func (e *Engine) trendSide() exchange.PositionSide {
	l, s := e.book.LevelCount(exchange.PositionLong), e.book.LevelCount(exchange.PositionShort)
	switch {
	case l > s:
		return exchange.PositionLong
	case s > l:
		return exchange.PositionShort
	}
	if e.book.TotalQty(exchange.PositionLong) >= e.book.TotalQty(exchange.PositionShort) {
		return exchange.PositionLong
	}
	return exchange.PositionShort
}
