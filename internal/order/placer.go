package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"grid-core/internal/events"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("order")

// ErrTimeout is returned when an entry order did not fill inside the bounded
// wait and all retries were spent.
var ErrTimeout = errors.New("order placement timed out")

// Config tunes the placement state machine.
type Config struct {
	EntryTimeout time.Duration // per-attempt wait for a limit fill
	EntryRetries int           // limit attempts before market fallback
}

// Fill is the confirmed outcome of a placement.
type Fill struct {
	ClientID string
	Qty      float64
	Price    float64
}

// Placer drives entry orders through an explicit state machine: limit order,
// bounded wait, cancel and retry at a refreshed price, then a market-order
// fallback that guarantees progress. Fill confirmation arrives through
// HandleUpdate, fed by the symbol's order event stream.
type Placer struct {
	gw  exchange.Gateway
	cfg Config

	mu      sync.Mutex
	waiters map[string]chan events.OrderUpdate
}

// NewPlacer creates a placer over the gateway.
func NewPlacer(gw exchange.Gateway, cfg Config) *Placer {
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 10 * time.Second
	}
	if cfg.EntryRetries <= 0 {
		cfg.EntryRetries = 3
	}
	return &Placer{
		gw:      gw,
		cfg:     cfg,
		waiters: make(map[string]chan events.OrderUpdate),
	}
}

// HandleUpdate routes an order event to a waiting placement, if any. Safe to
// call for every order update; unknown ids are ignored.
func (p *Placer) HandleUpdate(ev events.OrderUpdate) {
	p.mu.Lock()
	ch, ok := p.waiters[ev.ClientID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}

// PlaceEntry opens qty contracts on side at or near price. refreshPrice is
// consulted before each retry so stale quotes are not chased. All calls block
// on the network and must not be made under any book lock.
func (p *Placer) PlaceEntry(ctx context.Context, symbol string, side exchange.PositionSide, qty, price float64, refreshPrice func(context.Context) (float64, error)) (Fill, error) {
	for attempt := 1; attempt <= p.cfg.EntryRetries; attempt++ {
		fill, err := p.tryLimit(ctx, symbol, side, qty, price)
		if err == nil {
			return fill, nil
		}
		if !errors.Is(err, ErrTimeout) {
			return Fill{}, err
		}

		log.WithFields(map[string]any{
			"symbol": symbol, "side": side, "attempt": attempt, "price": price,
		}).Warn("entry limit not filled, retrying at refreshed price")

		if refreshPrice != nil {
			fresh, rerr := refreshPrice(ctx)
			if rerr == nil && fresh > 0 {
				price = fresh
			}
		}
	}

	// Retries exhausted: take liquidity so the grid step is never skipped.
	log.WithFields(map[string]any{"symbol": symbol, "side": side, "qty": qty}).
		Warn("falling back to market entry")
	return p.tryMarket(ctx, symbol, side, qty)
}

func (p *Placer) tryLimit(ctx context.Context, symbol string, side exchange.PositionSide, qty, price float64) (Fill, error) {
	clientID := newClientID("e")
	ch := p.register(clientID)
	defer p.unregister(clientID)

	res, err := p.gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:       symbol,
		Side:         side.EntrySide(),
		PositionSide: side,
		Type:         exchange.OrderTypeLimit,
		Qty:          qty,
		Price:        price,
		TimeInForce:  exchange.TIFGTC,
		ClientID:     clientID,
	})
	if err != nil {
		return Fill{}, fmt.Errorf("submit limit entry: %w", err)
	}
	if res.Status == exchange.StatusFilled {
		return Fill{ClientID: clientID, Qty: qtyOr(res.FilledQty, qty), Price: priceOr(res.AvgFillPrice, price)}, nil
	}

	fill, err := p.await(ctx, ch, clientID, qty, price, p.cfg.EntryTimeout)
	if err == nil {
		return fill, nil
	}
	if !errors.Is(err, ErrTimeout) {
		return Fill{}, err
	}

	// Not filled in time: cancel and retry. A NotFound cancel means the fill
	// raced the cancel, so give the confirmation one more short window.
	cancelErr := p.gw.CancelOrder(ctx, symbol, clientID)
	if errors.Is(cancelErr, exchange.ErrOrderNotFound) {
		if fill, err := p.await(ctx, ch, clientID, qty, price, 2*time.Second); err == nil {
			return fill, nil
		}
	} else if cancelErr != nil {
		log.WithError(cancelErr).WithField("client_id", clientID).Warn("cancel of stale entry failed")
	}
	return Fill{}, ErrTimeout
}

func (p *Placer) tryMarket(ctx context.Context, symbol string, side exchange.PositionSide, qty float64) (Fill, error) {
	clientID := newClientID("m")
	ch := p.register(clientID)
	defer p.unregister(clientID)

	res, err := p.gw.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:       symbol,
		Side:         side.EntrySide(),
		PositionSide: side,
		Type:         exchange.OrderTypeMarket,
		Qty:          qty,
		ClientID:     clientID,
	})
	if err != nil {
		return Fill{}, fmt.Errorf("submit market entry: %w", err)
	}
	if res.Status == exchange.StatusFilled {
		return Fill{ClientID: clientID, Qty: qtyOr(res.FilledQty, qty), Price: res.AvgFillPrice}, nil
	}
	return p.await(ctx, ch, clientID, qty, 0, p.cfg.EntryTimeout)
}

// await blocks until a terminal order update, the timeout, or ctx.
func (p *Placer) await(ctx context.Context, ch <-chan events.OrderUpdate, clientID string, qty, price float64, timeout time.Duration) (Fill, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return Fill{}, ctx.Err()
		case <-timer.C:
			return Fill{}, ErrTimeout
		case ev := <-ch:
			switch ev.Status {
			case exchange.StatusFilled:
				return Fill{ClientID: clientID, Qty: qtyOr(ev.FilledQty, qty), Price: priceOr(ev.AvgPrice, price)}, nil
			case exchange.StatusCanceled, exchange.StatusExpired:
				return Fill{}, ErrTimeout
			case exchange.StatusRejected:
				return Fill{}, fmt.Errorf("%w: %s", exchange.ErrOrderRejected, clientID)
			default:
				// NEW / PARTIALLY_FILLED: keep waiting.
			}
		}
	}
}

func (p *Placer) register(clientID string) chan events.OrderUpdate {
	ch := make(chan events.OrderUpdate, 8)
	p.mu.Lock()
	p.waiters[clientID] = ch
	p.mu.Unlock()
	return ch
}

func (p *Placer) unregister(clientID string) {
	p.mu.Lock()
	delete(p.waiters, clientID)
	p.mu.Unlock()
}

func newClientID(prefix string) string {
	return "grid-" + prefix + "-" + uuid.NewString()[:18]
}

func qtyOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

func priceOr(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}

// RetryWithBackoff runs fn up to attempts times, doubling the delay between
// tries. The last error is returned when every attempt fails.
func RetryWithBackoff(ctx context.Context, attempts int, initial time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	delay := initial
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
