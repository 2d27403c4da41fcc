package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"grid-core/internal/book"
	"grid-core/internal/events"
	"grid-core/internal/order"
	"grid-core/pkg/config"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("engine")

// Phase is the engine lifecycle: events are buffered until Restoring has
// adopted the exchange state, then replayed, then handled live.
type Phase int

const (
	PhaseBootstrapping Phase = iota
	PhaseRestoring
	PhaseLive
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhaseRestoring:
		return "restoring"
	case PhaseLive:
		return "live"
	default:
		return "unknown"
	}
}

// Authorizer is the account-wide balance gate consulted before averaging.
type Authorizer interface {
	Authorize(ctx context.Context, symbol string, cost float64) (func(), error)
}

// Placer drives entry orders to a confirmed fill.
type Placer interface {
	PlaceEntry(ctx context.Context, symbol string, side exchange.PositionSide, qty, price float64, refreshPrice func(context.Context) (float64, error)) (order.Fill, error)
	HandleUpdate(ev events.OrderUpdate)
}

// SnapshotSink receives the full symbol state after every mutation.
type SnapshotSink interface {
	Save(view book.View)
}

// Engine runs one symbol's dual-sided grid: averaging, symmetry reservations,
// protective orders, close handling and periodic reconciliation, all on a
// single event loop.
type Engine struct {
	cfg    config.SymbolConfig
	ordCfg config.OrderConfig

	gw     exchange.Gateway
	placer Placer
	auth   Authorizer
	bus    *events.Bus
	sink   SnapshotSink

	book    *book.Book
	filters exchange.SymbolFilters

	reconcileEvery time.Duration
	ch             chan events.Event

	mu           sync.Mutex
	phase        Phase
	buffer       []events.Event
	lastPrice    float64
	paused       bool
	panickedSide exchange.PositionSide // side whose protective was pulled on panic entry
	pnlByOrder   map[string]float64    // realized pnl accumulated per reduce order
}

func New(cfg config.SymbolConfig, ordCfg config.OrderConfig, engCfg config.EngineConfig, gw exchange.Gateway, placer Placer, auth Authorizer, bus *events.Bus, sink SnapshotSink) *Engine {
	return &Engine{
		cfg:            cfg,
		ordCfg:         ordCfg,
		gw:             gw,
		placer:         placer,
		auth:           auth,
		bus:            bus,
		sink:           sink,
		book:           book.New(cfg.Symbol),
		reconcileEvery: engCfg.ReconcileInterval,
		ch:             make(chan events.Event, engCfg.EventBuffer),
		phase:          PhaseBootstrapping,
		pnlByOrder:     make(map[string]float64),
	}
}

// Symbol returns the symbol this engine trades.
func (e *Engine) Symbol() string { return e.cfg.Symbol }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// View returns a lock-free copy of the symbol book for the control API.
func (e *Engine) View() book.View { return e.book.Snapshot() }

// Pause stops new exposure (averaging) without touching exits.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	log.WithField("symbol", e.cfg.Symbol).Warn("averaging paused by operator")
}

// Resume re-enables averaging.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	log.WithField("symbol", e.cfg.Symbol).Info("averaging resumed by operator")
}

// Deliver routes an inbound stream event to the engine. Before the engine is
// Live the event is buffered for replay; buffering starts with the first
// delivery, strictly before any order-affecting action.
func (e *Engine) Deliver(ev events.Event) {
	// Order confirmations go to the placement waiters right here, on the
	// stream goroutine: the event loop may be blocked inside PlaceEntry
	// awaiting exactly this update, so feeding the placer from the loop
	// would deadlock every resting entry into its timeout path.
	if u, ok := ev.(events.OrderUpdate); ok {
		e.placer.HandleUpdate(u)
	}

	e.mu.Lock()
	if e.phase != PhaseLive {
		e.buffer = append(e.buffer, ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	select {
	case e.ch <- ev:
	default:
		log.WithField("symbol", e.cfg.Symbol).Warn("event channel full, dropping event")
	}
}

// Run restores state from the exchange and then consumes events until ctx is
// canceled. A restore failure is fatal: the engine never goes Live on a
// guessed state.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		return fmt.Errorf("restore %s: %w", e.cfg.Symbol, err)
	}

	ticker := time.NewTicker(e.reconcileEvery)
	defer ticker.Stop()

	log.WithField("symbol", e.cfg.Symbol).Info("engine live")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.ch:
			e.handle(ctx, ev)
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev events.Event) {
	switch t := ev.(type) {
	case events.PriceTick:
		e.onPrice(ctx, t)
	case events.OrderUpdate:
		e.onOrderUpdate(ctx, t)
	case events.Execution:
		e.onExecution(ctx, t)
	case events.PositionUpdate:
		e.onPositionUpdate(ctx, t)
	}
}

func (e *Engine) onPrice(ctx context.Context, t events.PriceTick) {
	e.mu.Lock()
	e.lastPrice = t.Price
	e.mu.Unlock()

	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		e.maybeAverage(ctx, side, t.Price)
	}
}

// onOrderUpdate converts reservation and protective fills into book
// mutations. Placement waiters were already fed in Deliver, off this loop.
func (e *Engine) onOrderUpdate(ctx context.Context, t events.OrderUpdate) {
	if t.Status != exchange.StatusFilled {
		return
	}

	// A filled protective is the authoritative close for that side.
	for _, side := range []exchange.PositionSide{exchange.PositionLong, exchange.PositionShort} {
		if prot, ok := e.book.Protective(side); ok && prot.OrderID == t.ClientID {
			pnl := e.takePnL(t.ClientID)
			e.handleSideClosed(ctx, side, pnl, "protective filled")
			return
		}
	}

	// A filled reservation becomes a real position at its level.
	side, level, reserved, ok := e.book.FindOrder(t.ClientID)
	if !ok || !reserved {
		return
	}
	res, _ := e.book.RemoveReservation(side, level)
	price := t.AvgPrice
	if price <= 0 {
		price = res.TargetPrice
	}
	qty := t.FilledQty
	if qty <= 0 {
		if rq, okRef := e.book.ReferenceQty(level); okRef {
			qty = rq
		}
	}
	if err := e.book.AddPosition(side, price, qty, level, t.ClientID); err != nil {
		log.WithError(err).WithFields(map[string]any{
			"symbol": e.cfg.Symbol, "side": side, "level": level,
		}).Info("duplicate reservation fill ignored")
		return
	}
	log.WithFields(map[string]any{
		"symbol": e.cfg.Symbol, "side": side, "level": level, "price": price, "qty": qty,
	}).Info("reservation filled into position")
	e.replaceProtective(ctx, side)
	e.persist()
}

func (e *Engine) onExecution(_ context.Context, t events.Execution) {
	if !t.ReduceAck || t.PnL == 0 {
		return
	}
	e.mu.Lock()
	e.pnlByOrder[t.ClientID] += t.PnL
	e.mu.Unlock()
}

// onPositionUpdate catches closes that arrived without an order event: the
// exchange says a side is flat while the book still holds levels.
func (e *Engine) onPositionUpdate(ctx context.Context, t events.PositionUpdate) {
	if t.Qty > 0 || e.book.LevelCount(t.Side) == 0 {
		return
	}
	e.handleUntrackedClose(ctx, t.Side)
}

func (e *Engine) takePnL(clientID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	pnl := e.pnlByOrder[clientID]
	delete(e.pnlByOrder, clientID)
	return pnl
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) price(ctx context.Context) (float64, error) {
	e.mu.Lock()
	p := e.lastPrice
	e.mu.Unlock()
	if p > 0 {
		return p, nil
	}
	return e.gw.MarkPrice(ctx, e.cfg.Symbol)
}

// marginAt is the martingale sequence: initial * multiplier^level.
func (e *Engine) marginAt(level int) float64 {
	return e.cfg.InitialMargin * math.Pow(e.cfg.Multiplier, float64(level))
}

// marginThrough sums the sequence over levels [0, n).
func (e *Engine) marginThrough(n int) float64 {
	total := 0.0
	for i := 0; i < n; i++ {
		total += e.marginAt(i)
	}
	return total
}

// qtyFor converts margin at a price into contract quantity, normalized to the
// symbol's step size and floored at the minimum quantity.
func (e *Engine) qtyFor(margin, price float64) float64 {
	if price <= 0 {
		return 0
	}
	qty := margin * float64(e.cfg.Leverage) / price
	if e.filters.StepSize > 0 {
		qty = math.Floor(qty/e.filters.StepSize) * e.filters.StepSize
	}
	if e.filters.MinQty > 0 && qty < e.filters.MinQty {
		qty = e.filters.MinQty
	}
	return qty
}

func (e *Engine) roundPrice(p float64) float64 {
	if e.filters.TickSize <= 0 {
		return p
	}
	return math.Round(p/e.filters.TickSize) * e.filters.TickSize
}

func (e *Engine) persist() {
	if e.sink != nil {
		e.sink.Save(e.book.Snapshot())
	}
}

func (e *Engine) publishAction(kind string, side exchange.PositionSide, qty, margin, pnl float64, detail string) {
	e.bus.Publish(events.TopicAction, events.Action{
		Kind: kind, Symbol: e.cfg.Symbol, Side: side,
		Qty: qty, Margin: margin, PnL: pnl, Detail: detail, At: time.Now(),
	})
}
