package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"grid-core/internal/events"
	"grid-core/internal/order"
	"grid-core/internal/risk"
	"grid-core/pkg/config"
	"grid-core/pkg/exchange"
)

type fakeGateway struct {
	mu        sync.Mutex
	submitted []exchange.OrderRequest
	canceled  []string

	markPrice float64
	positions map[exchange.PositionSide]exchange.PositionInfo
	pnl       float64
	pnlErr    error
}

func newFakeGateway(price float64) *fakeGateway {
	return &fakeGateway{
		markPrice: price,
		positions: make(map[exchange.PositionSide]exchange.PositionInfo),
	}
}

func (f *fakeGateway) MarkPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markPrice <= 0 {
		return 0, exchange.ErrUnavailable
	}
	return f.markPrice, nil
}

func (f *fakeGateway) Position(_ context.Context, _ string, side exchange.PositionSide) (exchange.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[side], nil
}

func (f *fakeGateway) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return exchange.OrderResult{ClientID: req.ClientID, Status: exchange.StatusNew}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _ string, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, clientID)
	return nil
}

func (f *fakeGateway) Balance(context.Context) (exchange.BalanceSnapshot, error) {
	return exchange.BalanceSnapshot{Available: 1e9}, nil
}

func (f *fakeGateway) RealizedPnL(context.Context, string, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pnl, f.pnlErr
}

func (f *fakeGateway) Filters(context.Context, string) (exchange.SymbolFilters, error) {
	return exchange.SymbolFilters{}, nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (f *fakeGateway) requests() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.submitted))
	copy(out, f.submitted)
	return out
}

func (f *fakeGateway) limitOrders(side exchange.PositionSide) []exchange.OrderRequest {
	var out []exchange.OrderRequest
	for _, r := range f.requests() {
		if r.Type == exchange.OrderTypeLimit && r.PositionSide == side {
			out = append(out, r)
		}
	}
	return out
}

// fakePlacer fills instantly at the requested price.
type fakePlacer struct {
	mu      sync.Mutex
	seq     int
	updates []string
	placed  []struct {
		Side exchange.PositionSide
		Qty  float64
	}
	err error
}

func (f *fakePlacer) PlaceEntry(_ context.Context, _ string, side exchange.PositionSide, qty, price float64, _ func(context.Context) (float64, error)) (order.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return order.Fill{}, f.err
	}
	f.seq++
	f.placed = append(f.placed, struct {
		Side exchange.PositionSide
		Qty  float64
	}{side, qty})
	return order.Fill{ClientID: fmt.Sprintf("fill-%d", f.seq), Qty: qty, Price: price}, nil
}

func (f *fakePlacer) HandleUpdate(ev events.OrderUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, ev.ClientID)
}

func (f *fakePlacer) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func (f *fakePlacer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeAuth struct {
	mu    sync.Mutex
	costs []float64
	err   error
}

func (f *fakeAuth) Authorize(_ context.Context, _ string, cost float64) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.costs = append(f.costs, cost)
	return func() {}, nil
}

func testSymbolConfig() config.SymbolConfig {
	return config.SymbolConfig{
		Symbol:        "BTCUSDT",
		InitialMargin: 1,
		Multiplier:    2,
		GridStepPct:   0.01,
		TakeProfitPct: 0.005,
		MaxLevels:     8,
		Leverage:      10,
	}
}

func newTestEngine(gw *fakeGateway, placer Placer, auth Authorizer) *Engine {
	e := New(
		testSymbolConfig(),
		config.OrderConfig{EntryTimeout: time.Second, EntryRetries: 1, ReopenAttempts: 2, ReopenBackoff: time.Millisecond},
		config.EngineConfig{ReconcileInterval: time.Hour, EventBuffer: 64},
		gw, placer, auth, events.NewBus(), nil,
	)
	e.phase = PhaseLive
	e.lastPrice = gw.markPrice
	return e
}

func mustAdd(t *testing.T, e *Engine, side exchange.PositionSide, price, qty float64, level int, id string) {
	t.Helper()
	if err := e.book.AddPosition(side, price, qty, level, id); err != nil {
		t.Fatalf("AddPosition(%v, %d): %v", side, level, err)
	}
}

// Side at levels [0,1,2] with the opposite at level 4 must get reservations
// at exactly [3,4], and a second pass must place nothing new.
func TestSymmetryPassReservesMissingLevelsOnce(t *testing.T) {
	gw := newFakeGateway(50000)
	auth := &fakeAuth{}
	e := newTestEngine(gw, &fakePlacer{}, auth)

	for lvl, qty := range []float64{0.001, 0.002, 0.004} {
		mustAdd(t, e, exchange.PositionLong, 50000, qty, lvl, "l"+string(rune('0'+lvl)))
	}
	for lvl, qty := range []float64{0.001, 0.002, 0.004, 0.008, 0.016} {
		mustAdd(t, e, exchange.PositionShort, 50000, qty, lvl, "s"+string(rune('0'+lvl)))
	}

	e.reserveSymmetry(context.Background(), 50000)

	// The whole batch authorizes once: levels 3+4 carry margins 8 and 16.
	auth.mu.Lock()
	costs := auth.costs
	auth.mu.Unlock()
	if len(costs) != 1 || costs[0] != 24 {
		t.Fatalf("authorized costs = %v, want [24]", costs)
	}

	resLevels := e.book.ReservedLevels(exchange.PositionLong)
	if len(resLevels) != 2 || resLevels[0] != 3 || resLevels[1] != 4 {
		t.Fatalf("reserved levels = %v, want [3 4]", resLevels)
	}
	// Reservation qty follows the reference quantity fixed by the short fills.
	orders := gw.limitOrders(exchange.PositionLong)
	if len(orders) != 2 {
		t.Fatalf("placed %d reservation orders, want 2", len(orders))
	}
	if orders[0].Qty != 0.008 || orders[1].Qty != 0.016 {
		t.Fatalf("reservation qtys = %v %v, want reference 0.008 0.016", orders[0].Qty, orders[1].Qty)
	}
	// Long reservations sit below the market.
	for _, o := range orders {
		if o.Price >= 50000 {
			t.Fatalf("long reservation priced at %v, want below market", o.Price)
		}
	}

	before := len(gw.requests())
	e.reserveSymmetry(context.Background(), 50000)
	if after := len(gw.requests()); after != before {
		t.Fatalf("second symmetry pass placed %d new orders, want 0", after-before)
	}
}

// Symmetry reservations commit margin like any entry: a denied authorization
// must leave the pass with zero orders and zero reservations.
func TestSymmetryPassSkippedOnInsufficientBalance(t *testing.T) {
	gw := newFakeGateway(50000)
	e := newTestEngine(gw, &fakePlacer{}, &fakeAuth{err: risk.ErrInsufficientMargin})

	mustAdd(t, e, exchange.PositionLong, 50000, 0.001, 0, "l0")
	for lvl, qty := range []float64{0.001, 0.002, 0.004, 0.008, 0.016} {
		mustAdd(t, e, exchange.PositionShort, 50000, qty, lvl, "s"+string(rune('0'+lvl)))
	}

	e.reserveSymmetry(context.Background(), 50000)

	if n := len(gw.requests()); n != 0 {
		t.Fatalf("submitted %d orders despite denied authorization, want 0", n)
	}
	if lv := e.book.ReservedLevels(exchange.PositionLong); len(lv) != 0 {
		t.Fatalf("reserved levels = %v, want none", lv)
	}
}

// Order confirmations must reach the placement waiters straight from Deliver,
// not via the event loop: the loop can be blocked inside PlaceEntry waiting
// for that very confirmation.
func TestDeliverFeedsPlacerOffEventLoop(t *testing.T) {
	gw := newFakeGateway(50000)
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{})
	e.phase = PhaseBootstrapping // loop not draining, events only buffered

	upd := events.OrderUpdate{
		Symbol: "BTCUSDT", ClientID: "grid-entry-1", Side: exchange.PositionLong,
		Status: exchange.StatusFilled, FilledQty: 0.001, AvgPrice: 50000, At: time.Now(),
	}
	e.Deliver(upd)

	if got := placer.updateCount(); got != 1 {
		t.Fatalf("placer saw %d updates, want 1 without the loop running", got)
	}

	// The loop's own handling of the same update must not feed it again.
	e.phase = PhaseLive
	e.handle(context.Background(), upd)
	if got := placer.updateCount(); got != 1 {
		t.Fatalf("placer saw %d updates after loop handling, want still 1", got)
	}
}

// Take-profit closing 5 levels against 2 surviving opposite levels reopens
// with the first three doubling margins: 1+2+4 = 7.
func TestReopenMarginFromLevelGap(t *testing.T) {
	gw := newFakeGateway(50000)
	e := newTestEngine(gw, &fakePlacer{}, &fakeAuth{})

	for lvl := 0; lvl < 2; lvl++ {
		mustAdd(t, e, exchange.PositionShort, 50000, 0.001, lvl, "s"+string(rune('0'+lvl)))
	}

	closedMargin := e.marginThrough(5) // 1+2+4+8+16 = 31
	if got := e.reopenMargin(closedMargin, exchange.PositionShort); got != 7 {
		t.Fatalf("reopen margin = %v, want 7", got)
	}

	// Flat opposite falls back to the initial size.
	e2 := newTestEngine(newFakeGateway(50000), &fakePlacer{}, &fakeAuth{})
	if got := e2.reopenMargin(31, exchange.PositionShort); got != 1 {
		t.Fatalf("reopen margin with flat opposite = %v, want initial 1", got)
	}
}

// Insufficient balance must skip the whole averaging cycle: no orders, no
// ledger change.
func TestAveragingSkippedOnInsufficientBalance(t *testing.T) {
	gw := newFakeGateway(49000)
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{err: risk.ErrInsufficientMargin})

	mustAdd(t, e, exchange.PositionLong, 50000, 0.001, 0, "l0")

	// 2% below the last entry: trigger fires, authorization denies.
	e.onPrice(context.Background(), events.PriceTick{Symbol: "BTCUSDT", Price: 49000, At: time.Now()})

	if placer.count() != 0 {
		t.Fatalf("placed %d entries, want 0", placer.count())
	}
	if n := len(gw.requests()); n != 0 {
		t.Fatalf("submitted %d orders, want 0", n)
	}
	if e.book.LevelCount(exchange.PositionLong) != 1 {
		t.Fatal("ledger changed despite skipped cycle")
	}
}

func TestAveragingCycle(t *testing.T) {
	gw := newFakeGateway(49000)
	placer := &fakePlacer{}
	auth := &fakeAuth{}
	e := newTestEngine(gw, placer, auth)

	mustAdd(t, e, exchange.PositionLong, 50000, 0.001, 0, "l0")
	mustAdd(t, e, exchange.PositionShort, 50000, 0.001, 0, "s0")

	e.onPrice(context.Background(), events.PriceTick{Symbol: "BTCUSDT", Price: 49000, At: time.Now()})

	if e.book.LevelCount(exchange.PositionLong) != 2 {
		t.Fatalf("long levels = %d, want 2 after averaging", e.book.LevelCount(exchange.PositionLong))
	}
	if e.book.MaxLevel(exchange.PositionLong) != 1 {
		t.Fatalf("long max level = %d, want 1", e.book.MaxLevel(exchange.PositionLong))
	}
	// The entry authorizes margin x2 up front; once it is placed the hold is
	// released and the symmetry batch authorizes its own level-1 margin.
	auth.mu.Lock()
	costs := auth.costs
	auth.mu.Unlock()
	if len(costs) != 2 || costs[0] != 4 || costs[1] != 2 {
		t.Fatalf("authorized costs = %v, want [4 2]", costs)
	}
	// Short side must now carry a level-1 reservation for symmetry.
	if lv := e.book.ReservedLevels(exchange.PositionShort); len(lv) != 1 || lv[0] != 1 {
		t.Fatalf("short reserved levels = %v, want [1]", lv)
	}
	// And a fresh protective for the long side.
	if _, ok := e.book.Protective(exchange.PositionLong); !ok {
		t.Fatal("no protective after averaging")
	}
}

func TestProtectiveFillClosesSideAndReopens(t *testing.T) {
	gw := newFakeGateway(50000)
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{})

	for lvl, qty := range []float64{0.001, 0.002, 0.004} {
		mustAdd(t, e, exchange.PositionLong, 50000, qty, lvl, "l"+string(rune('0'+lvl)))
	}
	mustAdd(t, e, exchange.PositionShort, 50000, 0.001, 0, "s0")
	if err := e.book.Reserve(exchange.PositionShort, 1, "res-1", 50500); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := e.book.Reserve(exchange.PositionLong, 3, "res-l3", 48000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	e.book.SetProtective(exchange.PositionLong, "prot-long", 50250, 0.007)

	// Realized pnl streamed with the reduce execution, then the fill.
	e.onExecution(context.Background(), events.Execution{
		Symbol: "BTCUSDT", ClientID: "prot-long", Side: exchange.PositionLong,
		Qty: 0.007, Price: 50250, PnL: 12.5, ReduceAck: true, At: time.Now(),
	})
	e.onOrderUpdate(context.Background(), events.OrderUpdate{
		Symbol: "BTCUSDT", ClientID: "prot-long", Side: exchange.PositionLong,
		Status: exchange.StatusFilled, FilledQty: 0.007, AvgPrice: 50250, At: time.Now(),
	})

	// Closed side's reservations are canceled; opposite side's survive.
	foundCancel := false
	for _, id := range gw.canceled {
		if id == "res-l3" {
			foundCancel = true
		}
		if id == "res-1" {
			t.Fatal("opposite side reservation canceled on close")
		}
	}
	if !foundCancel {
		t.Fatal("closed side reservation not canceled")
	}
	// Reopened at level 0.
	if e.book.LevelCount(exchange.PositionLong) != 1 || e.book.MaxLevel(exchange.PositionLong) != 0 {
		t.Fatalf("long side not reopened at level 0: levels=%d max=%d",
			e.book.LevelCount(exchange.PositionLong), e.book.MaxLevel(exchange.PositionLong))
	}
	if placer.count() != 1 {
		t.Fatalf("reopen placed %d entries, want 1", placer.count())
	}
}

func TestUntrackedCloseDetectedInReconcile(t *testing.T) {
	gw := newFakeGateway(50000)
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{})

	mustAdd(t, e, exchange.PositionLong, 50000, 0.001, 0, "l0")
	mustAdd(t, e, exchange.PositionShort, 50000, 0.001, 0, "s0")
	e.book.SetProtective(exchange.PositionLong, "prot-long", 50250, 0.001)
	e.book.SetProtective(exchange.PositionShort, "prot-short", 49750, 0.001)

	// Exchange reports the long leg gone, short leg intact.
	gw.mu.Lock()
	gw.positions[exchange.PositionShort] = exchange.PositionInfo{Quantity: 0.001, AvgPrice: 50000}
	gw.pnl = 3.25
	gw.mu.Unlock()

	e.reconcile(context.Background())

	// The close was handled and the side reopened.
	if e.book.LevelCount(exchange.PositionLong) != 1 || e.book.MaxLevel(exchange.PositionLong) != 0 {
		t.Fatal("untracked close not resolved into a reopen")
	}
	if placer.count() != 1 {
		t.Fatalf("reopens = %d, want 1", placer.count())
	}
	// Short leg untouched.
	if e.book.LevelCount(exchange.PositionShort) != 1 {
		t.Fatal("intact side was modified by reconcile")
	}
}

// An event buffered during restore whose order id matches state the restore
// already created must be dropped, not applied twice.
func TestReplayDedupesRestoredFills(t *testing.T) {
	gw := newFakeGateway(50000)
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{})
	e.phase = PhaseRestoring

	mustAdd(t, e, exchange.PositionLong, 50000, 0.001, 0, "adopted-1")

	// Buffered while restoring: a duplicate of the adopted fill plus a
	// genuine price tick.
	e.Deliver(events.OrderUpdate{
		Symbol: "BTCUSDT", ClientID: "adopted-1", Side: exchange.PositionLong,
		Status: exchange.StatusFilled, FilledQty: 0.001, AvgPrice: 50000, At: time.Now(),
	})
	e.Deliver(events.PriceTick{Symbol: "BTCUSDT", Price: 50100, At: time.Now()})

	e.replayBuffer(context.Background())

	if e.Phase() != PhaseLive {
		t.Fatalf("phase = %v, want live after replay", e.Phase())
	}
	if e.book.LevelCount(exchange.PositionLong) != 1 {
		t.Fatalf("long levels = %d, want 1 (duplicate dropped)", e.book.LevelCount(exchange.PositionLong))
	}
	e.mu.Lock()
	price := e.lastPrice
	e.mu.Unlock()
	if price != 50100 {
		t.Fatalf("last price = %v, want 50100 from replayed tick", price)
	}
}

func TestReservationFillBecomesPosition(t *testing.T) {
	gw := newFakeGateway(50000)
	e := newTestEngine(gw, &fakePlacer{}, &fakeAuth{})

	mustAdd(t, e, exchange.PositionShort, 50000, 0.002, 0, "s0")
	if err := e.book.Reserve(exchange.PositionShort, 1, "res-s1", 50500); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	e.onOrderUpdate(context.Background(), events.OrderUpdate{
		Symbol: "BTCUSDT", ClientID: "res-s1", Side: exchange.PositionShort,
		Status: exchange.StatusFilled, FilledQty: 0.004, AvgPrice: 50500, At: time.Now(),
	})

	if !e.book.HasPosition(exchange.PositionShort, 1) {
		t.Fatal("reservation fill did not create a position")
	}
	if lv := e.book.ReservedLevels(exchange.PositionShort); len(lv) != 0 {
		t.Fatalf("reservation still present: %v", lv)
	}
	if _, ok := e.book.Protective(exchange.PositionShort); !ok {
		t.Fatal("protective not refreshed after reservation fill")
	}
}

func TestPanicHooksStripAndRestoreTrendProtective(t *testing.T) {
	gw := newFakeGateway(50000)
	e := newTestEngine(gw, &fakePlacer{}, &fakeAuth{})

	// Long averaged deeper: it is the trend side.
	for lvl, qty := range []float64{0.001, 0.002, 0.004} {
		mustAdd(t, e, exchange.PositionLong, 50000, qty, lvl, "l"+string(rune('0'+lvl)))
	}
	mustAdd(t, e, exchange.PositionShort, 50000, 0.001, 0, "s0")
	e.book.SetProtective(exchange.PositionLong, "prot-long", 50250, 0.007)
	e.book.SetProtective(exchange.PositionShort, "prot-short", 49750, 0.001)

	if err := e.OnPanicEnter(context.Background()); err != nil {
		t.Fatalf("OnPanicEnter: %v", err)
	}
	if _, ok := e.book.Protective(exchange.PositionLong); ok {
		t.Fatal("trend-side protective survived panic entry")
	}
	if _, ok := e.book.Protective(exchange.PositionShort); !ok {
		t.Fatal("counter-trend protective was canceled")
	}

	if err := e.OnPanicExit(context.Background()); err != nil {
		t.Fatalf("OnPanicExit: %v", err)
	}
	if _, ok := e.book.Protective(exchange.PositionLong); !ok {
		t.Fatal("trend-side protective not restored on panic exit")
	}
}

func TestRestoreFatalWithoutPrice(t *testing.T) {
	gw := newFakeGateway(0)
	e := newTestEngine(gw, &fakePlacer{}, &fakeAuth{})
	e.phase = PhaseBootstrapping

	err := e.restore(context.Background())
	if err == nil || !strings.Contains(err.Error(), "starting price") {
		t.Fatalf("restore err = %v, want starting price failure", err)
	}
	if e.Phase() == PhaseLive {
		t.Fatal("engine went live without a starting price")
	}
}

func TestRestoreAdoptsAndOpens(t *testing.T) {
	gw := newFakeGateway(50000)
	gw.positions[exchange.PositionLong] = exchange.PositionInfo{Quantity: 0.005, AvgPrice: 49500}
	placer := &fakePlacer{}
	e := newTestEngine(gw, placer, &fakeAuth{})
	e.phase = PhaseBootstrapping

	if err := e.restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if e.Phase() != PhaseLive {
		t.Fatalf("phase = %v, want live", e.Phase())
	}
	// Long adopted from the exchange, short opened fresh.
	if got := e.book.TotalQty(exchange.PositionLong); got != 0.005 {
		t.Fatalf("adopted long qty = %v, want 0.005", got)
	}
	if e.book.LevelCount(exchange.PositionShort) != 1 {
		t.Fatal("flat short leg not opened during restore")
	}
	if placer.count() != 1 {
		t.Fatalf("restore placed %d entries, want 1 (short only)", placer.count())
	}
	if _, ok := e.book.Protective(exchange.PositionLong); !ok {
		t.Fatal("adopted leg has no protective")
	}
}
