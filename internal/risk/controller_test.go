package risk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grid-core/internal/events"
	"grid-core/pkg/config"
	"grid-core/pkg/exchange"
)

type fakeBalance struct {
	mu   sync.Mutex
	snap exchange.BalanceSnapshot
	err  error
}

func (f *fakeBalance) Get(context.Context) (exchange.BalanceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

type fakeMember struct {
	profile Profile

	panicEnters int32
	panicExits  int32
	flattens    int32

	mu        sync.Mutex
	rebalance []float64
}

func (f *fakeMember) RiskProfile() Profile { return f.profile }
func (f *fakeMember) OnPanicEnter(context.Context) error {
	atomic.AddInt32(&f.panicEnters, 1)
	return nil
}
func (f *fakeMember) OnPanicExit(context.Context) error {
	atomic.AddInt32(&f.panicExits, 1)
	return nil
}
func (f *fakeMember) Rebalance(_ context.Context, budget float64) error {
	f.mu.Lock()
	f.rebalance = append(f.rebalance, budget)
	f.mu.Unlock()
	return nil
}
func (f *fakeMember) FlattenAll(context.Context) error {
	atomic.AddInt32(&f.flattens, 1)
	return nil
}

func testAccountConfig() config.AccountConfig {
	return config.AccountConfig{
		ReserveBuffer:      1.0,
		FreezeFactor:       1.5,
		PanicFactor:        3.0,
		ImbalanceRatio:     10,
		PanicEquityPct:     0.30,
		EmergencyMarginPct: 0.90,
		MinRebalanceMargin: 5,
	}
}

func newTestController(avail float64, m *fakeMember) (*Controller, *fakeBalance) {
	bal := &fakeBalance{snap: exchange.BalanceSnapshot{Available: avail, Equity: avail}}
	c := NewController(testAccountConfig(), bal, NewVolatility(), events.NewBus())
	if m != nil {
		c.Register(m.profile.Symbol, m)
	}
	return c, bal
}

func wallet(avail, equity float64) events.Wallet {
	return events.Wallet{Available: avail, Equity: equity, At: time.Now()}
}

func TestLadderStrictOrdering(t *testing.T) {
	m := &fakeMember{profile: Profile{Symbol: "BTCUSDT", NextCost: 100, LongQty: 1, ShortQty: 1}}
	c, _ := newTestController(1000, m)

	// Freeze threshold 150, panic threshold 300. An update far below the
	// panic threshold must still pass through EarlyFreeze first.
	c.OnWallet(context.Background(), wallet(50, 1000))
	if s, _ := c.State(); s != StateEarlyFreeze {
		t.Fatalf("state = %v, want EarlyFreeze (never skip a rung)", s)
	}
	c.OnWallet(context.Background(), wallet(50, 1000))
	if s, _ := c.State(); s != StatePanic {
		t.Fatalf("state = %v, want Panic", s)
	}
	if n := atomic.LoadInt32(&m.panicEnters); n != 1 {
		t.Fatalf("panic enters = %d, want 1", n)
	}

	// Recovery retraces the rungs in reverse, with hysteresis.
	c.OnWallet(context.Background(), wallet(310, 1000)) // above panicAt but not by 10%
	if s, _ := c.State(); s != StatePanic {
		t.Fatalf("state = %v, want Panic held by hysteresis", s)
	}
	c.OnWallet(context.Background(), wallet(340, 1000))
	if s, _ := c.State(); s != StateEarlyFreeze {
		t.Fatalf("state = %v, want EarlyFreeze after panic recovery", s)
	}
	if n := atomic.LoadInt32(&m.panicExits); n != 1 {
		t.Fatalf("panic exits = %d, want 1", n)
	}
	c.OnWallet(context.Background(), wallet(340, 1000))
	if s, _ := c.State(); s != StateNormal {
		t.Fatalf("state = %v, want Normal", s)
	}
}

func TestImbalancePanicRequiresLowEquityShare(t *testing.T) {
	m := &fakeMember{profile: Profile{Symbol: "BTCUSDT", NextCost: 10, LongQty: 50, ShortQty: 1}}
	c, _ := newTestController(1000, m)

	// Imbalance ratio 50 > 10 but available is 80% of equity: no transition.
	c.OnWallet(context.Background(), wallet(800, 1000))
	if s, _ := c.State(); s != StateNormal {
		t.Fatalf("state = %v, want Normal while equity share is healthy", s)
	}

	// Available drops under 30% of equity: escalate, one rung per update.
	c.OnWallet(context.Background(), wallet(250, 1000))
	if s, _ := c.State(); s != StateEarlyFreeze {
		t.Fatalf("state = %v, want EarlyFreeze", s)
	}
	c.OnWallet(context.Background(), wallet(250, 1000))
	if s, _ := c.State(); s != StatePanic {
		t.Fatalf("state = %v, want Panic on imbalance", s)
	}
}

func TestAuthorizeAtomicAcrossSymbols(t *testing.T) {
	c, _ := newTestController(100, nil)

	// Two symbols race for margin that covers exactly one 70-cost order.
	var wg sync.WaitGroup
	var granted, denied int32
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			release, err := c.Authorize(context.Background(), sym, 70)
			if err != nil {
				if !errors.Is(err, ErrInsufficientMargin) {
					t.Errorf("unexpected error: %v", err)
				}
				atomic.AddInt32(&denied, 1)
				return
			}
			atomic.AddInt32(&granted, 1)
			defer release()
			time.Sleep(10 * time.Millisecond)
		}(sym)
	}
	wg.Wait()

	if granted != 1 || denied != 1 {
		t.Fatalf("granted=%d denied=%d, want exactly one of each", granted, denied)
	}
}

func TestAuthorizeReleaseReturnsMargin(t *testing.T) {
	c, _ := newTestController(100, nil)

	release, err := c.Authorize(context.Background(), "BTCUSDT", 70)
	if err != nil {
		t.Fatalf("first authorize: %v", err)
	}
	if _, err := c.Authorize(context.Background(), "ETHUSDT", 70); !errors.Is(err, ErrInsufficientMargin) {
		t.Fatalf("second authorize err = %v, want ErrInsufficientMargin", err)
	}
	release()
	release() // idempotent
	if _, err := c.Authorize(context.Background(), "ETHUSDT", 70); err != nil {
		t.Fatalf("authorize after release: %v", err)
	}
}

func TestAuthorizeBlockedWhileFrozen(t *testing.T) {
	m := &fakeMember{profile: Profile{Symbol: "BTCUSDT", NextCost: 100, LongQty: 1, ShortQty: 1}}
	c, _ := newTestController(1000, m)

	c.OnWallet(context.Background(), wallet(100, 1000))
	if s, _ := c.State(); s != StateEarlyFreeze {
		t.Fatalf("state = %v, want EarlyFreeze", s)
	}
	if _, err := c.Authorize(context.Background(), "BTCUSDT", 10); !errors.Is(err, ErrFrozen) {
		t.Fatalf("err = %v, want ErrFrozen", err)
	}
}

func TestEmergencyCloseIsTerminal(t *testing.T) {
	m := &fakeMember{profile: Profile{Symbol: "BTCUSDT", NextCost: 10, LongQty: 1, ShortQty: 1}}
	c, _ := newTestController(1000, m)

	w := wallet(500, 1000)
	w.MarginRatio = 0.95
	c.OnWallet(context.Background(), w)

	if !c.EmergencyClosed() {
		t.Fatal("controller not marked emergency-closed")
	}
	if n := atomic.LoadInt32(&m.flattens); n != 1 {
		t.Fatalf("flattens = %d, want 1", n)
	}
	if _, err := c.Authorize(context.Background(), "BTCUSDT", 1); !errors.Is(err, ErrEmergencyClosed) {
		t.Fatalf("err = %v, want ErrEmergencyClosed", err)
	}

	// Further wallet updates are ignored.
	c.OnWallet(context.Background(), w)
	if n := atomic.LoadInt32(&m.flattens); n != 1 {
		t.Fatalf("flattens after second update = %d, want 1", n)
	}
}

func TestPanicEntryRunsRebalancing(t *testing.T) {
	m := &fakeMember{profile: Profile{
		Symbol: "BTCUSDT", NextCost: 100,
		LongQty: 5, ShortQty: 1,
		ImbalanceMargin: 40, ImbalanceQty: 4, LighterSide: exchange.PositionShort,
	}}
	c, _ := newTestController(1000, m)

	c.OnWallet(context.Background(), wallet(100, 1000))
	c.OnWallet(context.Background(), wallet(100, 1000))
	if s, _ := c.State(); s != StatePanic {
		t.Fatalf("state = %v, want Panic", s)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rebalance) != 1 || m.rebalance[0] != 40 {
		t.Fatalf("rebalance budgets = %v, want [40]", m.rebalance)
	}
}
