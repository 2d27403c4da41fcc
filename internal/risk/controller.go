package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"grid-core/internal/events"
	"grid-core/pkg/config"
	"grid-core/pkg/exchange"
	"grid-core/pkg/logger"
)

var log = logger.Component("risk")

var (
	// ErrFrozen rejects averaging while the account sits above Normal.
	ErrFrozen = errors.New("averaging frozen by risk state")
	// ErrInsufficientMargin rejects a cost the remaining margin cannot cover.
	ErrInsufficientMargin = errors.New("insufficient available margin")
	// ErrEmergencyClosed rejects everything after an emergency flatten.
	ErrEmergencyClosed = errors.New("account emergency-closed")
)

// recoveryHysteresis keeps the ladder from flapping: stepping down a rung
// requires margin 10% above the threshold that triggered the step up.
const recoveryHysteresis = 1.10

// BalanceSource is the slice of the balance cache the controller needs.
type BalanceSource interface {
	Get(ctx context.Context) (exchange.BalanceSnapshot, error)
}

// Controller is the single account-wide risk authority. All symbols share one
// instance: it aggregates their worst-case next costs, walks the
// Normal -> EarlyFreeze -> Panic ladder one rung at a time on every wallet
// update, and serializes cross-symbol balance authorization so two symbols can
// never spend the same margin.
type Controller struct {
	cfg     config.AccountConfig
	balance BalanceSource
	vol     *Volatility
	bus     *events.Bus

	mu         sync.Mutex
	members    map[string]Member
	state      State
	stateSince time.Time
	emergency  bool

	authMu   sync.Mutex
	reserved float64
}

func NewController(cfg config.AccountConfig, balance BalanceSource, vol *Volatility, bus *events.Bus) *Controller {
	return &Controller{
		cfg:        cfg,
		balance:    balance,
		vol:        vol,
		bus:        bus,
		members:    make(map[string]Member),
		state:      StateNormal,
		stateSince: time.Now(),
	}
}

// Register adds a symbol engine to the account aggregate.
func (c *Controller) Register(symbol string, m Member) {
	c.mu.Lock()
	c.members[symbol] = m
	c.mu.Unlock()
}

// State returns the current rung and when it was entered.
func (c *Controller) State() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.stateSince
}

// EmergencyClosed reports whether the terminal flatten has fired.
func (c *Controller) EmergencyClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// Authorize is the atomic cross-symbol balance gate. It holds the account
// mutex across the check so concurrent averaging attempts on two symbols see
// each other's pending cost, and returns a release func the caller must
// invoke once the order is placed (or abandoned).
func (c *Controller) Authorize(ctx context.Context, symbol string, cost float64) (func(), error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	state, emergency := c.snapshotState()
	if emergency {
		return nil, ErrEmergencyClosed
	}
	if state != StateNormal {
		return nil, fmt.Errorf("%w: state=%s", ErrFrozen, state)
	}

	snap, err := c.balance.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance for authorization: %w", err)
	}
	need := cost * c.cfg.ReserveBuffer
	if snap.Available-c.reserved < need {
		log.WithFields(map[string]any{
			"symbol": symbol, "need": need,
			"available": snap.Available, "reserved": c.reserved,
		}).Warn("averaging authorization denied")
		return nil, fmt.Errorf("%w: need %.4f, free %.4f", ErrInsufficientMargin, need, snap.Available-c.reserved)
	}

	c.reserved += need
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.authMu.Lock()
			c.reserved -= need
			c.authMu.Unlock()
		})
	}
	return release, nil
}

func (c *Controller) snapshotState() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.emergency
}

// TriggerEmergency runs the terminal flatten on operator demand, independent
// of the exchange-reported margin ratio.
func (c *Controller) TriggerEmergency(ctx context.Context) {
	c.mu.Lock()
	if c.emergency {
		c.mu.Unlock()
		return
	}
	c.emergency = true
	members := c.memberMap()
	c.mu.Unlock()

	log.Warn("emergency close triggered by operator")
	c.emergencyClose(ctx, members, events.Wallet{At: time.Now()})
}

// OnWallet re-evaluates the ladder on a fresh account wallet update. Side
// effects of a transition (protective cancels, rebalancing, flattening) run
// after the state mutex is released.
func (c *Controller) OnWallet(ctx context.Context, w events.Wallet) {
	c.mu.Lock()
	if c.emergency {
		c.mu.Unlock()
		return
	}
	if w.MarginRatio >= c.cfg.EmergencyMarginPct {
		c.emergency = true
		members := c.memberMap()
		c.mu.Unlock()
		c.emergencyClose(ctx, members, w)
		return
	}

	profiles := make([]Profile, 0, len(c.members))
	for _, m := range c.members {
		profiles = append(profiles, m.RiskProfile())
	}
	tr, changed := c.step(profiles, w)
	var members map[string]Member
	if changed {
		c.state = tr.To
		c.stateSince = tr.At
		members = c.memberMap()
	}
	c.mu.Unlock()

	if !changed {
		return
	}
	log.WithFields(map[string]any{
		"from": tr.From.String(), "to": tr.To.String(),
		"available": tr.Available, "threshold": tr.Threshold,
	}).Warn("risk state transition")
	c.bus.Publish(events.TopicRiskState, tr)

	switch {
	case tr.To == StatePanic:
		c.enterPanic(ctx, members, profiles, w)
	case tr.From == StatePanic:
		c.exitPanic(ctx, members)
	}
}

// step decides at most one rung of movement. The ladder never jumps
// Normal -> Panic directly, and recovery retraces the same rungs.
func (c *Controller) step(profiles []Profile, w events.Wallet) (Transition, bool) {
	var totalCost float64
	imbalanced := false
	for _, p := range profiles {
		totalCost += p.NextCost
		if qtyImbalance(p) > c.cfg.ImbalanceRatio {
			imbalanced = true
		}
	}
	factor := c.vol.Factor()
	freezeAt := totalCost * c.cfg.FreezeFactor * factor
	panicAt := totalCost * c.cfg.PanicFactor * factor
	imbalancePanic := imbalanced && w.Equity > 0 && w.Available < c.cfg.PanicEquityPct*w.Equity

	tr := Transition{From: c.state, Available: w.Available, At: w.At}
	switch c.state {
	case StateNormal:
		if w.Available < freezeAt || imbalancePanic {
			tr.To, tr.Threshold = StateEarlyFreeze, freezeAt
			return tr, true
		}
	case StateEarlyFreeze:
		if w.Available < panicAt || imbalancePanic {
			tr.To, tr.Threshold = StatePanic, panicAt
			return tr, true
		}
		if w.Available > freezeAt*recoveryHysteresis {
			tr.To, tr.Threshold = StateNormal, freezeAt*recoveryHysteresis
			return tr, true
		}
	case StatePanic:
		if w.Available > panicAt*recoveryHysteresis && !imbalancePanic {
			tr.To, tr.Threshold = StateEarlyFreeze, panicAt*recoveryHysteresis
			return tr, true
		}
	}
	return Transition{}, false
}

// enterPanic cancels trend-side protectives, then spends whatever margin
// remains on rebalancing, ignoring the normal reserve buffer.
func (c *Controller) enterPanic(ctx context.Context, members map[string]Member, profiles []Profile, w events.Wallet) {
	for sym, m := range members {
		if err := m.OnPanicEnter(ctx); err != nil {
			log.WithError(err).WithField("symbol", sym).Error("panic entry hook failed")
		}
	}

	plan := PlanRebalance(profiles, w.Available, c.cfg.MinRebalanceMargin)
	log.WithFields(map[string]any{
		"mode": plan.Mode.String(), "need": plan.TotalNeed, "available": w.Available,
	}).Warn("panic rebalancing")
	if plan.Mode == RebalanceSkip {
		if plan.TotalNeed > 0 {
			log.WithField("need", plan.TotalNeed).Error("rebalancing skipped: margin below minimum")
		}
		return
	}
	for sym, budget := range plan.Budgets {
		m, ok := members[sym]
		if !ok {
			continue
		}
		if err := m.Rebalance(ctx, budget); err != nil {
			log.WithError(err).WithFields(map[string]any{"symbol": sym, "budget": budget}).
				Error("panic rebalancing failed")
		}
	}
}

func (c *Controller) exitPanic(ctx context.Context, members map[string]Member) {
	for sym, m := range members {
		if err := m.OnPanicExit(ctx); err != nil {
			log.WithError(err).WithField("symbol", sym).Error("panic exit hook failed")
		}
	}
}

// emergencyClose flattens every symbol. Terminal: no risk state applies after
// this, only a restart brings the account back.
func (c *Controller) emergencyClose(ctx context.Context, members map[string]Member, w events.Wallet) {
	log.WithFields(map[string]any{
		"margin_ratio": w.MarginRatio, "threshold": c.cfg.EmergencyMarginPct,
	}).Error("maintenance margin ratio breached, flattening all positions")
	for sym, m := range members {
		if err := m.FlattenAll(ctx); err != nil {
			log.WithError(err).WithField("symbol", sym).Error("emergency flatten failed")
		}
	}
	c.bus.Publish(events.TopicRiskState, Transition{
		From: c.state, To: c.state, Available: w.Available,
		Threshold: c.cfg.EmergencyMarginPct, Emergency: true, At: w.At,
	})
}

// memberMap must be called with c.mu held.
func (c *Controller) memberMap() map[string]Member {
	out := make(map[string]Member, len(c.members))
	for sym, m := range c.members {
		out[sym] = m
	}
	return out
}

// qtyImbalance is the heavier side's quantity over the lighter side's. A side
// holding quantity against a flat opposite counts as maximally imbalanced.
func qtyImbalance(p Profile) float64 {
	lo, hi := p.LongQty, p.ShortQty
	if lo > hi {
		lo, hi = hi, lo
	}
	if lo <= 0 {
		if hi > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return hi / lo
}
