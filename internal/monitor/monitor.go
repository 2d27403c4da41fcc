package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grid-core/internal/events"
	"grid-core/internal/risk"
	"grid-core/pkg/db"
	"grid-core/pkg/logger"
)

var log = logger.Component("monitor")

// Monitor journals every discrete strategy action and risk transition: each
// one is logged with full numeric context and appended to the actions table
// so an operator can reconstruct the decision sequence after the fact.
type Monitor struct {
	bus        *events.Bus
	db         *db.Database
	instanceID string
}

func New(bus *events.Bus, database *db.Database, instanceID string) *Monitor {
	return &Monitor{bus: bus, db: database, instanceID: instanceID}
}

// Start consumes the action and risk-state topics until ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	actions, unsubActions := m.bus.Subscribe(events.TopicAction, 100)
	states, unsubStates := m.bus.Subscribe(events.TopicRiskState, 10)

	go func() {
		defer unsubActions()
		defer unsubStates()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-actions:
				if !ok {
					return
				}
				if a, isAction := msg.(events.Action); isAction {
					m.record(ctx, a)
				}
			case msg, ok := <-states:
				if !ok {
					return
				}
				if tr, isTr := msg.(risk.Transition); isTr {
					m.record(ctx, transitionAction(tr))
				}
			}
		}
	}()
}

func (m *Monitor) record(ctx context.Context, a events.Action) {
	log.WithFields(map[string]any{
		"kind": a.Kind, "symbol": a.Symbol, "side": a.Side,
		"qty": a.Qty, "margin": a.Margin, "pnl": a.PnL, "detail": a.Detail,
	}).Info("strategy action")

	if m.db == nil {
		return
	}
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	err := m.db.InsertAction(ctx, db.ActionRow{
		ID:         uuid.NewString(),
		Kind:       a.Kind,
		Symbol:     a.Symbol,
		Side:       string(a.Side),
		Qty:        a.Qty,
		Margin:     a.Margin,
		PnL:        a.PnL,
		Detail:     a.Detail,
		InstanceID: m.instanceID,
		CreatedAt:  at,
	})
	if err != nil {
		log.WithError(err).WithField("kind", a.Kind).Error("action journal write failed")
	}
}

// transitionAction turns a risk ladder move into a journal entry.
func transitionAction(tr risk.Transition) events.Action {
	kind := ""
	switch {
	case tr.Emergency:
		kind = events.ActionEmergencyClose
	case tr.To == risk.StatePanic:
		kind = events.ActionEnteredPanic
	case tr.From == risk.StatePanic:
		kind = events.ActionExitedPanic
	default:
		kind = "risk_" + tr.To.String()
	}
	return events.Action{
		Kind:   kind,
		Margin: tr.Available,
		Detail: tr.From.String() + " -> " + tr.To.String(),
		At:     tr.At,
	}
}
