package monitor

import (
	"testing"
	"time"

	"grid-core/internal/events"
	"grid-core/internal/risk"
)

func TestTransitionAction(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		tr   risk.Transition
		kind string
	}{
		{
			"panic entry",
			risk.Transition{From: risk.StateEarlyFreeze, To: risk.StatePanic, At: now},
			events.ActionEnteredPanic,
		},
		{
			"panic exit",
			risk.Transition{From: risk.StatePanic, To: risk.StateEarlyFreeze, At: now},
			events.ActionExitedPanic,
		},
		{
			"emergency close",
			risk.Transition{From: risk.StateNormal, To: risk.StateNormal, Emergency: true, At: now},
			events.ActionEmergencyClose,
		},
		{
			"freeze entry",
			risk.Transition{From: risk.StateNormal, To: risk.StateEarlyFreeze, At: now},
			"risk_early_freeze",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := transitionAction(tt.tr)
			if a.Kind != tt.kind {
				t.Fatalf("kind = %q, want %q", a.Kind, tt.kind)
			}
			if a.At != now {
				t.Fatal("transition timestamp not carried into the action")
			}
		})
	}
}
