package events

import (
	"testing"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	bus.Emit(BudgetWarning, "agent-1", map[string]any{"budgetType": "tokens"})
	bus.Emit(ProgressMade, "agent-1", nil)

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Kind != BudgetWarning {
		t.Errorf("expected first event %s, got %s", BudgetWarning, got[0].Kind)
	}
	if got[0].Fields["budgetType"] != "tokens" {
		t.Errorf("expected budgetType field to round-trip, got %v", got[0].Fields)
	}
}

func TestBus_SubscribeKindFilters(t *testing.T) {
	bus := NewBus()

	var count int
	bus.SubscribeKind(PlanApproved, func(Event) { count++ })

	bus.Emit(PlanCreated, "", nil)
	bus.Emit(PlanApproved, "", nil)
	bus.Emit(PlanRejected, "", nil)

	if count != 1 {
		t.Errorf("expected filtered listener to fire once, fired %d times", count)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Emit(ProgressMade, "", nil)
	unsubscribe()
	unsubscribe() // second call must be a no-op
	bus.Emit(ProgressMade, "", nil)

	if count != 1 {
		t.Errorf("expected 1 delivery after unsubscribe, got %d", count)
	}
}

func TestBus_ListenerPanicIsSwallowed(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(Event) { panic("listener bug") })

	var delivered bool
	bus.Subscribe(func(Event) { delivered = true })

	bus.Emit(AgentError, "agent-2", nil)

	if !delivered {
		t.Error("panicking listener prevented delivery to later listeners")
	}
}
