package plan

import (
	"testing"

	"github.com/harrison/overmind/internal/events"
)

func TestStartPlan_ReplacesActivePlan(t *testing.T) {
	m := NewManager("a", nil)

	first := m.StartPlan("task one", "")
	m.AddProposedChange("write_file", map[string]any{"path": "a.go"}, "initial", "")

	second := m.StartPlan("task two", "session-1")
	if second.ID == first.ID {
		t.Error("second plan reused the first plan's id")
	}

	active := m.ActivePlan()
	if active == nil || active.Task != "task two" {
		t.Fatalf("expected task two active, got %+v", active)
	}
	if len(active.ProposedChanges) != 0 {
		t.Error("new plan inherited old changes")
	}
}

func TestAddProposedChange_MonotonicOrder(t *testing.T) {
	m := NewManager("a", nil)
	m.StartPlan("task", "")

	for i := 0; i < 3; i++ {
		change := m.AddProposedChange("edit_file", map[string]any{"path": "x.go"}, "step", "")
		if change.Order != i {
			t.Errorf("change %d has order %d", i, change.Order)
		}
	}
}

func TestAddProposedChange_NoActivePlan(t *testing.T) {
	m := NewManager("a", nil)
	if change := m.AddProposedChange("write_file", nil, "", ""); change != nil {
		t.Error("expected nil change with no active plan")
	}
}

func TestApprove_AllAndPartial(t *testing.T) {
	bus := events.NewBus()
	var approvedEvents, clearedEvents int
	bus.SubscribeKind(events.PlanApproved, func(events.Event) { approvedEvents++ })
	bus.SubscribeKind(events.PlanCleared, func(events.Event) { clearedEvents++ })

	m := NewManager("a", bus)
	m.StartPlan("task", "")
	for i := 0; i < 4; i++ {
		m.AddProposedChange("write_file", map[string]any{"path": "f.go"}, "r", "")
	}

	// Partial approval returns the prefix and clears the plan.
	changes := m.Approve(2)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if changes[0].Order != 0 || changes[1].Order != 1 {
		t.Error("approval did not preserve order prefix")
	}
	if m.HasPendingPlan() {
		t.Error("plan still pending after approval")
	}

	// Full approval.
	m.StartPlan("task", "")
	m.AddProposedChange("write_file", nil, "r", "")
	if got := m.Approve(0); len(got) != 1 {
		t.Errorf("expected all changes on count<=0, got %d", len(got))
	}

	if approvedEvents != 2 || clearedEvents != 2 {
		t.Errorf("expected 2 approved + 2 cleared events, got %d/%d", approvedEvents, clearedEvents)
	}
}

func TestReject_ClearsPlan(t *testing.T) {
	m := NewManager("a", nil)
	m.StartPlan("task", "")
	m.AddProposedChange("write_file", nil, "r", "")

	m.Reject()

	if m.HasPendingPlan() {
		t.Error("plan still pending after reject")
	}
	if m.ActivePlan() != nil {
		t.Error("ActivePlan returned a rejected plan")
	}
}

func TestRestorePlan_ResumesNumbering(t *testing.T) {
	m := NewManager("a", nil)

	saved := &PendingPlan{
		ID:   "persisted-plan",
		Task: "resume me",
		ProposedChanges: []ProposedChange{
			{ID: "c1", Tool: "write_file", Order: 0},
			{ID: "c2", Tool: "edit_file", Order: 1},
		},
	}
	m.RestorePlan(saved)

	if !m.HasPendingPlan() {
		t.Fatal("restored plan not active")
	}
	change := m.AddProposedChange("delete_file", nil, "cleanup", "")
	if change.Order != 2 {
		t.Errorf("expected numbering to resume at 2, got %d", change.Order)
	}
}

func TestFileTargets_DistinctInOrder(t *testing.T) {
	p := &PendingPlan{
		ProposedChanges: []ProposedChange{
			{Args: map[string]any{"path": "a.go"}},
			{Args: map[string]any{"path": "b.go"}},
			{Args: map[string]any{"path": "a.go"}},
			{Args: map[string]any{}},
		},
	}
	targets := p.FileTargets()
	if len(targets) != 2 || targets[0] != "a.go" || targets[1] != "b.go" {
		t.Errorf("unexpected targets: %v", targets)
	}
}
