package plan

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/overmind/internal/events"
)

// Manager owns at most one active pending plan for one agent.
type Manager struct {
	mu        sync.Mutex
	agentID   string
	active    *PendingPlan
	nextOrder int
	bus       *events.Bus
}

// NewManager creates a plan manager. bus may be nil.
func NewManager(agentID string, bus *events.Bus) *Manager {
	return &Manager{agentID: agentID, bus: bus}
}

// StartPlan clears any active plan and begins a new pending one.
func (m *Manager) StartPlan(task, sessionID string) *PendingPlan {
	m.mu.Lock()
	now := time.Now()
	p := &PendingPlan{
		ID:        uuid.NewString(),
		Task:      task,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
	}
	m.active = p
	m.nextOrder = 0
	snapshot := *p
	m.mu.Unlock()

	m.emit(events.PlanCreated, map[string]any{"planId": snapshot.ID, "task": task})
	return &snapshot
}

// AddProposedChange queues a write-intent tool call with a monotonic
// order. Returns nil when no plan is active.
func (m *Manager) AddProposedChange(tool string, args map[string]any, reason, toolCallID string) *ProposedChange {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return nil
	}
	change := ProposedChange{
		ID:         uuid.NewString(),
		Tool:       tool,
		Args:       args,
		Reason:     reason,
		Order:      m.nextOrder,
		ToolCallID: toolCallID,
	}
	m.nextOrder++
	m.active.ProposedChanges = append(m.active.ProposedChanges, change)
	m.active.UpdatedAt = time.Now()
	planID := m.active.ID
	m.mu.Unlock()

	m.emit(events.PlanChangeAdded, map[string]any{
		"planId": planID,
		"tool":   tool,
		"order":  change.Order,
	})
	return &change
}

// SetExplorationSummary attaches or extends the plan's exploration notes.
func (m *Manager) SetExplorationSummary(summary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	if m.active.ExplorationSummary != "" && summary != "" {
		m.active.ExplorationSummary += "\n" + summary
	} else if summary != "" {
		m.active.ExplorationSummary = summary
	}
	m.active.UpdatedAt = time.Now()
}

// HasPendingPlan reports whether a plan is active.
func (m *Manager) HasPendingPlan() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ActivePlan returns a copy of the current plan, or nil.
func (m *Manager) ActivePlan() *PendingPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	snapshot := *m.active
	snapshot.ProposedChanges = append([]ProposedChange(nil), m.active.ProposedChanges...)
	return &snapshot
}

// Approve releases the first count changes (count <= 0 releases all) and
// clears the plan. The cleared plan's status is approved when everything
// was released, partially_approved otherwise.
func (m *Manager) Approve(count int) []ProposedChange {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return nil
	}
	all := m.active.ProposedChanges
	if count <= 0 || count >= len(all) {
		count = len(all)
	}
	approved := append([]ProposedChange(nil), all[:count]...)

	status := StatusApproved
	if count < len(all) {
		status = StatusPartiallyApproved
	}
	m.active.Status = status
	planID := m.active.ID
	m.active = nil
	m.nextOrder = 0
	m.mu.Unlock()

	m.emit(events.PlanApproved, map[string]any{
		"planId":   planID,
		"approved": len(approved),
		"status":   string(status),
	})
	m.emit(events.PlanCleared, map[string]any{"planId": planID})
	return approved
}

// Reject discards the active plan.
func (m *Manager) Reject() {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	m.active.Status = StatusRejected
	planID := m.active.ID
	m.active = nil
	m.nextOrder = 0
	m.mu.Unlock()

	m.emit(events.PlanRejected, map[string]any{"planId": planID})
	m.emit(events.PlanCleared, map[string]any{"planId": planID})
}

// RestorePlan reinstalls a plan loaded from persistence. Change numbering
// resumes after the restored changes.
func (m *Manager) RestorePlan(p *PendingPlan) {
	if p == nil {
		return
	}
	m.mu.Lock()
	restored := *p
	restored.ProposedChanges = append([]ProposedChange(nil), p.ProposedChanges...)
	restored.Status = StatusPending
	m.active = &restored
	m.nextOrder = len(restored.ProposedChanges)
	m.mu.Unlock()
}

func (m *Manager) emit(kind events.Kind, fields map[string]any) {
	if m.bus != nil {
		m.bus.Emit(kind, m.agentID, fields)
	}
}
