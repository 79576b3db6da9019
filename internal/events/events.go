// Package events provides the in-process event stream the orchestration
// core emits. Emission is synchronous from the call site; listeners must
// not block, and a panicking listener never takes down the emitter.
package events

import (
	"sync"
	"time"
)

// Kind tags an event. The set is closed at build time; components only
// emit the constants below.
type Kind string

const (
	AgentSpawn       Kind = "agent.spawn"
	AgentComplete    Kind = "agent.complete"
	AgentError       Kind = "agent.error"
	AgentPendingPlan Kind = "agent.pending_plan"

	PolicyProfileResolved    Kind = "policy.profile.resolved"
	PolicyLegacyFallbackUsed Kind = "policy.legacy.fallback.used"

	SubagentWrapupStarted   Kind = "subagent.wrapup.started"
	SubagentWrapupCompleted Kind = "subagent.wrapup.completed"
	SubagentTimeoutHardKill Kind = "subagent.timeout.hard_kill"

	ParallelSpawnStart    Kind = "parallel.spawn.start"
	ParallelSpawnComplete Kind = "parallel.spawn.complete"

	BudgetWarning  Kind = "budget.warning"
	BudgetExceeded Kind = "budget.exceeded"

	ExtensionRequested Kind = "extension.requested"
	ExtensionGranted   Kind = "extension.granted"
	ExtensionDenied    Kind = "extension.denied"

	PhaseTransition       Kind = "phase.transition"
	ExplorationSaturation Kind = "exploration.saturation"
	ProgressStuck         Kind = "progress.stuck"
	ProgressMade          Kind = "progress.made"

	SwarmOrchestratorDecision Kind = "swarm.orchestrator.decision"
	SwarmTaskSkipped          Kind = "swarm.task.skipped"
	SwarmReplanWarning        Kind = "swarm.replan.warning"

	CycleDetected Kind = "cycle.detected"

	PlanCreated     Kind = "plan.created"
	PlanChangeAdded Kind = "plan.change.added"
	PlanApproved    Kind = "plan.approved"
	PlanRejected    Kind = "plan.rejected"
	PlanCleared     Kind = "plan.cleared"

	PersistenceWarning Kind = "persistence.warning"
)

// Event is one emitted record. Fields carries kind-specific details keyed
// by stable names; consumers must tolerate absent keys.
type Event struct {
	Kind   Kind
	Time   time.Time
	Agent  string // emitting agent id, empty for process-level events
	Fields map[string]any
}

// Listener receives events. It runs synchronously on the emitting
// goroutine.
type Listener func(Event)

// Bus is a subscription registry. The zero value is not usable; call
// NewBus.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]subscription
}

type subscription struct {
	kind Kind // empty = all kinds
	fn   Listener
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]subscription)}
}

// Subscribe registers a listener for every event kind. The returned
// function removes the subscription; calling it more than once is safe.
func (b *Bus) Subscribe(fn Listener) func() {
	return b.subscribe("", fn)
}

// SubscribeKind registers a listener for a single event kind.
func (b *Bus) SubscribeKind(kind Kind, fn Listener) func() {
	return b.subscribe(kind, fn)
}

func (b *Bus) subscribe(kind Kind, fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = subscription{kind: kind, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers an event to every matching listener. Panics in listeners
// are swallowed: the event bus must never take down a running wave.
func (b *Bus) Emit(kind Kind, agent string, fields map[string]any) {
	ev := Event{Kind: kind, Time: time.Now(), Agent: agent, Fields: fields}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.listeners))
	for _, sub := range b.listeners {
		if sub.kind == "" || sub.kind == kind {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub.fn, ev)
	}
}

func deliver(fn Listener, ev Event) {
	defer func() {
		_ = recover()
	}()
	fn(ev)
}
