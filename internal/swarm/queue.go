// Package swarm drives wave-by-wave execution of a decomposed task DAG:
// the queue owns task status transitions and the skip cascade, the
// orchestrator owns dispatch, checkpointing, triage and replanning.
package swarm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
)

// replanRescueContext is attached to every task inserted by a replan.
const replanRescueContext = "Re-planned from stalled swarm"

// Queue holds the swarm's task DAG and enforces its status invariants:
// a task is ready only when every dependency is completed or decomposed,
// skipped tasks cascade to their dependents, and attempts only increase.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]*models.SwarmTask
	order []string
	waves [][]string
	bus   *events.Bus
}

// NewQueue creates an empty queue. bus may be nil.
func NewQueue(bus *events.Bus) *Queue {
	return &Queue{
		tasks: make(map[string]*models.SwarmTask),
		bus:   bus,
	}
}

// LoadFromDecomposition seeds the queue from a decomposition result.
// Wave numbers come from the parallel groups; tasks with dependents are
// foundation tasks. Tasks whose dependencies are already satisfied start
// ready, the rest blocked until a completion unblocks them.
func (q *Queue) LoadFromDecomposition(result *decompose.Result) error {
	if result == nil || len(result.Subtasks) == 0 {
		return fmt.Errorf("decomposition is empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[string]*models.SwarmTask, len(result.Subtasks))
	q.order = q.order[:0]
	q.waves = nil

	waveOf := make(map[string]int)
	if result.Graph != nil {
		q.waves = result.Graph.ParallelGroups
		for i, group := range result.Graph.ParallelGroups {
			for _, id := range group {
				waveOf[id] = i
			}
		}
	}

	dependents := make(map[string]int)
	for _, sub := range result.Subtasks {
		for _, dep := range sub.Dependencies {
			dependents[dep]++
		}
	}

	for _, sub := range result.Subtasks {
		task := &models.SwarmTask{
			Subtask:      sub,
			Wave:         waveOf[sub.ID],
			IsFoundation: dependents[sub.ID] > 0,
			TargetFiles:  append([]string(nil), sub.Modifies...),
		}
		task.Status = models.StatusPending
		q.tasks[sub.ID] = task
		q.order = append(q.order, sub.ID)
	}
	q.promoteReadyLocked()
	return nil
}

// depsSatisfiedLocked reports whether every dependency of the task is in
// a dependency-satisfying status. Unknown dependencies never satisfy.
func (q *Queue) depsSatisfiedLocked(task *models.SwarmTask) bool {
	for _, dep := range task.Dependencies {
		d, ok := q.tasks[dep]
		if !ok || !d.Status.SatisfiesDependency() {
			return false
		}
	}
	return true
}

// promoteReadyLocked settles every waiting task: satisfied dependencies
// promote it to ready, unsatisfied ones park a pending task as blocked.
func (q *Queue) promoteReadyLocked() {
	for _, id := range q.order {
		task := q.tasks[id]
		if task.Status != models.StatusPending && task.Status != models.StatusBlocked {
			continue
		}
		if q.depsSatisfiedLocked(task) {
			task.Status = models.StatusReady
		} else {
			task.Status = models.StatusBlocked
		}
	}
}

// Ready returns the ready tasks in load order, optionally restricted to
// one wave (wave < 0 means any).
func (q *Queue) Ready(wave int) []models.SwarmTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.SwarmTask
	for _, id := range q.order {
		task := q.tasks[id]
		if task.Status != models.StatusReady {
			continue
		}
		if wave >= 0 && task.Wave != wave {
			continue
		}
		out = append(out, *task)
	}
	return out
}

// NextWave returns the lowest wave number containing a ready task, or -1
// when nothing is ready.
func (q *Queue) NextWave() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := -1
	for _, id := range q.order {
		task := q.tasks[id]
		if task.Status == models.StatusReady && (next == -1 || task.Wave < next) {
			next = task.Wave
		}
	}
	return next
}

// MarkDispatched moves a ready task to in_progress and records the model
// serving it.
func (q *Queue) MarkDispatched(id, model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task %q", id)
	}
	if task.Status != models.StatusReady {
		return fmt.Errorf("task %q is %s, not ready", id, task.Status)
	}
	task.Status = models.StatusInProgress
	task.Model = model
	return nil
}

// MarkCompleted finishes a task and promotes its dependents. It is a
// no-op when the task already failed (a late completion never resurrects
// a failed task).
func (q *Queue) MarkCompleted(id string, result *models.TaskResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok || task.Status == models.StatusFailed {
		return
	}
	task.Status = models.StatusCompleted
	task.Result = result
	q.promoteReadyLocked()
}

// MarkFailed records a failure. With retries left the task returns to
// ready with attempts incremented; otherwise it fails for good and its
// dependents cascade to skipped.
func (q *Queue) MarkFailed(id string, retriesLeft int, result *models.TaskResult) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return
	}
	task.Result = result
	task.Attempts++
	if retriesLeft > 0 {
		task.Status = models.StatusReady
		return
	}
	task.Status = models.StatusFailed
	q.cascadeSkipLocked(id)
}

// cascadeSkipLocked skips every transitive dependent that has not reached
// a terminal state.
func (q *Queue) cascadeSkipLocked(id string) {
	for _, depID := range q.order {
		task := q.tasks[depID]
		if task.Status.IsTerminal() || task.Status == models.StatusInProgress {
			continue
		}
		if !task.DependsOn(id) {
			continue
		}
		task.Status = models.StatusSkipped
		q.emit(events.SwarmTaskSkipped, map[string]any{
			"task": depID, "cause": id,
		})
		q.cascadeSkipLocked(depID)
	}
}

// Skip marks one task skipped directly (budget triage, early
// termination) and cascades to its dependents.
func (q *Queue) Skip(id, reason string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok || task.Status.IsTerminal() || task.Status == models.StatusInProgress {
		return
	}
	task.Status = models.StatusSkipped
	q.emit(events.SwarmTaskSkipped, map[string]any{"task": id, "cause": reason})
	q.cascadeSkipLocked(id)
}

// Supersede marks the given tasks as decomposed: they were replaced by
// finer-grained replan tasks, so they satisfy their dependents without
// ever running. Only pending and blocked tasks are eligible.
func (q *Queue) Supersede(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		task, ok := q.tasks[id]
		if !ok {
			continue
		}
		if task.Status == models.StatusPending || task.Status == models.StatusBlocked {
			task.Status = models.StatusDecomposed
		}
	}
	q.promoteReadyLocked()
}

// UnSkipDependents restores skipped dependents of id to ready, for each
// whose dependencies are now all satisfied, recursively. Called on resume
// after a dependency was completed out of band.
func (q *Queue) UnSkipDependents(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unSkipDependentsLocked(id)
}

func (q *Queue) unSkipDependentsLocked(id string) {
	for _, depID := range q.order {
		task := q.tasks[depID]
		if task.Status != models.StatusSkipped || !task.DependsOn(id) {
			continue
		}
		if !q.depsSatisfiedLocked(task) {
			continue
		}
		task.Status = models.StatusReady
		q.unSkipDependentsLocked(depID)
	}
}

// AddReplanTasks inserts freshly decomposed tasks after a stall. Each
// lands in the wave after the current one with a rescue context and one
// attempt already counted. Dependencies naming tasks the queue does not
// know are dropped with a warning event.
func (q *Queue) AddReplanTasks(tasks []models.Subtask, currentWave int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, sub := range tasks {
		if _, exists := q.tasks[sub.ID]; exists {
			continue
		}
		var deps []string
		for _, dep := range sub.Dependencies {
			if _, known := q.tasks[dep]; known {
				deps = append(deps, dep)
				continue
			}
			q.emit(events.SwarmReplanWarning, map[string]any{
				"task": sub.ID, "droppedDependency": dep,
			})
		}
		sub.Dependencies = deps
		sub.Status = models.StatusPending

		task := &models.SwarmTask{
			Subtask:       sub,
			Wave:          currentWave + 1,
			Attempts:      1,
			RescueContext: replanRescueContext,
			TargetFiles:   append([]string(nil), sub.Modifies...),
		}
		q.tasks[sub.ID] = task
		q.order = append(q.order, sub.ID)
	}
	q.promoteReadyLocked()
}

// Task returns a copy of one task.
func (q *Queue) Task(id string) (models.SwarmTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return models.SwarmTask{}, false
	}
	return *task, true
}

// AllTasks returns copies of every task in load order.
func (q *Queue) AllTasks() []models.SwarmTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.SwarmTask, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}

// Stats aggregates the queue's progress counters.
func (q *Queue) Stats() models.SwarmStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := models.SwarmStats{TotalTasks: len(q.order)}
	for _, id := range q.order {
		task := q.tasks[id]
		switch task.Status {
		case models.StatusCompleted, models.StatusDecomposed:
			stats.Completed++
		case models.StatusFailed:
			stats.Failed++
		case models.StatusSkipped:
			stats.Skipped++
		case models.StatusInProgress:
			stats.InProgress++
		}
		if task.Result != nil {
			stats.TokensUsed += task.Result.Tokens
			stats.CostUSD += task.Result.Cost
		}
	}
	return stats
}

// HasRunnable reports whether any task could still be dispatched now or
// after running work finishes.
func (q *Queue) HasRunnable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		switch q.tasks[id].Status {
		case models.StatusReady, models.StatusPending, models.StatusBlocked, models.StatusInProgress:
			return true
		}
	}
	return false
}

// CheckpointState snapshots the task list and wave structure.
func (q *Queue) CheckpointState() ([]models.SwarmTask, [][]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := make([]models.SwarmTask, 0, len(q.order))
	for _, id := range q.order {
		tasks = append(tasks, *q.tasks[id])
	}
	waves := make([][]string, len(q.waves))
	for i, w := range q.waves {
		waves[i] = append([]string(nil), w...)
	}
	return tasks, waves
}

// RestoreFromCheckpoint replaces the queue contents with the checkpoint
// state exactly as recorded: statuses, attempts and results round-trip
// unchanged.
func (q *Queue) RestoreFromCheckpoint(cp *models.Checkpoint) error {
	if cp == nil || len(cp.TaskStates) == 0 {
		return fmt.Errorf("checkpoint has no task state")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[string]*models.SwarmTask, len(cp.TaskStates))
	q.order = q.order[:0]
	for i := range cp.TaskStates {
		task := cp.TaskStates[i]
		q.tasks[task.ID] = &task
		q.order = append(q.order, task.ID)
	}
	q.waves = make([][]string, len(cp.Waves))
	for i, w := range cp.Waves {
		q.waves[i] = append([]string(nil), w...)
	}
	return nil
}

// ResetFailedForResume returns every failed task to ready, keeping its
// attempts count so the retry budget is still honored. In-progress tasks
// from the interrupted run also return to ready.
func (q *Queue) ResetFailedForResume() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var reset []string
	for _, id := range q.order {
		task := q.tasks[id]
		switch task.Status {
		case models.StatusFailed, models.StatusInProgress:
			task.Status = models.StatusReady
			reset = append(reset, id)
		}
	}
	sort.Strings(reset)
	return reset
}

// CompletedIDs lists tasks in a dependency-satisfying state.
func (q *Queue) CompletedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, id := range q.order {
		if q.tasks[id].Status.SatisfiesDependency() {
			out = append(out, id)
		}
	}
	return out
}

// Expendable lists tasks eligible for budget triage: not yet started,
// never attempted, not foundation, complexity at most 2, no dependents.
func (q *Queue) Expendable() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	dependents := make(map[string]int)
	for _, id := range q.order {
		for _, dep := range q.tasks[id].Dependencies {
			dependents[dep]++
		}
	}

	var out []string
	for _, id := range q.order {
		task := q.tasks[id]
		eligible := (task.Status == models.StatusPending || task.Status == models.StatusBlocked || task.Status == models.StatusReady) &&
			task.Attempts == 0 &&
			!task.IsFoundation &&
			task.Complexity <= 2 &&
			dependents[id] == 0
		if eligible {
			out = append(out, id)
		}
	}
	return out
}

func (q *Queue) emit(kind events.Kind, fields map[string]any) {
	if q.bus != nil {
		q.bus.Emit(kind, "", fields)
	}
}

// Timestamp helper kept next to the queue so orchestrator checkpoints and
// queue snapshots agree on time formatting.
func nowUTC() time.Time { return time.Now().UTC() }
