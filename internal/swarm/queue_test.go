package swarm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
)

func chainResult(ids ...string) *decompose.Result {
	var tasks []models.Subtask
	for i, id := range ids {
		t := models.Subtask{
			ID:          id,
			Description: "task " + id,
			Status:      models.StatusPending,
			Complexity:  3,
			Type:        models.TypeImplement,
		}
		if i > 0 {
			t.Dependencies = []string{ids[i-1]}
		}
		tasks = append(tasks, t)
	}
	return &decompose.Result{Subtasks: tasks, Graph: decompose.BuildGraph(tasks, nil)}
}

func leafResult(n int) *decompose.Result {
	var tasks []models.Subtask
	for i := 1; i <= n; i++ {
		tasks = append(tasks, models.Subtask{
			ID:          fmt.Sprintf("leaf-%d", i),
			Description: fmt.Sprintf("leaf task %d", i),
			Status:      models.StatusPending,
			Complexity:  1,
			Type:        models.TypeDocument,
		})
	}
	return &decompose.Result{Subtasks: tasks, Graph: decompose.BuildGraph(tasks, nil)}
}

func TestQueue_LoadPromotesOnlySatisfiedTasks(t *testing.T) {
	q := NewQueue(nil)
	tasks := []models.Subtask{
		{ID: "a", Description: "first", Complexity: 2},
		{ID: "b", Description: "second", Complexity: 2, Dependencies: []string{"a"}},
		{ID: "c", Description: "independent", Complexity: 2},
	}
	require.NoError(t, q.LoadFromDecomposition(&decompose.Result{
		Subtasks: tasks, Graph: decompose.BuildGraph(tasks, nil),
	}))

	a, _ := q.Task("a")
	b, _ := q.Task("b")
	c, _ := q.Task("c")
	assert.Equal(t, models.StatusReady, a.Status)
	assert.Equal(t, models.StatusBlocked, b.Status, "unsatisfied dependencies block the task")
	assert.Equal(t, models.StatusReady, c.Status)

	assert.True(t, a.IsFoundation, "a has a dependent")
	assert.False(t, c.IsFoundation)

	assert.Equal(t, 0, a.Wave)
	assert.Equal(t, 1, b.Wave)
	assert.Equal(t, 0, c.Wave)
}

func TestQueue_CompletionPromotesDependents(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a", "b")))

	require.NoError(t, q.MarkDispatched("a", "model-x"))
	a, _ := q.Task("a")
	assert.Equal(t, models.StatusInProgress, a.Status)
	assert.Equal(t, "model-x", a.Model)

	q.MarkCompleted("a", &models.TaskResult{Success: true, Tokens: 100})
	b, _ := q.Task("b")
	assert.Equal(t, models.StatusReady, b.Status)
}

func TestQueue_BlockedLifecycle(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a", "b", "c")))

	b, _ := q.Task("b")
	c, _ := q.Task("c")
	assert.Equal(t, models.StatusBlocked, b.Status)
	assert.Equal(t, models.StatusBlocked, c.Status)
	assert.Empty(t, q.Ready(1), "blocked tasks are never dispatchable")

	q.MarkCompleted("a", &models.TaskResult{Success: true})
	b, _ = q.Task("b")
	c, _ = q.Task("c")
	assert.Equal(t, models.StatusReady, b.Status, "completion unblocks the direct dependent")
	assert.Equal(t, models.StatusBlocked, c.Status, "c still waits on b")

	q.MarkCompleted("b", &models.TaskResult{Success: true})
	c, _ = q.Task("c")
	assert.Equal(t, models.StatusReady, c.Status)
}

func TestQueue_BlockedTasksStayTriageableAndSupersedable(t *testing.T) {
	q := NewQueue(nil)
	tasks := []models.Subtask{
		{ID: "root", Description: "base", Complexity: 3},
		{ID: "tail", Description: "cheap follow-up", Complexity: 1, Dependencies: []string{"root"}},
	}
	require.NoError(t, q.LoadFromDecomposition(&decompose.Result{
		Subtasks: tasks, Graph: decompose.BuildGraph(tasks, nil),
	}))

	tail, _ := q.Task("tail")
	require.Equal(t, models.StatusBlocked, tail.Status)
	assert.Equal(t, []string{"tail"}, q.Expendable(),
		"a blocked leaf is still eligible for budget triage")

	q.Supersede([]string{"tail"})
	tail, _ = q.Task("tail")
	assert.Equal(t, models.StatusDecomposed, tail.Status)
}

func TestQueue_FailureRetriesThenCascadeSkips(t *testing.T) {
	bus := events.NewBus()
	var skipped []string
	bus.SubscribeKind(events.SwarmTaskSkipped, func(e events.Event) {
		skipped = append(skipped, e.Fields["task"].(string))
	})

	q := NewQueue(bus)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a", "b", "c")))

	q.MarkFailed("a", 1, &models.TaskResult{Error: "boom"})
	a, _ := q.Task("a")
	assert.Equal(t, models.StatusReady, a.Status, "retries left keeps the task dispatchable")
	assert.Equal(t, 1, a.Attempts)

	q.MarkFailed("a", 0, &models.TaskResult{Error: "boom again"})
	a, _ = q.Task("a")
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, 2, a.Attempts, "attempts only increase")

	b, _ := q.Task("b")
	c, _ := q.Task("c")
	assert.Equal(t, models.StatusSkipped, b.Status)
	assert.Equal(t, models.StatusSkipped, c.Status, "skip cascades transitively")
	assert.ElementsMatch(t, []string{"b", "c"}, skipped)
}

func TestQueue_MarkCompletedIsNoOpOnFailedTask(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a")))

	q.MarkFailed("a", 0, &models.TaskResult{Error: "late"})
	q.MarkCompleted("a", &models.TaskResult{Success: true})

	a, _ := q.Task("a")
	assert.Equal(t, models.StatusFailed, a.Status, "a late completion never resurrects a failed task")
}

func TestQueue_CheckpointRoundTripIsIdentity(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a", "b", "c")))
	q.MarkFailed("a", 1, &models.TaskResult{Error: "first try"})
	require.NoError(t, q.MarkDispatched("a", "model-y"))
	q.MarkCompleted("a", &models.TaskResult{Success: true, Tokens: 500})

	tasks, waves := q.CheckpointState()
	cp := &models.Checkpoint{TaskStates: tasks, Waves: waves}

	restored := NewQueue(nil)
	require.NoError(t, restored.RestoreFromCheckpoint(cp))

	before := q.AllTasks()
	after := restored.AllTasks()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].Status, after[i].Status)
		assert.Equal(t, before[i].Attempts, after[i].Attempts)
		assert.Equal(t, before[i].Wave, after[i].Wave)
		if before[i].Result != nil {
			require.NotNil(t, after[i].Result)
			assert.Equal(t, before[i].Result.Tokens, after[i].Result.Tokens)
		}
	}
}

// A fails for good so B and C cascade to skipped. A is patched to
// completed out of band, the queue is restored, and un-skipping walks the
// chain one satisfied dependency at a time.
func TestQueue_CascadeUnSkipAfterRestore(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a", "b", "c")))
	q.MarkFailed("a", 0, &models.TaskResult{Error: "fatal"})

	tasks, waves := q.CheckpointState()
	for i := range tasks {
		if tasks[i].ID == "a" {
			tasks[i].Status = models.StatusCompleted
		}
	}
	restored := NewQueue(nil)
	require.NoError(t, restored.RestoreFromCheckpoint(&models.Checkpoint{TaskStates: tasks, Waves: waves}))

	restored.UnSkipDependents("a")
	b, _ := restored.Task("b")
	c, _ := restored.Task("c")
	assert.Equal(t, models.StatusReady, b.Status)
	assert.Equal(t, models.StatusSkipped, c.Status, "c still waits on b")

	restored.MarkCompleted("b", &models.TaskResult{Success: true})
	restored.UnSkipDependents("b")
	c, _ = restored.Task("c")
	assert.Equal(t, models.StatusReady, c.Status)
}

func TestQueue_AddReplanTasksDropsUnknownDeps(t *testing.T) {
	bus := events.NewBus()
	var warnings []events.Event
	bus.SubscribeKind(events.SwarmReplanWarning, func(e events.Event) {
		warnings = append(warnings, e)
	})

	q := NewQueue(bus)
	require.NoError(t, q.LoadFromDecomposition(chainResult("a")))
	q.MarkCompleted("a", &models.TaskResult{Success: true})

	q.AddReplanTasks([]models.Subtask{
		{ID: "rescue-1", Description: "redo it", Complexity: 2,
			Dependencies: []string{"a", "ghost-7"}},
	}, 2)

	r, ok := q.Task("rescue-1")
	require.True(t, ok)
	assert.Equal(t, 3, r.Wave, "rescue tasks land in the wave after the current one")
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, "Re-planned from stalled swarm", r.RescueContext)
	assert.Equal(t, []string{"a"}, r.Dependencies, "unknown dependency dropped")
	assert.Equal(t, models.StatusReady, r.Status)

	require.Len(t, warnings, 1)
	assert.Equal(t, "ghost-7", warnings[0].Fields["droppedDependency"])
}

func TestQueue_ExpendableSelection(t *testing.T) {
	q := NewQueue(nil)
	tasks := []models.Subtask{
		{ID: "base", Description: "foundation", Complexity: 1},
		{ID: "child", Description: "depends on base", Complexity: 1, Dependencies: []string{"base"}},
		{ID: "leaf-light", Description: "cheap leaf", Complexity: 2},
		{ID: "leaf-heavy", Description: "expensive leaf", Complexity: 5},
	}
	require.NoError(t, q.LoadFromDecomposition(&decompose.Result{
		Subtasks: tasks, Graph: decompose.BuildGraph(tasks, nil),
	}))

	assert.Equal(t, []string{"leaf-light"}, q.Expendable(),
		"foundation tasks, dependents and high-complexity tasks are protected")

	q.MarkFailed("leaf-light", 1, &models.TaskResult{Error: "once"})
	assert.Empty(t, q.Expendable(), "attempted tasks are no longer expendable")
}

func TestQueue_StatsAggregation(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.LoadFromDecomposition(leafResult(4)))

	q.MarkCompleted("leaf-1", &models.TaskResult{Success: true, Tokens: 1000, Cost: 0.02})
	q.MarkFailed("leaf-2", 0, &models.TaskResult{Error: "x", Tokens: 300, Cost: 0.01})
	q.Skip("leaf-3", "triage")
	require.NoError(t, q.MarkDispatched("leaf-4", "m"))

	stats := q.Stats()
	assert.Equal(t, 4, stats.TotalTasks)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 1300, stats.TokensUsed)
	assert.InDelta(t, 0.03, stats.CostUSD, 1e-9)
}
