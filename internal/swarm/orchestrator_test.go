package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/harrison/overmind/internal/agent"
	"github.com/harrison/overmind/internal/cancel"
	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/plan"
	"github.com/harrison/overmind/internal/planner"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/spawn"
	"github.com/harrison/overmind/internal/tools"
)

// workerScript resolves a worker's outcome by substring match against the
// task text it was handed. Unmatched tasks succeed with a generic result.
type workerScript struct {
	mu       sync.Mutex
	outcomes []workerOutcome
	tasks    []string
}

type workerOutcome struct {
	match  string
	result agent.Result
}

func (ws *workerScript) taskTexts() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.tasks...)
}

func (ws *workerScript) countMatching(substr string) int {
	n := 0
	for _, task := range ws.taskTexts() {
		if strings.Contains(task, substr) {
			n++
		}
	}
	return n
}

type scriptedWorker struct {
	script *workerScript
	econ   *economics.Manager
	plans  *plan.Manager
}

func (w *scriptedWorker) Run(ctx context.Context, task string, token *cancel.Token) (*agent.Result, error) {
	w.script.mu.Lock()
	w.script.tasks = append(w.script.tasks, task)
	outcomes := w.script.outcomes
	w.script.mu.Unlock()

	for _, o := range outcomes {
		if strings.Contains(task, o.match) {
			r := o.result
			return &r, nil
		}
	}
	return &agent.Result{
		Success:   true,
		Status:    models.CompletionCompleted,
		Output:    strings.Repeat("made a real change to the code and verified it. ", 6),
		ToolCalls: 3,
		Usage:     economics.Usage{Tokens: 500, Cost: 0.01},
	}, nil
}

func (w *scriptedWorker) RequestWrapup(string)          {}
func (w *scriptedWorker) Plans() *plan.Manager          { return w.plans }
func (w *scriptedWorker) Economics() *economics.Manager { return w.econ }

func (ws *workerScript) factory(cfg agent.Config) (agent.Runner, error) {
	econ, _ := economics.NewManager(cfg.ID, cfg.Budget, economics.Config{}, nil)
	return &scriptedWorker{script: ws, econ: econ, plans: plan.NewManager(cfg.ID, nil)}, nil
}

func swarmRegistry() *tools.Registry {
	r := tools.NewRegistry()
	for _, name := range []string{tools.ReadFile, tools.WriteFile, tools.Bash} {
		r.Register(&swarmStubTool{name: name})
	}
	return r
}

type swarmStubTool struct{ name string }

func (s *swarmStubTool) Name() string                      { return s.name }
func (s *swarmStubTool) Description() string               { return "stub" }
func (s *swarmStubTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (s *swarmStubTool) Execute(context.Context, map[string]any) (any, error) {
	return "ok", nil
}

// memSink collects checkpoints in memory.
type memSink struct {
	mu  sync.Mutex
	cps []*models.Checkpoint
}

func (m *memSink) SaveCheckpoint(cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps = append(m.cps, cp)
	return nil
}

func (m *memSink) all() []*models.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.Checkpoint(nil), m.cps...)
}

func decompositionPlanner(response string, errs int) planner.Planner {
	calls := 0
	var mu sync.Mutex
	return planner.Func(func(ctx context.Context, messages []planner.Message) (*planner.Response, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n <= errs {
			return nil, fmt.Errorf("planner unavailable")
		}
		return &planner.Response{Content: response}, nil
	})
}

const threeTaskPlan = `{
  "strategy": "hierarchical",
  "subtasks": [
    {"id": "task-1", "description": "set up the project scaffolding", "complexity": 2, "type": "implement"},
    {"id": "task-2", "description": "implement the api layer", "dependencies": ["task-1"], "complexity": 4, "type": "implement"},
    {"id": "task-3", "description": "write the user documentation", "dependencies": ["task-1"], "complexity": 1, "type": "document"}
  ]
}`

func newTestOrchestrator(t *testing.T, cfg Config, decompPlanner planner.Planner, script *workerScript, mutate func(*Deps)) (*Orchestrator, *memSink) {
	t.Helper()
	bus := events.NewBus()
	sink := &memSink{}

	spawner, err := spawn.NewSpawner(spawn.Config{}, spawn.Deps{
		ParentID: "orchestrator",
		Factory:  script.factory,
		Engine:   policy.NewEngine(policy.Config{}, nil),
		Planner: planner.Func(func(ctx context.Context, messages []planner.Message) (*planner.Response, error) {
			return &planner.Response{Content: "ok"}, nil
		}),
		Registry: swarmRegistry(),
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("NewSpawner: %v", err)
	}

	deps := Deps{
		Decomposer: decompose.New(decompPlanner, decompose.Config{}, bus),
		Spawner:    spawner,
		Sink:       sink,
		Bus:        bus,
	}
	if mutate != nil {
		mutate(&deps)
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o, sink
}

func TestOrchestrator_RunsWavesToCompletion(t *testing.T) {
	script := &workerScript{}
	o, sink := newTestOrchestrator(t, Config{}, decompositionPlanner(threeTaskPlan, 0), script, nil)

	summary, err := o.Run(context.Background(), "build the service", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Phase != models.PhaseCompleted {
		t.Fatalf("phase = %s, decisions = %+v", summary.Phase, summary.Decisions)
	}
	if summary.Stats.Completed != 3 || summary.Stats.Failed != 0 {
		t.Errorf("stats = %+v", summary.Stats)
	}
	if summary.Stats.WavesCompleted != 2 {
		t.Errorf("waves completed = %d, want 2", summary.Stats.WavesCompleted)
	}

	cps := sink.all()
	if len(cps) < 3 {
		t.Fatalf("expected plan + per-wave + final checkpoints, got %d", len(cps))
	}
	if cps[0].OriginalPrompt != "build the service" {
		t.Errorf("first checkpoint original prompt = %q", cps[0].OriginalPrompt)
	}
	last := cps[len(cps)-1]
	if last.Phase != models.PhaseCompleted {
		t.Errorf("final checkpoint phase = %s", last.Phase)
	}

	// Dependent tasks see their prerequisite's output.
	var apiTask string
	for _, task := range script.taskTexts() {
		if strings.Contains(task, "api layer") {
			apiTask = task
		}
	}
	if !strings.Contains(apiTask, "prerequisite task-1") {
		t.Errorf("dependency context missing from task prompt:\n%s", apiTask)
	}
}

func TestOrchestrator_RetryThenCascadeFailure(t *testing.T) {
	script := &workerScript{outcomes: []workerOutcome{
		{match: "scaffolding", result: agent.Result{
			Success: false,
			Status:  models.CompletionCompleted,
			Output:  "could not create the project layout",
		}},
	}}
	o, _ := newTestOrchestrator(t, Config{MaxRetries: 1}, decompositionPlanner(threeTaskPlan, 0), script, nil)

	summary, err := o.Run(context.Background(), "build the service", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Phase != models.PhaseFailed {
		t.Fatalf("phase = %s", summary.Phase)
	}

	if got := script.countMatching("scaffolding"); got != 2 {
		t.Errorf("scaffolding dispatched %d times, want initial + one retry", got)
	}
	task1, _ := o.Queue().Task("task-1")
	if task1.Status != models.StatusFailed || task1.Attempts != 2 {
		t.Errorf("task-1 = %s after %d attempts", task1.Status, task1.Attempts)
	}
	for _, id := range []string{"task-2", "task-3"} {
		task, _ := o.Queue().Task(id)
		if task.Status != models.StatusSkipped {
			t.Errorf("%s = %s, want skipped", id, task.Status)
		}
	}

	retry := script.taskTexts()[1]
	if !strings.Contains(retry, "attempt 2") {
		t.Errorf("retry prompt missing attempt context:\n%s", retry)
	}
}

func TestOrchestrator_SingleTaskFallbackOnDecompositionFailure(t *testing.T) {
	script := &workerScript{}
	// The decomposer's planner fails on every attempt.
	o, _ := newTestOrchestrator(t, Config{}, decompositionPlanner("", 99), script, nil)

	summary, err := o.Run(context.Background(), "migrate the database schema", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Phase != models.PhaseCompleted {
		t.Fatalf("phase = %s", summary.Phase)
	}
	if summary.Stats.TotalTasks != 1 {
		t.Errorf("total tasks = %d, want single-task fallback", summary.Stats.TotalTasks)
	}

	var sawFallback bool
	for _, d := range summary.Decisions {
		if d.Kind == "plan-fallback" {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Errorf("decisions = %+v, want plan-fallback", summary.Decisions)
	}
	if got := script.countMatching("migrate the database schema"); got != 1 {
		t.Errorf("goal dispatched %d times", got)
	}
}

func TestOrchestrator_BudgetTriageSkipsAtMostTwentyPercent(t *testing.T) {
	bus := events.NewBus()
	var skipCauses []string
	bus.SubscribeKind(events.SwarmTaskSkipped, func(e events.Event) {
		skipCauses = append(skipCauses, e.Fields["cause"].(string))
	})

	script := &workerScript{}
	pool := economics.NewPool(1_000, 1.0, 1) // far below what 10 tasks need
	o, _ := newTestOrchestrator(t, Config{}, nil, script, func(d *Deps) {
		d.Pool = pool
		d.Bus = bus
	})
	if err := o.Queue().LoadFromDecomposition(leafResult(10)); err != nil {
		t.Fatalf("load: %v", err)
	}

	o.budgetTriage(0)

	if len(skipCauses) != 2 {
		t.Fatalf("skipped %d tasks, want ceil(10*0.2) = 2", len(skipCauses))
	}
	for _, cause := range skipCauses {
		if !strings.Contains(cause, "Budget conservation") {
			t.Errorf("skip cause = %q", cause)
		}
	}
	triage := 0
	for _, d := range o.Decisions() {
		if d.Kind == "budget-triage" {
			triage++
		}
	}
	if triage != 2 {
		t.Errorf("budget-triage decisions = %d", triage)
	}
}

func TestOrchestrator_BudgetTriageWaitsForRunningWorkers(t *testing.T) {
	script := &workerScript{}
	pool := economics.NewPool(1_000, 1.0, 1)
	o, _ := newTestOrchestrator(t, Config{}, nil, script, func(d *Deps) { d.Pool = pool })
	if err := o.Queue().LoadFromDecomposition(leafResult(10)); err != nil {
		t.Fatalf("load: %v", err)
	}

	o.budgetTriage(3)

	if got := o.Queue().Stats().Skipped; got != 0 {
		t.Errorf("skipped = %d with workers running, want 0", got)
	}
	var sawWait bool
	for _, d := range o.Decisions() {
		if d.Kind == "budget-wait" {
			sawWait = true
		}
	}
	if !sawWait {
		t.Errorf("decisions = %+v, want budget-wait", o.Decisions())
	}
}

func TestOrchestrator_HollowStreakDefaultOnlyWarns(t *testing.T) {
	script := &workerScript{}
	o, _ := newTestOrchestrator(t, Config{}, nil, script, nil)
	if err := o.Queue().LoadFromDecomposition(leafResult(5)); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 3; i++ {
		o.recordDispatch(&models.TaskResult{Success: true, Output: "ok", ToolCalls: 0})
	}
	o.assessHollow()

	if got := o.Queue().Stats().Skipped; got != 0 {
		t.Errorf("default configuration must never bulk-skip, skipped = %d", got)
	}
	var sawWarning bool
	for _, d := range o.Decisions() {
		if d.Kind == "stall-warning" {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Errorf("decisions = %+v, want stall-warning", o.Decisions())
	}
}

func TestOrchestrator_HollowTerminationBulkSkipsWhenEnabled(t *testing.T) {
	script := &workerScript{}
	o, _ := newTestOrchestrator(t, Config{EnableHollowTermination: true}, nil, script, nil)
	if err := o.Queue().LoadFromDecomposition(leafResult(5)); err != nil {
		t.Fatalf("load: %v", err)
	}

	for i := 0; i < 3; i++ {
		o.recordDispatch(&models.TaskResult{Success: true, Output: "ok", ToolCalls: 0})
	}
	o.assessHollow()

	if got := o.Queue().Stats().Skipped; got != 5 {
		t.Errorf("skipped = %d, want all remaining tasks", got)
	}
	var sawTermination bool
	for _, d := range o.Decisions() {
		if d.Kind == "early-termination" {
			sawTermination = true
		}
	}
	if !sawTermination {
		t.Errorf("decisions = %+v, want early-termination", o.Decisions())
	}
}

func TestOrchestrator_ResumeRetriesFailedAndUnskipsDependents(t *testing.T) {
	// Checkpoint from an interrupted run: a done, b failed once, c skipped
	// because of b.
	taskStates := []models.SwarmTask{
		{Subtask: models.Subtask{ID: "a", Description: "collect the inputs",
			Status: models.StatusCompleted, Complexity: 2},
			Wave: 0, IsFoundation: true,
			Result: &models.TaskResult{Success: true, Output: "inputs are in data/raw"}},
		{Subtask: models.Subtask{ID: "b", Description: "transform the inputs",
			Status: models.StatusFailed, Complexity: 3, Dependencies: []string{"a"}},
			Wave: 1, IsFoundation: true, Attempts: 1,
			Result: &models.TaskResult{Error: "transform crashed"}},
		{Subtask: models.Subtask{ID: "c", Description: "publish the outputs",
			Status: models.StatusSkipped, Complexity: 2, Dependencies: []string{"b"}},
			Wave: 2},
	}
	cp := &models.Checkpoint{
		SessionID:      "swarm-20260826-120000-abcd1234",
		Phase:          models.PhaseExecuting,
		TaskStates:     taskStates,
		Waves:          [][]string{{"a"}, {"b"}, {"c"}},
		CurrentWave:    1,
		OriginalPrompt: "run the data pipeline",
	}

	script := &workerScript{}
	o, _ := newTestOrchestrator(t, Config{MaxRetries: 2}, nil, script, nil)

	summary, err := o.Resume(context.Background(), cp)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if summary.Phase != models.PhaseCompleted {
		t.Fatalf("phase = %s, decisions = %+v", summary.Phase, summary.Decisions)
	}
	if summary.SessionID != cp.SessionID {
		t.Errorf("session id = %q, want the checkpoint's", summary.SessionID)
	}

	b, _ := o.Queue().Task("b")
	if b.Status != models.StatusCompleted {
		t.Errorf("b = %s", b.Status)
	}
	if b.Attempts != 1 {
		t.Errorf("b attempts = %d, resume must preserve the retry budget", b.Attempts)
	}
	c, _ := o.Queue().Task("c")
	if c.Status != models.StatusCompleted {
		t.Errorf("c = %s, want un-skipped and completed", c.Status)
	}

	// b's retry prompt carries a's output and the failure context.
	var bTask string
	for _, task := range script.taskTexts() {
		if strings.Contains(task, "transform the inputs") {
			bTask = task
		}
	}
	if !strings.Contains(bTask, "data/raw") || !strings.Contains(bTask, "attempt 2") {
		t.Errorf("resume prompt for b missing context:\n%s", bTask)
	}
}

func TestOrchestrator_ReplanInsertsRescueTasks(t *testing.T) {
	// Two tasks locked in a dependency cycle never become ready; the
	// orchestrator replans and the rescue task carries the run home.
	cyclic := []models.Subtask{
		{ID: "x", Description: "first half", Status: models.StatusPending,
			Complexity: 2, Dependencies: []string{"y"}},
		{ID: "y", Description: "second half", Status: models.StatusPending,
			Complexity: 2, Dependencies: []string{"x"}},
	}

	rescuePlan := `{"strategy": "sequential", "subtasks": [
	  {"id": "rescue-1", "description": "do both halves in one pass", "complexity": 3, "type": "implement"}
	]}`

	script := &workerScript{}
	o, _ := newTestOrchestrator(t, Config{}, decompositionPlanner(rescuePlan, 0), script, nil)
	if err := o.Queue().LoadFromDecomposition(&decompose.Result{
		Subtasks: cyclic, Graph: decompose.BuildGraph(cyclic, nil),
	}); err != nil {
		t.Fatalf("load: %v", err)
	}

	summary, err := o.runWaves(context.Background())
	if err != nil {
		t.Fatalf("runWaves: %v", err)
	}

	if summary.Phase != models.PhaseCompleted {
		t.Errorf("phase = %s", summary.Phase)
	}
	rescue, ok := o.Queue().Task("rescue-1")
	if !ok {
		t.Fatal("rescue task not inserted")
	}
	if rescue.Status != models.StatusCompleted {
		t.Errorf("rescue-1 = %s", rescue.Status)
	}
	if rescue.RescueContext == "" {
		t.Error("rescue context missing")
	}
	for _, id := range []string{"x", "y"} {
		task, _ := o.Queue().Task(id)
		if task.Status != models.StatusDecomposed {
			t.Errorf("%s = %s, want decomposed after replan", id, task.Status)
		}
	}
	var sawReplan bool
	for _, d := range summary.Decisions {
		if d.Kind == "replan" {
			sawReplan = true
		}
	}
	if !sawReplan {
		t.Errorf("decisions = %+v, want replan", summary.Decisions)
	}
}
