package swarm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/spawn"
)

// Defaults for the wave engine.
const (
	defaultMaxConcurrency  = 3
	defaultMaxRetries      = 1
	defaultHollowMinDisp   = 5
	defaultHollowRatio     = 0.5
	defaultMaxReplans      = 1
	hollowStreakLimit      = 3
	defaultTaskTokenGuess  = 10_000
	depContextTruncateAt   = 400
	triageReason           = "Budget conservation: remaining budget cannot cover remaining tasks"
	earlyTerminationReason = "early-termination"
)

// CheckpointSink persists checkpoints; internal/state provides the file
// implementation. A nil sink disables persistence.
type CheckpointSink interface {
	SaveCheckpoint(cp *models.Checkpoint) error
}

// Logger is the minimal surface the orchestrator logs to. Nil discards.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config tunes the orchestrator.
type Config struct {
	SessionID string
	// WorkerModel is passed to every dispatched subagent.
	WorkerModel string
	// MaxConcurrency bounds simultaneous workers per wave (default 3).
	MaxConcurrency int
	// DispatchStaggerMs spaces out worker launches to smooth token bursts.
	DispatchStaggerMs int
	// MaxRetries is how many times a failed task returns to ready (default 1).
	MaxRetries int

	// EnableHollowTermination allows bulk-skipping the remaining tasks when
	// the swarm looks stalled. Off by default: the hollow heuristic is
	// coarse, so without the flag the orchestrator only records stall
	// decisions.
	EnableHollowTermination        bool
	HollowTerminationMinDispatches int
	HollowTerminationRatio         float64

	// MaxReplans caps fresh decompositions after a stall (default 1).
	MaxReplans int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.HollowTerminationMinDispatches <= 0 {
		c.HollowTerminationMinDispatches = defaultHollowMinDisp
	}
	if c.HollowTerminationRatio <= 0 {
		c.HollowTerminationRatio = defaultHollowRatio
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = defaultMaxReplans
	}
	return c
}

// Deps carries the orchestrator's collaborators. Decomposer and Spawner
// are required; Pool feeds budget triage, Sink persists checkpoints.
type Deps struct {
	Decomposer *decompose.Decomposer
	Spawner    *spawn.Spawner
	Pool       *economics.Pool
	Sink       CheckpointSink
	Bus        *events.Bus
	Log        Logger
}

// Summary is what a finished (or resumed-and-finished) run reports.
type Summary struct {
	SessionID string
	Phase     models.SwarmPhase
	Stats     models.SwarmStats
	Decisions []models.Decision
	Errors    []string
}

// Orchestrator drives wave-by-wave execution of a decomposed goal:
// plan, dispatch, collect, assess, terminate. All state needed to pick
// a run back up lives in the checkpoint.
type Orchestrator struct {
	cfg   Config
	queue *Queue
	deps  Deps

	mu             sync.Mutex
	phase          models.SwarmPhase
	originalPrompt string
	currentWave    int
	wavesCompleted int
	decisions      []models.Decision
	errs           []string

	dispatches   int
	hollowCount  int
	hollowStreak int
	stallMode    bool
	replansUsed  int
}

// New creates an orchestrator over a fresh queue.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Decomposer == nil {
		return nil, fmt.Errorf("orchestrator requires a decomposer")
	}
	if deps.Spawner == nil {
		return nil, fmt.Errorf("orchestrator requires a spawner")
	}
	cfg = cfg.withDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = models.NewSessionID()
	}
	return &Orchestrator{
		cfg:   cfg,
		queue: NewQueue(deps.Bus),
		deps:  deps,
		phase: models.PhasePlanning,
	}, nil
}

// Queue exposes the underlying task queue, mainly for inspection.
func (o *Orchestrator) Queue() *Queue { return o.queue }

// SessionID returns the run's session id.
func (o *Orchestrator) SessionID() string { return o.cfg.SessionID }

// Run plans the goal and executes it wave by wave until nothing is left
// to dispatch.
func (o *Orchestrator) Run(ctx context.Context, goal string, dctx *decompose.Context) (*Summary, error) {
	if err := o.plan(ctx, goal, dctx); err != nil {
		return nil, err
	}
	return o.runWaves(ctx)
}

// RunPlan executes an already-decomposed plan, bypassing the decomposer.
// Used when the tasks come from an imported plan file.
func (o *Orchestrator) RunPlan(ctx context.Context, goal string, subtasks []models.Subtask) (*Summary, error) {
	o.setPhase(models.PhasePlanning)
	o.mu.Lock()
	o.originalPrompt = goal
	o.mu.Unlock()

	result := &decompose.Result{
		Subtasks: subtasks,
		Graph:    decompose.BuildGraph(subtasks, o.deps.Bus),
		Strategy: "imported",
	}
	if err := o.queue.LoadFromDecomposition(result); err != nil {
		return nil, fmt.Errorf("load task queue: %w", err)
	}
	o.decide("plan-imported", fmt.Sprintf("%d tasks loaded from an external plan", len(subtasks)))
	o.infof("imported %d tasks across %d waves", len(subtasks), len(result.Graph.ParallelGroups))
	o.checkpoint()
	return o.runWaves(ctx)
}

// Resume restores a checkpoint and continues execution. Failed tasks
// return to ready with their attempts preserved; tasks skipped because of
// a dependency that has since completed are restored transitively.
func (o *Orchestrator) Resume(ctx context.Context, cp *models.Checkpoint) (*Summary, error) {
	if err := o.queue.RestoreFromCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	o.mu.Lock()
	o.cfg.SessionID = cp.SessionID
	o.originalPrompt = cp.OriginalPrompt
	o.currentWave = cp.CurrentWave
	o.decisions = append([]models.Decision(nil), cp.Decisions...)
	o.errs = append([]string(nil), cp.Errors...)
	o.phase = models.PhaseExecuting
	o.mu.Unlock()

	reset := o.queue.ResetFailedForResume()
	if len(reset) > 0 {
		o.decide("resume-retry", fmt.Sprintf("reset to ready: %s", strings.Join(reset, ", ")))
	}
	for _, id := range o.queue.CompletedIDs() {
		o.queue.UnSkipDependents(id)
	}
	return o.runWaves(ctx)
}

// plan decomposes the goal and loads the queue, falling back to a
// single-task plan when the decomposer comes back empty.
func (o *Orchestrator) plan(ctx context.Context, goal string, dctx *decompose.Context) error {
	o.setPhase(models.PhasePlanning)
	o.mu.Lock()
	o.originalPrompt = goal
	o.mu.Unlock()

	result, err := o.deps.Decomposer.Decompose(ctx, goal, dctx)
	if err != nil {
		return fmt.Errorf("decompose goal: %w", err)
	}
	if len(result.Subtasks) == 0 {
		result = singleTaskPlan(goal)
		o.decide("plan-fallback", "decomposition failed twice; running the whole goal as one task")
	}
	if result.UsedFallback {
		o.decide("plan-heuristic", fmt.Sprintf("heuristic decomposition, strategy %s", result.Strategy))
	}

	if err := o.queue.LoadFromDecomposition(result); err != nil {
		return fmt.Errorf("load task queue: %w", err)
	}
	o.infof("planned %d tasks across %d waves", len(result.Subtasks), len(result.Graph.ParallelGroups))
	o.checkpoint()
	return nil
}

// singleTaskPlan wraps the whole goal in one moderate-complexity task.
func singleTaskPlan(goal string) *decompose.Result {
	sub := models.Subtask{
		ID:          "task-1",
		Description: goal,
		Status:      models.StatusPending,
		Complexity:  5,
		Type:        decompose.InferTaskType(goal),
	}
	tasks := []models.Subtask{sub}
	return &decompose.Result{
		Subtasks: tasks,
		Graph:    decompose.BuildGraph(tasks, nil),
		Strategy: "sequential",
	}
}

func (o *Orchestrator) runWaves(ctx context.Context) (*Summary, error) {
	o.setPhase(models.PhaseExecuting)

	for {
		if err := ctx.Err(); err != nil {
			o.recordError(fmt.Sprintf("run interrupted: %v", err))
			o.checkpoint()
			return o.finalize(), err
		}

		wave := o.queue.NextWave()
		if wave < 0 {
			// Nothing dispatchable. If undispatchable work remains the
			// swarm is stalled on blocked dependencies; try one replan.
			if o.queue.HasRunnable() && o.tryReplan(ctx) {
				continue
			}
			break
		}
		o.mu.Lock()
		o.currentWave = wave
		o.mu.Unlock()

		o.executeWave(ctx, wave)
		o.assessWave(0)
	}

	o.setPhase(models.PhaseReviewing)
	summary := o.finalize()
	o.checkpoint()
	return summary, nil
}

// executeWave dispatches every currently-ready task of the wave, bounded
// by MaxConcurrency, and blocks until all of them settle. Returns how
// many tasks completed successfully.
func (o *Orchestrator) executeWave(ctx context.Context, wave int) int {
	ready := o.queue.Ready(wave)
	if len(ready) == 0 {
		return 0
	}
	o.infof("wave %d: dispatching %d task(s)", wave, len(ready))

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	var wg sync.WaitGroup
	var completedMu sync.Mutex
	completedCount := 0

	for i, task := range ready {
		if i > 0 && o.cfg.DispatchStaggerMs > 0 {
			select {
			case <-time.After(time.Duration(o.cfg.DispatchStaggerMs) * time.Millisecond):
			case <-ctx.Done():
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if o.runTask(ctx, task) {
				completedMu.Lock()
				completedCount++
				completedMu.Unlock()
			}
		}()
	}
	wg.Wait()
	return completedCount
}

// runTask dispatches one task as a subagent and settles it on the queue.
// Reports whether the task completed successfully.
func (o *Orchestrator) runTask(ctx context.Context, task models.SwarmTask) bool {
	if err := o.queue.MarkDispatched(task.ID, o.cfg.WorkerModel); err != nil {
		// Another path settled the task first (triage, cascade skip).
		return false
	}

	// The attempt number keeps retries of the same task out of the
	// spawner's duplicate prevention.
	def := spawn.AgentDef{
		Name:         fmt.Sprintf("swarm-worker-%s-a%d", task.ID, task.Attempts+1),
		SystemPrompt: workerSystemPrompt,
		Model:        o.cfg.WorkerModel,
	}
	constraints := &spawn.Constraints{Focus: task.TargetFiles}

	started := time.Now()
	result, err := o.deps.Spawner.Spawn(ctx, def, o.taskPrompt(task), constraints)
	if err != nil {
		o.recordError(fmt.Sprintf("task %s: %v", task.ID, err))
		res := &models.TaskResult{
			Error:       err.Error(),
			DurationMs:  time.Since(started).Milliseconds(),
			CompletedAt: nowUTC(),
		}
		o.settleFailure(task, res)
		return false
	}

	res := &models.TaskResult{
		Success:      result.Success,
		Output:       result.Output,
		Tokens:       result.Metrics.Tokens,
		Cost:         result.Metrics.Cost,
		DurationMs:   result.Metrics.DurationMs,
		ToolCalls:    result.Metrics.ToolCalls,
		FilesChanged: result.FilesModified,
		CompletedAt:  nowUTC(),
	}
	o.recordDispatch(res)

	if !result.Success {
		o.settleFailure(task, res)
		return false
	}
	o.queue.MarkCompleted(task.ID, res)
	// A completion can satisfy tasks skipped by an earlier cascade, e.g.
	// after a resume reran a previously failed dependency.
	o.queue.UnSkipDependents(task.ID)
	o.infof("task %s completed (%d tokens, %d tool calls)", task.ID, res.Tokens, res.ToolCalls)
	return true
}

func (o *Orchestrator) settleFailure(task models.SwarmTask, res *models.TaskResult) {
	retriesLeft := o.cfg.MaxRetries - task.Attempts
	o.queue.MarkFailed(task.ID, retriesLeft, res)
	if retriesLeft > 0 {
		o.warnf("task %s failed, retrying (%d attempt(s) left)", task.ID, retriesLeft)
	} else {
		o.warnf("task %s failed permanently", task.ID)
	}
}

// taskPrompt builds the worker's task text: description, rescue context
// from a replan, and truncated outputs of completed dependencies.
func (o *Orchestrator) taskPrompt(task models.SwarmTask) string {
	var sb strings.Builder
	sb.WriteString(task.Description)

	if task.RescueContext != "" {
		sb.WriteString("\n\nContext: " + task.RescueContext)
	}
	if task.Attempts > 0 {
		fmt.Fprintf(&sb, "\n\nThis is attempt %d; the previous attempt did not succeed.", task.Attempts+1)
		if task.Result != nil && task.Result.Error != "" {
			sb.WriteString(" Previous error: " + task.Result.Error)
		}
	}
	for _, dep := range task.Dependencies {
		d, ok := o.queue.Task(dep)
		if !ok || d.Result == nil || d.Result.Output == "" {
			continue
		}
		out := d.Result.Output
		if len(out) > depContextTruncateAt {
			out = out[:depContextTruncateAt] + "…"
		}
		fmt.Fprintf(&sb, "\n\nResult of prerequisite %s:\n%s", dep, out)
	}
	return sb.String()
}

// recordDispatch feeds hollow-completion accounting.
func (o *Orchestrator) recordDispatch(res *models.TaskResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatches++
	if res.Hollow() {
		o.hollowCount++
		o.hollowStreak++
	} else {
		o.hollowStreak = 0
	}
}

// assessWave runs the post-wave adaptations: checkpoint, budget triage,
// hollow accounting. runningWorkers is the number of workers still in
// flight; the synchronous wave loop always passes 0, tests and async
// callers pass their live count.
func (o *Orchestrator) assessWave(runningWorkers int) {
	o.mu.Lock()
	o.wavesCompleted++
	o.mu.Unlock()
	o.checkpoint()

	o.budgetTriage(runningWorkers)
	o.assessHollow()
}

// budgetTriage skips up to ceil(20%) of the remaining tasks when the pool
// cannot cover what is left, restricted to expendable tasks and only when
// no workers are running.
func (o *Orchestrator) budgetTriage(runningWorkers int) {
	if o.deps.Pool == nil {
		return
	}
	remaining := o.remainingTaskCount()
	if remaining == 0 {
		return
	}

	availTokens, _ := o.deps.Pool.Available()
	if availTokens >= o.estimateRemainingNeed() {
		return
	}

	if runningWorkers > 0 {
		o.decide("budget-wait",
			fmt.Sprintf("budget tight but %d worker(s) still running; deferring triage", runningWorkers))
		return
	}

	limit := int(math.Ceil(float64(remaining) * 0.2))
	skipped := 0
	for _, id := range o.queue.Expendable() {
		if skipped >= limit {
			break
		}
		o.queue.Skip(id, triageReason)
		o.decide("budget-triage", fmt.Sprintf("skipped %s: %s", id, triageReason))
		skipped++
	}
	if skipped > 0 {
		o.warnf("budget triage skipped %d task(s)", skipped)
	}
}

// estimateRemainingNeed sums the token estimates of every task still to
// run, substituting a flat guess where the decomposer provided none.
func (o *Orchestrator) estimateRemainingNeed() int {
	need := 0
	for _, task := range o.queue.AllTasks() {
		if task.Status.IsTerminal() || task.Status == models.StatusInProgress {
			continue
		}
		if task.EstimatedTokens > 0 {
			need += task.EstimatedTokens
		} else {
			need += defaultTaskTokenGuess
		}
	}
	return need
}

func (o *Orchestrator) remainingTaskCount() int {
	n := 0
	for _, task := range o.queue.AllTasks() {
		if !task.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// assessHollow reacts to hollow completions: with termination enabled a
// streak or a high ratio bulk-skips everything left; otherwise the
// orchestrator only records the stall.
func (o *Orchestrator) assessHollow() {
	o.mu.Lock()
	streak := o.hollowStreak
	dispatches := o.dispatches
	ratio := 0.0
	if dispatches > 0 {
		ratio = float64(o.hollowCount) / float64(dispatches)
	}
	alreadyStalled := o.stallMode
	o.mu.Unlock()

	streakTripped := streak >= hollowStreakLimit
	ratioTripped := dispatches >= o.cfg.HollowTerminationMinDispatches &&
		ratio >= o.cfg.HollowTerminationRatio

	if !streakTripped && !ratioTripped {
		return
	}

	if o.cfg.EnableHollowTermination {
		o.decide(earlyTerminationReason,
			fmt.Sprintf("hollow streak %d, ratio %.2f over %d dispatches; skipping remaining tasks",
				streak, ratio, dispatches))
		for _, task := range o.queue.AllTasks() {
			if task.Status == models.StatusPending || task.Status == models.StatusBlocked || task.Status == models.StatusReady {
				o.queue.Skip(task.ID, earlyTerminationReason)
			}
		}
		return
	}

	if streakTripped && !alreadyStalled {
		o.decide("stall-warning",
			fmt.Sprintf("%d consecutive hollow completions", streak))
	}
	if ratioTripped && !alreadyStalled {
		o.mu.Lock()
		o.stallMode = true
		o.mu.Unlock()
		o.decide("stall-mode",
			fmt.Sprintf("hollow ratio %.2f over %d dispatches", ratio, dispatches))
	}
}

// tryReplan asks for a fresh decomposition of the remaining goal and
// inserts the rescue tasks. Reports whether new work was added.
func (o *Orchestrator) tryReplan(ctx context.Context) bool {
	o.mu.Lock()
	replansLeft := o.cfg.MaxReplans - o.replansUsed
	wave := o.currentWave
	goal := o.originalPrompt
	o.mu.Unlock()

	if replansLeft <= 0 {
		return false
	}
	o.mu.Lock()
	o.replansUsed++
	o.mu.Unlock()

	result, err := o.deps.Decomposer.Decompose(ctx, o.replanGoal(goal), nil)
	if err != nil || len(result.Subtasks) == 0 {
		o.decide("replan-failed", "fresh decomposition after stall produced nothing")
		return false
	}
	// The tasks the swarm could not dispatch are superseded by the rescue
	// plan; marking them decomposed lets their dependents proceed.
	var stuck []string
	for _, task := range o.queue.AllTasks() {
		if task.Status == models.StatusPending || task.Status == models.StatusBlocked {
			stuck = append(stuck, task.ID)
		}
	}

	before := len(o.queue.AllTasks())
	o.queue.AddReplanTasks(result.Subtasks, wave)
	added := len(o.queue.AllTasks()) - before
	if added == 0 {
		o.decide("replan-failed", "rescue tasks all collided with existing ids")
		return false
	}
	o.queue.Supersede(stuck)
	o.decide("replan", fmt.Sprintf("inserted %d rescue task(s) after wave %d", added, wave))
	return o.queue.NextWave() >= 0
}

// replanGoal frames the original goal with what already failed so the
// rescue plan routes around it.
func (o *Orchestrator) replanGoal(goal string) string {
	var failed []string
	for _, task := range o.queue.AllTasks() {
		if task.Status == models.StatusFailed {
			failed = append(failed, fmt.Sprintf("%s (%s)", task.ID, task.Description))
		}
	}
	if len(failed) == 0 {
		return goal
	}
	return fmt.Sprintf("%s\n\nThe following subtasks already failed; plan around them:\n- %s",
		goal, strings.Join(failed, "\n- "))
}

// finalize classifies the run: completed when every non-skipped task
// satisfies its dependents, failed otherwise (a failed foundation task
// always fails the run).
func (o *Orchestrator) finalize() *Summary {
	phase := models.PhaseCompleted
	for _, task := range o.queue.AllTasks() {
		if task.Status == models.StatusSkipped {
			continue
		}
		if !task.Status.SatisfiesDependency() {
			phase = models.PhaseFailed
			break
		}
	}
	o.setPhase(phase)

	o.mu.Lock()
	defer o.mu.Unlock()
	stats := o.queue.Stats()
	stats.WavesCompleted = o.wavesCompleted
	return &Summary{
		SessionID: o.cfg.SessionID,
		Phase:     phase,
		Stats:     stats,
		Decisions: append([]models.Decision(nil), o.decisions...),
		Errors:    append([]string(nil), o.errs...),
	}
}

// checkpoint snapshots the whole run. Persistence failures are recorded
// but never interrupt execution.
func (o *Orchestrator) checkpoint() {
	tasks, waves := o.queue.CheckpointState()

	o.mu.Lock()
	stats := o.queue.Stats()
	stats.WavesCompleted = o.wavesCompleted
	cp := &models.Checkpoint{
		SessionID:      o.cfg.SessionID,
		Timestamp:      nowUTC(),
		Phase:          o.phase,
		TaskStates:     tasks,
		Waves:          waves,
		CurrentWave:    o.currentWave,
		Stats:          stats,
		Decisions:      append([]models.Decision(nil), o.decisions...),
		Errors:         append([]string(nil), o.errs...),
		OriginalPrompt: o.originalPrompt,
	}
	o.mu.Unlock()

	if o.deps.Sink == nil {
		return
	}
	if err := o.deps.Sink.SaveCheckpoint(cp); err != nil {
		o.emit(events.PersistenceWarning, map[string]any{
			"op": "checkpoint.save", "error": err.Error(),
		})
		o.warnf("checkpoint save failed: %v", err)
	}
}

// decide records a decision and mirrors it onto the event bus.
func (o *Orchestrator) decide(kind, detail string) {
	d := models.Decision{Kind: kind, Detail: detail, Timestamp: nowUTC()}
	o.mu.Lock()
	o.decisions = append(o.decisions, d)
	o.mu.Unlock()
	o.emit(events.SwarmOrchestratorDecision, map[string]any{
		"kind": kind, "detail": detail,
	})
}

// Decisions returns the decision log so far.
func (o *Orchestrator) Decisions() []models.Decision {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.Decision(nil), o.decisions...)
}

func (o *Orchestrator) setPhase(phase models.SwarmPhase) {
	o.mu.Lock()
	changed := o.phase != phase
	from := o.phase
	o.phase = phase
	o.mu.Unlock()
	if changed {
		o.emit(events.PhaseTransition, map[string]any{
			"from": string(from), "to": string(phase),
		})
	}
}

func (o *Orchestrator) recordError(msg string) {
	o.mu.Lock()
	o.errs = append(o.errs, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(kind events.Kind, fields map[string]any) {
	if o.deps.Bus != nil {
		o.deps.Bus.Emit(kind, "", fields)
	}
}

func (o *Orchestrator) infof(format string, args ...any) {
	if o.deps.Log != nil {
		o.deps.Log.Infof(format, args...)
	}
}

func (o *Orchestrator) warnf(format string, args ...any) {
	if o.deps.Log != nil {
		o.deps.Log.Warnf(format, args...)
	}
}

// workerSystemPrompt is the base system prompt for swarm workers.
const workerSystemPrompt = "You are a focused worker agent in a task swarm. " +
	"Complete exactly the task you are given, use your tools to make real " +
	"changes, and finish with a short summary of what you did followed by a " +
	"JSON closure report."
