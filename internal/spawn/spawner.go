// Package spawn delegates work to subagents: one Spawn call covers
// duplicate prevention, policy resolution, tool filtering, budget
// allocation, prompt assembly, graceful timeout and result collection.
// The supervisor watches running children and the blackboard shares
// findings between siblings.
package spawn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/overmind/internal/agent"
	"github.com/harrison/overmind/internal/cancel"
	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/plan"
	"github.com/harrison/overmind/internal/planner"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/tools"
)

// Timeout defaults and the tool-filtering threshold.
const (
	defaultSubagentTimeout = 300 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultWrapupWindow    = 30 * time.Second
	toolFilterThreshold    = 15
)

// perTypeTimeoutDefaults are the built-in per-task-type subagent
// timeouts, consulted after explicit configuration.
var perTypeTimeoutDefaults = map[string]time.Duration{
	models.TypeResearch:  240 * time.Second,
	models.TypeAnalysis:  240 * time.Second,
	models.TypeReview:    180 * time.Second,
	models.TypeDocument:  180 * time.Second,
	models.TypeImplement: 420 * time.Second,
	models.TypeRefactor:  420 * time.Second,
}

// AgentDef is the static description of a spawnable agent.
type AgentDef struct {
	Name         string
	SystemPrompt string
	Model        string
	// Profile is the requested policy profile; empty defers to the engine.
	Profile string
	// Tools declares the agent's tool set; empty means the parent's whole
	// universe.
	Tools  []string
	Worker *policy.WorkerCapabilities
	// Timeout overrides every configured subagent timeout when positive.
	Timeout       time.Duration
	QualityPrompt string
}

// Constraints narrow one spawn call.
type Constraints struct {
	// MaxTokens, when positive, wins over pool reservation and presets.
	MaxTokens    int
	Focus        []string
	Exclude      []string
	Deliverables []string
	Timebox      time.Duration
}

// Metrics are the child's resource totals as seen by the parent.
type Metrics struct {
	Tokens     int     `json:"tokens"`
	Cost       float64 `json:"cost"`
	DurationMs int64   `json:"durationMs"`
	ToolCalls  int     `json:"toolCalls"`
}

// SpawnResult is what the parent receives back.
type SpawnResult struct {
	Success       bool
	Output        string
	Metrics       Metrics
	Structured    *models.StructuredReport
	FilesModified []string
	OutputStoreID string
	// Duplicate is true for synthetic results from duplicate prevention.
	Duplicate bool
}

// duplicatePrefix starts the synthetic output of a prevented spawn.
const duplicatePrefix = "[DUPLICATE SPAWN PREVENTED - SEMANTIC MATCH]"

// wrapupMessage is passed to the child when its timeout approaches.
const wrapupMessage = "Timeout approaching: produce your structured summary now"

// Config tunes a spawner.
type Config struct {
	// SubagentTimeout is the global default hard timeout.
	SubagentTimeout time.Duration
	// TimeoutByType overrides the timeout per task type.
	TimeoutByType map[string]time.Duration
	IdleTimeout   time.Duration
	WrapupWindow  time.Duration
	// SimilarityThreshold for semantic duplicate detection (default 0.75).
	SimilarityThreshold float64
	// DuplicateWindow for duplicate detection (default 60s).
	DuplicateWindow time.Duration
	// SwarmContext selects the stricter swarm profiles during resolution.
	SwarmContext bool
	// PlanMode is inherited by children.
	PlanMode bool
	Sandbox  *policy.SandboxConfig
}

// Recommender ranks tool names for a task type; used only when the
// filtered tool set is still above the threshold.
type Recommender interface {
	TopTools(taskType string, names []string, limit int) []string
}

// Spawner creates and runs subagents on behalf of one parent agent.
type Spawner struct {
	cfg      Config
	parentID string
	factory  agent.Factory
	engine   *policy.Engine
	planner  planner.Planner
	registry *tools.Registry

	pool        *economics.Pool
	parentEcon  *economics.Manager
	parentPlans *plan.Manager
	board       *Blackboard
	recommender Recommender
	bus         *events.Bus

	// parentSource, when set, cancels children together with the parent.
	parentSource *cancel.Source

	dups *dupTracker

	// complexity holds the parent's most recent complexity assessment;
	// the delegation block is included only when it is nontrivial. It
	// sits behind a shared pointer because the parent updates it while
	// child spawner copies read it.
	complexity *complexityGauge
}

// complexityGauge guards the latest complexity assessment. Spawner
// copies made by SpawnAsync share one gauge, so children always see
// the parent's current value.
type complexityGauge struct {
	mu    sync.Mutex
	value int
}

func (g *complexityGauge) set(v int) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *complexityGauge) get() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Deps carries the collaborators a spawner needs.
type Deps struct {
	ParentID     string
	Factory      agent.Factory
	Engine       *policy.Engine
	Planner      planner.Planner
	Registry     *tools.Registry
	Pool         *economics.Pool
	ParentEcon   *economics.Manager
	ParentPlans  *plan.Manager
	Board        *Blackboard
	Recommender  Recommender
	Bus          *events.Bus
	ParentSource *cancel.Source
}

// NewSpawner wires a spawner. Factory, Engine and Planner are required;
// everything else in deps may be nil.
func NewSpawner(cfg Config, deps Deps) (*Spawner, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("spawner requires an agent factory")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("spawner requires a policy engine")
	}
	if deps.Planner == nil {
		return nil, fmt.Errorf("spawner requires a planner")
	}
	registry := deps.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	board := deps.Board
	if board == nil {
		board = NewBlackboard()
	}
	return &Spawner{
		cfg:          cfg,
		parentID:     deps.ParentID,
		factory:      deps.Factory,
		engine:       deps.Engine,
		planner:      deps.Planner,
		registry:     registry,
		pool:         deps.Pool,
		parentEcon:   deps.ParentEcon,
		parentPlans:  deps.ParentPlans,
		board:        board,
		recommender:  deps.Recommender,
		bus:          deps.Bus,
		parentSource: deps.ParentSource,
		dups:         newDupTracker(cfg.DuplicateWindow, cfg.SimilarityThreshold),
		complexity:   &complexityGauge{},
	}, nil
}

// Board returns the sibling blackboard.
func (s *Spawner) Board() *Blackboard { return s.board }

// SetComplexityAssessment records the parent's latest task-complexity
// judgement (1-10); values of 5 or higher include the delegation spec in
// child prompts.
func (s *Spawner) SetComplexityAssessment(complexity int) {
	s.complexity.set(complexity)
}

// Spawn runs one subagent to completion or cancellation and returns its
// result. Errors are reserved for misconfiguration; child failures,
// timeouts and duplicates come back as results.
func (s *Spawner) Spawn(ctx context.Context, def AgentDef, task string, constraints *Constraints) (*SpawnResult, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("agent definition needs a name")
	}
	if constraints == nil {
		constraints = &Constraints{}
	}

	// Duplicate prevention runs before anything is allocated.
	if entry, kind := s.dups.Match(def.Name, task); entry != nil {
		output := fmt.Sprintf("%s An equivalent task was already delegated to %q in the last %s.",
			duplicatePrefix, def.Name, s.dups.window)
		if entry.summary != "" {
			output += "\nOriginal result: " + entry.summary
		}
		if entry.planChanges > 0 {
			output += fmt.Sprintf("\nQueued plan changes from the original run: %d", entry.planChanges)
		}
		s.emit(events.AgentSpawn, map[string]any{
			"agent": def.Name, "duplicate": true, "matchKind": kind,
		})
		return &SpawnResult{Success: true, Output: output, Duplicate: true}, nil
	}

	taskType := decompose.InferTaskType(task)

	resolution, err := s.engine.Resolve(policy.Request{
		ExplicitProfile: def.Profile,
		Worker:          def.Worker,
		TaskType:        taskType,
		Sandbox:         s.cfg.Sandbox,
		SwarmContext:    s.cfg.SwarmContext,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve policy for %s: %w", def.Name, err)
	}

	childTools, err := s.filterTools(def, taskType, resolution.Profile)
	if err != nil {
		return nil, err
	}

	budget, allocationID := s.allocateBudget(constraints)

	childID := uuid.NewString()
	runner, err := s.factory(agent.Config{
		ID:           childID,
		Name:         def.Name,
		SystemPrompt: s.assemblePrompt(def, constraints, budget),
		Model:        def.Model,
		TaskType:     taskType,
		Budget:       budget,
		Profile:      resolution.Profile,
		PlanMode:     s.cfg.PlanMode,
		Planner:      s.planner,
		Tools:        childTools,
		Bus:          s.bus,
	})
	if err != nil {
		s.releaseAllocation(allocationID, nil)
		return nil, fmt.Errorf("construct subagent %s: %w", def.Name, err)
	}

	graceful := cancel.NewGracefulSource(cancel.GracefulConfig{
		HardTimeout:   s.timeoutFor(def, taskType, constraints),
		IdleThreshold: s.idleTimeout(),
		WrapupWindow:  s.wrapupWindow(),
	})
	graceful.OnWrapupWarning(func(reason string) {
		s.emit(events.SubagentWrapupStarted, map[string]any{
			"agent": def.Name, "reason": reason,
		})
		runner.RequestWrapup(wrapupMessage)
	})

	sources := []*cancel.Source{graceful.Source}
	if s.parentSource != nil {
		sources = append(sources, s.parentSource)
	}
	linked := cancel.NewLinkedSource(sources...)

	s.emit(events.AgentSpawn, map[string]any{
		"agent": def.Name, "taskType": taskType, "childId": childID,
	})

	if s.parentEcon != nil {
		s.parentEcon.PauseDuration()
	}
	result, runErr := runner.Run(ctx, task, linked.Token())
	if s.parentEcon != nil {
		s.parentEcon.ResumeDuration()
	}

	// Finalization happens regardless of outcome.
	defer func() {
		graceful.Dispose()
		linked.Dispose()
	}()

	if runErr != nil {
		s.releaseAllocation(allocationID, nil)
		s.emit(events.AgentError, map[string]any{
			"agent": def.Name, "error": runErr.Error(),
		})
		return nil, runErr
	}

	s.releaseAllocation(allocationID, &result.Usage)

	planChanges := s.mergeChildPlan(def.Name, runner.Plans())
	spawnResult := s.buildResult(def.Name, result, graceful)

	summary := spawnResult.Output
	if len(summary) > exactPrefixLen {
		summary = summary[:exactPrefixLen]
	}
	s.dups.Record(def.Name, task, summary, planChanges)

	s.emit(events.AgentComplete, map[string]any{
		"agent":   def.Name,
		"success": spawnResult.Success,
		"tokens":  spawnResult.Metrics.Tokens,
	})
	return spawnResult, nil
}

// buildResult classifies the run outcome and parses the closure report.
func (s *Spawner) buildResult(agentName string, result *agent.Result, graceful *cancel.GracefulSource) *SpawnResult {
	out := &SpawnResult{
		Output:        result.Output,
		FilesModified: result.FilesModified,
		Metrics: Metrics{
			Tokens:     result.Usage.Tokens,
			Cost:       result.Usage.Cost,
			DurationMs: result.Usage.DurationMs,
			ToolCalls:  result.ToolCalls,
		},
	}
	out.Structured = parseReportTail(result.Output)

	switch {
	case result.Status == models.CompletionCancelled:
		// Timeout and user cancellation look the same to the child; the
		// graceful source tells them apart.
		status := models.CompletionCancelled
		if graceful.Token().IsCancellationRequested() {
			status = models.CompletionTimeoutHard
			s.emit(events.SubagentTimeoutHardKill, map[string]any{"agent": agentName})
		}
		if out.Structured == nil {
			out.Structured = &models.StructuredReport{Status: status}
			out.Structured.Normalize()
		} else if out.Structured.Status == "" {
			out.Structured.Status = status
		}
		out.Success = false
	case graceful.WrapupStarted():
		if out.Structured == nil {
			out.Structured = &models.StructuredReport{Status: models.CompletionTimeoutGraceful}
			out.Structured.Normalize()
		} else if out.Structured.Status == "" {
			out.Structured.Status = models.CompletionTimeoutGraceful
		}
		out.Success = result.Success
		s.emit(events.SubagentWrapupCompleted, map[string]any{"agent": agentName})
	default:
		out.Success = result.Success
		if out.Structured != nil && out.Structured.Status == "" {
			out.Structured.Status = models.CompletionCompleted
		}
	}
	return out
}

// mergeChildPlan transfers the child's pending plan into the parent,
// rewriting each change's reason to name the subagent, and returns the
// number of merged changes.
func (s *Spawner) mergeChildPlan(agentName string, childPlans *plan.Manager) int {
	if childPlans == nil || s.parentPlans == nil {
		return 0
	}
	childPlan := childPlans.ActivePlan()
	if childPlan == nil || len(childPlan.ProposedChanges) == 0 {
		return 0
	}

	s.emit(events.AgentPendingPlan, map[string]any{
		"agent":   agentName,
		"changes": len(childPlan.ProposedChanges),
	})

	if s.parentPlans.ActivePlan() == nil {
		s.parentPlans.StartPlan(childPlan.Task, childPlan.SessionID)
	}
	for _, change := range childPlan.ProposedChanges {
		reason := fmt.Sprintf("[%s] %s", agentName, change.Reason)
		s.parentPlans.AddProposedChange(change.Tool, change.Args, reason, change.ToolCallID)
	}
	if childPlan.ExplorationSummary != "" {
		s.parentPlans.SetExplorationSummary(
			fmt.Sprintf("[%s] %s", agentName, childPlan.ExplorationSummary))
	}
	return len(childPlan.ProposedChanges)
}

// filterTools derives the child's registry: parent universe intersected
// with the declared set, recommendation-trimmed when oversized, then
// profile-enforced. Zero remaining tools is an error.
func (s *Spawner) filterTools(def AgentDef, taskType string, profile policy.Profile) (*tools.Registry, error) {
	names := s.registry.Names()
	if len(def.Tools) > 0 {
		declared := make(map[string]bool, len(def.Tools))
		for _, n := range def.Tools {
			declared[n] = true
		}
		var kept []string
		for _, n := range names {
			if declared[n] {
				kept = append(kept, n)
			}
		}
		names = kept
	}

	if len(names) > toolFilterThreshold && s.recommender != nil {
		ranked := s.recommender.TopTools(taskType, names, toolFilterThreshold)
		keep := make(map[string]bool, len(ranked))
		for _, n := range ranked {
			keep[n] = true
		}
		// Spawn tools and explicit profile allowances survive filtering.
		for _, n := range names {
			if tools.IsSpawnTool(n) || contains(profile.AllowedTools, n) {
				keep[n] = true
			}
		}
		var kept []string
		for _, n := range names {
			if keep[n] {
				kept = append(kept, n)
			}
		}
		names = kept
	}

	var final []string
	for _, n := range names {
		if profile.ToolAccessMode == policy.AccessWhitelist && !contains(profile.AllowedTools, n) {
			continue
		}
		if contains(profile.DeniedTools, n) {
			continue
		}
		final = append(final, n)
	}
	if len(final) == 0 {
		return nil, fmt.Errorf("tool filtering for %s left no usable tools", def.Name)
	}
	return s.registry.Subset(final), nil
}

// allocateBudget picks the child budget per the precedence: explicit
// constraint, pool share, Subagent preset.
func (s *Spawner) allocateBudget(constraints *Constraints) (economics.Budget, string) {
	base := economics.MustPreset(economics.PresetSubagent)

	if constraints.MaxTokens > 0 {
		base.MaxTokens = constraints.MaxTokens
		base.SoftTokenLimit = constraints.MaxTokens * 3 / 4
		return base, ""
	}

	if s.pool != nil {
		id := uuid.NewString()
		if alloc := s.pool.Reserve(id); alloc != nil {
			base.MaxTokens = alloc.TokenBudget
			base.SoftTokenLimit = alloc.TokenBudget * 3 / 4
			base.MaxCost = alloc.CostBudget
			base.SoftCostLimit = alloc.CostBudget * 3 / 4
			return base, id
		}
	}
	return base, ""
}

// releaseAllocation settles the pool reservation with actual usage. Safe
// with an empty id or nil usage.
func (s *Spawner) releaseAllocation(allocationID string, usage *economics.Usage) {
	if s.pool == nil || allocationID == "" {
		return
	}
	if usage != nil {
		if err := s.pool.RecordUsage(allocationID, usage.Tokens, usage.Cost); err != nil {
			s.emit(events.PersistenceWarning, map[string]any{
				"op": "pool.record_usage", "error": err.Error(),
			})
		}
	}
	s.pool.Release(allocationID)
}

// timeoutFor resolves the hard timeout: agent definition, per-type
// config, per-type default, global config, built-in default.
func (s *Spawner) timeoutFor(def AgentDef, taskType string, constraints *Constraints) time.Duration {
	if constraints.Timebox > 0 {
		return constraints.Timebox
	}
	if def.Timeout > 0 {
		return def.Timeout
	}
	if d, ok := s.cfg.TimeoutByType[taskType]; ok && d > 0 {
		return d
	}
	if d, ok := perTypeTimeoutDefaults[taskType]; ok {
		return d
	}
	if s.cfg.SubagentTimeout > 0 {
		return s.cfg.SubagentTimeout
	}
	return defaultSubagentTimeout
}

func (s *Spawner) idleTimeout() time.Duration {
	if s.cfg.IdleTimeout > 0 {
		return s.cfg.IdleTimeout
	}
	return defaultIdleTimeout
}

func (s *Spawner) wrapupWindow() time.Duration {
	if s.cfg.WrapupWindow > 0 {
		return s.cfg.WrapupWindow
	}
	return defaultWrapupWindow
}

// assemblePrompt builds the child system prompt in its fixed order:
// agent prompt, plan-mode addition, blackboard findings, pending-plan
// file list, resource awareness, constraints, delegation spec, quality.
func (s *Spawner) assemblePrompt(def AgentDef, constraints *Constraints, budget economics.Budget) string {
	var sb strings.Builder
	sb.WriteString(def.SystemPrompt)

	if s.cfg.PlanMode {
		sb.WriteString("\n\nThe parent agent is in plan mode: queue write operations " +
			"as proposed changes rather than applying them.")
	}

	if findings := s.board.Recent(def.Name); len(findings) > 0 {
		sb.WriteString("\n\nFindings from sibling agents:")
		for _, f := range findings {
			fmt.Fprintf(&sb, "\n- [%s] %s", f.Agent, f.Text)
		}
	}

	if s.parentPlans != nil {
		if p := s.parentPlans.ActivePlan(); p != nil {
			if targets := p.FileTargets(); len(targets) > 0 {
				sb.WriteString("\n\nChanges are already queued for these files; do not duplicate that work: ")
				sb.WriteString(strings.Join(targets, ", "))
			}
		}
	}

	fmt.Fprintf(&sb, "\n\nResources: you have at most %d tokens and %s of wall-clock time. "+
		"When asked to wrap up, stop working and produce a final summary with a JSON closure "+
		"report (findings, actionsTaken, failures, remainingWork, suggestedNextSteps).",
		budget.MaxTokens, budget.MaxDuration)

	if len(constraints.Focus) > 0 {
		sb.WriteString("\nFocus on: " + strings.Join(constraints.Focus, ", "))
	}
	if len(constraints.Exclude) > 0 {
		sb.WriteString("\nDo not touch: " + strings.Join(constraints.Exclude, ", "))
	}
	if len(constraints.Deliverables) > 0 {
		sb.WriteString("\nDeliverables: " + strings.Join(constraints.Deliverables, ", "))
	}
	if constraints.Timebox > 0 {
		fmt.Fprintf(&sb, "\nTimebox: %s", constraints.Timebox)
	}

	if s.complexity.get() >= 5 {
		sb.WriteString("\n\nThis task was assessed as complex. You may delegate " +
			"independent parts to further subagents via spawn_agent, but keep the " +
			"overall structure under your control and integrate their results yourself.")
	}

	if def.QualityPrompt != "" {
		sb.WriteString("\n\n" + def.QualityPrompt)
	}
	return sb.String()
}

func (s *Spawner) emit(kind events.Kind, fields map[string]any) {
	if s.bus != nil {
		s.bus.Emit(kind, s.parentID, fields)
	}
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// ParallelSpec is one member of a parallel spawn batch.
type ParallelSpec struct {
	Def         AgentDef
	Task        string
	Constraints *Constraints
}

// SpawnParallel runs a batch of subagents concurrently and returns their
// results in spec order. Individual failures do not abort the batch; a
// failed slot carries a synthetic unsuccessful result.
func (s *Spawner) SpawnParallel(ctx context.Context, specs []ParallelSpec) []*SpawnResult {
	s.emit(events.ParallelSpawnStart, map[string]any{"count": len(specs)})

	results := make([]*SpawnResult, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			result, err := s.Spawn(ctx, spec.Def, spec.Task, spec.Constraints)
			if err != nil {
				result = &SpawnResult{
					Success: false,
					Output:  fmt.Sprintf("spawn failed: %v", err),
				}
			}
			results[i] = result
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, r := range results {
		if r != nil && r.Success {
			succeeded++
		}
	}
	s.emit(events.ParallelSpawnComplete, map[string]any{
		"count": len(specs), "succeeded": succeeded,
	})
	return results
}
