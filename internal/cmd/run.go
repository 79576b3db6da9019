package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/overmind/internal/agent"
	"github.com/harrison/overmind/internal/config"
	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/logger"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/parser"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/provider"
	"github.com/harrison/overmind/internal/spawn"
	"github.com/harrison/overmind/internal/state"
	"github.com/harrison/overmind/internal/store"
	"github.com/harrison/overmind/internal/swarm"
	"github.com/harrison/overmind/internal/tools"
)

// plannerEnvVar overrides the model CLI the run command shells out to.
const plannerEnvVar = "OVERMIND_PLANNER"

// multiLogger fans orchestrator logs out to the console and the run log.
type multiLogger struct {
	console *logger.ConsoleLogger
	file    *logger.FileLogger
}

func (m *multiLogger) Infof(format string, args ...any) {
	m.console.Infof(format, args...)
	if m.file != nil {
		m.file.Infof(format, args...)
	}
}

func (m *multiLogger) Warnf(format string, args ...any) {
	m.console.Warnf(format, args...)
	if m.file != nil {
		m.file.Warnf(format, args...)
	}
}

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [goal or plan-file]",
		Short: "Execute a goal or plan file as a swarm",
		Long: `Decompose a goal into subtasks and execute them wave by wave with
budgeted subagents. The argument is either a free-form goal or a path
to a markdown plan file (a sequence of "## Task <id>: ..." sections).

Configuration is loaded from .overmind/overmind.yaml if present.
CLI flags override configuration file settings.

Examples:
  overmind run "add retry logic to the fetcher"
  overmind run plan.md --parallelism 5
  overmind run plan.md --task-ids api,docs     # selected tasks plus their deps
  overmind run --dry-run plan.md               # show waves without executing
  overmind run --resume                        # resume the latest session
  overmind run --resume 20250826-120000-ab12cd # resume a specific session
  overmind run "goal" --cost-limit 2.50 --isolation worktree`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .overmind/overmind.yaml)")
	cmd.Flags().Int("parallelism", -1, "Maximum concurrent workers per wave (-1 = use config)")
	cmd.Flags().String("isolation", "", "Workspace isolation: worktree, docker or none")
	cmd.Flags().Float64("cost-limit", -1, "Maximum spend in USD (-1 = use config)")
	cmd.Flags().String("timeout", "", "Maximum run time (e.g. 30m, 2h)")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().Bool("dry-run", false, "Plan and print the waves without executing tasks")
	cmd.Flags().String("task-ids", "", "Comma-separated task ids to run from a plan file (dependencies included)")
	cmd.Flags().String("worker-model", "", "Model for dispatched workers")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")

	cmd.Flags().String("resume", "", "Resume a session (default: latest)")
	cmd.Flags().Lookup("resume").NoOptDefVal = "latest"
	cmd.Flags().String("swarm-resume", "", "Resume a swarm session (default: latest)")
	cmd.Flags().Lookup("swarm-resume").NoOptDefVal = "latest"

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	console := logger.NewConsoleLogger(cmd.OutOrStdout(), level)

	resumeID, err := resumeTarget(cmd)
	if err != nil {
		return err
	}
	goal, planFile, err := runInput(args, resumeID)
	if err != nil {
		return err
	}

	taskIDs := splitIDs(mustString(cmd, "task-ids"))
	if len(taskIDs) > 0 && planFile == "" {
		return configErrorf("--task-ids requires a plan file")
	}

	if cfg.DryRun {
		return dryRun(cmd, goal, planFile, taskIDs)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	stateStore, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state directory: %w", err)
	}

	sessionID := models.NewSessionID()
	if resumeID != "" {
		sessionID, err = stateStore.Resolve(resumeID)
		if err != nil {
			return configErrorf("resolve session %q: %v", resumeID, err)
		}
	}

	sess, err := stateStore.Open(sessionID)
	if err != nil {
		if errors.Is(err, state.ErrSessionLocked) {
			return fmt.Errorf("session %s is in use by another process", sessionID)
		}
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	root, cleanup, err := workspaceRoot(cfg, sessionID, console)
	if err != nil {
		return err
	}
	defer cleanup()

	fileLog, err := logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, level)
	if err != nil {
		console.Warnf("file logging disabled: %v", err)
		fileLog = nil
	} else {
		defer fileLog.Close()
	}

	orc, err := buildOrchestrator(cfg, &multiLogger{console: console, file: fileLog}, sess, sessionID, root)
	if err != nil {
		return err
	}

	start := time.Now()
	var summary *swarm.Summary
	switch {
	case resumeID != "":
		cp, cperr := sess.LatestCheckpoint()
		if cperr != nil {
			return fmt.Errorf("load checkpoint for %s: %w", sessionID, cperr)
		}
		console.Infof("resuming session %s from wave %d", sessionID, cp.CurrentWave)
		goal = cp.OriginalPrompt
		summary, err = orc.Resume(ctx, cp)
	case planFile != "":
		tasks, perr := loadPlanTasks(planFile, taskIDs)
		if perr != nil {
			return perr
		}
		goal = "plan file " + filepath.Base(planFile)
		summary, err = orc.RunPlan(ctx, goal, tasks)
	default:
		summary, err = orc.Run(ctx, goal, nil)
	}
	duration := time.Since(start)

	if summary != nil {
		persistRun(cfg, console, sess, orc, goal, summary, duration)
		if fileLog != nil {
			for _, task := range orc.Queue().AllTasks() {
				if task.Result != nil {
					if lerr := fileLog.LogTaskResult(task); lerr != nil {
						console.Warnf("write task log for %s: %v", task.ID, lerr)
					}
				}
			}
			fileLog.LogSummary(summary.Phase, summary.Stats, duration)
		}
		console.LogSummary(summary.Phase, summary.Stats, duration)
	}
	if err != nil {
		return fmt.Errorf("run session %s: %w", sessionID, err)
	}
	if summary.Phase == models.PhaseFailed {
		return fmt.Errorf("session %s finished with %d failed task(s)", sessionID, summary.Stats.Failed)
	}
	return nil
}

// loadRunConfig loads the config file and folds changed CLI flags over it.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := mustString(cmd, "config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, configErrorf("load config from %s: %v", path, err)
		}
	} else {
		cfg, err = config.LoadFromDir(".")
		if err != nil {
			return nil, configErrorf("load config: %v", err)
		}
	}

	var parallelism *int
	var isolation, logDir *string
	var costLimit *float64
	var timeout *time.Duration
	var dryRun *bool

	if cmd.Flags().Changed("parallelism") {
		v, _ := cmd.Flags().GetInt("parallelism")
		parallelism = &v
	}
	if cmd.Flags().Changed("isolation") {
		v := mustString(cmd, "isolation")
		isolation = &v
	}
	if cmd.Flags().Changed("cost-limit") {
		v, _ := cmd.Flags().GetFloat64("cost-limit")
		costLimit = &v
	}
	if cmd.Flags().Changed("timeout") {
		d, derr := time.ParseDuration(mustString(cmd, "timeout"))
		if derr != nil {
			return nil, configErrorf("invalid timeout: %v", derr)
		}
		timeout = &d
	}
	if cmd.Flags().Changed("log-dir") {
		v := mustString(cmd, "log-dir")
		logDir = &v
	}
	if cmd.Flags().Changed("dry-run") {
		v, _ := cmd.Flags().GetBool("dry-run")
		dryRun = &v
	}
	cfg.MergeWithFlags(parallelism, isolation, costLimit, timeout, logDir, dryRun)

	if cmd.Flags().Changed("worker-model") {
		cfg.Swarm.WorkerModel = mustString(cmd, "worker-model")
	}

	if err := cfg.Validate(); err != nil {
		return nil, configErrorf("%v", err)
	}
	return cfg, nil
}

// resumeTarget returns the session id to resume, or "" for a fresh run.
// --resume and --swarm-resume are aliases; setting both is an error.
func resumeTarget(cmd *cobra.Command) (string, error) {
	resume := mustString(cmd, "resume")
	swarmResume := mustString(cmd, "swarm-resume")
	if resume != "" && swarmResume != "" {
		return "", configErrorf("--resume and --swarm-resume are mutually exclusive")
	}
	if resume != "" {
		return resume, nil
	}
	return swarmResume, nil
}

// runInput classifies the positional argument as a goal or a plan file.
func runInput(args []string, resumeID string) (goal, planFile string, err error) {
	if len(args) == 0 {
		if resumeID == "" {
			return "", "", configErrorf("a goal or plan file is required (or --resume)")
		}
		return "", "", nil
	}
	if resumeID != "" {
		return "", "", configErrorf("a goal cannot be combined with --resume")
	}
	arg := args[0]
	if strings.HasSuffix(arg, ".md") {
		if _, statErr := os.Stat(arg); statErr == nil {
			return "", arg, nil
		}
		return "", "", configErrorf("plan file %s does not exist", arg)
	}
	return arg, "", nil
}

// loadPlanTasks parses and validates a plan file, then narrows it to the
// selected task ids plus their transitive dependencies.
func loadPlanTasks(path string, ids []string) ([]models.Subtask, error) {
	tasks, err := parser.NewPlanParser().ParseFile(path)
	if err != nil {
		return nil, configErrorf("parse plan %s: %v", path, err)
	}
	if err := parser.Validate(tasks); err != nil {
		return nil, configErrorf("invalid plan %s: %v", path, err)
	}
	if len(ids) == 0 {
		return tasks, nil
	}
	return selectTasks(tasks, ids)
}

// selectTasks keeps the named tasks and everything they transitively
// depend on, preserving plan order.
func selectTasks(tasks []models.Subtask, ids []string) ([]models.Subtask, error) {
	byID := make(map[string]models.Subtask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	want := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if want[id] {
			return nil
		}
		t, ok := byID[id]
		if !ok {
			return configErrorf("unknown task id %q", id)
		}
		want[id] = true
		for _, dep := range t.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	out := make([]models.Subtask, 0, len(want))
	for _, t := range tasks {
		if want[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}

// workspaceRoot resolves the directory workers operate in. Worktree
// isolation checks out a fresh git worktree per session; docker isolation
// is accepted but currently runs unsandboxed with a warning.
func workspaceRoot(cfg *config.Config, sessionID string, console *logger.ConsoleLogger) (string, func(), error) {
	noop := func() {}
	switch cfg.Isolation {
	case config.IsolationNone, "":
		return ".", noop, nil
	case config.IsolationDocker:
		console.Warnf("docker isolation is not available; running in the working directory")
		return ".", noop, nil
	case config.IsolationWorktree:
		dir := filepath.Join(".overmind", "worktrees", sessionID)
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", noop, fmt.Errorf("create worktree directory: %w", err)
		}
		out, err := exec.Command("git", "worktree", "add", "--detach", dir).CombinedOutput()
		if err != nil {
			return "", noop, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
		}
		cleanup := func() {
			_ = exec.Command("git", "worktree", "remove", "--force", dir).Run()
		}
		console.Infof("workers isolated in worktree %s", dir)
		return dir, cleanup, nil
	default:
		return "", noop, configErrorf("unknown isolation mode %q", cfg.Isolation)
	}
}

// buildOrchestrator assembles the full engine: planner, policy, tools,
// budget pool, decomposer, spawner and the wave orchestrator, with the
// session as checkpoint sink.
func buildOrchestrator(cfg *config.Config, log swarm.Logger, sess *state.Session, sessionID, root string) (*swarm.Orchestrator, error) {
	bus := events.NewBus()
	plnr := provider.NewExecPlanner(os.Getenv(plannerEnvVar), cfg.Swarm.WorkerModel)
	engine := policy.NewEngine(policy.Config{}, bus)

	registry := tools.NewRegistry()
	tools.RegisterLocal(registry, tools.LocalConfig{
		Root:       root,
		EnableBash: true,
	})

	pool := economics.NewPool(cfg.TokenBudget, cfg.CostLimit, cfg.Parallelism)
	dec := decompose.New(plnr, decompose.Config{DetectConflicts: true}, bus)

	spawner, err := spawn.NewSpawner(spawn.Config{SwarmContext: true}, spawn.Deps{
		ParentID: "overmind",
		Factory:  agent.NewRunner,
		Engine:   engine,
		Planner:  plnr,
		Registry: registry,
		Pool:     pool,
		Bus:      bus,
	})
	if err != nil {
		return nil, fmt.Errorf("build spawner: %w", err)
	}

	orc, err := swarm.New(swarm.Config{
		SessionID:                      sessionID,
		WorkerModel:                    cfg.Swarm.WorkerModel,
		MaxConcurrency:                 cfg.Parallelism,
		DispatchStaggerMs:              cfg.Swarm.DispatchStaggerMs,
		MaxRetries:                     cfg.Swarm.MaxRetries,
		MaxReplans:                     cfg.Swarm.MaxReplans,
		EnableHollowTermination:        cfg.Swarm.EnableHollowTermination,
		HollowTerminationMinDispatches: cfg.Swarm.HollowMinDispatches,
		HollowTerminationRatio:         cfg.Swarm.HollowRatio,
	}, swarm.Deps{
		Decomposer: dec,
		Spawner:    spawner,
		Pool:       pool,
		Sink:       sess,
		Bus:        bus,
		Log:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	return orc, nil
}

// dryRun plans the goal or plan file and prints the waves without
// dispatching anything. Goals use the deterministic heuristic so a dry
// run never spends tokens.
func dryRun(cmd *cobra.Command, goal, planFile string, taskIDs []string) error {
	var tasks []models.Subtask
	var err error
	if planFile != "" {
		tasks, err = loadPlanTasks(planFile, taskIDs)
		if err != nil {
			return err
		}
	} else {
		dec := decompose.New(nil, decompose.Config{}, nil)
		result, derr := dec.Decompose(cmd.Context(), goal, nil)
		if derr != nil {
			return fmt.Errorf("decompose goal: %w", derr)
		}
		tasks = result.Subtasks
	}

	graph := decompose.BuildGraph(tasks, nil)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dry run: %d task(s) in %d wave(s)\n", len(tasks), len(graph.ParallelGroups))
	byID := make(map[string]models.Subtask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for i, group := range graph.ParallelGroups {
		fmt.Fprintf(out, "\nWave %d:\n", i+1)
		for _, id := range group {
			t := byID[id]
			fmt.Fprintf(out, "  - %s: %s (complexity %d, type %s)\n", t.ID, t.Description, t.Complexity, t.Type)
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(out, "      depends on: %s\n", strings.Join(t.Dependencies, ", "))
			}
		}
	}
	return nil
}

// persistRun writes the finished run to the results store and the
// session directory. Persistence failures are warnings, not run
// failures.
func persistRun(cfg *config.Config, console *logger.ConsoleLogger, sess *state.Session, orc *swarm.Orchestrator, goal string, summary *swarm.Summary, duration time.Duration) {
	tasks := orc.Queue().AllTasks()

	for _, task := range tasks {
		if task.Result == nil {
			continue
		}
		agentName := "swarm-worker-" + task.ID
		if err := sess.RecordWorkerResult(state.WorkerResult{
			TaskID:      task.ID,
			Agent:       agentName,
			Attempt:     task.Attempts,
			Success:     task.Result.Success,
			Tokens:      task.Result.Tokens,
			Cost:        task.Result.Cost,
			DurationMs:  task.Result.DurationMs,
			Error:       task.Result.Error,
			CompletedAt: task.Result.CompletedAt,
		}); err != nil {
			console.Warnf("record worker result for %s: %v", task.ID, err)
		}
		if len(task.Result.FilesChanged) > 0 {
			if err := sess.RecordFileChanges(agentName, task.Result.FilesChanged); err != nil {
				console.Warnf("record file changes for %s: %v", task.ID, err)
			}
		}
	}

	db, err := store.Open(cfg.ResultsDB)
	if err != nil {
		console.Warnf("open results store: %v", err)
		return
	}
	defer db.Close()

	if err := db.SaveRun(store.Run{
		SessionID:    summary.SessionID,
		Goal:         goal,
		Phase:        string(summary.Phase),
		TotalTasks:   summary.Stats.TotalTasks,
		Completed:    summary.Stats.Completed,
		Failed:       summary.Stats.Failed,
		Skipped:      summary.Stats.Skipped,
		TokensUsed:   summary.Stats.TokensUsed,
		CostUSD:      summary.Stats.CostUSD,
		DurationSecs: int64(duration.Seconds()),
	}); err != nil {
		console.Warnf("save run record: %v", err)
	}

	for _, task := range tasks {
		if task.Result == nil {
			continue
		}
		if err := db.SaveResult(store.Result{
			SessionID:  summary.SessionID,
			TaskID:     task.ID,
			Success:    task.Result.Success,
			Output:     task.Result.Output,
			Error:      task.Result.Error,
			Tokens:     task.Result.Tokens,
			CostUSD:    task.Result.Cost,
			DurationMs: task.Result.DurationMs,
		}); err != nil {
			console.Warnf("save result for %s: %v", task.ID, err)
		}
	}
}

func mustString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// splitIDs parses a comma-separated id list, dropping empties.
func splitIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}
