// Package decompose turns a goal into a DAG of subtasks: either by asking
// a planner model for a JSON decomposition or, when no planner is
// available, by a deterministic heuristic that never fails.
package decompose

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/jsonx"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/planner"
)

// Config tunes the decomposer.
type Config struct {
	// MaxSubtasks caps the result size. Default 12.
	MaxSubtasks int
	// MaxAttempts bounds LLM retries. Default 2.
	MaxAttempts int
	// DetectConflicts enables file-conflict analysis on the result.
	DetectConflicts bool
}

func (c Config) withDefaults() Config {
	if c.MaxSubtasks <= 0 {
		c.MaxSubtasks = 12
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	return c
}

// Context carries optional inputs for one decomposition.
type Context struct {
	// RepoMap, when present, drives relevant-file attachment and token
	// estimation.
	RepoMap *RepoMap
	// Hints is free-form prior knowledge prepended to the request.
	Hints string
}

// Result is a completed decomposition.
type Result struct {
	Subtasks  []models.Subtask
	Graph     *models.DependencyGraph
	Conflicts []models.Conflict
	Strategy  string
	// UsedFallback is true when the heuristic produced the subtasks.
	UsedFallback bool
	// Recovered is true when lenient JSON parsing was required.
	Recovered bool
}

// Empty reports whether decomposition produced nothing; callers apply
// their own last-resort plan in that case.
func (r *Result) Empty() bool {
	return r == nil || len(r.Subtasks) == 0
}

// Decomposer builds subtask DAGs. A nil planner selects the heuristic
// path unconditionally.
type Decomposer struct {
	planner planner.Planner
	cfg     Config
	bus     *events.Bus
}

// New creates a decomposer. planner and bus may be nil.
func New(p planner.Planner, cfg Config, bus *events.Bus) *Decomposer {
	return &Decomposer{planner: p, cfg: cfg.withDefaults(), bus: bus}
}

// Decompose produces a subtask DAG for the goal. The LLM path gets
// cfg.MaxAttempts tries; when all fail the returned result is empty (not
// an error) so the caller can fall back to a single-task plan. The
// heuristic path is deterministic and never fails.
func (d *Decomposer) Decompose(ctx context.Context, goal string, dctx *Context) (*Result, error) {
	if dctx == nil {
		dctx = &Context{}
	}

	if d.planner == nil {
		result := d.heuristic(goal)
		d.finish(result, dctx)
		return result, nil
	}

	result, err := d.llmDecompose(ctx, goal, dctx)
	if err != nil {
		return nil, err
	}
	if result.Empty() {
		return result, nil
	}
	d.finish(result, dctx)
	return result, nil
}

// finish runs the shared post-processing: cap, enhance, graph, conflicts.
func (d *Decomposer) finish(result *Result, dctx *Context) {
	result.Subtasks = capSubtasks(result.Subtasks, d.cfg.MaxSubtasks)
	if dctx.RepoMap != nil {
		enhanceWithRepoMap(result.Subtasks, dctx.RepoMap)
	}
	populateFileSets(result.Subtasks)
	result.Graph = BuildGraph(result.Subtasks, d.bus)
	if d.cfg.DetectConflicts {
		result.Conflicts = DetectConflicts(result.Subtasks)
	}
}

// llmDecomposition is the JSON shape requested from the planner.
type llmDecomposition struct {
	Strategy string `json:"strategy"`
	Subtasks []struct {
		ID              string   `json:"id"`
		Description     string   `json:"description"`
		Dependencies    []string `json:"dependencies"`
		Complexity      int      `json:"complexity"`
		Type            string   `json:"type"`
		Parallelizable  bool     `json:"parallelizable"`
		RelevantFiles   []string `json:"relevantFiles"`
		SuggestedRole   string   `json:"suggestedRole"`
		EstimatedTokens int      `json:"estimatedTokens"`
	} `json:"subtasks"`
}

func (d *Decomposer) llmDecompose(ctx context.Context, goal string, dctx *Context) (*Result, error) {
	prompt := buildDecompositionPrompt(goal, dctx, d.cfg.MaxSubtasks)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := d.planner.Chat(ctx, []planner.Message{
			{Role: planner.RoleSystem, Content: decompositionSystemPrompt},
			{Role: planner.RoleUser, Content: prompt},
		})
		if err != nil {
			lastErr = err
			continue
		}

		var parsed llmDecomposition
		parseInfo, err := jsonx.UnmarshalString(resp.Content, &parsed)
		if err != nil || len(parsed.Subtasks) == 0 {
			lastErr = fmt.Errorf("attempt %d: unparsable or empty decomposition", attempt)
			continue
		}

		result := &Result{
			Strategy:  parsed.Strategy,
			Recovered: parseInfo.Recovered,
		}
		result.Subtasks = normalizeSubtasks(parsed)
		return result, nil
	}

	// Both attempts failed: empty result, caller falls back.
	_ = lastErr
	return &Result{}, nil
}

const decompositionSystemPrompt = `You are a planning assistant. Decompose the goal ` +
	`into subtasks and answer with a single JSON object: ` +
	`{"strategy": "...", "subtasks": [{"id", "description", "dependencies", ` +
	`"complexity", "type", "parallelizable", "relevantFiles", "suggestedRole", ` +
	`"estimatedTokens"}]}. Dependencies reference other subtask ids. ` +
	`Complexity is 1-10. Do not wrap the JSON in prose.`

func buildDecompositionPrompt(goal string, dctx *Context, maxSubtasks int) string {
	var sb strings.Builder
	if dctx.Hints != "" {
		sb.WriteString("Context:\n")
		sb.WriteString(dctx.Hints)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Goal: %s\n\nProduce at most %d subtasks.", goal, maxSubtasks)
	return sb.String()
}

// normalizeSubtasks converts the raw LLM shape into validated subtasks:
// ids assigned where missing, complexity clamped, dependency references
// resolved, self/unknown references filtered.
func normalizeSubtasks(parsed llmDecomposition) []models.Subtask {
	tasks := make([]models.Subtask, 0, len(parsed.Subtasks))
	for i, raw := range parsed.Subtasks {
		id := strings.TrimSpace(raw.ID)
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		complexity := raw.Complexity
		if complexity < 1 {
			complexity = 1
		} else if complexity > 10 {
			complexity = 10
		}
		taskType := strings.TrimSpace(strings.ToLower(raw.Type))
		if taskType == "" {
			taskType = InferTaskType(raw.Description)
		}
		tasks = append(tasks, models.Subtask{
			ID:              id,
			Description:     strings.TrimSpace(raw.Description),
			Status:          models.StatusPending,
			Dependencies:    raw.Dependencies,
			Complexity:      complexity,
			Type:            taskType,
			Parallelizable:  raw.Parallelizable,
			RelevantFiles:   raw.RelevantFiles,
			SuggestedRole:   raw.SuggestedRole,
			EstimatedTokens: raw.EstimatedTokens,
		})
	}
	resolveDependencies(tasks)
	return tasks
}

// depRefPattern matches positional dependency references the model tends
// to produce instead of real ids.
var depRefPattern = regexp.MustCompile(`^(?:task-|subtask-|st-)?(\d+)$`)

// resolveDependencies maps each declared dependency onto a real task id:
// exact id match first, then positional references (task-N, subtask-N,
// st-N, bare N, all 1-based), then description substring. Self-references
// and unresolvable names are dropped.
func resolveDependencies(tasks []models.Subtask) {
	byID := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = true
	}

	resolve := func(ref string) string {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return ""
		}
		if byID[ref] {
			return ref
		}
		if m := depRefPattern.FindStringSubmatch(strings.ToLower(ref)); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(tasks) {
				return tasks[n-1].ID
			}
		}
		lowered := strings.ToLower(ref)
		for _, t := range tasks {
			if strings.Contains(strings.ToLower(t.Description), lowered) {
				return t.ID
			}
		}
		return ""
	}

	for i := range tasks {
		var deps []string
		seen := make(map[string]bool)
		for _, ref := range tasks[i].Dependencies {
			id := resolve(ref)
			if id == "" || id == tasks[i].ID || seen[id] {
				continue
			}
			seen[id] = true
			deps = append(deps, id)
		}
		tasks[i].Dependencies = deps
	}
}

// populateFileSets fills Modifies and Reads from RelevantFiles: mutating
// task types modify their relevant files, every type reads them.
func populateFileSets(tasks []models.Subtask) {
	for i := range tasks {
		t := &tasks[i]
		if len(t.RelevantFiles) == 0 {
			continue
		}
		if len(t.Reads) == 0 {
			t.Reads = append([]string(nil), t.RelevantFiles...)
		}
		if len(t.Modifies) == 0 && models.MutatingType(t.Type) {
			t.Modifies = append([]string(nil), t.RelevantFiles...)
		}
	}
}

// capSubtasks truncates to the configured maximum and drops dependencies
// on removed tasks.
func capSubtasks(tasks []models.Subtask, max int) []models.Subtask {
	if len(tasks) <= max {
		return tasks
	}
	tasks = tasks[:max]
	kept := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		kept[t.ID] = true
	}
	for i := range tasks {
		var deps []string
		for _, dep := range tasks[i].Dependencies {
			if kept[dep] {
				deps = append(deps, dep)
			}
		}
		tasks[i].Dependencies = deps
	}
	return tasks
}
