package decompose

import (
	"fmt"
	"strings"

	"github.com/harrison/overmind/internal/models"
)

// Strategy names the overall shape of a heuristic decomposition.
type Strategy string

const (
	StrategySequential   Strategy = "sequential"
	StrategyParallel     Strategy = "parallel"
	StrategyHierarchical Strategy = "hierarchical"
	StrategyPipeline     Strategy = "pipeline"
	StrategyAdaptive     Strategy = "adaptive"
)

// typeKeywords maps task types to the words that indicate them. The type
// with the most hits wins; ties go to the first listed.
var typeKeywords = []struct {
	taskType string
	words    []string
}{
	{models.TypeFix, []string{"fix", "bug", "broken", "regression", "crash", "error"}},
	{models.TypeTest, []string{"test", "coverage", "unit test", "spec", "assert"}},
	{models.TypeRefactor, []string{"refactor", "clean up", "cleanup", "restructure", "simplify", "extract"}},
	{models.TypeImplement, []string{"implement", "add", "build", "create", "write", "support"}},
	{models.TypeReview, []string{"review", "audit", "check", "inspect"}},
	{models.TypeDocument, []string{"document", "docs", "readme", "comment", "explain"}},
	{models.TypeIntegrate, []string{"integrate", "connect", "wire", "hook up", "migrate"}},
	{models.TypeDeploy, []string{"deploy", "release", "publish", "ship", "rollout"}},
	{models.TypeAnalysis, []string{"analyze", "analyse", "profile", "measure", "benchmark", "investigate"}},
	{models.TypeResearch, []string{"research", "explore", "find", "compare", "evaluate", "survey"}},
	{models.TypeDesign, []string{"design", "architect", "plan", "propose", "sketch"}},
}

// InferTaskType picks the task type whose keywords hit the description
// most often. Defaults to implement.
func InferTaskType(description string) string {
	lowered := strings.ToLower(description)
	best := models.TypeImplement
	bestHits := 0
	for _, entry := range typeKeywords {
		hits := 0
		for _, word := range entry.words {
			hits += strings.Count(lowered, word)
		}
		if hits > bestHits {
			best = entry.taskType
			bestHits = hits
		}
	}
	return best
}

// inferStrategy selects a decomposition shape from cue words and goal
// length.
func inferStrategy(goal string) Strategy {
	lowered := strings.ToLower(goal)
	switch {
	case containsAny(lowered, "then", "after that", "first", "finally", "step by step"):
		return StrategySequential
	case containsAny(lowered, "each", "every", "all of", "independently", "in parallel", "across"):
		return StrategyParallel
	case containsAny(lowered, "system", "architecture", "end-to-end", "end to end", "full stack", "overall"):
		return StrategyHierarchical
	case containsAny(lowered, "process", "transform", "convert", "ingest", "export", "stream"):
		return StrategyPipeline
	case len(strings.Fields(goal)) > 40:
		return StrategyHierarchical
	default:
		return StrategyAdaptive
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// skeletonStep is one slot of a fixed strategy skeleton.
type skeletonStep struct {
	verb           string
	taskType       string
	complexity     int
	parallelizable bool
	dependsOnPrev  bool
}

// skeletons holds the fixed shape per strategy. The heuristic never
// invents structure beyond these.
var skeletons = map[Strategy][]skeletonStep{
	StrategySequential: {
		{"Understand the current state for", models.TypeResearch, 3, false, false},
		{"Carry out", models.TypeImplement, 6, false, true},
		{"Verify the result of", models.TypeTest, 4, false, true},
	},
	StrategyParallel: {
		{"Survey the scope of", models.TypeResearch, 3, false, false},
		{"Work one independent part of", models.TypeImplement, 5, true, true},
		{"Work another independent part of", models.TypeImplement, 5, true, true},
		{"Combine and verify", models.TypeIntegrate, 5, false, true},
	},
	StrategyHierarchical: {
		{"Map the components involved in", models.TypeAnalysis, 4, false, false},
		{"Design the approach for", models.TypeDesign, 5, false, true},
		{"Implement the core of", models.TypeImplement, 7, false, true},
		{"Implement the supporting pieces of", models.TypeImplement, 5, true, true},
		{"Verify and tie together", models.TypeIntegrate, 5, false, true},
	},
	StrategyPipeline: {
		{"Define the input and output stages of", models.TypeDesign, 4, false, false},
		{"Implement the first stage of", models.TypeImplement, 5, false, true},
		{"Implement the remaining stages of", models.TypeImplement, 6, false, true},
		{"Run data through and verify", models.TypeTest, 4, false, true},
	},
	StrategyAdaptive: {
		{"Assess what is needed for", models.TypeResearch, 3, false, false},
		{"Carry out", models.TypeImplement, 6, false, true},
		{"Verify", models.TypeTest, 4, false, true},
	},
}

// heuristic generates a deterministic decomposition: primary type from
// keyword hits, strategy from cue words, then the fixed skeleton for that
// strategy. It never fails.
func (d *Decomposer) heuristic(goal string) *Result {
	strategy := inferStrategy(goal)
	steps := skeletons[strategy]

	// Parallel skeleton dependencies: the fan-out steps depend on the
	// first step, the join depends on all fan-out steps.
	tasks := make([]models.Subtask, 0, len(steps))
	for i, step := range steps {
		id := fmt.Sprintf("task-%d", i+1)
		var deps []string
		if step.dependsOnPrev && i > 0 {
			if step.parallelizable {
				deps = []string{tasks[firstNonParallelBefore(steps, i)].ID}
			} else {
				for j := i - 1; j >= 0; j-- {
					deps = append(deps, tasks[j].ID)
					if !steps[j].parallelizable {
						break
					}
				}
			}
		}
		tasks = append(tasks, models.Subtask{
			ID:             id,
			Description:    fmt.Sprintf("%s: %s", step.verb, goal),
			Status:         models.StatusPending,
			Dependencies:   deps,
			Complexity:     step.complexity,
			Type:           step.taskType,
			Parallelizable: step.parallelizable,
		})
	}

	// The primary inferred type colors the heaviest step.
	primary := InferTaskType(goal)
	if models.MutatingType(primary) || primary == models.TypeResearch || primary == models.TypeAnalysis {
		heaviest := 0
		for i, t := range tasks {
			if t.Complexity > tasks[heaviest].Complexity {
				heaviest = i
			}
		}
		tasks[heaviest].Type = primary
	}

	return &Result{
		Subtasks:     tasks,
		Strategy:     string(strategy),
		UsedFallback: true,
	}
}

// firstNonParallelBefore finds the most recent sequential step before i,
// which parallel fan-out steps hang their dependency on.
func firstNonParallelBefore(steps []skeletonStep, i int) int {
	for j := i - 1; j >= 0; j-- {
		if !steps[j].parallelizable {
			return j
		}
	}
	return 0
}
