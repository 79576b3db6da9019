package models

import (
	"errors"
	"fmt"
)

// TaskStatus tracks a subtask through its lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusReady      TaskStatus = "ready"
	StatusBlocked    TaskStatus = "blocked"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
	// StatusDecomposed marks a task that was replaced by finer-grained
	// replan tasks. It satisfies dependencies the same way completed does.
	StatusDecomposed TaskStatus = "decomposed"
)

// IsTerminal reports whether the status can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusDecomposed:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a dependency in this status unblocks
// its dependents.
func (s TaskStatus) SatisfiesDependency() bool {
	return s == StatusCompleted || s == StatusDecomposed
}

// Well-known task types. The Type field is an open string; these are the
// values the decomposer emits and the policy engine keys on.
const (
	TypeResearch  = "research"
	TypeAnalysis  = "analysis"
	TypeDesign    = "design"
	TypeImplement = "implement"
	TypeFix       = "fix"
	TypeTest      = "test"
	TypeRefactor  = "refactor"
	TypeReview    = "review"
	TypeDocument  = "document"
	TypeIntegrate = "integrate"
	TypeDeploy    = "deploy"
	TypeMerge     = "merge"
)

// MutatingType reports whether tasks of the given type are expected to
// modify files (used when populating Modifies from relevant files).
func MutatingType(taskType string) bool {
	switch taskType {
	case TypeImplement, TypeFix, TypeRefactor, TypeIntegrate, TypeTest, TypeDeploy:
		return true
	}
	return false
}

// Subtask is one node of a decomposed goal.
type Subtask struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	Dependencies    []string   `json:"dependencies,omitempty"`
	Complexity      int        `json:"complexity"` // 1..10
	Type            string     `json:"type"`       // research, implement, ...
	Parallelizable  bool       `json:"parallelizable"`
	Modifies        []string   `json:"modifies,omitempty"` // file paths this task writes
	Reads           []string   `json:"reads,omitempty"`    // file paths this task reads
	RelevantFiles   []string   `json:"relevantFiles,omitempty"`
	SuggestedRole   string     `json:"suggestedRole,omitempty"`
	EstimatedTokens int        `json:"estimatedTokens,omitempty"`
}

// Validate checks the subtask has the fields every consumer relies on.
func (s *Subtask) Validate() error {
	if s.ID == "" {
		return errors.New("subtask id is required")
	}
	if s.Description == "" {
		return errors.New("subtask description is required")
	}
	if s.Complexity < 1 || s.Complexity > 10 {
		return fmt.Errorf("subtask %s: complexity %d out of range [1,10]", s.ID, s.Complexity)
	}
	return nil
}

// DependsOn reports whether the subtask declares a dependency on id.
func (s *Subtask) DependsOn(id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// HasCyclicDependencies detects circular dependencies in a list of subtasks
// using DFS with color marking (white=unvisited, gray=visiting, black=visited).
func HasCyclicDependencies(tasks []Subtask) bool {
	graph := make(map[string][]string)
	known := make(map[string]bool)

	for _, task := range tasks {
		known[task.ID] = true
		graph[task.ID] = []string{}
	}

	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if dep == task.ID {
				return true
			}
			if known[dep] {
				graph[dep] = append(graph[dep], task.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)

	colors := make(map[string]int, len(known))
	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, neighbor := range graph[node] {
			if colors[neighbor] == gray {
				return true
			}
			if colors[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}
