package models

// DependencyGraph is the dependency structure the decomposer derives from a
// set of subtasks. Forward maps a task to the tasks it depends on; Reverse
// maps a task to its dependents.
type DependencyGraph struct {
	Forward        map[string][]string `json:"forward"`
	Reverse        map[string][]string `json:"reverse"`
	ExecutionOrder []string            `json:"executionOrder"`
	ParallelGroups [][]string          `json:"parallelGroups"`
	Cycles         [][]string          `json:"cycles,omitempty"`
}

// IsValid reports whether the graph has no cycles.
func (g *DependencyGraph) IsValid() bool {
	return len(g.Cycles) == 0
}

// Dependents returns the tasks that depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	return g.Reverse[id]
}

// ConflictKind classifies a file-access conflict between two subtasks.
type ConflictKind string

const (
	ConflictWriteWrite ConflictKind = "write-write"
	ConflictReadWrite  ConflictKind = "read-write"
)

// ConflictSeverity ranks how seriously a conflict should be treated.
type ConflictSeverity string

const (
	SeverityError   ConflictSeverity = "error"
	SeverityWarning ConflictSeverity = "warning"
)

// Conflict records a file-level collision between two subtasks that could
// run concurrently.
type Conflict struct {
	Kind       ConflictKind     `json:"kind"`
	Severity   ConflictSeverity `json:"severity"`
	TaskA      string           `json:"taskA"`
	TaskB      string           `json:"taskB"`
	File       string           `json:"file"`
	Suggestion string           `json:"suggestion"`
}
