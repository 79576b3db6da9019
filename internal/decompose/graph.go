package decompose

import (
	"sort"

	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
)

// BuildGraph derives the dependency structure of a subtask set: forward
// and reverse adjacency, a Kahn topological order, successive ready
// antichains as parallel groups, and any cycles found. Dependencies naming
// unknown tasks are ignored here; the decomposer filters them earlier.
func BuildGraph(tasks []models.Subtask, bus *events.Bus) *models.DependencyGraph {
	g := &models.DependencyGraph{
		Forward: make(map[string][]string, len(tasks)),
		Reverse: make(map[string][]string, len(tasks)),
	}

	known := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		known[t.ID] = true
		g.Forward[t.ID] = []string{}
		g.Reverse[t.ID] = []string{}
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if !known[dep] || dep == t.ID {
				continue
			}
			g.Forward[t.ID] = append(g.Forward[t.ID], dep)
			g.Reverse[dep] = append(g.Reverse[dep], t.ID)
		}
	}

	g.ExecutionOrder = kahnOrder(tasks, g)
	if len(g.ExecutionOrder) < len(tasks) {
		g.Cycles = findCycles(tasks, g)
		if bus != nil {
			bus.Emit(events.CycleDetected, "", map[string]any{"cycles": g.Cycles})
		}
	}
	g.ParallelGroups = parallelGroups(tasks, g)
	return g
}

// kahnOrder runs Kahn's algorithm. Nodes caught in a cycle are absent from
// the returned order.
func kahnOrder(tasks []models.Subtask, g *models.DependencyGraph) []string {
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = len(g.Forward[t.ID])
	}

	// Seed with zero-indegree nodes in declaration order for determinism.
	var queue []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		dependents := append([]string(nil), g.Reverse[id]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return order
}

// findCycles records each cycle among the nodes Kahn could not order,
// using DFS with a gray stack.
func findCycles(tasks []models.Subtask, g *models.DependencyGraph) [][]string {
	ordered := make(map[string]bool)
	for _, id := range g.ExecutionOrder {
		ordered[id] = true
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int)
	var cycles [][]string
	var stack []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range g.Forward[id] {
			if ordered[dep] {
				continue
			}
			switch colors[dep] {
			case gray:
				// Unwind the stack back to dep to record the cycle.
				var cycle []string
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append([]string{stack[i]}, cycle...)
					if stack[i] == dep {
						break
					}
				}
				cycles = append(cycles, cycle)
			case white:
				if dfs(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for _, t := range tasks {
		if !ordered[t.ID] && colors[t.ID] == white {
			dfs(t.ID)
		}
	}
	return cycles
}

// parallelGroups produces successive maximal antichains: at each step the
// set of tasks whose dependencies are all in earlier groups becomes one
// group. Cyclic tasks never become ready and are left out.
func parallelGroups(tasks []models.Subtask, g *models.DependencyGraph) [][]string {
	done := make(map[string]bool, len(tasks))
	remaining := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		remaining[t.ID] = true
	}

	var groups [][]string
	for len(remaining) > 0 {
		var group []string
		for _, t := range tasks {
			if !remaining[t.ID] {
				continue
			}
			ready := true
			for _, dep := range g.Forward[t.ID] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, t.ID)
			}
		}
		if len(group) == 0 {
			break // cycle: nothing further can become ready
		}
		for _, id := range group {
			done[id] = true
			delete(remaining, id)
		}
		groups = append(groups, group)
	}
	return groups
}
