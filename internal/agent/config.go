package agent

import (
	"errors"
	"time"

	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/plan"
	"github.com/harrison/overmind/internal/planner"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/tools"
)

// SubagentOverrides carries per-task-type tuning an agent definition can
// declare for the children it spawns.
type SubagentOverrides struct {
	// TimeoutByType overrides the subagent timeout for specific task types.
	TimeoutByType map[string]time.Duration `yaml:"timeout_by_type"`
	// IterationCapByType overrides MaxIterations for specific task types.
	IterationCapByType map[string]int `yaml:"iteration_cap_by_type"`
}

// Config is the static description of one agent instance.
type Config struct {
	ID           string
	Name         string
	SystemPrompt string
	Model        string
	TaskType     string

	Budget    economics.Budget
	Economics economics.Config

	// Profile is the resolved policy profile the loop enforces on every
	// tool call. Resolution happens before construction (spawner or CLI).
	Profile policy.Profile

	// PlanMode queues write-effecting tool calls as proposed changes
	// instead of executing them.
	PlanMode bool

	Subagents SubagentOverrides

	Planner planner.Planner
	Tools   *tools.Registry
	Bus     *events.Bus

	// Plans is the pending-plan manager this agent owns. Created on demand
	// when nil.
	Plans *plan.Manager
}

func (c *Config) validate() error {
	if c.ID == "" {
		return errors.New("agent id is required")
	}
	if c.Planner == nil {
		return errors.New("agent requires a planner")
	}
	return nil
}
