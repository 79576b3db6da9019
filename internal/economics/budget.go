// Package economics tracks execution resources against multi-dimensional
// budgets: tokens, cost, wall-clock and iterations. It owns stuck/loop
// detection, phase state, the extension protocol, and the dynamic budget
// pool parents carve child budgets from.
package economics

import (
	"errors"
	"fmt"
	"time"
)

// Dimension names one axis of a budget.
type Dimension string

const (
	DimTokens     Dimension = "tokens"
	DimCost       Dimension = "cost"
	DimDuration   Dimension = "duration"
	DimIterations Dimension = "iterations"
)

// Budget is a multi-dimensional execution budget. Hard limits terminate;
// soft limits and TargetIterations are advisory.
type Budget struct {
	MaxTokens     int           `yaml:"max_tokens" json:"maxTokens"`
	MaxCost       float64       `yaml:"max_cost" json:"maxCost"`
	MaxDuration   time.Duration `yaml:"max_duration" json:"maxDuration"`
	MaxIterations int           `yaml:"max_iterations" json:"maxIterations"`

	SoftTokenLimit    int           `yaml:"soft_token_limit" json:"softTokenLimit"`
	SoftCostLimit     float64       `yaml:"soft_cost_limit" json:"softCostLimit"`
	SoftDurationLimit time.Duration `yaml:"soft_duration_limit" json:"softDurationLimit"`
	TargetIterations  int           `yaml:"target_iterations" json:"targetIterations"`
}

// Validate enforces the budget invariants: every hard limit positive,
// every soft limit at or below its hard counterpart.
func (b *Budget) Validate() error {
	if b.MaxTokens <= 0 {
		return errors.New("max_tokens must be positive")
	}
	if b.MaxCost <= 0 {
		return errors.New("max_cost must be positive")
	}
	if b.MaxDuration <= 0 {
		return errors.New("max_duration must be positive")
	}
	if b.MaxIterations <= 0 {
		return errors.New("max_iterations must be positive")
	}
	if b.SoftTokenLimit > b.MaxTokens {
		return fmt.Errorf("soft_token_limit %d exceeds max_tokens %d", b.SoftTokenLimit, b.MaxTokens)
	}
	if b.SoftCostLimit > b.MaxCost {
		return fmt.Errorf("soft_cost_limit %.2f exceeds max_cost %.2f", b.SoftCostLimit, b.MaxCost)
	}
	if b.SoftDurationLimit > b.MaxDuration {
		return fmt.Errorf("soft_duration_limit %s exceeds max_duration %s", b.SoftDurationLimit, b.MaxDuration)
	}
	if b.TargetIterations > b.MaxIterations {
		return fmt.Errorf("target_iterations %d exceeds max_iterations %d", b.TargetIterations, b.MaxIterations)
	}
	return nil
}

// Preset names a built-in budget.
type Preset string

const (
	PresetQuick       Preset = "quick"
	PresetStandard    Preset = "standard"
	PresetLarge       Preset = "large"
	PresetSubagent    Preset = "subagent"
	PresetSwarmWorker Preset = "swarm-worker"
)

// BudgetForPreset returns a copy of the named preset. Quick, Standard and
// Large have strictly increasing hard limits; Subagent and SwarmWorker sit
// below Large on every dimension.
func BudgetForPreset(p Preset) (Budget, error) {
	switch p {
	case PresetQuick:
		return Budget{
			MaxTokens: 50_000, MaxCost: 1.0, MaxDuration: 5 * time.Minute, MaxIterations: 15,
			SoftTokenLimit: 35_000, SoftCostLimit: 0.70, SoftDurationLimit: 210 * time.Second, TargetIterations: 10,
		}, nil
	case PresetStandard:
		return Budget{
			MaxTokens: 200_000, MaxCost: 5.0, MaxDuration: 20 * time.Minute, MaxIterations: 50,
			SoftTokenLimit: 150_000, SoftCostLimit: 3.50, SoftDurationLimit: 15 * time.Minute, TargetIterations: 30,
		}, nil
	case PresetLarge:
		return Budget{
			MaxTokens: 1_000_000, MaxCost: 25.0, MaxDuration: time.Hour, MaxIterations: 150,
			SoftTokenLimit: 750_000, SoftCostLimit: 18.0, SoftDurationLimit: 45 * time.Minute, TargetIterations: 100,
		}, nil
	case PresetSubagent:
		return Budget{
			MaxTokens: 120_000, MaxCost: 3.0, MaxDuration: 10 * time.Minute, MaxIterations: 30,
			SoftTokenLimit: 90_000, SoftCostLimit: 2.20, SoftDurationLimit: 450 * time.Second, TargetIterations: 20,
		}, nil
	case PresetSwarmWorker:
		return Budget{
			MaxTokens: 80_000, MaxCost: 2.0, MaxDuration: 8 * time.Minute, MaxIterations: 25,
			SoftTokenLimit: 60_000, SoftCostLimit: 1.50, SoftDurationLimit: 6 * time.Minute, TargetIterations: 15,
		}, nil
	}
	return Budget{}, fmt.Errorf("unknown budget preset %q", p)
}

// MustPreset is BudgetForPreset for the built-in names; it panics on a bad
// name and exists for initialization sites.
func MustPreset(p Preset) Budget {
	b, err := BudgetForPreset(p)
	if err != nil {
		panic(err)
	}
	return b
}

// Usage holds the running counters for one agent. All counters are
// cumulative and only Reset clears them.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Tokens       int     `json:"tokens"` // InputTokens + OutputTokens
	Cost         float64 `json:"cost"`
	DurationMs   int64   `json:"durationMs"` // excludes paused intervals
	Iterations   int     `json:"iterations"`
	LLMCalls     int     `json:"llmCalls"`
}
