package models

import (
	"encoding/json"
	"time"
)

// SwarmTask extends a Subtask with scheduling state owned by the swarm
// orchestrator and task queue.
type SwarmTask struct {
	Subtask

	Wave          int         `json:"wave"`
	Attempts      int         `json:"attempts"`
	Model         string      `json:"model,omitempty"`
	IsFoundation  bool        `json:"isFoundation"`
	TargetFiles   []string    `json:"targetFiles,omitempty"`
	RescueContext string      `json:"rescueContext,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
}

// TaskResult captures the outcome of running one swarm task through a
// subagent.
type TaskResult struct {
	Success      bool      `json:"success"`
	Output       string    `json:"output,omitempty"`
	Error        string    `json:"error,omitempty"`
	Tokens       int       `json:"tokens"`
	Cost         float64   `json:"cost"`
	DurationMs   int64     `json:"durationMs"`
	ToolCalls    int       `json:"toolCalls"`
	FilesChanged []string  `json:"filesChanged,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Hollow reports whether the result looks like a stalled worker: it ran no
// tools and produced almost no output.
func (r *TaskResult) Hollow() bool {
	return r.ToolCalls == 0 && len(r.Output) < 200
}

// SwarmPhase is the orchestrator's coarse lifecycle state.
type SwarmPhase string

const (
	PhasePlanning  SwarmPhase = "planning"
	PhaseExecuting SwarmPhase = "executing"
	PhaseReviewing SwarmPhase = "reviewing"
	PhaseCompleted SwarmPhase = "completed"
	PhaseFailed    SwarmPhase = "failed"
)

// SwarmStats aggregates progress counters for checkpoints and summaries.
type SwarmStats struct {
	TotalTasks     int     `json:"totalTasks"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Skipped        int     `json:"skipped"`
	InProgress     int     `json:"inProgress"`
	TokensUsed     int     `json:"tokensUsed"`
	CostUSD        float64 `json:"costUsd"`
	WavesCompleted int     `json:"wavesCompleted"`
}

// Decision is one entry in the orchestrator's decision log: budget triage,
// stall warnings, replans and the like.
type Decision struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is the serialized swarm state written after every wave.
// Unknown fields from newer writers are preserved across a round-trip via
// Extra.
type Checkpoint struct {
	SessionID      string      `json:"sessionId"`
	Timestamp      time.Time   `json:"timestamp"`
	Phase          SwarmPhase  `json:"phase"`
	TaskStates     []SwarmTask `json:"taskStates"`
	Waves          [][]string  `json:"waves"`
	CurrentWave    int         `json:"currentWave"`
	Stats          SwarmStats  `json:"stats"`
	Decisions      []Decision  `json:"decisions"`
	Errors         []string    `json:"errors"`
	OriginalPrompt string      `json:"originalPrompt,omitempty"`

	// Extra holds fields this version does not understand so they survive
	// deserialization and re-serialization.
	Extra map[string]json.RawMessage `json:"-"`
}

// checkpointAlias avoids recursion in the custom JSON round-trip.
type checkpointAlias Checkpoint

var checkpointKnownFields = []string{
	"sessionId", "timestamp", "phase", "taskStates", "waves",
	"currentWave", "stats", "decisions", "errors", "originalPrompt",
}

// MarshalJSON emits the known fields plus any preserved unknown fields.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(checkpointAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes unrecognized ones in Extra.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var alias checkpointAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, field := range checkpointKnownFields {
		delete(raw, field)
	}
	*c = Checkpoint(alias)
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}
