package models

// CompletionStatus classifies how a subagent run ended.
type CompletionStatus string

const (
	CompletionCompleted       CompletionStatus = "completed"
	CompletionTimeoutGraceful CompletionStatus = "timeout_graceful"
	CompletionTimeoutHard     CompletionStatus = "timeout_hard"
	CompletionCancelled       CompletionStatus = "cancelled"
)

// StructuredReport is the closure report a subagent emits as JSON at the
// tail of its final text output. Missing fields default to empty slices.
type StructuredReport struct {
	Status             CompletionStatus `json:"status,omitempty"`
	Findings           []string         `json:"findings"`
	ActionsTaken       []string         `json:"actionsTaken"`
	Failures           []string         `json:"failures"`
	RemainingWork      []string         `json:"remainingWork"`
	SuggestedNextSteps []string         `json:"suggestedNextSteps"`
}

// Normalize replaces nil slices with empty ones so serialized reports are
// stable regardless of which fields the model emitted.
func (r *StructuredReport) Normalize() {
	if r.Findings == nil {
		r.Findings = []string{}
	}
	if r.ActionsTaken == nil {
		r.ActionsTaken = []string{}
	}
	if r.Failures == nil {
		r.Failures = []string{}
	}
	if r.RemainingWork == nil {
		r.RemainingWork = []string{}
	}
	if r.SuggestedNextSteps == nil {
		r.SuggestedNextSteps = []string{}
	}
}
