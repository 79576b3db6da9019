// Package plan implements plan mode: write-effecting tool calls are
// queued as proposed changes on a pending plan instead of executing, and
// wait for user approval. Each agent owns exactly one manager; child plans
// are merged into the parent when a subagent completes.
package plan

import (
	"time"
)

// Status of a pending plan.
type Status string

const (
	StatusPending           Status = "pending"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusPartiallyApproved Status = "partially_approved"
)

// ProposedChange is one intercepted write-intent tool call.
type ProposedChange struct {
	ID         string         `json:"id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Reason     string         `json:"reason"`
	Order      int            `json:"order"`
	ToolCallID string         `json:"toolCallId,omitempty"`
}

// PendingPlan is the queued set of changes awaiting a decision.
type PendingPlan struct {
	ID                 string           `json:"id"`
	Task               string           `json:"task"`
	SessionID          string           `json:"sessionId,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
	ProposedChanges    []ProposedChange `json:"proposedChanges"`
	ExplorationSummary string           `json:"explorationSummary,omitempty"`
	Status             Status           `json:"status"`
}

// FileTargets returns the distinct "path" arguments across all proposed
// changes, in first-seen order. Used to tell children which files already
// have queued work.
func (p *PendingPlan) FileTargets() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, change := range p.ProposedChanges {
		path, _ := change.Args["path"].(string)
		if path != "" && !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}
	return paths
}
