package spawn

import (
	"sync"
	"time"
)

// maxSharedFindings bounds how many sibling findings are injected into a
// child's prompt.
const maxSharedFindings = 5

// minSharedConfidence filters low-confidence findings off the board view.
const minSharedConfidence = 0.6

// Finding is one observation an agent shares with its siblings.
type Finding struct {
	Agent      string
	Text       string
	Confidence float64
	At         time.Time
}

// Blackboard is the shared findings board between sibling subagents.
// Writers post, spawners read the most recent high-confidence entries
// when assembling a child prompt.
type Blackboard struct {
	mu       sync.Mutex
	findings []Finding
}

// NewBlackboard creates an empty board.
func NewBlackboard() *Blackboard {
	return &Blackboard{}
}

// Post appends a finding.
func (b *Blackboard) Post(agent, text string, confidence float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.findings = append(b.findings, Finding{
		Agent:      agent,
		Text:       text,
		Confidence: confidence,
		At:         time.Now(),
	})
}

// Recent returns up to maxSharedFindings high-confidence findings, newest
// first, excluding the requesting agent's own posts.
func (b *Blackboard) Recent(excludeAgent string) []Finding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Finding
	for i := len(b.findings) - 1; i >= 0 && len(out) < maxSharedFindings; i-- {
		f := b.findings[i]
		if f.Agent == excludeAgent || f.Confidence < minSharedConfidence {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Len reports the total number of posted findings.
func (b *Blackboard) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.findings)
}
