package spawn

import (
	"strings"
	"sync"
	"time"
)

// Duplicate-prevention defaults. The similarity threshold is tuned
// empirically and exposed through Config.
const (
	defaultDuplicateWindow     = 60 * time.Second
	defaultSimilarityThreshold = 0.75
	exactPrefixLen             = 150
)

// dupEntry records one completed (or prevented) spawn for the window.
type dupEntry struct {
	agentName   string
	prefix      string
	tokens      map[string]bool
	at          time.Time
	summary     string
	planChanges int
}

// dupTracker prevents re-spawning near-identical tasks within a sliding
// window. Exact matches compare the normalized task prefix; semantic
// matches use Jaccard similarity over the tokenized description.
type dupTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold float64
	entries   []dupEntry
	now       func() time.Time
}

func newDupTracker(window time.Duration, threshold float64) *dupTracker {
	if window <= 0 {
		window = defaultDuplicateWindow
	}
	if threshold <= 0 {
		threshold = defaultSimilarityThreshold
	}
	return &dupTracker{window: window, threshold: threshold, now: time.Now}
}

// Match returns the matching entry and the kind of match ("exact" or
// "semantic"), or nil when the task is fresh.
func (d *dupTracker) Match(agentName, task string) (*dupEntry, string) {
	normalized := normalizeTask(task)
	prefix := taskPrefix(normalized)
	tokens := tokenize(normalized)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()

	for i := range d.entries {
		e := &d.entries[i]
		if e.agentName != agentName {
			continue
		}
		if e.prefix == prefix {
			return e, "exact"
		}
		if jaccard(tokens, e.tokens) >= d.threshold {
			return e, "semantic"
		}
	}
	return nil, ""
}

// Record notes a spawn so identical follow-ups within the window are
// suppressed.
func (d *dupTracker) Record(agentName, task, summary string, planChanges int) {
	normalized := normalizeTask(task)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	d.entries = append(d.entries, dupEntry{
		agentName:   agentName,
		prefix:      taskPrefix(normalized),
		tokens:      tokenize(normalized),
		at:          d.now(),
		summary:     summary,
		planChanges: planChanges,
	})
}

func (d *dupTracker) pruneLocked() {
	cutoff := d.now().Add(-d.window)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}

// normalizeTask lowercases and collapses whitespace so cosmetic
// differences do not defeat the exact match.
func normalizeTask(task string) string {
	return strings.Join(strings.Fields(strings.ToLower(task)), " ")
}

func taskPrefix(normalized string) string {
	if len(normalized) > exactPrefixLen {
		return normalized[:exactPrefixLen]
	}
	return normalized
}

// tokenize splits a normalized task into its word set for Jaccard
// comparison, stripping punctuation so "src/auth.ts" and "/src/auth.ts"
// compare equal.
func tokenize(normalized string) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.FieldsFunc(normalized, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(word) >= 2 {
			set[word] = true
		}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b|. Empty sets never match.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for word := range a {
		if b[word] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
