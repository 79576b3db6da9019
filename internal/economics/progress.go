package economics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Phase is the coarse behavioral state of an agent's inner loop.
type Phase string

const (
	PhaseExploring Phase = "exploring"
	PhaseActing    Phase = "acting"
	PhaseVerifying Phase = "verifying"
)

// fingerprintWindow is how many recent tool calls are kept for doom-loop
// detection.
const fingerprintWindow = 10

// progressState backs stuckness detection.
type progressState struct {
	filesRead              map[string]bool
	filesModified          map[string]bool
	commandsRun            int
	fingerprints           []string // most recent last, capped at fingerprintWindow
	consecutiveIdentical   int
	lastMeaningfulProgress time.Time
	stuckCount             int
	saturationReported     bool
}

// phaseState tracks the exploring -> acting -> verifying transitions and
// test outcomes.
type phaseState struct {
	phase                   Phase
	explorationIterations   int
	testsRun                int
	consecutiveTestFailures int
	lastTestPassed          bool
	inTestFixCycle          bool
}

func newProgressState(now time.Time) progressState {
	return progressState{
		filesRead:              make(map[string]bool),
		filesModified:          make(map[string]bool),
		lastMeaningfulProgress: now,
	}
}

// fingerprint builds a stable identity for a tool call: name plus
// key-sorted arguments. Two calls with the same fingerprint are the same
// action.
func fingerprint(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + "()"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		if data, err := json.Marshal(args[k]); err == nil {
			sb.Write(data)
		} else {
			fmt.Fprintf(&sb, "%v", args[k])
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// push appends a fingerprint, maintains the window, and updates the
// consecutive-identical counter.
func (p *progressState) push(fp string) {
	if n := len(p.fingerprints); n > 0 && p.fingerprints[n-1] == fp {
		p.consecutiveIdentical++
	} else {
		p.consecutiveIdentical = 1
	}
	p.fingerprints = append(p.fingerprints, fp)
	if len(p.fingerprints) > fingerprintWindow {
		p.fingerprints = p.fingerprints[len(p.fingerprints)-fingerprintWindow:]
	}
}

// mutatingTools write to the workspace; the first one moves the phase from
// exploring to acting.
var mutatingTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"create_file": true,
	"delete_file": true,
	"apply_patch": true,
	"move_file":   true,
}

// readTools contribute to the files-read set when given a path argument.
var readTools = map[string]bool{
	"read_file":    true,
	"list_files":   true,
	"search_files": true,
}

// testCommandMarkers identify shell commands that run a test suite.
var testCommandMarkers = []string{
	"go test", "npm test", "npm run test", "yarn test", "pnpm test",
	"pytest", "cargo test", "make test", "mvn test", "gradle test",
	"rspec", "phpunit", "ctest",
}

// IsTestCommand reports whether a shell command looks like a test run.
func IsTestCommand(command string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(command))
	for _, marker := range testCommandMarkers {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}

func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
