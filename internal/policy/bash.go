package policy

import (
	"fmt"
	"strings"

	"github.com/harrison/overmind/internal/models"
)

// BashDecision is the result of evaluating one shell command.
type BashDecision struct {
	Allowed bool
	Reason  string
	// ReadTarget is set when the command was recognized as a single-file
	// read; used for read-only verification.
	ReadTarget string
}

// taskScopedReadOnly lists the task types that get read_only shell access
// under task_scoped mode. Everything else gets disabled.
func taskScopedReadOnly(taskType string) bool {
	switch taskType {
	case models.TypeImplement, models.TypeTest, models.TypeRefactor,
		models.TypeIntegrate, models.TypeDeploy, models.TypeDocument:
		return true
	}
	return false
}

// EvaluateBash authorizes a shell command against the profile's bash mode
// and write protection. task_scoped expands to read_only or disabled based
// on the task type before evaluation.
func EvaluateBash(command string, p Profile, taskType string) BashDecision {
	mode := p.BashMode
	if mode == BashTaskScoped {
		if taskScopedReadOnly(taskType) {
			mode = BashReadOnly
		} else {
			mode = BashDisabled
		}
	}

	switch mode {
	case BashDisabled:
		return BashDecision{
			Allowed: false,
			Reason:  "shell access is disabled by the active profile",
		}
	case BashReadOnly:
		target, ok := ExtractReadTarget(command)
		if !ok {
			return BashDecision{
				Allowed: false,
				Reason:  "shell access is read-only; only single-file read commands are permitted",
			}
		}
		return BashDecision{Allowed: true, ReadTarget: target}
	case BashFull, "":
		if p.BashWriteProtection == WriteProtectionBlockFile && mutatesFiles(command) {
			return BashDecision{
				Allowed: false,
				Reason:  "command appears to mutate files and bash write protection is active",
			}
		}
		return BashDecision{Allowed: true, ReadTarget: readTargetOrEmpty(command)}
	default:
		return BashDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown bash mode %q", mode),
		}
	}
}

// readOnlyCommands are binaries treated as file reads when given a single
// path argument.
var readOnlyCommands = map[string]bool{
	"cat":  true,
	"head": true,
	"tail": true,
	"grep": true,
	"less": true,
	"wc":   true,
}

// shellControlChars disqualify a command from single-file extraction:
// pipes, redirects, command chaining, substitution.
const shellControlChars = "|><;&$`"

// ExtractReadTarget recognizes commands of the shape `cat path`,
// `head -n 20 path`, `grep pattern path` with no pipes or redirects, and
// returns the single file path being read.
func ExtractReadTarget(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" || strings.ContainsAny(trimmed, shellControlChars) {
		return "", false
	}

	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return "", false
	}
	if !readOnlyCommands[fields[0]] {
		return "", false
	}

	// Positional (non-flag) arguments after the command name. grep takes a
	// pattern before the path; everything else takes the path directly.
	var positional []string
	skipNext := false
	for _, arg := range fields[1:] {
		if skipNext {
			skipNext = false
			continue
		}
		if strings.HasPrefix(arg, "-") {
			// Flags that consume a separate value argument.
			if arg == "-n" || arg == "-c" || arg == "-e" {
				skipNext = true
			}
			continue
		}
		positional = append(positional, arg)
	}

	want := 1
	if fields[0] == "grep" {
		want = 2
	}
	if len(positional) != want {
		return "", false
	}
	return positional[len(positional)-1], true
}

func readTargetOrEmpty(command string) string {
	target, _ := ExtractReadTarget(command)
	return target
}

// mutatingPrefixes flag commands that write to the filesystem.
var mutatingPrefixes = []string{
	"rm ", "rm\t", "mv ", "cp ", "touch ", "mkdir ", "rmdir ",
	"tee ", "truncate ", "dd ", "chmod ", "chown ", "ln ",
	"sed -i", "git checkout", "git reset", "git clean",
}

// mutatesFiles is a heuristic: redirects or known mutating binaries.
func mutatesFiles(command string) bool {
	trimmed := strings.TrimSpace(command)
	if strings.Contains(trimmed, ">") {
		return true
	}
	for _, prefix := range mutatingPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	// Chained commands are checked segment by segment.
	for _, sep := range []string{"&&", "||", ";", "|"} {
		if strings.Contains(trimmed, sep) {
			for _, part := range strings.Split(trimmed, sep) {
				if part = strings.TrimSpace(part); part != "" && part != trimmed && mutatesFiles(part) {
					return true
				}
			}
		}
	}
	return false
}
