// Package cmd wires the overmind CLI: run executes a goal or plan file
// as a swarm, grade scores a finished session, compare and list read the
// results store, validate checks a plan file without running it.
package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// ErrConfig marks configuration problems so main can exit with a
// distinct status (2 instead of 1).
var ErrConfig = errors.New("configuration error")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// resumeFlags take an optional session id.
var resumeFlags = map[string]bool{
	"--resume":       true,
	"--swarm-resume": true,
}

// NormalizeArgs rewrites the optional-value resume flags into --flag=id
// form so cobra can parse them. A bare flag, or one followed by another
// flag, gets the id "latest"; the id is only consumed from the next
// argument when it does not start with "-".
func NormalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !resumeFlags[arg] {
			out = append(out, arg)
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			out = append(out, arg+"="+args[i+1])
			i++
			continue
		}
		out = append(out, arg+"=latest")
	}
	return out
}

// NewRootCommand creates and returns the root cobra command for overmind
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overmind",
		Short: "Hierarchical autonomous agent execution engine",
		Long: `Overmind decomposes a goal into a dependency DAG of subtasks and
executes them wave by wave with budgeted, policy-constrained subagents.

Runs checkpoint after every wave and can be resumed. Results are
persisted to a local sqlite store for grading and comparison.`,
		Version: Version,
		// Silence cobra's own reporting; main prints the error once and
		// picks the exit code.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewGradeCommand())
	cmd.AddCommand(NewCompareCommand())
	cmd.AddCommand(NewListCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}
