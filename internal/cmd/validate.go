package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/overmind/internal/decompose"
	"github.com/harrison/overmind/internal/parser"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file>...",
		Short: "Validate one or more plan files",
		Long: `Parse and validate markdown plan files, checking for:
  - Task field validity (ids, descriptions, complexity range)
  - Duplicate task ids
  - Dependencies that point to missing tasks
  - Circular dependencies
  - Write conflicts between parallelizable tasks

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlanFiles(cmd, args)
		},
	}
	return cmd
}

func validatePlanFiles(cmd *cobra.Command, paths []string) error {
	out := cmd.OutOrStdout()
	failures := 0

	for _, path := range paths {
		tasks, err := parser.NewPlanParser().ParseFile(path)
		if err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			failures++
			continue
		}
		if err := parser.Validate(tasks); err != nil {
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			failures++
			continue
		}

		graph := decompose.BuildGraph(tasks, nil)
		fmt.Fprintf(out, "✓ %s: %d task(s), %d wave(s)\n", path, len(tasks), len(graph.ParallelGroups))

		for _, c := range decompose.DetectConflicts(tasks) {
			fmt.Fprintf(out, "  %s: %s conflict on %s between %s and %s\n", c.Severity, c.Kind, c.File, c.TaskA, c.TaskB)
		}
		for _, t := range tasks {
			if len(t.Dependencies) > 0 {
				fmt.Fprintf(out, "  %s <- %s\n", t.ID, strings.Join(t.Dependencies, ", "))
			}
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d plan file(s) invalid", failures, len(paths))
	}
	return nil
}
