package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/overmind/internal/store"
)

// NewCompareCommand creates the compare command
func NewCompareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare <session-a> <session-b>",
		Short: "Compare two sessions' runs and grades",
		Long: `Print the aggregate outcome of two sessions side by side, with
deltas for completion, cost, tokens and (when both are graded) mean
grade score.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openResultsStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return compareSessions(cmd, db, args[0], args[1])
		},
	}
	cmd.Flags().String("db", "", "Path to the results database")
	return cmd
}

func compareSessions(cmd *cobra.Command, db *store.Store, idA, idB string) error {
	runA, err := resolveRun(db, idA)
	if err != nil {
		return fmt.Errorf("resolve session %s: %w", idA, err)
	}
	runB, err := resolveRun(db, idB)
	if err != nil {
		return fmt.Errorf("resolve session %s: %w", idB, err)
	}

	sumA, err := db.Summarize(runA.SessionID)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", runA.SessionID, err)
	}
	sumB, err := db.Summarize(runB.SessionID)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", runB.SessionID, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-16s %22s %22s\n", "", runA.SessionID, runB.SessionID)
	fmt.Fprintf(out, "%-16s %22s %22s\n", "phase", runA.Phase, runB.Phase)
	fmt.Fprintf(out, "%-16s %22d %22d\n", "tasks", runA.TotalTasks, runB.TotalTasks)
	fmt.Fprintf(out, "%-16s %22d %22d  (%+d)\n", "completed", runA.Completed, runB.Completed, runB.Completed-runA.Completed)
	fmt.Fprintf(out, "%-16s %22d %22d  (%+d)\n", "failed", runA.Failed, runB.Failed, runB.Failed-runA.Failed)
	fmt.Fprintf(out, "%-16s %22d %22d  (%+d)\n", "tokens", runA.TokensUsed, runB.TokensUsed, runB.TokensUsed-runA.TokensUsed)
	fmt.Fprintf(out, "%-16s %21.4f$ %21.4f$  (%+.4f)\n", "cost", runA.CostUSD, runB.CostUSD, runB.CostUSD-runA.CostUSD)
	fmt.Fprintf(out, "%-16s %21ds %21ds\n", "duration", runA.DurationSecs, runB.DurationSecs)

	if sumA.Graded > 0 && sumB.Graded > 0 {
		fmt.Fprintf(out, "%-16s %16d/%d pass %16d/%d pass\n", "grades", sumA.Passed, sumA.Graded, sumB.Passed, sumB.Graded)
		fmt.Fprintf(out, "%-16s %22.2f %22.2f  (%+.2f)\n", "mean score", sumA.MeanScore, sumB.MeanScore, sumB.MeanScore-sumA.MeanScore)
	} else {
		fmt.Fprintf(out, "%-16s %22s\n", "grades", "run `overmind grade` on both sessions for a score delta")
	}
	return nil
}
