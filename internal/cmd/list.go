package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openResultsStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			runs, err := db.Runs()
			if err != nil {
				return fmt.Errorf("load runs: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}

			fmt.Fprintf(out, "%-24s %-10s %5s %5s %5s %10s %9s  %s\n",
				"SESSION", "PHASE", "TASKS", "OK", "FAIL", "TOKENS", "COST", "GOAL")
			for _, run := range runs {
				goal := run.Goal
				if len(goal) > 40 {
					goal = goal[:37] + "..."
				}
				fmt.Fprintf(out, "%-24s %-10s %5d %5d %5d %10d %8.4f$  %s\n",
					run.SessionID, run.Phase, run.TotalTasks, run.Completed,
					run.Failed, run.TokensUsed, run.CostUSD, goal)
			}
			fmt.Fprintf(out, "\n%d run(s) as of %s\n", len(runs), time.Now().Format("2006-01-02 15:04"))
			return nil
		},
	}
	cmd.Flags().String("db", "", "Path to the results database")
	return cmd
}
