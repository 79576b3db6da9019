package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/overmind/internal/config"
	"github.com/harrison/overmind/internal/store"
)

// Grading thresholds: a passing result must have real output, a partial
// one at least some.
const (
	gradeFullOutputLen    = 200
	gradePartialOutputLen = 20
)

// NewGradeCommand creates the grade command
func NewGradeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade [session-id]",
		Short: "Grade a finished session's task results",
		Long: `Score every task result of a session and record the grades in the
results store. Without a session id the most recent run is graded.

A task passes when it succeeded with substantive output, is partial
when it succeeded with almost none, and fails otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openResultsStore(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			return gradeSession(cmd, db, sessionArg(args))
		},
	}
	cmd.Flags().String("db", "", "Path to the results database")
	return cmd
}

// openResultsStore opens the results database named by --db, falling
// back to the configured default.
func openResultsStore(cmd *cobra.Command) (*store.Store, error) {
	path := mustString(cmd, "db")
	if path == "" {
		cfg, err := config.LoadFromDir(".")
		if err != nil {
			return nil, configErrorf("load config: %v", err)
		}
		path = cfg.ResultsDB
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}
	return db, nil
}

func sessionArg(args []string) string {
	if len(args) == 0 {
		return "latest"
	}
	return args[0]
}

// resolveRun maps "latest" (or "") to the most recent run in the store.
func resolveRun(db *store.Store, id string) (*store.Run, error) {
	if id == "" || id == "latest" {
		runs, err := db.Runs()
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs recorded")
		}
		return &runs[0], nil
	}
	return db.Run(id)
}

func gradeSession(cmd *cobra.Command, db *store.Store, id string) error {
	run, err := resolveRun(db, id)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	results, err := db.Results(run.SessionID)
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("session %s has no task results", run.SessionID)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Grading session %s (%d task results)\n\n", run.SessionID, len(results))

	for _, res := range results {
		grade := gradeResult(res)
		if err := db.SaveGrade(grade); err != nil {
			return fmt.Errorf("save grade for %s: %w", res.TaskID, err)
		}
		fmt.Fprintf(out, "  %-20s %-8s %.2f  %s\n", res.TaskID, grade.Verdict, grade.Score, grade.Feedback)
	}

	summary, err := db.Summarize(run.SessionID)
	if err != nil {
		return fmt.Errorf("summarize session: %w", err)
	}
	fmt.Fprintf(out, "\n%d/%d passed, mean score %.2f\n", summary.Passed, summary.Graded, summary.MeanScore)
	return nil
}

// gradeResult scores one task result. Success with substantive output is
// a full pass; success with near-empty output looks hollow and only
// earns a partial.
func gradeResult(res store.Result) store.Grade {
	output := strings.TrimSpace(res.Output)
	grade := store.Grade{SessionID: res.SessionID, TaskID: res.TaskID}

	switch {
	case res.Success && len(output) >= gradeFullOutputLen:
		grade.Score = 1.0
		grade.Verdict = "pass"
		grade.Feedback = "succeeded with substantive output"
	case res.Success && len(output) >= gradePartialOutputLen:
		grade.Score = 0.5
		grade.Verdict = "partial"
		grade.Feedback = "succeeded but output is thin"
	case res.Success:
		grade.Score = 0.25
		grade.Verdict = "partial"
		grade.Feedback = "succeeded with no usable output"
	default:
		grade.Score = 0
		grade.Verdict = "fail"
		if res.Error != "" {
			grade.Feedback = res.Error
		} else {
			grade.Feedback = "task failed"
		}
	}
	return grade
}
