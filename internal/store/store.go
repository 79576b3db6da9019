// Package store persists run results in SQLite so runs can be graded,
// compared and listed after the fact.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Run is one swarm run's aggregate record.
type Run struct {
	SessionID    string
	Goal         string
	Phase        string
	TotalTasks   int
	Completed    int
	Failed       int
	Skipped      int
	TokensUsed   int
	CostUSD      float64
	DurationSecs int64
	CreatedAt    time.Time
}

// Result is one task's outcome within a run.
type Result struct {
	SessionID  string
	TaskID     string
	Success    bool
	Output     string
	Error      string
	Tokens     int
	CostUSD    float64
	DurationMs int64
	CreatedAt  time.Time
}

// Grade is one graded task within a run.
type Grade struct {
	SessionID string
	TaskID    string
	Score     float64
	Verdict   string
	Feedback  string
	GradedAt  time.Time
}

// Summary aggregates a run's grades.
type Summary struct {
	SessionID string
	Tasks     int
	Graded    int
	Passed    int
	MeanScore float64
}

// Store manages the SQLite results database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the results database at dbPath and
// initializes the schema. ":memory:" gives an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// busy_timeout first so the rest wait on locks instead of failing.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun inserts or replaces a run record.
func (s *Store) SaveRun(run Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (session_id, goal, phase, total_tasks, completed, failed, skipped, tokens_used, cost_usd, duration_secs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			goal=excluded.goal, phase=excluded.phase, total_tasks=excluded.total_tasks,
			completed=excluded.completed, failed=excluded.failed, skipped=excluded.skipped,
			tokens_used=excluded.tokens_used, cost_usd=excluded.cost_usd,
			duration_secs=excluded.duration_secs`,
		run.SessionID, run.Goal, run.Phase, run.TotalTasks, run.Completed, run.Failed,
		run.Skipped, run.TokensUsed, run.CostUSD, run.DurationSecs, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Run loads one run record. Returns sql.ErrNoRows when absent.
func (s *Store) Run(sessionID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT session_id, goal, phase, total_tasks, completed, failed, skipped, tokens_used, cost_usd, duration_secs, created_at
		FROM runs WHERE session_id = ?`, sessionID)
	var run Run
	err := row.Scan(&run.SessionID, &run.Goal, &run.Phase, &run.TotalTasks, &run.Completed,
		&run.Failed, &run.Skipped, &run.TokensUsed, &run.CostUSD, &run.DurationSecs, &run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", sessionID, err)
	}
	return &run, nil
}

// Runs lists run records, newest first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT session_id, goal, phase, total_tasks, completed, failed, skipped, tokens_used, cost_usd, duration_secs, created_at
		FROM runs ORDER BY created_at DESC, session_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.SessionID, &run.Goal, &run.Phase, &run.TotalTasks, &run.Completed,
			&run.Failed, &run.Skipped, &run.TokensUsed, &run.CostUSD, &run.DurationSecs, &run.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// SaveResult inserts or replaces one task result.
func (s *Store) SaveResult(r Result) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO results (session_id, task_id, success, output, error, tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET
			success=excluded.success, output=excluded.output, error=excluded.error,
			tokens=excluded.tokens, cost_usd=excluded.cost_usd, duration_ms=excluded.duration_ms`,
		r.SessionID, r.TaskID, r.Success, r.Output, r.Error, r.Tokens, r.CostUSD, r.DurationMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// Results lists a run's task results ordered by task id.
func (s *Store) Results(sessionID string) ([]Result, error) {
	rows, err := s.db.Query(`
		SELECT session_id, task_id, success, output, error, tokens, cost_usd, duration_ms, created_at
		FROM results WHERE session_id = ? ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.SessionID, &r.TaskID, &r.Success, &r.Output, &r.Error,
			&r.Tokens, &r.CostUSD, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// SaveGrade inserts or replaces one task grade.
func (s *Store) SaveGrade(g Grade) error {
	if g.GradedAt.IsZero() {
		g.GradedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO grades (session_id, task_id, score, verdict, feedback, graded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, task_id) DO UPDATE SET
			score=excluded.score, verdict=excluded.verdict, feedback=excluded.feedback,
			graded_at=excluded.graded_at`,
		g.SessionID, g.TaskID, g.Score, g.Verdict, g.Feedback, g.GradedAt)
	if err != nil {
		return fmt.Errorf("save grade: %w", err)
	}
	return nil
}

// Grades lists a run's grades ordered by task id.
func (s *Store) Grades(sessionID string) ([]Grade, error) {
	rows, err := s.db.Query(`
		SELECT session_id, task_id, score, verdict, feedback, graded_at
		FROM grades WHERE session_id = ? ORDER BY task_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	defer rows.Close()

	var grades []Grade
	for rows.Next() {
		var g Grade
		if err := rows.Scan(&g.SessionID, &g.TaskID, &g.Score, &g.Verdict, &g.Feedback, &g.GradedAt); err != nil {
			return nil, fmt.Errorf("scan grade: %w", err)
		}
		grades = append(grades, g)
	}
	return grades, rows.Err()
}

// Summarize aggregates a run's grades into a Summary. A run with no
// grades yields Graded == 0 and a zero mean.
func (s *Store) Summarize(sessionID string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN verdict = 'pass' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(score), 0)
		FROM grades WHERE session_id = ?`, sessionID)

	summary := Summary{SessionID: sessionID}
	if err := row.Scan(&summary.Graded, &summary.Passed, &summary.MeanScore); err != nil {
		return nil, fmt.Errorf("summarize grades: %w", err)
	}

	row = s.db.QueryRow(`SELECT COUNT(*) FROM results WHERE session_id = ?`, sessionID)
	if err := row.Scan(&summary.Tasks); err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}
	return &summary, nil
}
