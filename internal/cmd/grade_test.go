package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harrison/overmind/internal/store"
)

// seedStore writes a run with three results to a fresh database file and
// returns its path.
func seedStore(t *testing.T, sessionID string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "results.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	if err := db.SaveRun(store.Run{
		SessionID:  sessionID,
		Goal:       "build the widget",
		Phase:      "completed",
		TotalTasks: 3,
		Completed:  2,
		Failed:     1,
		TokensUsed: 4200,
		CostUSD:    0.17,
	}); err != nil {
		t.Fatalf("save run: %v", err)
	}

	results := []store.Result{
		{SessionID: sessionID, TaskID: "task-1", Success: true, Output: strings.Repeat("solid work ", 30), Tokens: 2000},
		{SessionID: sessionID, TaskID: "task-2", Success: true, Output: "wrote the parser and tests", Tokens: 1200},
		{SessionID: sessionID, TaskID: "task-3", Success: false, Error: "timeout", Tokens: 1000},
	}
	for _, r := range results {
		if err := db.SaveResult(r); err != nil {
			t.Fatalf("save result: %v", err)
		}
	}
	return path
}

func TestGradeResult(t *testing.T) {
	cases := []struct {
		name    string
		result  store.Result
		verdict string
		score   float64
	}{
		{"substantive pass", store.Result{Success: true, Output: strings.Repeat("x", 300)}, "pass", 1.0},
		{"thin output partial", store.Result{Success: true, Output: "did the thing, mostly"}, "partial", 0.5},
		{"empty output partial", store.Result{Success: true, Output: "  "}, "partial", 0.25},
		{"failure", store.Result{Success: false, Error: "exploded"}, "fail", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := gradeResult(tc.result)
			if g.Verdict != tc.verdict || g.Score != tc.score {
				t.Errorf("gradeResult = %s/%.2f, want %s/%.2f", g.Verdict, g.Score, tc.verdict, tc.score)
			}
		})
	}

	g := gradeResult(store.Result{Success: false, Error: "timeout"})
	if g.Feedback != "timeout" {
		t.Errorf("failure feedback = %q, want the task error", g.Feedback)
	}
}

func TestGradeCommand(t *testing.T) {
	dbPath := seedStore(t, "sess-grade")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"grade", "sess-grade", "--db", dbPath})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v\n%s", err, out.String())
	}

	text := out.String()
	if !strings.Contains(text, "Grading session sess-grade (3 task results)") {
		t.Errorf("missing header:\n%s", text)
	}
	if !strings.Contains(text, "1/3 passed, mean score 0.50") {
		t.Errorf("missing summary line:\n%s", text)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	grades, err := db.Grades("sess-grade")
	if err != nil {
		t.Fatal(err)
	}
	if len(grades) != 3 {
		t.Errorf("persisted %d grades, want 3", len(grades))
	}
}

func TestGradeCommandLatest(t *testing.T) {
	dbPath := seedStore(t, "sess-latest")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"grade", "--db", dbPath})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "sess-latest") {
		t.Errorf("latest resolution should pick the seeded run:\n%s", out.String())
	}
}

func TestGradeCommandUnknownSession(t *testing.T) {
	dbPath := seedStore(t, "sess-known")

	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"grade", "sess-missing", "--db", dbPath})

	if err := root.Execute(); err == nil {
		t.Error("expected an error for an unknown session")
	}
}
