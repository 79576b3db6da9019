package state

import (
	"errors"
	"testing"
	"time"

	"github.com/harrison/overmind/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestOpenLocksSession(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := store.Open("swarm-20260826-100000-abcd"); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("second Open should fail with ErrSessionLocked, got %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	reopened.Close()
}

func TestCheckpointLatestSelection(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if _, err := sess.LatestCheckpoint(); !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("expected ErrNoCheckpoint, got %v", err)
	}

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	first := &models.Checkpoint{
		SessionID:   "swarm-20260826-100000-abcd",
		Timestamp:   base,
		Phase:       models.PhaseExecuting,
		CurrentWave: 0,
	}
	second := &models.Checkpoint{
		SessionID:   "swarm-20260826-100000-abcd",
		Timestamp:   base.Add(30 * time.Second),
		Phase:       models.PhaseExecuting,
		CurrentWave: 1,
		TaskStates: []models.SwarmTask{
			{Subtask: models.Subtask{ID: "task-1", Status: models.StatusCompleted}},
		},
	}
	if err := sess.SaveCheckpoint(first); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := sess.SaveCheckpoint(second); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	names, err := sess.Checkpoints()
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 checkpoint files, got %d: %v", len(names), names)
	}

	latest, err := sess.LatestCheckpoint()
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.CurrentWave != 1 {
		t.Errorf("latest CurrentWave = %d, want 1", latest.CurrentWave)
	}
	if len(latest.TaskStates) != 1 || latest.TaskStates[0].ID != "task-1" {
		t.Errorf("latest TaskStates = %+v", latest.TaskStates)
	}
}

func TestResolveLatestSession(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Resolve("latest"); !errors.Is(err, ErrNoSessions) {
		t.Fatalf("expected ErrNoSessions, got %v", err)
	}

	for _, id := range []string{
		"swarm-20260825-090000-1111",
		"swarm-20260826-100000-2222",
		"swarm-20260824-080000-3333",
	} {
		sess, err := store.Open(id)
		if err != nil {
			t.Fatalf("Open %s: %v", id, err)
		}
		sess.Close()
	}

	got, err := store.Resolve("latest")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "swarm-20260826-100000-2222" {
		t.Errorf("Resolve(latest) = %q, want newest session", got)
	}

	got, err = store.Resolve("swarm-20260824-080000-3333")
	if err != nil {
		t.Fatalf("Resolve named: %v", err)
	}
	if got != "swarm-20260824-080000-3333" {
		t.Errorf("Resolve named = %q", got)
	}

	if _, err := store.Resolve("swarm-missing"); err == nil {
		t.Error("Resolve should fail for unknown session")
	}
}

func TestPredictionsAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	preds, err := sess.Predictions()
	if err != nil {
		t.Fatalf("Predictions on empty session: %v", err)
	}
	if len(preds) != 0 {
		t.Fatalf("expected no predictions, got %d", len(preds))
	}

	for i, p := range []Prediction{
		{TaskID: "task-1", Output: "answer one", Success: true, Tokens: 500, Cost: 0.01},
		{TaskID: "task-2", Output: "answer two", Success: false, Tokens: 200, Cost: 0.004},
	} {
		if err := sess.AppendPrediction(p); err != nil {
			t.Fatalf("AppendPrediction %d: %v", i, err)
		}
	}

	preds, err = sess.Predictions()
	if err != nil {
		t.Fatalf("Predictions: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("expected 2 predictions, got %d", len(preds))
	}
	if preds[0].TaskID != "task-1" || preds[1].TaskID != "task-2" {
		t.Errorf("prediction order wrong: %+v", preds)
	}
	if preds[0].CreatedAt.IsZero() {
		t.Error("CreatedAt should be stamped on append")
	}
}

func TestWorkerResultsAppendAndRead(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	results := []WorkerResult{
		{TaskID: "task-1", Agent: "swarm-worker-task-1-a1", Attempt: 1, Success: false, Error: "compile error"},
		{TaskID: "task-1", Agent: "swarm-worker-task-1-a2", Attempt: 2, Success: true, Tokens: 900, Cost: 0.02, DurationMs: 4200},
	}
	for _, r := range results {
		if err := sess.RecordWorkerResult(r); err != nil {
			t.Fatalf("RecordWorkerResult: %v", err)
		}
	}

	got, err := sess.WorkerResults()
	if err != nil {
		t.Fatalf("WorkerResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if !got[1].Success || got[1].Attempt != 2 {
		t.Errorf("second result = %+v", got[1])
	}
	if got[0].Error != "compile error" {
		t.Errorf("first result error = %q", got[0].Error)
	}
}

func TestFileChangesPerAgent(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.Open("swarm-20260826-100000-abcd")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	if err := sess.RecordFileChanges("swarm-worker-task-1-a1", []string{"api/server.go", "api/routes.go"}); err != nil {
		t.Fatalf("RecordFileChanges: %v", err)
	}
	if err := sess.RecordFileChanges("swarm-worker-task-1-a1", []string{"api/server_test.go"}); err != nil {
		t.Fatalf("RecordFileChanges append: %v", err)
	}
	if err := sess.RecordFileChanges("swarm-worker-task-2-a1", []string{"docs/readme.md"}); err != nil {
		t.Fatalf("RecordFileChanges other agent: %v", err)
	}

	files, err := sess.FileChanges("swarm-worker-task-1-a1")
	if err != nil {
		t.Fatalf("FileChanges: %v", err)
	}
	want := []string{"api/server.go", "api/routes.go", "api/server_test.go"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Errorf("files[%d] = %q, want %q", i, files[i], want[i])
		}
	}

	other, err := sess.FileChanges("swarm-worker-task-2-a1")
	if err != nil {
		t.Fatalf("FileChanges: %v", err)
	}
	if len(other) != 1 || other[0] != "docs/readme.md" {
		t.Errorf("other agent files = %v", other)
	}

	none, err := sess.FileChanges("never-ran")
	if err != nil {
		t.Fatalf("FileChanges missing agent: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("missing agent should have no changes, got %v", none)
	}
}

func TestSanitizeAgent(t *testing.T) {
	if got := sanitizeAgent("worker/../../etc"); got != "worker_.._.._etc" {
		t.Errorf("sanitizeAgent = %q", got)
	}
}
