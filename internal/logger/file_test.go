package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/overmind/internal/models"
)

func TestFileLoggerWritesRunLog(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDir(dir)
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir: %v", err)
	}

	fl.LogInfo("swarm started")
	fl.Warnf("task %s retried", "task-1")
	fl.LogDebug("should be filtered at info")
	if err := fl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "=== Overmind Run Log ===") {
		t.Errorf("header missing: %q", content)
	}
	if !strings.Contains(content, "swarm started") {
		t.Errorf("info line missing: %q", content)
	}
	if !strings.Contains(content, "task task-1 retried") {
		t.Errorf("warn line missing: %q", content)
	}
	if strings.Contains(content, "should be filtered") {
		t.Errorf("debug line should be filtered at info: %q", content)
	}
}

func TestFileLoggerLatestSymlink(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDir(dir)
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir: %v", err)
	}
	fl.LogInfo("first line")
	fl.Close()

	link := filepath.Join(dir, "latest.log")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("latest.log should be a symlink: %v", err)
	}
	if target != filepath.Base(fl.RunFile()) {
		t.Errorf("latest.log points at %q, want %q", target, filepath.Base(fl.RunFile()))
	}

	data, err := os.ReadFile(link)
	if err != nil {
		t.Fatalf("read through symlink: %v", err)
	}
	if !strings.Contains(string(data), "first line") {
		t.Errorf("symlink content mismatch: %q", string(data))
	}
}

func TestFileLoggerTaskDetailFile(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDir(dir)
	if err != nil {
		t.Fatalf("NewFileLoggerWithDir: %v", err)
	}
	defer fl.Close()

	task := models.SwarmTask{
		Subtask: models.Subtask{
			ID:          "task-2",
			Description: "Implement the API layer",
			Status:      models.StatusCompleted,
			Type:        "implement",
			Complexity:  4,
		},
		Wave:     1,
		Attempts: 2,
		Model:    "sonnet",
		Result: &models.TaskResult{
			Success:      true,
			Output:       "done",
			Tokens:       900,
			Cost:         0.02,
			DurationMs:   4200,
			ToolCalls:    5,
			FilesChanged: []string{"api/server.go"},
		},
	}
	if err := fl.LogTaskResult(task); err != nil {
		t.Fatalf("LogTaskResult: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tasks", "task-2.log"))
	if err != nil {
		t.Fatalf("read task log: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"=== Task task-2 ===",
		"Description: Implement the API layer",
		"Status: completed",
		"Type: implement (complexity 4)",
		"Wave: 1  Attempts: 2",
		"Model: sonnet",
		"Tokens: 900  Cost: $0.0200  Tool calls: 5",
		"api/server.go",
		"Output:\ndone",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("task log missing %q: %q", want, content)
		}
	}
}

func TestFileLoggerSummaryBlock(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel: %v", err)
	}
	fl.LogSummary(models.PhaseFailed, models.SwarmStats{
		TotalTasks: 5,
		Completed:  3,
		Failed:     2,
		TokensUsed: 12000,
		CostUSD:    0.24,
	}, 45*time.Second)
	fl.Close()

	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"=== SWARM SUMMARY ===", "Total tasks:  5", "Failed:       2", "Status:       FAILED"} {
		if !strings.Contains(content, want) {
			t.Errorf("summary missing %q: %q", want, content)
		}
	}
}

func TestFileLoggerErrorLevelFiltersWaves(t *testing.T) {
	dir := t.TempDir()
	fl, err := NewFileLoggerWithDirAndLevel(dir, "error")
	if err != nil {
		t.Fatalf("NewFileLoggerWithDirAndLevel: %v", err)
	}
	fl.LogWaveStart(1, 2)
	fl.LogWaveComplete(1, time.Second)
	fl.LogDecision(models.Decision{Kind: "plan-fallback", Detail: "decomposition failed"})
	fl.LogError("fatal thing")
	fl.Close()

	data, err := os.ReadFile(fl.RunFile())
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "wave 1") || strings.Contains(content, "Starting wave") || strings.Contains(content, "DECISION") {
		t.Errorf("info-level output should be filtered at error: %q", content)
	}
	if !strings.Contains(content, "fatal thing") {
		t.Errorf("error line missing: %q", content)
	}
}
