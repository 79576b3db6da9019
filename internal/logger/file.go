package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/overmind/internal/models"
)

// FileLogger writes run logs to a directory: a timestamped per-run log
// file, per-task detail files under tasks/, and a latest.log symlink
// pointing at the most recent run. It is thread-safe and filters by
// level like ConsoleLogger.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates a FileLogger writing to .overmind/logs/ in the
// working directory at the default info level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".overmind", "logs"), "info")
}

// NewFileLoggerWithDir creates a FileLogger with a custom directory at
// the default info level.
func NewFileLoggerWithDir(logDir string) (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(logDir, "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom
// directory and level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks directory: %w", err)
	}

	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create run log file: %w", err)
	}

	// latest.log always points at the newest run.
	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("create latest.log symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== Overmind Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

// LogTrace logs a trace-level message.
func (fl *FileLogger) LogTrace(message string) { fl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) { fl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) { fl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) { fl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) { fl.logWithLevel("ERROR", message) }

// Infof logs a formatted info-level message.
func (fl *FileLogger) Infof(format string, args ...any) {
	fl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning-level message.
func (fl *FileLogger) Warnf(format string, args ...any) {
	fl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogWaveStart logs the start of a wave at INFO level.
func (fl *FileLogger) LogWaveStart(wave, taskCount int) {
	if !fl.shouldLog("info") {
		return
	}
	label := "tasks"
	if taskCount == 1 {
		label = "task"
	}
	fl.writeRunLog(fmt.Sprintf("[%s] Starting wave %d: %d %s\n", timestamp(), wave, taskCount, label))
}

// LogWaveComplete logs the completion of a wave at INFO level.
func (fl *FileLogger) LogWaveComplete(wave int, duration time.Duration) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] wave %d complete: duration %.1fs\n", timestamp(), wave, duration.Seconds()))
}

// LogDecision logs an orchestrator decision at INFO level.
func (fl *FileLogger) LogDecision(d models.Decision) {
	if !fl.shouldLog("info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [DECISION] %s: %s\n", timestamp(), d.Kind, d.Detail))
}

// LogSummary logs the run summary at INFO level.
func (fl *FileLogger) LogSummary(phase models.SwarmPhase, stats models.SwarmStats, duration time.Duration) {
	if !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	status := strings.ToUpper(string(phase))

	message := fmt.Sprintf(
		"\n[%s] === SWARM SUMMARY ===\n"+
			"[%s] Total tasks:  %d\n"+
			"[%s] Completed:    %d\n"+
			"[%s] Failed:       %d\n"+
			"[%s] Skipped:      %d\n"+
			"[%s] Tokens:       %d ($%.4f)\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Status:       %s\n"+
			"[%s] Completed at: %s\n",
		ts,
		ts, stats.TotalTasks,
		ts, stats.Completed,
		ts, stats.Failed,
		ts, stats.Skipped,
		ts, stats.TokensUsed, stats.CostUSD,
		ts, duration.Seconds(),
		ts, status,
		ts, time.Now().Format(time.RFC3339),
	)
	fl.writeRunLog(message)
}

// LogTaskResult writes a per-task detail file under tasks/.
func (fl *FileLogger) LogTaskResult(task models.SwarmTask) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	taskLogPath := filepath.Join(fl.tasksDir, fmt.Sprintf("%s.log", task.ID))
	file, err := os.OpenFile(taskLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create task log file: %w", err)
	}
	defer file.Close()

	content := fmt.Sprintf("=== Task %s ===\n", task.ID)
	content += fmt.Sprintf("Description: %s\n", task.Description)
	content += fmt.Sprintf("Status: %s\n", task.Status)
	content += fmt.Sprintf("Type: %s (complexity %d)\n", task.Type, task.Complexity)
	content += fmt.Sprintf("Wave: %d  Attempts: %d\n", task.Wave, task.Attempts)
	if task.Model != "" {
		content += fmt.Sprintf("Model: %s\n", task.Model)
	}
	if task.RescueContext != "" {
		content += fmt.Sprintf("Rescue context: %s\n", task.RescueContext)
	}
	content += "\n"

	if res := task.Result; res != nil {
		content += fmt.Sprintf("Duration: %.1fs\n", float64(res.DurationMs)/1000)
		content += fmt.Sprintf("Tokens: %d  Cost: $%.4f  Tool calls: %d\n", res.Tokens, res.Cost, res.ToolCalls)
		if len(res.FilesChanged) > 0 {
			content += fmt.Sprintf("Files changed:\n  %s\n", strings.Join(res.FilesChanged, "\n  "))
		}
		if res.Output != "" {
			content += fmt.Sprintf("\nOutput:\n%s\n", res.Output)
		}
		if res.Error != "" {
			content += fmt.Sprintf("\nError:\n%s\n", res.Error)
		}
	}
	content += fmt.Sprintf("\nLogged at: %s\n", time.Now().Format(time.RFC3339))

	if _, err := file.WriteString(content); err != nil {
		return fmt.Errorf("write task log: %w", err)
	}
	return nil
}

// LogProgress is a no-op for the file logger; progress bars are
// console-only.
func (fl *FileLogger) LogProgress([]models.SwarmTask) {}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string { return fl.runFile }

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
