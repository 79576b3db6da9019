// Package logger provides console and file logging for swarm execution.
//
// Loggers are thread-safe, filter by level, and prefix every line with a
// [HH:MM:SS] timestamp. Color is enabled automatically when writing to a
// TTY and honors NO_COLOR.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/overmind/internal/models"
)

// Log level constants for filtering.
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger writes timestamped, level-filtered lines to a writer.
// A nil writer discards everything.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger. logLevel is one of trace,
// debug, info, warn, error (case-insensitive); empty or invalid values
// default to info.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal reports whether the writer is a TTY that should get color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel lowercases and validates a level name, defaulting to
// info.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	}
	return "info"
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message.
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

// Debugf logs a formatted debug-level message.
func (cl *ConsoleLogger) Debugf(format string, args ...any) {
	cl.logWithLevel("DEBUG", fmt.Sprintf(format, args...))
}

// Infof logs a formatted info-level message.
func (cl *ConsoleLogger) Infof(format string, args ...any) {
	cl.logWithLevel("INFO", fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning-level message.
func (cl *ConsoleLogger) Warnf(format string, args ...any) {
	cl.logWithLevel("WARN", fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error-level message.
func (cl *ConsoleLogger) Errorf(format string, args ...any) {
	cl.logWithLevel("ERROR", fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, colorLevel(level), message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}
	cl.writer.Write([]byte(formatted))
}

func colorLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	}
	return level
}

// LogWaveStart logs the start of a wave at INFO level.
// Format: "[HH:MM:SS] Starting wave N: <count> tasks"
func (cl *ConsoleLogger) LogWaveStart(wave, taskCount int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	name := fmt.Sprintf("wave %d", wave)
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(name)
	}
	fmt.Fprintf(cl.writer, "[%s] Starting %s: %d tasks\n", ts, name, taskCount)
}

// LogWaveComplete logs the completion of a wave at INFO level.
// Format: "[HH:MM:SS] wave N complete (<duration>)"
func (cl *ConsoleLogger) LogWaveComplete(wave int, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	name := fmt.Sprintf("wave %d", wave)
	completeText := "complete"
	if cl.colorOutput {
		name = color.New(color.Bold).Sprint(name)
		completeText = color.New(color.FgGreen).Sprint(completeText)
	}
	fmt.Fprintf(cl.writer, "[%s] %s %s (%s)\n", ts, name, completeText, formatDuration(duration))
}

// LogTaskResult logs one task settlement at DEBUG level.
// Format: "[HH:MM:SS] Task <id>: <status> [metrics]"
func (cl *ConsoleLogger) LogTaskResult(task models.SwarmTask) {
	if cl.writer == nil || !cl.shouldLog("debug") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	status := string(task.Status)
	if cl.colorOutput {
		switch task.Status {
		case models.StatusCompleted, models.StatusDecomposed:
			status = color.New(color.FgGreen).Sprint(status)
		case models.StatusFailed:
			status = color.New(color.FgRed).Sprint(status)
		case models.StatusSkipped:
			status = color.New(color.FgYellow).Sprint(status)
		}
	}

	line := fmt.Sprintf("[%s] Task %s: %s", ts, task.ID, status)
	if metrics := formatTaskMetrics(task.Result, cl.colorOutput); metrics != "" {
		line += " (" + metrics + ")"
	}
	cl.writer.Write([]byte(line + "\n"))
}

// LogDecision logs an orchestrator decision at INFO level.
func (cl *ConsoleLogger) LogDecision(d models.Decision) {
	cl.Infof("decision %s: %s", d.Kind, d.Detail)
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(phase models.SwarmPhase, stats models.SwarmStats, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	header := "=== Swarm Summary ==="
	if cl.colorOutput {
		header = color.New(color.Bold).Sprint(header)
	}
	output := fmt.Sprintf("[%s] %s\n", ts, header)
	output += fmt.Sprintf("[%s] Phase: %s\n", ts, phase)
	output += fmt.Sprintf("[%s] Total tasks: %d\n", ts, stats.TotalTasks)

	completedText := fmt.Sprintf("Completed: %d", stats.Completed)
	if cl.colorOutput {
		completedText = color.New(color.FgGreen).Sprint(completedText)
	}
	output += fmt.Sprintf("[%s] %s\n", ts, completedText)

	failedText := fmt.Sprintf("Failed: %d", stats.Failed)
	if stats.Failed > 0 && cl.colorOutput {
		failedText = color.New(color.FgRed).Sprint(failedText)
	}
	output += fmt.Sprintf("[%s] %s\n", ts, failedText)

	if stats.Skipped > 0 {
		output += fmt.Sprintf("[%s] Skipped: %d\n", ts, stats.Skipped)
	}
	output += fmt.Sprintf("[%s] Tokens: %d ($%.4f)\n", ts, stats.TokensUsed, stats.CostUSD)
	output += fmt.Sprintf("[%s] Duration: %s\n", ts, formatDuration(duration))

	cl.writer.Write([]byte(output))
}

// LogProgress logs real-time progress across the task set at INFO level.
// Format: "[HH:MM:SS] Progress: [=====     ] 4/8 (50%) - Avg: 3s/task"
func (cl *ConsoleLogger) LogProgress(tasks []models.SwarmTask) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	completed := 0
	var totalDuration time.Duration
	for _, task := range tasks {
		if task.Status.SatisfiesDependency() {
			completed++
			if task.Result != nil {
				totalDuration += time.Duration(task.Result.DurationMs) * time.Millisecond
			}
		}
	}

	pb := NewProgressBar(len(tasks), 10, cl.colorOutput)
	pb.Update(completed)

	var avg string
	if completed > 0 && totalDuration > 0 {
		avg = fmt.Sprintf(" - Avg: %s/task", formatDuration(totalDuration/time.Duration(completed)))
	}
	fmt.Fprintf(cl.writer, "[%s] Progress: %s%s\n", timestamp(), pb.Render(), avg)
}

// timestamp returns the current time as "15:04:05".
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration renders a duration as "5s", "1m30s" or "2h15m3s".
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, remainder/time.Second)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		return fmt.Sprintf("%dm%ds", minutes, remainder/time.Second)
	default:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	}
}

// NoOpLogger discards all messages. Useful for tests and disabled logging.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger.
func NewNoOpLogger() *NoOpLogger { return &NoOpLogger{} }

func (n *NoOpLogger) LogTrace(string)                                                {}
func (n *NoOpLogger) LogDebug(string)                                                {}
func (n *NoOpLogger) LogInfo(string)                                                 {}
func (n *NoOpLogger) LogWarn(string)                                                 {}
func (n *NoOpLogger) LogError(string)                                                {}
func (n *NoOpLogger) Debugf(string, ...any)                                          {}
func (n *NoOpLogger) Infof(string, ...any)                                           {}
func (n *NoOpLogger) Warnf(string, ...any)                                           {}
func (n *NoOpLogger) Errorf(string, ...any)                                          {}
func (n *NoOpLogger) LogWaveStart(int, int)                                          {}
func (n *NoOpLogger) LogWaveComplete(int, time.Duration)                             {}
func (n *NoOpLogger) LogTaskResult(models.SwarmTask)                                 {}
func (n *NoOpLogger) LogDecision(models.Decision)                                    {}
func (n *NoOpLogger) LogSummary(models.SwarmPhase, models.SwarmStats, time.Duration) {}
func (n *NoOpLogger) LogProgress([]models.SwarmTask)                                 {}
