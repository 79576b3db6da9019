package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/overmind/internal/models"
)

// colorScheme holds the consistent colors used for metric rendering:
// green for activity, yellow for cost past the attention threshold, red
// for errors, cyan for plain labels.
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
}

func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
	}
}

// costAttentionThreshold is the per-task cost above which the cost metric
// is rendered as a warning.
const costAttentionThreshold = 0.10

// formatTaskMetrics renders a task result's resource metrics as a short
// comma-separated string, e.g. "tools: 4, files: 2, tokens: 1840, cost:
// $0.0213". Returns "" when there is nothing to show.
func formatTaskMetrics(res *models.TaskResult, colorize bool) string {
	if res == nil {
		return ""
	}

	scheme := newColorScheme()
	metric := func(c *color.Color, label string, value string) string {
		if colorize {
			return fmt.Sprintf("%s: %s", c.Sprint(label), value)
		}
		return fmt.Sprintf("%s: %s", label, value)
	}

	var parts []string
	if res.ToolCalls > 0 {
		parts = append(parts, metric(scheme.success, "tools", fmt.Sprintf("%d", res.ToolCalls)))
	}
	if n := len(res.FilesChanged); n > 0 {
		parts = append(parts, metric(scheme.success, "files", fmt.Sprintf("%d", n)))
	}
	if res.Tokens > 0 {
		parts = append(parts, metric(scheme.label, "tokens", fmt.Sprintf("%d", res.Tokens)))
	}
	if res.Cost > 0 {
		c := scheme.label
		if res.Cost > costAttentionThreshold {
			c = scheme.warn
		}
		parts = append(parts, metric(c, "cost", fmt.Sprintf("$%.4f", res.Cost)))
	}
	if res.Error != "" {
		parts = append(parts, metric(scheme.fail, "error", res.Error))
	}
	return strings.Join(parts, ", ")
}
