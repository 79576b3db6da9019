// Package provider holds concrete planner implementations. The core only
// sees the planner.Planner interface; this package bridges it to an
// external model CLI.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/harrison/overmind/internal/planner"
)

// DefaultCommand is the model CLI invoked when none is configured.
const DefaultCommand = "claude"

// ExecPlanner shells out to a model CLI for each Chat call. The request
// is written to stdin as JSON and the response is read from stdout as
// JSON; non-JSON output is treated as plain content.
type ExecPlanner struct {
	// Command is the binary to invoke (default "claude").
	Command string
	// Args are passed before the built-in flags.
	Args []string
	// Model is forwarded in the request.
	Model string
}

// NewExecPlanner creates an ExecPlanner for the given command and model.
// An empty command falls back to DefaultCommand.
func NewExecPlanner(command, model string) *ExecPlanner {
	if command == "" {
		command = DefaultCommand
	}
	return &ExecPlanner{Command: command, Model: model}
}

// chatRequest is the JSON written to the CLI's stdin.
type chatRequest struct {
	Model    string            `json:"model,omitempty"`
	Messages []planner.Message `json:"messages"`
}

// chatResponse is the JSON expected on the CLI's stdout.
type chatResponse struct {
	Content      string             `json:"content"`
	ToolCalls    []planner.ToolCall `json:"toolCalls,omitempty"`
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	Model        string             `json:"model,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Chat implements planner.Planner.
func (p *ExecPlanner) Chat(ctx context.Context, messages []planner.Message) (*planner.Response, error) {
	payload, err := json.Marshal(chatRequest{Model: p.Model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	args := append(append([]string{}, p.Args...), "--input-format", "json", "--output-format", "json", "-p")
	cmd := exec.CommandContext(ctx, p.Command, args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return nil, fmt.Errorf("planner command %s: %w: %s", p.Command, err, detail)
	}

	return parseResponse(stdout.Bytes())
}

// parseResponse decodes CLI output. Invalid JSON becomes plain content so
// a provider that prints raw text still works.
func parseResponse(output []byte) (*planner.Response, error) {
	var cr chatResponse
	if err := json.Unmarshal(bytes.TrimSpace(output), &cr); err != nil {
		return &planner.Response{Content: strings.TrimSpace(string(output))}, nil
	}
	if cr.Error != "" {
		return nil, fmt.Errorf("planner error: %s", cr.Error)
	}
	return &planner.Response{
		Content:      cr.Content,
		ToolCalls:    cr.ToolCalls,
		InputTokens:  cr.InputTokens,
		OutputTokens: cr.OutputTokens,
		Model:        cr.Model,
	}, nil
}
