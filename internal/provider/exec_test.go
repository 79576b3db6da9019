package provider

import (
	"context"
	"strings"
	"testing"

	"github.com/harrison/overmind/internal/planner"
)

func TestParseResponseJSON(t *testing.T) {
	resp, err := parseResponse([]byte(`{"content":"done","inputTokens":100,"outputTokens":20,"model":"sonnet"}`))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.Content != "done" || resp.InputTokens != 100 || resp.OutputTokens != 20 {
		t.Errorf("response = %+v", resp)
	}
	if resp.Model != "sonnet" {
		t.Errorf("Model = %q", resp.Model)
	}
}

func TestParseResponseToolCalls(t *testing.T) {
	resp, err := parseResponse([]byte(`{"content":"","toolCalls":[{"id":"c1","name":"read_file","args":{"path":"main.go"}}]}`))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "read_file" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Args["path"] != "main.go" {
		t.Errorf("args = %+v", resp.ToolCalls[0].Args)
	}
}

func TestParseResponsePlainTextFallback(t *testing.T) {
	resp, err := parseResponse([]byte("just some prose output\n"))
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if resp.Content != "just some prose output" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestParseResponseError(t *testing.T) {
	_, err := parseResponse([]byte(`{"error":"rate limited"}`))
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected planner error, got %v", err)
	}
}

func TestChatRunsCommand(t *testing.T) {
	// Echo the canned response regardless of stdin.
	p := &ExecPlanner{
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; echo '{"content":"hello","inputTokens":5,"outputTokens":2}'; exit 0; --ignore`},
		Model:   "sonnet",
	}
	// The built-in flags are appended after Args; the shell script above
	// ignores them via the trailing marker.
	resp, err := p.Chat(context.Background(), []planner.Message{{Role: planner.RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.InputTokens != 5 {
		t.Errorf("response = %+v", resp)
	}
}

func TestChatCommandFailure(t *testing.T) {
	p := &ExecPlanner{Command: "sh", Args: []string{"-c", `echo "boom" >&2; exit 3; --ignore`}}
	_, err := p.Chat(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected command failure with stderr detail, got %v", err)
	}
}

func TestNewExecPlannerDefaults(t *testing.T) {
	p := NewExecPlanner("", "haiku")
	if p.Command != DefaultCommand {
		t.Errorf("Command = %q, want %q", p.Command, DefaultCommand)
	}
	if p.Model != "haiku" {
		t.Errorf("Model = %q", p.Model)
	}
}
