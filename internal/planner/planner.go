// Package planner defines the contract between the orchestration core and
// the language-model provider. The core depends only on this interface;
// concrete providers live outside the core.
package planner

import "context"

// Role tags a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCalls is set on assistant messages that request tool use.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID links a tool-result message back to the request.
	ToolCallID string `json:"toolCallId,omitempty"`
}

// Response is the planner's reply to one Chat call.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
	Model        string
}

// Planner is the language-model provider seen by the core.
type Planner interface {
	Chat(ctx context.Context, messages []Message) (*Response, error)
}

// Func adapts a function to the Planner interface.
type Func func(ctx context.Context, messages []Message) (*Response, error)

// Chat implements Planner.
func (f Func) Chat(ctx context.Context, messages []Message) (*Response, error) {
	return f(ctx, messages)
}
