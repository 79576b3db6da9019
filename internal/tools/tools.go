// Package tools defines the tool contract and registry. Built-in tool
// names are constants known at build time; MCP-provided tools register
// through the same interface at runtime.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Built-in tool names. The registry accepts arbitrary names for
// MCP-provided tools, but core code refers to tools by these constants.
const (
	ReadFile      = "read_file"
	WriteFile     = "write_file"
	EditFile      = "edit_file"
	CreateFile    = "create_file"
	DeleteFile    = "delete_file"
	MoveFile      = "move_file"
	ApplyPatch    = "apply_patch"
	ListFiles     = "list_files"
	SearchFiles   = "search_files"
	SearchSymbols = "search_symbols"
	Bash          = "bash"
	WebSearch     = "web_search"
	SpawnAgent    = "spawn_agent"
)

// writeIntent lists the tools plan mode intercepts instead of executing.
var writeIntent = map[string]bool{
	WriteFile:  true,
	EditFile:   true,
	CreateFile: true,
	DeleteFile: true,
	MoveFile:   true,
	ApplyPatch: true,
}

// IsWriteIntent reports whether a tool call mutates the workspace and must
// be queued under plan mode.
func IsWriteIntent(name string) bool {
	return writeIntent[name]
}

// SpawnTools are never filtered out by tool recommendation, so delegation
// stays possible even under aggressive filtering.
func IsSpawnTool(name string) bool {
	return name == SpawnAgent
}

// Tool is a single capability exposed to the planner.
type Tool interface {
	Name() string
	Description() string
	// ParametersSchema returns a JSON schema describing the arguments.
	ParametersSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds the tool universe of one agent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset returns a new registry containing only the named tools that
// exist in r.
func (r *Registry) Subset(names []string) *Registry {
	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			sub.tools[name] = t
		}
	}
	return sub
}

// Result is the serialized outcome of one tool execution, as it appears
// in the transcript.
type Result struct {
	Status  string `json:"status"` // "ok" or "error"
	Content string `json:"content"`
}

// Execute runs the named tool and always returns a transcript-ready
// result; tool errors and missing tools become error results, never
// panics or loop-breaking failures.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	tool, ok := r.Get(name)
	if !ok {
		return Result{Status: "error", Content: fmt.Sprintf("unknown tool %q", name)}
	}

	out, err := safeExecute(ctx, tool, args)
	if err != nil {
		return Result{Status: "error", Content: err.Error()}
	}
	return Result{Status: "ok", Content: serialize(out)}
}

// safeExecute converts panics inside tool implementations into errors.
func safeExecute(ctx context.Context, tool Tool, args map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, args)
}

// serialize turns a tool result into the transcript string: strings pass
// through, everything else is JSON-encoded.
func serialize(out any) string {
	switch v := out.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
