package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harrison/overmind/internal/cancel"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/planner"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/tools"
)

func testBudget() economics.Budget {
	return economics.Budget{
		MaxTokens: 100_000, MaxCost: 10, MaxDuration: time.Minute, MaxIterations: 20,
	}
}

type recordedTool struct {
	name  string
	calls []map[string]any
	reply string
	fail  bool
}

func (r *recordedTool) Name() string                      { return r.name }
func (r *recordedTool) Description() string               { return "test tool" }
func (r *recordedTool) ParametersSchema() json.RawMessage { return json.RawMessage(`{}`) }
func (r *recordedTool) Execute(_ context.Context, args map[string]any) (any, error) {
	r.calls = append(r.calls, args)
	if r.fail {
		return nil, context.DeadlineExceeded
	}
	return r.reply, nil
}

// turnPlanner replays scripted responses and captures the transcript it
// was handed on each call.
type turnPlanner struct {
	turns       []planner.Response
	call        int
	transcripts [][]planner.Message
	onTurn      func(call int)
}

func (p *turnPlanner) Chat(_ context.Context, messages []planner.Message) (*planner.Response, error) {
	p.transcripts = append(p.transcripts, append([]planner.Message(nil), messages...))
	if p.onTurn != nil {
		p.onTurn(p.call)
	}
	idx := p.call
	if idx >= len(p.turns) {
		idx = len(p.turns) - 1
	}
	p.call++
	resp := p.turns[idx]
	return &resp, nil
}

func newTestAgent(t *testing.T, p planner.Planner, registry *tools.Registry, mutate func(*Config)) *Agent {
	t.Helper()
	cfg := Config{
		ID:      "agent-1",
		Name:    "tester",
		Model:   "claude-3-5-haiku-20241022",
		Budget:  testBudget(),
		Planner: p,
		Tools:   registry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestRun_ToolLoopThenFinalAnswer(t *testing.T) {
	reader := &recordedTool{name: tools.ReadFile, reply: "package main"}
	registry := tools.NewRegistry()
	registry.Register(reader)

	p := &turnPlanner{turns: []planner.Response{
		{
			Content:     "reading the file",
			ToolCalls:   []planner.ToolCall{{ID: "t1", Name: tools.ReadFile, Args: map[string]any{"path": "main.go"}}},
			InputTokens: 100, OutputTokens: 50,
		},
		{Content: "the file declares package main", InputTokens: 120, OutputTokens: 30},
	}}

	a := newTestAgent(t, p, registry, nil)
	result, err := a.Run(context.Background(), "what package is main.go in?", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if result.Output != "the file declares package main" {
		t.Errorf("output = %q", result.Output)
	}
	if result.ToolCalls != 1 || len(reader.calls) != 1 {
		t.Errorf("tool executed %d times, result counted %d", len(reader.calls), result.ToolCalls)
	}
	if result.Usage.Tokens != 300 || result.Usage.LLMCalls != 2 {
		t.Errorf("usage = %+v", result.Usage)
	}

	// The tool result must have been in the second transcript.
	last := p.transcripts[1]
	found := false
	for _, m := range last {
		if m.Role == planner.RoleTool && m.ToolCallID == "t1" && m.Content == "package main" {
			found = true
		}
	}
	if !found {
		t.Error("tool result missing from follow-up transcript")
	}
}

func TestRun_PlanModeQueuesWrites(t *testing.T) {
	writer := &recordedTool{name: tools.WriteFile}
	registry := tools.NewRegistry()
	registry.Register(writer)

	p := &turnPlanner{turns: []planner.Response{
		{
			Content:   "writing",
			ToolCalls: []planner.ToolCall{{ID: "w1", Name: tools.WriteFile, Args: map[string]any{"path": "a.go", "content": "x"}}},
		},
		{Content: "queued the change"},
	}}

	a := newTestAgent(t, p, registry, func(c *Config) { c.PlanMode = true })
	a.Plans().StartPlan("write a.go", "")

	result, err := a.Run(context.Background(), "write a.go", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("unexpected failure: %+v", result)
	}
	if len(writer.calls) != 0 {
		t.Error("write tool executed despite plan mode")
	}
	active := a.Plans().ActivePlan()
	if active == nil || len(active.ProposedChanges) != 1 {
		t.Fatalf("plan = %+v", active)
	}
	if active.ProposedChanges[0].Tool != tools.WriteFile {
		t.Errorf("queued tool = %s", active.ProposedChanges[0].Tool)
	}
	if len(result.FilesModified) != 0 {
		t.Errorf("plan mode must not report modified files: %v", result.FilesModified)
	}
}

func TestRun_PolicyDenialReturnsMessageNotError(t *testing.T) {
	web := &recordedTool{name: tools.WebSearch}
	registry := tools.NewRegistry()
	registry.Register(web)

	p := &turnPlanner{turns: []planner.Response{
		{
			Content:   "searching",
			ToolCalls: []planner.ToolCall{{ID: "s1", Name: tools.WebSearch, Args: map[string]any{"query": "go"}}},
		},
		{Content: "done without search"},
	}}

	a := newTestAgent(t, p, registry, func(c *Config) {
		c.Profile = policy.Profile{ToolAccessMode: policy.AccessAll, DeniedTools: []string{tools.WebSearch}}
	})
	result, err := a.Run(context.Background(), "look this up", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("denial should not fail the run: %+v", result)
	}
	if len(web.calls) != 0 {
		t.Error("denied tool was executed")
	}
	denied := false
	for _, m := range p.transcripts[1] {
		if m.Role == planner.RoleTool && strings.Contains(m.Content, "denied") {
			denied = true
		}
	}
	if !denied {
		t.Error("denial message not surfaced to the planner")
	}
}

func TestRun_HardTokenLimitStops(t *testing.T) {
	reader := &recordedTool{name: tools.ReadFile, reply: "data"}
	registry := tools.NewRegistry()
	registry.Register(reader)

	// Every turn burns 600 tokens against a 1000-token budget and keeps
	// requesting tools; the second check must stop the run.
	p := &turnPlanner{turns: []planner.Response{
		{
			Content:     "still going",
			ToolCalls:   []planner.ToolCall{{ID: "r", Name: tools.ReadFile, Args: map[string]any{"path": "f"}}},
			InputTokens: 400, OutputTokens: 200,
		},
	}}

	a := newTestAgent(t, p, registry, func(c *Config) {
		c.Budget = economics.Budget{MaxTokens: 1000, MaxCost: 10, MaxDuration: time.Minute, MaxIterations: 50}
	})
	result, err := a.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("run should fail on hard token limit")
	}
	if result.StoppedBy != economics.DimTokens {
		t.Errorf("StoppedBy = %s", result.StoppedBy)
	}
	if result.Output == "" {
		t.Error("partial output lost on budget stop")
	}
}

func TestRun_ForceTextOnlyRefusesToolsThenFinalizes(t *testing.T) {
	reader := &recordedTool{name: tools.ReadFile, reply: "data"}
	registry := tools.NewRegistry()
	registry.Register(reader)

	// MaxIterations=1: after the first tool round the check flips
	// force-text-only; the model stubbornly keeps requesting tools and the
	// loop must finalize with its last content instead of spinning.
	p := &turnPlanner{turns: []planner.Response{
		{
			Content:     "looping",
			ToolCalls:   []planner.ToolCall{{ID: "r", Name: tools.ReadFile, Args: map[string]any{"path": "f"}}},
			InputTokens: 10, OutputTokens: 10,
		},
	}}

	a := newTestAgent(t, p, registry, func(c *Config) {
		c.Budget = economics.Budget{MaxTokens: 100_000, MaxCost: 10, MaxDuration: time.Minute, MaxIterations: 1}
	})
	result, err := a.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("force-text-only should end with the last answer: %+v", result)
	}
	if len(reader.calls) != 1 {
		t.Errorf("tool executed %d times; only the pre-limit round may run tools", len(reader.calls))
	}
	if p.call > 4 {
		t.Errorf("loop did not terminate promptly: %d planner calls", p.call)
	}
}

func TestRun_WrapupInjectsMessage(t *testing.T) {
	registry := tools.NewRegistry()
	reader := &recordedTool{name: tools.ReadFile, reply: "data"}
	registry.Register(reader)

	p := &turnPlanner{turns: []planner.Response{
		{
			Content:   "working",
			ToolCalls: []planner.ToolCall{{ID: "r", Name: tools.ReadFile, Args: map[string]any{"path": "f"}}},
		},
		{Content: "summary of findings"},
	}}

	var a *Agent
	p.onTurn = func(call int) {
		if call == 0 {
			a.RequestWrapup("timeout approaching")
		}
	}
	a = newTestAgent(t, p, registry, nil)

	result, err := a.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("wrapup run should succeed: %+v", result)
	}

	injected := false
	for _, m := range p.transcripts[len(p.transcripts)-1] {
		if m.Role == planner.RoleUser && strings.Contains(m.Content, "WRAP UP NOW") {
			injected = true
		}
	}
	if !injected {
		t.Error("wrapup reason not injected into transcript")
	}
}

func TestRun_CancellationReturnsPartial(t *testing.T) {
	registry := tools.NewRegistry()
	reader := &recordedTool{name: tools.ReadFile, reply: "data"}
	registry.Register(reader)

	source := cancel.NewSource()
	p := &turnPlanner{turns: []planner.Response{
		{
			Content:   "partial thoughts",
			ToolCalls: []planner.ToolCall{{ID: "r", Name: tools.ReadFile, Args: map[string]any{"path": "f"}}},
		},
	}}
	p.onTurn = func(call int) {
		if call == 0 {
			source.Cancel("user hit ctrl-c")
		}
	}

	a := newTestAgent(t, p, registry, nil)
	result, err := a.Run(context.Background(), "task", source.Token())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("cancelled run must not report success")
	}
	if result.Status != "cancelled" {
		t.Errorf("status = %s", result.Status)
	}
	if result.Output != "partial thoughts" {
		t.Errorf("partial output = %q", result.Output)
	}
}

func TestRun_TracksModifiedFiles(t *testing.T) {
	writer := &recordedTool{name: tools.WriteFile, reply: "written"}
	registry := tools.NewRegistry()
	registry.Register(writer)

	p := &turnPlanner{turns: []planner.Response{
		{
			Content: "writing both",
			ToolCalls: []planner.ToolCall{
				{ID: "w1", Name: tools.WriteFile, Args: map[string]any{"path": "a.go"}},
				{ID: "w2", Name: tools.WriteFile, Args: map[string]any{"path": "b.go"}},
				{ID: "w3", Name: tools.WriteFile, Args: map[string]any{"path": "a.go"}},
			},
		},
		{Content: "done"},
	}}

	a := newTestAgent(t, p, registry, nil)
	result, err := a.Run(context.Background(), "task", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.FilesModified) != 2 {
		t.Errorf("files modified = %v, want a.go and b.go once each", result.FilesModified)
	}
}
