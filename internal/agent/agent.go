// Package agent implements the inner execution loop: one planner call,
// then the requested tool calls, then a budget check, repeated until the
// model answers in plain text or a limit fires. The loop is
// single-threaded and cooperative; concurrency lives above it, in the
// spawner and orchestrator.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/harrison/overmind/internal/cancel"
	"github.com/harrison/overmind/internal/economics"
	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
	"github.com/harrison/overmind/internal/plan"
	"github.com/harrison/overmind/internal/planner"
	"github.com/harrison/overmind/internal/policy"
	"github.com/harrison/overmind/internal/tools"
)

// Result is the outcome of one Run.
type Result struct {
	Success bool
	Status  models.CompletionStatus
	// Output is the last assistant message, partial if the run was cut.
	Output        string
	Usage         economics.Usage
	FilesModified []string
	// StoppedBy names the breached dimension when a hard budget limit
	// ended the run.
	StoppedBy economics.Dimension
	// ToolCalls counts executed (not denied) tool invocations.
	ToolCalls int
}

// Runner is the loop surface the spawner depends on. The Factory
// indirection keeps the spawner free of this package's concrete type.
type Runner interface {
	Run(ctx context.Context, task string, token *cancel.Token) (*Result, error)
	RequestWrapup(reason string)
	Plans() *plan.Manager
	Economics() *economics.Manager
}

// Factory produces a runner for a child configuration.
type Factory func(cfg Config) (Runner, error)

// New creates an agent and its owned economics manager and plan manager.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	econ, err := economics.NewManager(cfg.ID, cfg.Budget, cfg.Economics, cfg.Bus)
	if err != nil {
		return nil, err
	}
	plans := cfg.Plans
	if plans == nil {
		plans = plan.NewManager(cfg.ID, cfg.Bus)
	}
	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Agent{
		cfg:      cfg,
		econ:     econ,
		plans:    plans,
		registry: registry,
	}, nil
}

// NewRunner is a Factory.
func NewRunner(cfg Config) (Runner, error) {
	return New(cfg)
}

// Agent is one loop instance. Run may be called once.
type Agent struct {
	cfg      Config
	econ     *economics.Manager
	plans    *plan.Manager
	registry *tools.Registry

	mu            sync.Mutex
	wrapupReason  string
	wrapupPending bool
}

// Plans returns the agent's pending-plan manager.
func (a *Agent) Plans() *plan.Manager { return a.plans }

// Economics returns the agent's budget manager.
func (a *Agent) Economics() *economics.Manager { return a.econ }

// RequestWrapup asks the loop to finalize: the reason is injected before
// the next planner call and tool execution is disabled from then on.
// Safe to call from another goroutine (timeout checkers do).
func (a *Agent) RequestWrapup(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.wrapupPending {
		a.wrapupPending = true
		a.wrapupReason = reason
	}
}

func (a *Agent) takeWrapup() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.wrapupPending || a.wrapupReason == "" {
		return "", a.wrapupPending
	}
	reason := a.wrapupReason
	a.wrapupReason = ""
	return reason, true
}

const planModePrompt = "You are in plan mode: do not apply changes " +
	"directly. Any write operation you request will be queued as a " +
	"proposed change for user approval instead of executing."

// refusedRoundLimit bounds how many planner turns may still request tools
// after tool execution has been disabled.
const refusedRoundLimit = 2

// Run executes the loop until the model produces a plain-text answer, a
// hard budget limit fires, or the token cancels. The returned error is
// reserved for planner transport failures and programmer errors;
// budget exhaustion and cancellation come back as unsuccessful results.
func (a *Agent) Run(ctx context.Context, task string, token *cancel.Token) (*Result, error) {
	system := a.cfg.SystemPrompt
	if a.cfg.PlanMode {
		if system != "" {
			system += "\n\n"
		}
		system += planModePrompt
	}
	messages := []planner.Message{
		{Role: planner.RoleSystem, Content: system},
		{Role: planner.RoleUser, Content: task},
	}

	result := &Result{Status: models.CompletionCompleted}
	modifiedSet := map[string]bool{}
	forceTextOnly := false
	refusedRounds := 0
	var lastContent string

	finish := func(success bool) (*Result, error) {
		result.Success = success
		result.Output = lastContent
		result.Usage = a.econ.Usage()
		for path := range modifiedSet {
			result.FilesModified = append(result.FilesModified, path)
		}
		return result, nil
	}

	for {
		if token != nil && token.IsCancellationRequested() {
			result.Status = models.CompletionCancelled
			return finish(false)
		}
		if err := ctx.Err(); err != nil {
			result.Status = models.CompletionCancelled
			return finish(false)
		}

		if reason, pending := a.takeWrapup(); pending {
			forceTextOnly = true
			if reason != "" {
				messages = append(messages, planner.Message{
					Role:    planner.RoleUser,
					Content: fmt.Sprintf("WRAP UP NOW: %s", reason),
				})
			}
		}

		resp, err := a.cfg.Planner.Chat(ctx, messages)
		if err != nil {
			if token != nil && token.IsCancellationRequested() {
				result.Status = models.CompletionCancelled
				return finish(false)
			}
			return nil, fmt.Errorf("planner call failed: %w", err)
		}
		a.econ.RecordLLMUsage(resp.InputTokens, resp.OutputTokens, a.modelFor(resp), nil)
		lastContent = resp.Content
		messages = append(messages, planner.Message{
			Role:      planner.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			return finish(true)
		}

		if forceTextOnly {
			refusedRounds++
			if refusedRounds > refusedRoundLimit {
				// The model keeps requesting tools after being told to
				// stop; its last content is the best answer available.
				return finish(true)
			}
			for _, call := range resp.ToolCalls {
				messages = append(messages, toolMessage(call.ID,
					"Tool execution is disabled: finalize your answer in plain text."))
			}
			continue
		}

		for _, call := range resp.ToolCalls {
			if token != nil && token.IsCancellationRequested() {
				result.Status = models.CompletionCancelled
				return finish(false)
			}
			messages = append(messages, a.executeToolCall(ctx, call, modifiedSet, result))
		}

		check := a.econ.CheckBudget()
		if !check.CanContinue {
			result.Status = models.CompletionCompleted
			result.StoppedBy = check.BudgetType
			lastContent = resp.Content
			a.emit(events.BudgetExceeded, map[string]any{
				"dimension": string(check.BudgetType),
			})
			return finish(false)
		}
		if check.SuggestedAction == economics.ActionRequestExtension {
			a.econ.RequestExtension(fmt.Sprintf("approaching %s limit", check.BudgetType))
		}
		if check.ForceTextOnly {
			forceTextOnly = true
		}
		if check.InjectedPrompt != "" {
			messages = append(messages, planner.Message{
				Role:    planner.RoleUser,
				Content: check.InjectedPrompt,
			})
		}
	}
}

// executeToolCall applies plan-mode interception and policy enforcement,
// runs the tool, and returns the transcript message for its result. The
// call is recorded with economics either way so repeated denials trip
// stuckness detection.
func (a *Agent) executeToolCall(ctx context.Context, call planner.ToolCall, modifiedSet map[string]bool, result *Result) planner.Message {
	a.econ.RecordToolCall(call.Name, call.Args)

	if a.cfg.PlanMode && tools.IsWriteIntent(call.Name) {
		change := a.plans.AddProposedChange(call.Name, call.Args,
			"requested during plan mode", call.ID)
		if change == nil {
			a.plans.StartPlan(a.cfg.ID, "")
			change = a.plans.AddProposedChange(call.Name, call.Args,
				"requested during plan mode", call.ID)
		}
		return toolMessage(call.ID, fmt.Sprintf(
			"Queued as proposed change #%d; it will apply once the plan is approved.",
			change.Order))
	}

	if decision := policy.IsToolAllowed(call.Name, a.cfg.Profile); !decision.Allowed {
		return toolMessage(call.ID, fmt.Sprintf("Tool %q denied: %s", call.Name, decision.Reason))
	}
	if call.Name == tools.Bash {
		command, _ := call.Args["command"].(string)
		if decision := policy.EvaluateBash(command, a.cfg.Profile, a.cfg.TaskType); !decision.Allowed {
			return toolMessage(call.ID, fmt.Sprintf("Command denied: %s", decision.Reason))
		}
	}

	res := a.registry.Execute(ctx, call.Name, call.Args)
	result.ToolCalls++

	if tools.IsWriteIntent(call.Name) && res.Status == "ok" {
		if path := pathArg(call.Args); path != "" {
			modifiedSet[path] = true
		}
	}
	if call.Name == tools.Bash {
		if command, _ := call.Args["command"].(string); economics.IsTestCommand(command) {
			a.econ.RecordTestResult(res.Status == "ok")
		}
	}
	if res.Status != "ok" {
		return toolMessage(call.ID, fmt.Sprintf("status=error %s", res.Content))
	}
	return toolMessage(call.ID, res.Content)
}

func (a *Agent) modelFor(resp *planner.Response) string {
	if resp.Model != "" {
		return resp.Model
	}
	return a.cfg.Model
}

func (a *Agent) emit(kind events.Kind, fields map[string]any) {
	if a.cfg.Bus != nil {
		a.cfg.Bus.Emit(kind, a.cfg.ID, fields)
	}
}

func toolMessage(callID, content string) planner.Message {
	return planner.Message{Role: planner.RoleTool, Content: content, ToolCallID: callID}
}

func pathArg(args map[string]any) string {
	for _, key := range []string{"path", "file_path", "file", "filename"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
