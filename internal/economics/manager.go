package economics

import (
	"fmt"
	"sync"
	"time"

	"github.com/harrison/overmind/internal/events"
)

// SuggestedAction is the manager's recommendation after a budget check.
type SuggestedAction string

const (
	ActionContinue         SuggestedAction = "continue"
	ActionStop             SuggestedAction = "stop"
	ActionRequestExtension SuggestedAction = "request_extension"
)

// Check is the result of one CheckBudget call.
type Check struct {
	CanContinue     bool
	IsHardLimit     bool
	IsSoftLimit     bool
	BudgetType      Dimension
	SuggestedAction SuggestedAction
	ForceTextOnly   bool
	InjectedPrompt  string
}

// Injected prompts. The exact substrings are part of the contract with the
// agent loop's prompt assembly.
const (
	PromptMaxIterations = "Maximum steps reached. Summarize what you have accomplished and " +
		"produce your final answer now. Do NOT call any more tools."
	PromptUrgentWrapup = "You are close to exhausting your budget. Stop exploring, " +
		"produce your final answer in plain text, and do not call any more tools unless strictly necessary."
	PromptDoomLoop = "You appear to be stuck repeating the same action without progress. " +
		"Step back, reconsider the problem, and choose a materially different next step."
	PromptStartEditing = "You have read plenty of files without making a single edit. " +
		"Stop exploring and start editing: apply the change you came here to make."
	PromptNewStrategy = "The last several test runs failed despite your edits. " +
		"Abandon the current approach and try a different strategy."
	PromptExplorationBudget = "You have spent too large a share of your step budget exploring. " +
		"Commit to a plan and start making changes."
	PromptVerificationReserve = "Little budget remains and nothing has been verified. " +
		"Run the relevant tests now before the budget runs out."
)

// Tunables for stuckness and phase-budget detection.
const (
	doomLoopThreshold         = 3
	noProgressWindow          = 60 * time.Second
	minIterationsForStuck     = 5
	explorationSaturationMin  = 10
	softUrgentFraction        = 0.80
	softExtensionFraction     = 0.67
	testFailureStreakLimit    = 3
	extensionSuggestionFactor = 1.5
)

// Config tunes per-manager behavior. Zero values select the defaults.
type Config struct {
	// MaxExplorationPercent caps the share of MaxIterations spent in the
	// exploring phase before a nudge is injected. Default 0.4.
	MaxExplorationPercent float64
	// ReservedVerificationPercent is the budget fraction that should
	// remain for verification. Default 0.15.
	ReservedVerificationPercent float64
}

func (c Config) withDefaults() Config {
	if c.MaxExplorationPercent <= 0 {
		c.MaxExplorationPercent = 0.40
	}
	if c.ReservedVerificationPercent <= 0 {
		c.ReservedVerificationPercent = 0.15
	}
	return c
}

// ExtensionRequest is passed to the registered extension handler.
type ExtensionRequest struct {
	Reason     string
	Usage      Usage
	Budget     Budget
	BudgetType Dimension
	// Suggested carries new limits with the breached dimension raised by
	// 1.5x. The handler may return it, modify it, or return nil to deny.
	Suggested Budget
}

// ExtensionHandler decides extension requests. A nil result or an error
// denies the request; a returned budget is applied by component-wise
// increase (limits never decrease).
type ExtensionHandler func(ExtensionRequest) (*Budget, error)

// Manager owns the budget and counters of exactly one agent.
type Manager struct {
	mu       sync.Mutex
	agentID  string
	budget   Budget
	usage    Usage
	cfg      Config
	progress progressState
	phase    phaseState

	startedAt   time.Time
	pausedAt    time.Time // zero when not paused
	pausedTotal time.Duration

	handler ExtensionHandler
	bus     *events.Bus
	now     func() time.Time // test seam
}

// NewManager creates a manager for one agent. bus may be nil.
func NewManager(agentID string, budget Budget, cfg Config, bus *events.Bus) (*Manager, error) {
	if err := budget.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget: %w", err)
	}
	m := &Manager{
		agentID: agentID,
		budget:  budget,
		cfg:     cfg.withDefaults(),
		bus:     bus,
		now:     time.Now,
	}
	m.startedAt = m.now()
	m.progress = newProgressState(m.startedAt)
	m.phase = phaseState{phase: PhaseExploring}
	return m, nil
}

// Usage returns a copy of the counters with DurationMs refreshed.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage
	u.DurationMs = m.effectiveDurationLocked().Milliseconds()
	return u
}

// Budget returns a copy of the current budget (extensions may have grown
// it since construction).
func (m *Manager) Budget() Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// CurrentPhase returns the agent's behavioral phase.
func (m *Manager) CurrentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase.phase
}

// Reset clears all counters and progress state. The budget is retained.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.usage = Usage{}
	m.startedAt = now
	m.pausedAt = time.Time{}
	m.pausedTotal = 0
	m.progress = newProgressState(now)
	m.phase = phaseState{phase: PhaseExploring}
}

// RegisterExtensionHandler installs the extension decision hook. Passing
// nil removes it; with no handler every extension request is denied.
func (m *Manager) RegisterExtensionHandler(h ExtensionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// RecordLLMUsage adds one planner call to the counters. actualCost, when
// non-nil, overrides the pricing-table computation. Unknown models
// contribute zero cost.
func (m *Manager) RecordLLMUsage(inputTokens, outputTokens int, model string, actualCost *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage.InputTokens += inputTokens
	m.usage.OutputTokens += outputTokens
	m.usage.Tokens += inputTokens + outputTokens
	if actualCost != nil {
		m.usage.Cost += *actualCost
	} else {
		m.usage.Cost += CostFor(model, inputTokens, outputTokens)
	}
	m.usage.LLMCalls++
	m.usage.Iterations++
	if m.phase.phase == PhaseExploring {
		m.phase.explorationIterations++
	}
}

// RecordToolCall feeds a tool invocation into progress and phase tracking.
func (m *Manager) RecordToolCall(name string, args map[string]any) {
	m.mu.Lock()

	m.progress.push(fingerprint(name, args))

	meaningful := false
	var transition *[2]Phase

	switch {
	case mutatingTools[name]:
		if path := stringArg(args, "path"); path != "" {
			m.progress.filesModified[path] = true
		}
		meaningful = true
		if m.phase.phase == PhaseExploring {
			transition = &[2]Phase{PhaseExploring, PhaseActing}
			m.phase.phase = PhaseActing
		}
		if m.phase.consecutiveTestFailures > 0 {
			m.phase.inTestFixCycle = true
		}
	case readTools[name]:
		if path := stringArg(args, "path"); path != "" && !m.progress.filesRead[path] {
			m.progress.filesRead[path] = true
			meaningful = true
		}
	case name == "bash":
		m.progress.commandsRun++
		meaningful = true
		command := stringArg(args, "command")
		if IsTestCommand(command) {
			m.phase.testsRun++
			// A test run only counts as verification once an edit has
			// happened; a test during pure exploration changes nothing.
			if m.phase.phase == PhaseActing {
				transition = &[2]Phase{PhaseActing, PhaseVerifying}
				m.phase.phase = PhaseVerifying
			}
		}
	}

	if meaningful {
		m.progress.lastMeaningfulProgress = m.now()
	}
	m.mu.Unlock()

	if meaningful {
		m.emit(events.ProgressMade, map[string]any{"tool": name})
	}
	if transition != nil {
		m.emit(events.PhaseTransition, map[string]any{
			"from": string(transition[0]),
			"to":   string(transition[1]),
		})
	}
}

// RecordTestResult updates the failure streak after a test command's
// outcome is known.
func (m *Manager) RecordTestResult(passed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase.lastTestPassed = passed
	if passed {
		m.phase.consecutiveTestFailures = 0
		m.phase.inTestFixCycle = false
	} else {
		m.phase.consecutiveTestFailures++
	}
}

// PauseDuration stops the effective-duration clock, excluding the paused
// interval from budget accounting. Double-pause is idempotent.
func (m *Manager) PauseDuration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pausedAt.IsZero() {
		m.pausedAt = m.now()
	}
}

// ResumeDuration restarts the clock. Resume without a pause is a no-op.
func (m *Manager) ResumeDuration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pausedAt.IsZero() {
		m.pausedTotal += m.now().Sub(m.pausedAt)
		m.pausedAt = time.Time{}
	}
}

func (m *Manager) effectiveDurationLocked() time.Duration {
	end := m.now()
	if !m.pausedAt.IsZero() {
		end = m.pausedAt
	}
	return end.Sub(m.startedAt) - m.pausedTotal
}

// CheckBudget evaluates the decision ladder and returns the verdict. It is
// called between suspension points; it never blocks.
func (m *Manager) CheckBudget() Check {
	m.mu.Lock()
	duration := m.effectiveDurationLocked()
	usage := m.usage
	budget := m.budget

	// 1. Hard token/cost/duration limits.
	if usage.Tokens > budget.MaxTokens {
		m.mu.Unlock()
		return m.exceeded(DimTokens)
	}
	if usage.Cost > budget.MaxCost {
		m.mu.Unlock()
		return m.exceeded(DimCost)
	}
	if duration > budget.MaxDuration {
		m.mu.Unlock()
		return m.exceeded(DimDuration)
	}

	// 2. Iteration cap: the loop may finish, but only in text.
	if usage.Iterations >= budget.MaxIterations {
		m.mu.Unlock()
		m.emit(events.BudgetWarning, map[string]any{"budgetType": string(DimIterations)})
		return Check{
			CanContinue:     true,
			IsHardLimit:     true,
			BudgetType:      DimIterations,
			SuggestedAction: ActionStop,
			ForceTextOnly:   true,
			InjectedPrompt:  PromptMaxIterations,
		}
	}

	// 3/4. Soft limits, graded by proximity to the hard limit.
	if dim, frac, breached := m.softBreachLocked(duration); breached {
		m.mu.Unlock()
		m.emit(events.BudgetWarning, map[string]any{
			"budgetType": string(dim),
			"fraction":   frac,
		})
		switch {
		case frac >= softUrgentFraction:
			return Check{
				CanContinue:     true,
				IsSoftLimit:     true,
				BudgetType:      dim,
				SuggestedAction: ActionStop,
				ForceTextOnly:   true,
				InjectedPrompt:  PromptUrgentWrapup,
			}
		case frac >= softExtensionFraction:
			return Check{
				CanContinue:     true,
				IsSoftLimit:     true,
				BudgetType:      dim,
				SuggestedAction: ActionRequestExtension,
			}
		default:
			return Check{
				CanContinue:     true,
				IsSoftLimit:     true,
				BudgetType:      dim,
				SuggestedAction: ActionContinue,
			}
		}
	}

	// 5. Stuckness: doom loop or no meaningful progress.
	doomLoop := m.progress.consecutiveIdentical >= doomLoopThreshold
	noProgress := usage.Iterations >= minIterationsForStuck &&
		m.now().Sub(m.progress.lastMeaningfulProgress) >= noProgressWindow
	if doomLoop || noProgress {
		m.progress.stuckCount++
		stuckCount := m.progress.stuckCount
		m.mu.Unlock()
		m.emit(events.ProgressStuck, map[string]any{
			"doomLoop":   doomLoop,
			"stuckCount": stuckCount,
		})
		return Check{
			CanContinue:     true,
			SuggestedAction: ActionRequestExtension,
			InjectedPrompt:  PromptDoomLoop,
		}
	}

	// 6. Exploration saturation: lots of reading, zero edits.
	if len(m.progress.filesRead) >= explorationSaturationMin && len(m.progress.filesModified) == 0 {
		first := !m.progress.saturationReported
		m.progress.saturationReported = true
		m.mu.Unlock()
		if first {
			m.emit(events.ExplorationSaturation, map[string]any{
				"filesRead": len(m.progress.filesRead),
			})
		}
		return Check{
			CanContinue:     true,
			SuggestedAction: ActionContinue,
			InjectedPrompt:  PromptStartEditing,
		}
	}

	// 7. Test-fix death spiral.
	if m.phase.consecutiveTestFailures >= testFailureStreakLimit && m.phase.inTestFixCycle {
		m.mu.Unlock()
		return Check{
			CanContinue:     true,
			SuggestedAction: ActionContinue,
			InjectedPrompt:  PromptNewStrategy,
		}
	}

	// 8. Phase budgets.
	if m.phase.phase == PhaseExploring &&
		float64(m.phase.explorationIterations) > m.cfg.MaxExplorationPercent*float64(budget.MaxIterations) {
		m.mu.Unlock()
		return Check{
			CanContinue:     true,
			SuggestedAction: ActionContinue,
			InjectedPrompt:  PromptExplorationBudget,
		}
	}
	if m.phase.phase == PhaseActing && m.phase.testsRun == 0 {
		if remaining := 1 - m.maxUtilizationLocked(duration); remaining <= m.cfg.ReservedVerificationPercent {
			m.mu.Unlock()
			return Check{
				CanContinue:     true,
				SuggestedAction: ActionContinue,
				InjectedPrompt:  PromptVerificationReserve,
			}
		}
	}

	m.mu.Unlock()
	return Check{CanContinue: true, SuggestedAction: ActionContinue}
}

// exceeded builds the hard-limit verdict and emits budget.exceeded.
func (m *Manager) exceeded(dim Dimension) Check {
	m.emit(events.BudgetExceeded, map[string]any{"budgetType": string(dim)})
	return Check{
		CanContinue:     false,
		IsHardLimit:     true,
		BudgetType:      dim,
		SuggestedAction: ActionStop,
	}
}

// softBreachLocked returns the first breached soft dimension and its
// usage as a fraction of the hard limit.
func (m *Manager) softBreachLocked(duration time.Duration) (Dimension, float64, bool) {
	if m.budget.SoftTokenLimit > 0 && m.usage.Tokens >= m.budget.SoftTokenLimit {
		return DimTokens, float64(m.usage.Tokens) / float64(m.budget.MaxTokens), true
	}
	if m.budget.SoftCostLimit > 0 && m.usage.Cost >= m.budget.SoftCostLimit {
		return DimCost, m.usage.Cost / m.budget.MaxCost, true
	}
	if m.budget.SoftDurationLimit > 0 && duration >= m.budget.SoftDurationLimit {
		return DimDuration, float64(duration) / float64(m.budget.MaxDuration), true
	}
	return "", 0, false
}

// maxUtilizationLocked returns the highest budget utilization across all
// dimensions, in [0, 1+].
func (m *Manager) maxUtilizationLocked(duration time.Duration) float64 {
	max := float64(m.usage.Tokens) / float64(m.budget.MaxTokens)
	if u := m.usage.Cost / m.budget.MaxCost; u > max {
		max = u
	}
	if u := float64(duration) / float64(m.budget.MaxDuration); u > max {
		max = u
	}
	if u := float64(m.usage.Iterations) / float64(m.budget.MaxIterations); u > max {
		max = u
	}
	return max
}

// RequestExtension asks the registered handler for more budget. The
// suggested delta raises the breached (most utilized) dimension by 1.5x.
// Returns true when an extension was granted and applied.
func (m *Manager) RequestExtension(reason string) bool {
	m.mu.Lock()
	handler := m.handler
	duration := m.effectiveDurationLocked()
	req := ExtensionRequest{
		Reason:     reason,
		Usage:      m.usage,
		Budget:     m.budget,
		BudgetType: m.mostUtilizedLocked(duration),
	}
	req.Suggested = suggestExtension(m.budget, req.BudgetType)
	m.mu.Unlock()

	m.emit(events.ExtensionRequested, map[string]any{
		"reason":     reason,
		"budgetType": string(req.BudgetType),
	})

	if handler == nil {
		m.emit(events.ExtensionDenied, map[string]any{"reason": "no extension handler registered"})
		return false
	}
	granted, err := handler(req)
	if err != nil || granted == nil {
		detail := "handler denied the request"
		if err != nil {
			detail = err.Error()
		}
		m.emit(events.ExtensionDenied, map[string]any{"reason": detail})
		return false
	}

	m.mu.Lock()
	applyIncrease(&m.budget, granted)
	newBudget := m.budget
	m.mu.Unlock()

	m.emit(events.ExtensionGranted, map[string]any{
		"maxTokens":     newBudget.MaxTokens,
		"maxCost":       newBudget.MaxCost,
		"maxIterations": newBudget.MaxIterations,
	})
	return true
}

func (m *Manager) mostUtilizedLocked(duration time.Duration) Dimension {
	dim := DimTokens
	max := float64(m.usage.Tokens) / float64(m.budget.MaxTokens)
	if u := m.usage.Cost / m.budget.MaxCost; u > max {
		max, dim = u, DimCost
	}
	if u := float64(duration) / float64(m.budget.MaxDuration); u > max {
		max, dim = u, DimDuration
	}
	if u := float64(m.usage.Iterations) / float64(m.budget.MaxIterations); u > max {
		max, dim = u, DimIterations
	}
	return dim
}

// suggestExtension raises the breached dimension by the suggestion factor.
func suggestExtension(b Budget, dim Dimension) Budget {
	s := b
	switch dim {
	case DimTokens:
		s.MaxTokens = int(float64(b.MaxTokens) * extensionSuggestionFactor)
	case DimCost:
		s.MaxCost = b.MaxCost * extensionSuggestionFactor
	case DimDuration:
		s.MaxDuration = time.Duration(float64(b.MaxDuration) * extensionSuggestionFactor)
	case DimIterations:
		s.MaxIterations = int(float64(b.MaxIterations) * extensionSuggestionFactor)
	}
	return s
}

// applyIncrease merges a granted partial budget component-wise; limits
// never decrease.
func applyIncrease(into *Budget, granted *Budget) {
	if granted.MaxTokens > into.MaxTokens {
		into.MaxTokens = granted.MaxTokens
	}
	if granted.MaxCost > into.MaxCost {
		into.MaxCost = granted.MaxCost
	}
	if granted.MaxDuration > into.MaxDuration {
		into.MaxDuration = granted.MaxDuration
	}
	if granted.MaxIterations > into.MaxIterations {
		into.MaxIterations = granted.MaxIterations
	}
	if granted.SoftTokenLimit > into.SoftTokenLimit {
		into.SoftTokenLimit = granted.SoftTokenLimit
	}
	if granted.SoftCostLimit > into.SoftCostLimit {
		into.SoftCostLimit = granted.SoftCostLimit
	}
	if granted.SoftDurationLimit > into.SoftDurationLimit {
		into.SoftDurationLimit = granted.SoftDurationLimit
	}
	if granted.TargetIterations > into.TargetIterations {
		into.TargetIterations = granted.TargetIterations
	}
}

func (m *Manager) emit(kind events.Kind, fields map[string]any) {
	if m.bus != nil {
		m.bus.Emit(kind, m.agentID, fields)
	}
}
