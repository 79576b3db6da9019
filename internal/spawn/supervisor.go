package spawn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/overmind/internal/agent"
	"github.com/harrison/overmind/internal/cancel"
	"github.com/harrison/overmind/internal/economics"
)

// defaultCheckInterval is the supervisor's wakeup rate.
const defaultCheckInterval = 10 * time.Second

// Handle is the parent's view of one running subagent.
type Handle struct {
	ID        string
	AgentName string
	Task      string
	StartedAt time.Time

	runner agent.Runner
	source *cancel.Source

	done chan struct{}

	mu           sync.Mutex
	result       *SpawnResult
	err          error
	wrapupCalled bool
}

// IsRunning reports whether the child has not yet produced a result.
func (h *Handle) IsRunning() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// RequestWrapup forwards a wrapup request to the child; repeated calls
// are collapsed.
func (h *Handle) RequestWrapup(reason string) {
	h.mu.Lock()
	already := h.wrapupCalled
	h.wrapupCalled = true
	runner := h.runner
	h.mu.Unlock()
	if !already && runner != nil {
		runner.RequestWrapup(reason)
	}
}

// Cancel hard-cancels the child.
func (h *Handle) Cancel() {
	if h.source != nil {
		h.source.Cancel("cancelled by supervisor")
	}
}

// Progress returns the child's resource usage so far.
func (h *Handle) Progress() economics.Usage {
	h.mu.Lock()
	runner := h.runner
	h.mu.Unlock()
	if runner == nil {
		return economics.Usage{}
	}
	return runner.Economics().Usage()
}

// Result blocks until the child finishes and returns its result.
func (h *Handle) Result() (*SpawnResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Done exposes the completion channel for select loops.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) finish(result *SpawnResult, err error) {
	h.mu.Lock()
	h.result = result
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// SpawnAsync starts a subagent in the background and returns its handle.
// The handle's cancel source is linked into the run alongside the
// spawner's own timeout handling.
func (s *Spawner) SpawnAsync(ctx context.Context, def AgentDef, task string, constraints *Constraints) *Handle {
	h := &Handle{
		ID:        uuid.NewString(),
		AgentName: def.Name,
		Task:      task,
		StartedAt: time.Now(),
		source:    cancel.NewSource(),
		done:      make(chan struct{}),
	}

	// Per-handle cancellation piggybacks on the parent-source slot: a
	// child spawner carrying this handle's source cancels with it.
	child := *s
	if s.parentSource != nil {
		child.parentSource = cancel.NewLinkedSource(s.parentSource, h.source)
	} else {
		child.parentSource = h.source
	}

	// Surface the runner to the handle as soon as the factory builds it.
	innerFactory := child.factory
	child.factory = func(cfg agent.Config) (agent.Runner, error) {
		runner, err := innerFactory(cfg)
		if err == nil {
			h.mu.Lock()
			h.runner = runner
			h.mu.Unlock()
		}
		return runner, err
	}

	go func() {
		result, err := child.Spawn(ctx, def, task, constraints)
		h.finish(result, err)
	}()
	return h
}

// SupervisorConfig tunes the periodic checker.
type SupervisorConfig struct {
	// CheckInterval defaults to 10s.
	CheckInterval time.Duration
	// MaxDuration, when positive, wrapups any child running longer.
	MaxDuration time.Duration
	// TokenBudgetWrapup, when positive, wrapups any child past this many
	// tokens.
	TokenBudgetWrapup int
}

// Supervisor watches a set of handles and nudges long-running children
// toward wrapup. It holds non-owning references: dropping the supervisor
// never cancels a child.
type Supervisor struct {
	cfg SupervisorConfig

	mu      sync.Mutex
	handles map[string]*Handle
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool
}

// NewSupervisor creates a supervisor; the checker starts with the first
// Add.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return &Supervisor{
		cfg:     cfg,
		handles: make(map[string]*Handle),
	}
}

// Add registers a handle and starts the checker if idle.
func (s *Supervisor) Add(h *Handle) {
	s.mu.Lock()
	s.handles[h.ID] = h
	if !s.running {
		s.running = true
		s.ticker = time.NewTicker(s.cfg.CheckInterval)
		s.stopCh = make(chan struct{})
		go s.loop(s.ticker, s.stopCh)
	}
	s.mu.Unlock()
}

func (s *Supervisor) loop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			ticker.Stop()
			return
		case now := <-ticker.C:
			if s.Check(now) == 0 {
				s.mu.Lock()
				if s.running && len(s.handles) == 0 {
					s.running = false
					close(stop)
				}
				s.mu.Unlock()
			}
		}
	}
}

// Check prunes finished handles and applies the wrapup policies; it
// returns the number of handles still active. Exposed for deterministic
// tests.
func (s *Supervisor) Check(now time.Time) int {
	s.mu.Lock()
	active := make([]*Handle, 0, len(s.handles))
	for id, h := range s.handles {
		if !h.IsRunning() {
			delete(s.handles, id)
			continue
		}
		active = append(active, h)
	}
	s.mu.Unlock()

	for _, h := range active {
		elapsed := now.Sub(h.StartedAt)
		if s.cfg.MaxDuration > 0 && elapsed > s.cfg.MaxDuration {
			h.RequestWrapup("maximum run duration exceeded")
			continue
		}
		if s.cfg.TokenBudgetWrapup > 0 && h.Progress().Tokens > s.cfg.TokenBudgetWrapup {
			h.RequestWrapup("token budget for supervised run exceeded")
		}
	}
	return len(active)
}

// WaitAll blocks until every registered handle finishes or the timeout
// elapses. A zero timeout waits forever. Reports whether all finished.
func (s *Supervisor) WaitAll(timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for _, h := range s.snapshot() {
		select {
		case <-h.Done():
		case <-deadline:
			return false
		}
	}
	return true
}

// WaitAny blocks until one handle finishes and returns it; nil when the
// set is empty.
func (s *Supervisor) WaitAny() *Handle {
	handles := s.snapshot()
	if len(handles) == 0 {
		return nil
	}

	first := make(chan *Handle, len(handles))
	for _, h := range handles {
		h := h
		go func() {
			<-h.Done()
			first <- h
		}()
	}
	return <-first
}

// CancelAll hard-cancels every registered child.
func (s *Supervisor) CancelAll() {
	for _, h := range s.snapshot() {
		h.Cancel()
	}
}

// Stop halts the periodic checker without touching the children.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
}

func (s *Supervisor) snapshot() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}
