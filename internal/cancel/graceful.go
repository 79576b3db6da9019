package cancel

import (
	"sync"
	"time"
)

// DefaultIdleCheckInterval is how often the graceful source re-evaluates
// its deadlines.
const DefaultIdleCheckInterval = 5 * time.Second

// GracefulConfig describes the three windows of a graceful timeout.
type GracefulConfig struct {
	// HardTimeout is the absolute run budget. Cancel fires when it elapses.
	HardTimeout time.Duration
	// IdleThreshold cancels a worker that stops reporting progress.
	IdleThreshold time.Duration
	// WrapupWindow is the slice before the hard deadline during which
	// wrapup callbacks fire so the worker can produce a closure report.
	WrapupWindow time.Duration
	// IdleCheckInterval overrides the periodic check rate (default 5s).
	IdleCheckInterval time.Duration
}

// GracefulSource is a cancellation source with an early warning phase.
// It watches a hard deadline and an idle threshold; when either the wrapup
// window opens or the worker goes idle, wrapup callbacks fire exactly once.
// When the hard deadline passes, the source cancels.
type GracefulSource struct {
	*Source

	mu            sync.Mutex
	cfg           GracefulConfig
	startedAt     time.Time
	lastProgress  time.Time
	wrapupStarted bool
	wrapupReason  string
	wrapupCbs     []func(reason string)
	ticker        *time.Ticker
	stop          chan struct{}
	stopOnce      sync.Once
}

// NewGracefulSource starts the periodic checker immediately.
func NewGracefulSource(cfg GracefulConfig) *GracefulSource {
	if cfg.IdleCheckInterval <= 0 {
		cfg.IdleCheckInterval = DefaultIdleCheckInterval
	}
	now := time.Now()
	g := &GracefulSource{
		Source:       NewSource(),
		cfg:          cfg,
		startedAt:    now,
		lastProgress: now,
		stop:         make(chan struct{}),
	}
	g.ticker = time.NewTicker(cfg.IdleCheckInterval)
	go g.run()
	return g
}

// ReportProgress resets the idle clock.
func (g *GracefulSource) ReportProgress() {
	g.mu.Lock()
	g.lastProgress = time.Now()
	g.mu.Unlock()
}

// OnWrapupWarning registers a callback fired once when the wrapup phase
// begins. Registering after wrapup has started fires the callback
// immediately with the original reason.
func (g *GracefulSource) OnWrapupWarning(cb func(reason string)) {
	g.mu.Lock()
	if g.wrapupStarted {
		reason := g.wrapupReason
		g.mu.Unlock()
		cb(reason)
		return
	}
	g.wrapupCbs = append(g.wrapupCbs, cb)
	g.mu.Unlock()
}

// WrapupStarted reports whether the wrapup phase has begun.
func (g *GracefulSource) WrapupStarted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wrapupStarted
}

// Dispose stops the checker and releases timers. It does not cancel.
func (g *GracefulSource) Dispose() {
	g.stopOnce.Do(func() {
		close(g.stop)
		g.ticker.Stop()
	})
	g.Source.Dispose()
}

func (g *GracefulSource) run() {
	for {
		select {
		case <-g.stop:
			return
		case <-g.Source.done:
			return
		case now := <-g.ticker.C:
			g.check(now)
		}
	}
}

// Check evaluates deadlines against now. Exposed for deterministic tests.
func (g *GracefulSource) Check(now time.Time) {
	g.check(now)
}

func (g *GracefulSource) check(now time.Time) {
	g.mu.Lock()
	hardDeadline := g.startedAt.Add(g.cfg.HardTimeout)
	idle := g.cfg.IdleThreshold > 0 && now.Sub(g.lastProgress) >= g.cfg.IdleThreshold
	nearDeadline := g.cfg.HardTimeout > 0 && !now.Add(g.cfg.WrapupWindow).Before(hardDeadline)
	hardExpired := g.cfg.HardTimeout > 0 && !now.Before(hardDeadline)

	var fire []func(reason string)
	var reason string
	if (idle || nearDeadline) && !g.wrapupStarted {
		g.wrapupStarted = true
		if idle {
			reason = "idle threshold exceeded"
		} else {
			reason = "hard deadline approaching"
		}
		g.wrapupReason = reason
		fire = g.wrapupCbs
		g.wrapupCbs = nil
	}
	g.mu.Unlock()

	for _, cb := range fire {
		cb(reason)
	}
	if hardExpired {
		g.Cancel("hard timeout elapsed")
	}
}
