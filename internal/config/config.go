package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation modes for worker execution.
const (
	IsolationWorktree = "worktree"
	IsolationDocker   = "docker"
	IsolationNone     = "none"
)

// SwarmConfig holds swarm orchestration settings.
type SwarmConfig struct {
	// WorkerModel is the model used for spawned workers.
	WorkerModel string `yaml:"worker_model"`

	// MaxRetries is the number of retries per failed task.
	MaxRetries int `yaml:"max_retries"`

	// MaxReplans bounds how many times a stalled swarm may re-plan.
	MaxReplans int `yaml:"max_replans"`

	// DispatchStaggerMs is the delay between worker launches within a wave.
	DispatchStaggerMs int `yaml:"dispatch_stagger_ms"`

	// EnableHollowTermination lets the orchestrator bulk-skip remaining
	// tasks when workers keep completing without doing real work.
	EnableHollowTermination bool `yaml:"enable_hollow_termination"`

	// HollowMinDispatches is the minimum dispatch count before the hollow
	// ratio is considered.
	HollowMinDispatches int `yaml:"hollow_min_dispatches"`

	// HollowRatio is the hollow-to-dispatched ratio that triggers action.
	HollowRatio float64 `yaml:"hollow_ratio"`
}

// Config represents overmind configuration options.
type Config struct {
	// Parallelism is the maximum number of concurrent workers.
	Parallelism int `yaml:"parallelism"`

	// Isolation selects how workers are isolated: worktree, docker or none.
	Isolation string `yaml:"isolation"`

	// CostLimit is the total budget in USD (0 = unlimited).
	CostLimit float64 `yaml:"cost_limit"`

	// TokenBudget is the total token budget shared by all workers.
	TokenBudget int `yaml:"token_budget"`

	// Timeout is the maximum execution time for a single task.
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs are written.
	LogDir string `yaml:"log_dir"`

	// StateDir is the directory where session state is persisted.
	StateDir string `yaml:"state_dir"`

	// ResultsDB is the path to the sqlite results database.
	ResultsDB string `yaml:"results_db"`

	// DryRun validates the plan without executing it.
	DryRun bool `yaml:"dry_run"`

	// Swarm contains swarm orchestration settings.
	Swarm SwarmConfig `yaml:"swarm"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Parallelism: 3,
		Isolation:   IsolationNone,
		CostLimit:   0,
		TokenBudget: 500_000,
		Timeout:     10 * time.Minute,
		LogLevel:    "info",
		LogDir:      filepath.Join(".overmind", "logs"),
		StateDir:    filepath.Join(".overmind", "sessions"),
		ResultsDB:   filepath.Join(".overmind", "results.db"),
		DryRun:      false,
		Swarm: SwarmConfig{
			WorkerModel:             "sonnet",
			MaxRetries:              1,
			MaxReplans:              1,
			DispatchStaggerMs:       250,
			EnableHollowTermination: false,
			HollowMinDispatches:     5,
			HollowRatio:             0.5,
		},
	}
}

// yamlConfig mirrors Config with the duration as a string so the file can
// say "5m" instead of nanoseconds.
type yamlConfig struct {
	Parallelism *int     `yaml:"parallelism"`
	Isolation   string   `yaml:"isolation"`
	CostLimit   *float64 `yaml:"cost_limit"`
	TokenBudget *int     `yaml:"token_budget"`
	Timeout     string   `yaml:"timeout"`
	LogLevel    string   `yaml:"log_level"`
	LogDir      string   `yaml:"log_dir"`
	StateDir    string   `yaml:"state_dir"`
	ResultsDB   string   `yaml:"results_db"`
	DryRun      *bool    `yaml:"dry_run"`
	Swarm       struct {
		WorkerModel             string   `yaml:"worker_model"`
		MaxRetries              *int     `yaml:"max_retries"`
		MaxReplans              *int     `yaml:"max_replans"`
		DispatchStaggerMs       *int     `yaml:"dispatch_stagger_ms"`
		EnableHollowTermination *bool    `yaml:"enable_hollow_termination"`
		HollowMinDispatches     *int     `yaml:"hollow_min_dispatches"`
		HollowRatio             *float64 `yaml:"hollow_ratio"`
	} `yaml:"swarm"`
}

// Load loads configuration from the given file path, merging file values
// over defaults. A missing file returns the defaults without error; a
// malformed file returns an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if yc.Parallelism != nil {
		cfg.Parallelism = *yc.Parallelism
	}
	if yc.Isolation != "" {
		cfg.Isolation = yc.Isolation
	}
	if yc.CostLimit != nil {
		cfg.CostLimit = *yc.CostLimit
	}
	if yc.TokenBudget != nil {
		cfg.TokenBudget = *yc.TokenBudget
	}
	if yc.Timeout != "" {
		timeout, err := time.ParseDuration(yc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", yc.Timeout, err)
		}
		cfg.Timeout = timeout
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}
	if yc.LogDir != "" {
		cfg.LogDir = yc.LogDir
	}
	if yc.StateDir != "" {
		cfg.StateDir = yc.StateDir
	}
	if yc.ResultsDB != "" {
		cfg.ResultsDB = yc.ResultsDB
	}
	if yc.DryRun != nil {
		cfg.DryRun = *yc.DryRun
	}

	if yc.Swarm.WorkerModel != "" {
		cfg.Swarm.WorkerModel = yc.Swarm.WorkerModel
	}
	if yc.Swarm.MaxRetries != nil {
		cfg.Swarm.MaxRetries = *yc.Swarm.MaxRetries
	}
	if yc.Swarm.MaxReplans != nil {
		cfg.Swarm.MaxReplans = *yc.Swarm.MaxReplans
	}
	if yc.Swarm.DispatchStaggerMs != nil {
		cfg.Swarm.DispatchStaggerMs = *yc.Swarm.DispatchStaggerMs
	}
	if yc.Swarm.EnableHollowTermination != nil {
		cfg.Swarm.EnableHollowTermination = *yc.Swarm.EnableHollowTermination
	}
	if yc.Swarm.HollowMinDispatches != nil {
		cfg.Swarm.HollowMinDispatches = *yc.Swarm.HollowMinDispatches
	}
	if yc.Swarm.HollowRatio != nil {
		cfg.Swarm.HollowRatio = *yc.Swarm.HollowRatio
	}

	return cfg, nil
}

// LoadFromDir loads configuration from .overmind/overmind.yaml in the
// specified directory. A missing directory or file returns defaults.
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, ".overmind", "overmind.yaml"))
}

// MergeWithFlags merges CLI flag values into the configuration. Non-nil
// values override config file settings.
func (c *Config) MergeWithFlags(parallelism *int, isolation *string, costLimit *float64, timeout *time.Duration, logDir *string, dryRun *bool) {
	if parallelism != nil {
		c.Parallelism = *parallelism
	}
	if isolation != nil {
		c.Isolation = *isolation
	}
	if costLimit != nil {
		c.CostLimit = *costLimit
	}
	if timeout != nil {
		c.Timeout = *timeout
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if dryRun != nil {
		c.DryRun = *dryRun
	}
}

// Validate checks the configuration values. Returns an error if any value
// is invalid.
func (c *Config) Validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}

	switch c.Isolation {
	case IsolationWorktree, IsolationDocker, IsolationNone:
	default:
		return fmt.Errorf("invalid isolation %q, must be one of: worktree, docker, none", c.Isolation)
	}

	if c.CostLimit < 0 {
		return fmt.Errorf("cost_limit must be >= 0, got %v", c.CostLimit)
	}
	if c.TokenBudget < 0 {
		return fmt.Errorf("token_budget must be >= 0, got %d", c.TokenBudget)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Swarm.MaxRetries < 0 {
		return fmt.Errorf("swarm.max_retries must be >= 0, got %d", c.Swarm.MaxRetries)
	}
	if c.Swarm.MaxReplans < 0 {
		return fmt.Errorf("swarm.max_replans must be >= 0, got %d", c.Swarm.MaxReplans)
	}
	if c.Swarm.DispatchStaggerMs < 0 {
		return fmt.Errorf("swarm.dispatch_stagger_ms must be >= 0, got %d", c.Swarm.DispatchStaggerMs)
	}
	if c.Swarm.HollowRatio < 0 || c.Swarm.HollowRatio > 1 {
		return fmt.Errorf("swarm.hollow_ratio must be in [0, 1], got %v", c.Swarm.HollowRatio)
	}

	return nil
}
