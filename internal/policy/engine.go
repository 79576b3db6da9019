package policy

import (
	"fmt"
	"sort"

	"github.com/harrison/overmind/internal/events"
	"github.com/harrison/overmind/internal/models"
)

// Source records how the engine chose a profile.
type Source string

const (
	SourceExplicit         Source = "explicit"
	SourceWorkerCapability Source = "worker-capability"
	SourceTaskType         Source = "task-type"
	SourceDefault          Source = "default"
)

// Config is the policy section of the agent configuration.
type Config struct {
	// DefaultProfile names the profile used when nothing else selects one.
	// Empty means code-full.
	DefaultProfile string `yaml:"default_profile"`
	// Profiles adds or overrides named profiles on top of the built-ins.
	Profiles map[string]Profile `yaml:"profiles"`
	// Extensions are applied by name after the base profile is selected.
	Extensions map[string]Extension `yaml:"extensions"`
	// LegacyFallback enables promotion of pre-profile config fields.
	LegacyFallback bool `yaml:"legacy_fallback"`
}

// SandboxConfig carries the legacy sandbox fields the engine can promote
// into a profile when LegacyFallback is set.
type SandboxConfig struct {
	BashMode                 BashMode            `yaml:"bash_mode"`
	BashWriteProtection      BashWriteProtection `yaml:"bash_write_protection"`
	BlockFileCreationViaBash bool                `yaml:"block_file_creation_via_bash"`
	DeniedTools              []string            `yaml:"denied_tools"`
}

// WorkerCapabilities describe per-worker overrides declared on an agent
// definition.
type WorkerCapabilities struct {
	Profile      string
	AllowedTools []string
	DeniedTools  []string
	// ExtraTools are explicit opt-ins: added to AllowedTools and removed
	// from DeniedTools, overriding denial.
	ExtraTools []string
}

// Request is one profile resolution query.
type Request struct {
	// ExplicitProfile, when set, wins over every other selector.
	ExplicitProfile string
	Worker          *WorkerCapabilities
	TaskType        string
	Sandbox         *SandboxConfig
	SwarmContext    bool
	// ExtensionNames are applied, in order, after the base profile.
	ExtensionNames []string
}

// Metadata records how the resolution was made.
type Metadata struct {
	Source       Source
	LegacyFields []string
	Warnings     []string
}

// Resolution is the engine output: a fully merged profile plus metadata.
type Resolution struct {
	ProfileName string
	Profile     Profile
	Metadata    Metadata
}

// Engine resolves effective profiles. It is immutable after construction.
type Engine struct {
	cfg      Config
	profiles map[string]Profile
	bus      *events.Bus
}

// NewEngine builds an engine over the built-in profile table merged with
// cfg.Profiles. bus may be nil.
func NewEngine(cfg Config, bus *events.Bus) *Engine {
	profiles := DefaultProfiles()
	for name, p := range cfg.Profiles {
		profiles[name] = p
	}
	return &Engine{cfg: cfg, profiles: profiles, bus: bus}
}

// Resolve merges base default <- requested <- extensions <- legacy
// fallback and returns the effective profile with selection metadata.
func (e *Engine) Resolve(req Request) (*Resolution, error) {
	name, source := e.selectProfile(req)
	base, ok := e.profiles[name]
	if !ok {
		return nil, fmt.Errorf("policy profile %q is not defined", name)
	}

	profile := base.Clone()
	meta := Metadata{Source: source}

	for _, extName := range req.ExtensionNames {
		ext, ok := e.cfg.Extensions[extName]
		if !ok {
			return nil, fmt.Errorf("policy extension %q is not defined", extName)
		}
		applyExtension(&profile, ext)
	}

	if req.Worker != nil {
		applyWorker(&profile, req.Worker)
	}

	if e.cfg.LegacyFallback {
		e.applyLegacy(&profile, req, &meta)
	}

	e.emit(events.PolicyProfileResolved, map[string]any{
		"profile": name,
		"source":  string(source),
	})
	if len(meta.LegacyFields) > 0 {
		e.emit(events.PolicyLegacyFallbackUsed, map[string]any{
			"profile": name,
			"fields":  append([]string(nil), meta.LegacyFields...),
		})
	}

	return &Resolution{ProfileName: name, Profile: profile, Metadata: meta}, nil
}

func (e *Engine) selectProfile(req Request) (string, Source) {
	if req.ExplicitProfile != "" {
		return req.ExplicitProfile, SourceExplicit
	}
	if req.Worker != nil && req.Worker.Profile != "" {
		return req.Worker.Profile, SourceWorkerCapability
	}
	if name := profileForTaskType(req.TaskType, req.SwarmContext); name != "" {
		return name, SourceTaskType
	}
	if e.cfg.DefaultProfile != "" {
		return e.cfg.DefaultProfile, SourceDefault
	}
	return ProfileCodeFull, SourceDefault
}

// profileForTaskType maps decomposer task types to profiles. Unknown types
// return "" so the default applies.
func profileForTaskType(taskType string, swarm bool) string {
	switch taskType {
	case models.TypeResearch, models.TypeAnalysis, models.TypeDocument:
		return ProfileResearchSafe
	case models.TypeReview:
		return ProfileReviewSafe
	case models.TypeImplement, models.TypeFix, models.TypeRefactor,
		models.TypeTest, models.TypeIntegrate, models.TypeDeploy, models.TypeMerge:
		if swarm {
			return ProfileCodeStrictBash
		}
		return ProfileCodeFull
	}
	return ""
}

// applyExtension merges additive add/remove sets. Tools added to the
// allowed set are also removed from the denied set: explicit opt-in
// overrides denial.
func applyExtension(p *Profile, ext Extension) {
	p.AllowedTools = addAll(p.AllowedTools, ext.AddAllowedTools)
	p.AllowedTools = removeAll(p.AllowedTools, ext.RemoveAllowed)
	p.DeniedTools = addAll(p.DeniedTools, ext.AddDeniedTools)
	p.DeniedTools = removeAll(p.DeniedTools, ext.RemoveDeniedTools)
	p.DeniedTools = removeAll(p.DeniedTools, ext.AddAllowedTools)
}

// applyWorker merges worker capability overrides. ExtraTools follow the
// same opt-in rule as extensions.
func applyWorker(p *Profile, w *WorkerCapabilities) {
	p.AllowedTools = addAll(p.AllowedTools, w.AllowedTools)
	p.DeniedTools = addAll(p.DeniedTools, w.DeniedTools)
	p.AllowedTools = addAll(p.AllowedTools, w.ExtraTools)
	p.DeniedTools = removeAll(p.DeniedTools, w.ExtraTools)
}

// applyLegacy promotes pre-profile config fields into the profile and
// records a warning for each.
func (e *Engine) applyLegacy(p *Profile, req Request, meta *Metadata) {
	record := func(field, warning string) {
		meta.LegacyFields = append(meta.LegacyFields, field)
		meta.Warnings = append(meta.Warnings, warning)
	}

	if req.Sandbox != nil {
		if len(req.Sandbox.DeniedTools) > 0 {
			p.DeniedTools = addAll(p.DeniedTools, req.Sandbox.DeniedTools)
			record("sandbox.denied_tools",
				"sandbox.denied_tools is deprecated; move the list into a policy profile")
		}
		if req.Sandbox.BashMode != "" {
			p.BashMode = req.Sandbox.BashMode
			record("sandbox.bash_mode",
				"sandbox.bash_mode is deprecated; set bash_mode on a policy profile")
		}
		if req.Sandbox.BashWriteProtection != "" {
			p.BashWriteProtection = req.Sandbox.BashWriteProtection
			record("sandbox.bash_write_protection",
				"sandbox.bash_write_protection is deprecated; set it on a policy profile")
		}
		if req.Sandbox.BlockFileCreationViaBash {
			p.BashWriteProtection = WriteProtectionBlockFile
			record("sandbox.block_file_creation_via_bash",
				"sandbox.block_file_creation_via_bash is deprecated; use bash_write_protection")
		}
	}
	if req.Worker != nil && (len(req.Worker.AllowedTools) > 0 || len(req.Worker.DeniedTools) > 0) {
		record("worker.allowed_tools/denied_tools",
			"worker tool lists are deprecated; declare a worker profile instead")
	}

	sort.Strings(p.DeniedTools)
}

// ToolDecision is the result of a single tool authorization check.
type ToolDecision struct {
	Allowed bool
	Reason  string
}

// IsToolAllowed authorizes a single tool call against the profile.
// Whitelist check runs first, then the deny list. Reasons are returned
// verbatim to the caller.
func IsToolAllowed(name string, p Profile) ToolDecision {
	if p.ToolAccessMode == AccessWhitelist && !contains(p.AllowedTools, name) {
		return ToolDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("tool %q is not in the profile whitelist", name),
		}
	}
	if contains(p.DeniedTools, name) {
		return ToolDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("tool %q is denied by the active profile", name),
		}
	}
	return ToolDecision{Allowed: true}
}

func (e *Engine) emit(kind events.Kind, fields map[string]any) {
	if e.bus != nil {
		e.bus.Emit(kind, "", fields)
	}
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func addAll(list []string, add []string) []string {
	for _, name := range add {
		if !contains(list, name) {
			list = append(list, name)
		}
	}
	return list
}

func removeAll(list []string, remove []string) []string {
	if len(remove) == 0 {
		return list
	}
	out := list[:0]
	for _, name := range list {
		if !contains(remove, name) {
			out = append(out, name)
		}
	}
	return out
}
