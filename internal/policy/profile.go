// Package policy resolves the effective tool and bash policy profile for
// an agent from configured profiles, worker capabilities, task type, and
// legacy sandbox fields.
package policy

// ToolAccessMode controls how the tool list is interpreted.
type ToolAccessMode string

const (
	// AccessWhitelist allows only tools named in AllowedTools.
	AccessWhitelist ToolAccessMode = "whitelist"
	// AccessAll allows every tool not named in DeniedTools.
	AccessAll ToolAccessMode = "all"
)

// BashMode controls shell access for an agent.
type BashMode string

const (
	BashDisabled BashMode = "disabled"
	BashReadOnly BashMode = "read_only"
	BashFull     BashMode = "full"
	// BashTaskScoped expands to read_only or disabled based on task type.
	BashTaskScoped BashMode = "task_scoped"
)

// BashWriteProtection guards file mutation through the shell even when
// bash itself is allowed.
type BashWriteProtection string

const (
	WriteProtectionOff       BashWriteProtection = "off"
	WriteProtectionBlockFile BashWriteProtection = "block_file_mutation"
)

// ApprovalScope names an operation class that requires user approval.
type ApprovalScope string

const (
	ApproveFileWrites   ApprovalScope = "file_writes"
	ApproveShell        ApprovalScope = "shell"
	ApproveSubagents    ApprovalScope = "subagents"
	ApproveNetworkCalls ApprovalScope = "network"
)

// Profile is a named bundle of tool-access, bash-mode and approval
// settings applied to one agent.
type Profile struct {
	ToolAccessMode      ToolAccessMode      `yaml:"tool_access_mode" json:"toolAccessMode"`
	AllowedTools        []string            `yaml:"allowed_tools" json:"allowedTools,omitempty"`
	DeniedTools         []string            `yaml:"denied_tools" json:"deniedTools,omitempty"`
	BashMode            BashMode            `yaml:"bash_mode" json:"bashMode"`
	BashWriteProtection BashWriteProtection `yaml:"bash_write_protection" json:"bashWriteProtection"`
	Approval            []ApprovalScope     `yaml:"approval" json:"approval,omitempty"`
}

// Clone returns a deep copy so resolution never mutates configured
// profiles.
func (p Profile) Clone() Profile {
	c := p
	c.AllowedTools = append([]string(nil), p.AllowedTools...)
	c.DeniedTools = append([]string(nil), p.DeniedTools...)
	c.Approval = append([]ApprovalScope(nil), p.Approval...)
	return c
}

// Extension adds to and removes from a base profile without replacing it.
type Extension struct {
	AddAllowedTools   []string `yaml:"add_allowed_tools"`
	RemoveAllowed     []string `yaml:"remove_allowed_tools"`
	AddDeniedTools    []string `yaml:"add_denied_tools"`
	RemoveDeniedTools []string `yaml:"remove_denied_tools"`
}

// Built-in profile names.
const (
	ProfileResearchSafe   = "research-safe"
	ProfileCodeStrictBash = "code-strict-bash"
	ProfileCodeFull       = "code-full"
	ProfileReviewSafe     = "review-safe"
)

// DefaultProfiles returns the built-in profile table. The table is built
// fresh per call so callers can extend their copy safely.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		ProfileResearchSafe: {
			ToolAccessMode: AccessWhitelist,
			AllowedTools: []string{
				"read_file", "list_files", "search_files", "search_symbols",
				"web_search", "spawn_agent",
			},
			BashMode:            BashReadOnly,
			BashWriteProtection: WriteProtectionBlockFile,
		},
		ProfileCodeStrictBash: {
			ToolAccessMode:      AccessAll,
			DeniedTools:         []string{"web_search"},
			BashMode:            BashTaskScoped,
			BashWriteProtection: WriteProtectionBlockFile,
		},
		ProfileCodeFull: {
			ToolAccessMode:      AccessAll,
			BashMode:            BashFull,
			BashWriteProtection: WriteProtectionOff,
		},
		ProfileReviewSafe: {
			ToolAccessMode: AccessWhitelist,
			AllowedTools: []string{
				"read_file", "list_files", "search_files", "search_symbols",
			},
			BashMode:            BashReadOnly,
			BashWriteProtection: WriteProtectionBlockFile,
			Approval:            []ApprovalScope{ApproveFileWrites, ApproveShell},
		},
	}
}
