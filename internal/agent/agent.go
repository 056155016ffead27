// Package agent provides multi-agent configuration and management.
package agent

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/matteing/opal/internal/permission"
)

// Agent represents an agent configuration.
type Agent struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Mode        Mode                        `json:"mode"`
	BuiltIn     bool                        `json:"builtIn"`
	Permission  permission.AgentPermissions `json:"permission"`
	Tools       map[string]bool             `json:"tools"`
	Options     map[string]any              `json:"options,omitempty"`
	Temperature float64                     `json:"temperature,omitempty"`
	TopP        float64                     `json:"topP,omitempty"`
	Model       *ModelRef                   `json:"model,omitempty"`
	Prompt      string                      `json:"prompt,omitempty"`
	Color       string                      `json:"color,omitempty"`

	// KeepRecentTokens overrides compact.Options.KeepRecentTokens for
	// sessions running as this agent; 0 defers to the compactor's own
	// default. Subagents spawned for a single Task call keep a much
	// smaller window than the primary build/plan agents.
	KeepRecentTokens int `json:"keepRecentTokens,omitempty"`

	// DoomLoopThreshold overrides permission.NewDoomLoopDetector's
	// threshold for sessions running as this agent; 0 defers to the
	// package default. Subagents are given a tighter threshold since a
	// stuck subagent burns a parent Task call's budget with no user
	// watching to notice.
	DoomLoopThreshold int `json:"doomLoopThreshold,omitempty"`
}

// Mode represents the agent operation mode.
type Mode string

const (
	ModePrimary  Mode = "primary"
	ModeSubagent Mode = "subagent"
	ModeAll      Mode = "all"
)

// ModelRef references a specific model.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// ToolEnabled checks if a tool is enabled for this agent.
func (a *Agent) ToolEnabled(toolID string) bool {
	if enabled, ok := a.Tools[toolID]; ok {
		return enabled
	}

	for pattern, enabled := range a.Tools {
		if matchWildcard(pattern, toolID) {
			return enabled
		}
	}

	// Default: enabled
	return true
}

// CheckBashPermission checks bash command permission for this agent,
// parsing command with permission.ParseBashCommand so "git diff
// --cached" matches a "git diff *" pattern on its subcommand rather
// than on raw command text. A parse failure (unbalanced quotes,
// unsupported shell syntax) falls back to ActionAsk rather than risk
// silently allowing a command the parser couldn't inspect.
func (a *Agent) CheckBashPermission(command string) permission.PermissionAction {
	parsed, err := permission.ParseBashCommand(command)
	if err != nil || len(parsed) == 0 {
		return permission.ActionAsk
	}

	// A pipeline/chain is only as safe as its most restrictive segment:
	// take the strictest action across every parsed command rather
	// than only the first.
	action := permission.ActionAllow
	for _, cmd := range parsed {
		action = stricterAction(action, permission.MatchBashPermission(cmd, a.Permission.Bash))
	}
	return action
}

// stricterAction orders deny > ask > allow so a multi-command
// pipeline's permission never relaxes because one segment alone would
// have been allowed.
func stricterAction(a, b permission.PermissionAction) permission.PermissionAction {
	rank := map[permission.PermissionAction]int{
		permission.ActionAllow: 0,
		permission.ActionAsk:   1,
		permission.ActionDeny:  2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// GetPermission returns the permission action for a given permission type.
func (a *Agent) GetPermission(permType permission.PermissionType) permission.PermissionAction {
	switch permType {
	case permission.PermEdit:
		if a.Permission.Edit != "" {
			return a.Permission.Edit
		}
	case permission.PermWebFetch:
		if a.Permission.WebFetch != "" {
			return a.Permission.WebFetch
		}
	case permission.PermExternalDir:
		if a.Permission.ExternalDir != "" {
			return a.Permission.ExternalDir
		}
	case permission.PermDoomLoop:
		if a.Permission.DoomLoop != "" {
			return a.Permission.DoomLoop
		}
	}
	return permission.ActionAsk
}

// IsPrimary returns true if the agent can be used as a primary agent.
func (a *Agent) IsPrimary() bool {
	return a.Mode == ModePrimary || a.Mode == ModeAll
}

// IsSubagent returns true if the agent can be used as a subagent.
func (a *Agent) IsSubagent() bool {
	return a.Mode == ModeSubagent || a.Mode == ModeAll
}

// Clone creates a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	clone := &Agent{
		Name:              a.Name,
		Description:       a.Description,
		Mode:              a.Mode,
		BuiltIn:           a.BuiltIn,
		Temperature:       a.Temperature,
		TopP:              a.TopP,
		Prompt:            a.Prompt,
		Color:             a.Color,
		KeepRecentTokens:  a.KeepRecentTokens,
		DoomLoopThreshold: a.DoomLoopThreshold,
	}

	clone.Permission = permission.AgentPermissions{
		Edit:        a.Permission.Edit,
		WebFetch:    a.Permission.WebFetch,
		ExternalDir: a.Permission.ExternalDir,
		DoomLoop:    a.Permission.DoomLoop,
	}
	if a.Permission.Bash != nil {
		clone.Permission.Bash = make(map[string]permission.PermissionAction, len(a.Permission.Bash))
		for k, v := range a.Permission.Bash {
			clone.Permission.Bash[k] = v
		}
	}

	if a.Tools != nil {
		clone.Tools = make(map[string]bool, len(a.Tools))
		for k, v := range a.Tools {
			clone.Tools[k] = v
		}
	}

	if a.Options != nil {
		clone.Options = make(map[string]any, len(a.Options))
		for k, v := range a.Options {
			clone.Options[k] = v
		}
	}

	if a.Model != nil {
		clone.Model = &ModelRef{
			ProviderID: a.Model.ProviderID,
			ModelID:    a.Model.ModelID,
		}
	}

	return clone
}

// matchWildcard reports whether s matches a glob pattern. "*" alone is
// a fast path for the common "enable everything" case; anything else
// is handed to doublestar rather than hand-rolling the prefix/suffix
// special cases doublestar.Match already covers.
func matchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	matched, _ := doublestar.Match(pattern, s)
	return matched
}

// BuiltInAgents returns the default agent configurations.
func BuiltInAgents() map[string]*Agent {
	return map[string]*Agent{
		"build": {
			Name:        "build",
			Description: "Primary agent for executing tasks, writing code, and making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionAllow,
				Bash:        map[string]permission.PermissionAction{"*": permission.ActionAllow},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionAsk,
				DoomLoop:    permission.ActionAsk,
			},
			Tools: map[string]bool{
				"*": true,
			},
		},
		"plan": {
			Name:        "plan",
			Description: "Planning agent for analysis and exploration without making changes",
			Mode:        ModePrimary,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit: permission.ActionDeny,
				Bash: map[string]permission.PermissionAction{
					"grep *":     permission.ActionAllow,
					"find *":     permission.ActionAllow,
					"ls *":       permission.ActionAllow,
					"cat *":      permission.ActionAllow,
					"git status": permission.ActionAllow,
					"git diff *": permission.ActionAllow,
					"git log *":  permission.ActionAllow,
					"*":          permission.ActionDeny,
				},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read":  true,
				"glob":  true,
				"grep":  true,
				"ls":    true,
				"bash":  true,
				"edit":  false,
				"write": false,
			},
		},
		"general": {
			Name:        "general",
			Description: "General-purpose subagent for searches and exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionDeny,
				Bash:        map[string]permission.PermissionAction{"*": permission.ActionDeny},
				WebFetch:    permission.ActionAllow,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read":     true,
				"glob":     true,
				"grep":     true,
				"webfetch": true,
				"bash":     false,
				"edit":     false,
				"write":    false,
			},
			// Subagent sessions are short and single-purpose: keep a
			// much smaller window than the compactor's 4000-token
			// default so a long exploration still compacts.
			KeepRecentTokens: 1500,
			// A stuck subagent wastes the parent Task call's budget
			// with nobody watching; trip sooner than the default 3.
			DoomLoopThreshold: 2,
		},
		"explore": {
			Name:        "explore",
			Description: "Fast agent specialized for codebase exploration",
			Mode:        ModeSubagent,
			BuiltIn:     true,
			Permission: permission.AgentPermissions{
				Edit:        permission.ActionDeny,
				Bash:        map[string]permission.PermissionAction{"*": permission.ActionDeny},
				WebFetch:    permission.ActionDeny,
				ExternalDir: permission.ActionDeny,
				DoomLoop:    permission.ActionDeny,
			},
			Tools: map[string]bool{
				"read": true,
				"glob": true,
				"grep": true,
				"ls":   true,
				"bash": false,
				"edit": false,
			},
			KeepRecentTokens:  1000,
			DoomLoopThreshold: 2,
		},
	}
}
