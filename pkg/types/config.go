package types

// Config represents an Opal configuration, merged from the global config
// file, the project config file, and environment overrides.
type Config struct {
	Schema string `json:"$schema,omitempty"`

	Username string `json:"username,omitempty"`

	Model      string `json:"model,omitempty"`       // "anthropic/claude-sonnet-4"
	SmallModel string `json:"small_model,omitempty"` // used for titles and summaries

	Tools        map[string]bool `json:"tools,omitempty"`
	Instructions []string        `json:"instructions,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`
	Agent    map[string]AgentConfig    `json:"agent,omitempty"`
	Command  map[string]CommandConfig  `json:"command,omitempty"`

	Permission *PermissionConfig    `json:"permission,omitempty"`
	MCP        map[string]MCPConfig `json:"mcp,omitempty"`

	// AutoCompactThreshold, if set, is a fraction of the model's context
	// window at which a client should be nudged to compact. The Agent
	// Loop never triggers compaction on its own; this is carried as
	// configuration only (see DESIGN.md, Open Questions).
	AutoCompactThreshold float64 `json:"auto_compact_threshold,omitempty"`
}

// ProviderConfig holds configuration for a specific provider.
type ProviderConfig struct {
	// Npm names the ai-sdk package this provider's config is shaped after
	// (e.g. "@ai-sdk/anthropic"), used to pick a provider implementation
	// when the provider name alone is ambiguous.
	Npm     string           `json:"npm,omitempty"`
	Options *ProviderOptions `json:"options,omitempty"`
	Model   string           `json:"model,omitempty"`

	Models map[string]ModelOverride `json:"models,omitempty"`

	Whitelist []string `json:"whitelist,omitempty"`
	Blacklist []string `json:"blacklist,omitempty"`

	Disable bool `json:"disable,omitempty"`
}

// ProviderOptions holds connection credentials for a provider.
type ProviderOptions struct {
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseURL,omitempty"`
}

// ModelOverride customizes a single model's advertised capabilities,
// for providers (notably openai-compatible gateways) that proxy models
// the registry doesn't otherwise know about.
type ModelOverride struct {
	ID        string `json:"id,omitempty"`
	Reasoning bool   `json:"reasoning,omitempty"`
	ToolCall  bool   `json:"tool_call,omitempty"`
}

// AgentConfig holds configuration for a named agent persona.
type AgentConfig struct {
	Model       string          `json:"model,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Tools       map[string]bool `json:"tools,omitempty"`

	Permission *PermissionConfig `json:"permission,omitempty"`

	Description string `json:"description,omitempty"`
	Mode        string `json:"mode,omitempty"` // "subagent"|"primary"|"all"

	Disable bool `json:"disable,omitempty"`
}

// PermissionConfig holds permission policy defaults.
type PermissionConfig struct {
	Edit        string      `json:"edit,omitempty"`               // "allow"|"deny"|"ask"
	Bash        interface{} `json:"bash,omitempty"`               // string or map[pattern]action
	WebFetch    string      `json:"webfetch,omitempty"`           // "allow"|"deny"|"ask"
	ExternalDir string      `json:"external_directory,omitempty"` // "allow"|"deny"|"ask"
	DoomLoop    string      `json:"doom_loop,omitempty"`          // "allow"|"deny"|"ask"
}

// CommandConfig holds custom slash-command configuration.
type CommandConfig struct {
	Template    string `json:"template"`
	Description string `json:"description,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Model       string `json:"model,omitempty"`
	Subtask     bool   `json:"subtask,omitempty"`
}

// MCPConfig names an MCP server for a session's mcp_servers param. Opal's
// core accepts and stores this but does not dial MCP transports itself —
// MCP tool discovery is an external collaborator (see DESIGN.md).
type MCPConfig struct {
	Type        string            `json:"type,omitempty"` // "local"|"remote"
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"` // milliseconds
}

// Model represents an LLM model available from a provider.
type Model struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	ProviderID        string  `json:"provider_id"`
	ContextLength     int     `json:"context_length"`
	MaxOutputTokens   int     `json:"max_output_tokens,omitempty"`
	SupportsTools     bool    `json:"supports_tools"`
	SupportsVision    bool    `json:"supports_vision"`
	SupportsReasoning bool    `json:"supports_reasoning,omitempty"`
	InputPrice        float64 `json:"input_price,omitempty"`  // per 1M tokens
	OutputPrice       float64 `json:"output_price,omitempty"` // per 1M tokens
	Options           ModelOptions `json:"options,omitempty"`
}

// ModelOptions carries provider-specific capability flags that affect how
// the provider builds its request rather than what the model supports.
type ModelOptions struct {
	PromptCaching  bool `json:"promptCaching,omitempty"`
	ExtendedOutput bool `json:"extendedOutput,omitempty"`
}
