package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/pkg/types"
)

// Registry manages agent configurations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry creates a new agent registry.
func NewRegistry() *Registry {
	r := &Registry{
		agents: make(map[string]*Agent),
	}

	for name, agent := range BuiltInAgents() {
		r.agents[name] = agent
	}

	return r
}

// Get retrieves an agent by name.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", name)
	}

	return agent, nil
}

// Register adds or updates an agent.
func (r *Registry) Register(agent *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.Name] = agent
}

// Unregister removes an agent by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
}

// List returns all registered agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	return agents
}

// ListPrimary returns agents with primary mode.
func (r *Registry) ListPrimary() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []*Agent
	for _, agent := range r.agents {
		if agent.IsPrimary() {
			agents = append(agents, agent)
		}
	}
	return agents
}

// ListSubagents returns agents with subagent mode.
func (r *Registry) ListSubagents() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []*Agent
	for _, agent := range r.agents {
		if agent.IsSubagent() {
			agents = append(agents, agent)
		}
	}
	return agents
}

// Names returns all agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// Exists checks if an agent exists.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// LoadFromConfig loads opal.json's "agent" map (pkg/types.Config.Agent)
// onto the registry, merging each entry onto the built-in agent of the
// same name (cloned first, so the built-in default is never mutated)
// or creating a new ModePrimary agent if the name isn't a built-in.
func (r *Registry) LoadFromConfig(config map[string]types.AgentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, cfg := range config {
		if cfg.Disable {
			delete(r.agents, name)
			continue
		}

		agent, exists := r.agents[name]
		if !exists {
			agent = &Agent{
				Name:    name,
				Mode:    ModePrimary,
				BuiltIn: false,
				Tools:   make(map[string]bool),
			}
		} else {
			agent = agent.Clone()
			agent.BuiltIn = false
		}

		if cfg.Description != "" {
			agent.Description = cfg.Description
		}
		if cfg.Mode != "" {
			agent.Mode = Mode(cfg.Mode)
		}
		if cfg.Model != "" {
			if providerID, modelID, ok := strings.Cut(cfg.Model, "/"); ok {
				agent.Model = &ModelRef{ProviderID: providerID, ModelID: modelID}
			}
		}
		if cfg.Prompt != "" {
			agent.Prompt = cfg.Prompt
		}
		if cfg.Temperature != nil {
			agent.Temperature = *cfg.Temperature
		}
		if cfg.TopP != nil {
			agent.TopP = *cfg.TopP
		}
		if cfg.Tools != nil {
			if agent.Tools == nil {
				agent.Tools = make(map[string]bool)
			}
			for k, v := range cfg.Tools {
				agent.Tools[k] = v
			}
		}
		if cfg.Permission != nil {
			mergePermissionConfig(&agent.Permission, cfg.Permission)
		}

		r.agents[name] = agent
	}
}

// mergePermissionConfig applies a types.PermissionConfig (the JSON
// shape opal.json and session/start's permission override use, where
// Bash is either a single action string or a pattern->action map) onto
// an agent's permission.AgentPermissions.
func mergePermissionConfig(dst *permission.AgentPermissions, src *types.PermissionConfig) {
	if src.Edit != "" {
		dst.Edit = permission.PermissionAction(src.Edit)
	}
	if src.WebFetch != "" {
		dst.WebFetch = permission.PermissionAction(src.WebFetch)
	}
	if src.ExternalDir != "" {
		dst.ExternalDir = permission.PermissionAction(src.ExternalDir)
	}
	if src.DoomLoop != "" {
		dst.DoomLoop = permission.PermissionAction(src.DoomLoop)
	}

	switch bash := src.Bash.(type) {
	case nil:
	case string:
		if dst.Bash == nil {
			dst.Bash = make(map[string]permission.PermissionAction)
		}
		dst.Bash["*"] = permission.PermissionAction(bash)
	case map[string]any:
		if dst.Bash == nil {
			dst.Bash = make(map[string]permission.PermissionAction, len(bash))
		}
		for pattern, action := range bash {
			if s, ok := action.(string); ok {
				dst.Bash[pattern] = permission.PermissionAction(s)
			}
		}
	case map[string]string:
		if dst.Bash == nil {
			dst.Bash = make(map[string]permission.PermissionAction, len(bash))
		}
		for pattern, action := range bash {
			dst.Bash[pattern] = permission.PermissionAction(action)
		}
	}
}
