package config

import (
	"fmt"
	"sort"
	"sync"
)

// AgentTier classifies an agent's role in the group conversation.
type AgentTier string

const (
	TierGeneralist AgentTier = "generalist"
	TierSpecialist AgentTier = "specialist"
	TierCritic     AgentTier = "critic"
)

// IsValid checks whether the tier is a known value.
func (t AgentTier) IsValid() bool {
	switch t {
	case TierGeneralist, TierSpecialist, TierCritic:
		return true
	}
	return false
}

// AgentSpec defines one agent as data: prompt, capabilities, and policies.
// Behavior comes from the orchestrator, not from agent subtypes.
type AgentSpec struct {
	Name         string    `yaml:"-"`
	Description  string    `yaml:"description,omitempty"`
	Capabilities []string  `yaml:"capabilities"`
	ToolPolicy   []string  `yaml:"tool_policy,omitempty"`
	SystemPrompt string    `yaml:"system_prompt"`
	Tier         AgentTier `yaml:"tier,omitempty"`
	// CostFactor scales the agent's expected per-turn expense relative to
	// a baseline of 1.0; the selector's budget_fit factor uses it.
	CostFactor float64 `yaml:"cost_factor,omitempty"`
	Version    string  `yaml:"version,omitempty"`
}

// HasCapability reports whether the agent carries the capability tag.
func (a *AgentSpec) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the tool is within the agent's tool policy.
func (a *AgentSpec) AllowsTool(name string) bool {
	for _, t := range a.ToolPolicy {
		if t == name {
			return true
		}
	}
	return false
}

// AgentCatalog stores agent specs with copy-on-reload versioned snapshots.
// In-flight runs keep the snapshot they captured at start; new runs observe
// the catalog version current at their start.
type AgentCatalog struct {
	mu   sync.RWMutex
	snap *AgentSnapshot
}

// AgentSnapshot is an immutable view of the catalog at one version.
type AgentSnapshot struct {
	version int64
	agents  map[string]*AgentSpec
	names   []string
}

// NewAgentCatalog creates a catalog at version 1 with a defensive copy of
// the given specs.
func NewAgentCatalog(agents map[string]*AgentSpec) *AgentCatalog {
	return &AgentCatalog{snap: newSnapshot(1, agents)}
}

func newSnapshot(version int64, agents map[string]*AgentSpec) *AgentSnapshot {
	copied := make(map[string]*AgentSpec, len(agents))
	names := make([]string, 0, len(agents))
	for name, spec := range agents {
		s := *spec
		s.Name = name
		copied[name] = &s
		names = append(names, name)
	}
	sort.Strings(names)
	return &AgentSnapshot{version: version, agents: copied, names: names}
}

// Snapshot returns the current immutable catalog view.
func (c *AgentCatalog) Snapshot() *AgentSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Reload replaces the catalog contents and bumps the version. Snapshots
// handed out earlier are untouched.
func (c *AgentCatalog) Reload(agents map[string]*AgentSpec) *AgentSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = newSnapshot(c.snap.version+1, agents)
	return c.snap
}

// Len returns the number of agents in the current snapshot.
func (c *AgentCatalog) Len() int {
	return len(c.Snapshot().names)
}

// Version returns the snapshot's catalog version.
func (s *AgentSnapshot) Version() int64 { return s.version }

// Get retrieves an agent spec by name.
func (s *AgentSnapshot) Get(name string) (*AgentSpec, error) {
	spec, ok := s.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return spec, nil
}

// Names returns all agent names in stable sorted order.
func (s *AgentSnapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// NameSet returns agent names as a membership set.
func (s *AgentSnapshot) NameSet() map[string]bool {
	set := make(map[string]bool, len(s.names))
	for _, n := range s.names {
		set[n] = true
	}
	return set
}

// ByTier returns the names of agents with the given tier, sorted.
func (s *AgentSnapshot) ByTier(tier AgentTier) []string {
	var out []string
	for _, n := range s.names {
		if s.agents[n].Tier == tier {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of agents in the snapshot.
func (s *AgentSnapshot) Len() int { return len(s.names) }
