// Package config provides configuration management for the quorum core:
// runtime settings, the agent catalog with versioned snapshots, and the
// feature flag store.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object returned by Load. It carries
// all tunables plus the built registries (agent catalog, flag store).
type Config struct {
	Runner     RunnerSettings     `yaml:"runner"`
	Bus        BusSettings        `yaml:"bus"`
	Turn       TurnSettings       `yaml:"turn"`
	RAG        RAGSettings        `yaml:"rag"`
	Scratchpad ScratchpadSettings `yaml:"scratchpad"`
	Conflict   ConflictSettings   `yaml:"conflict"`
	Selector   SelectorSettings   `yaml:"selector"`
	Breaker    BreakerSettings    `yaml:"breaker"`
	RateLimit  RateLimitSettings  `yaml:"rate_limit"`
	HITL       HITLSettings       `yaml:"hitl"`
	Deadlines  DeadlineSettings   `yaml:"deadlines"`
	Decision   DecisionSettings   `yaml:"decision"`
	Guardian   GuardianSettings   `yaml:"guardian"`

	// Catalog and FlagStore are built during Load from the agents and
	// flags sections; they are not decoded directly.
	Catalog   *AgentCatalog `yaml:"-"`
	FlagStore *FlagStore    `yaml:"-"`
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	Agents int
	Models int
}

// Stats returns configuration statistics for startup logging.
func (c *Config) Stats() Stats {
	s := Stats{Models: len(c.Decision.Models)}
	if c.Catalog != nil {
		s.Agents = c.Catalog.Len()
	}
	return s
}

// GetAgent retrieves an agent spec from the current catalog snapshot.
func (c *Config) GetAgent(name string) (*AgentSpec, error) {
	return c.Catalog.Snapshot().Get(name)
}

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML decodes a duration from a string such as "250ms" or "2m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
