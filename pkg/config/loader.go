package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// yamlConfig is the file-facing structure of quorum.yaml.
type yamlConfig struct {
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

	Flags  *FlagsYAML            `yaml:"flags,omitempty"`
	Agents map[string]*AgentSpec `yaml:"agents,omitempty"`
}

func (y *yamlConfig) settings() *Config {
	return &Config{
		Runner:     y.Runner,
		Bus:        y.Bus,
		Turn:       y.Turn,
		RAG:        y.RAG,
		Scratchpad: y.Scratchpad,
		Conflict:   y.Conflict,
		Selector:   y.Selector,
		Breaker:    y.Breaker,
		RateLimit:  y.RateLimit,
		HITL:       y.HITL,
		Deadlines:  y.Deadlines,
		Decision:   y.Decision,
		Guardian:   y.Guardian,
	}
}

// Load reads, expands, merges, and validates configuration.
//
// Steps performed:
//  1. Load .env into the process environment (best effort)
//  2. Read the YAML file (path may be empty for built-in defaults)
//  3. Expand {{.VAR}} environment references
//  4. Merge user values over built-in defaults
//  5. Merge user agents over the built-in catalog
//  6. Build the agent catalog and flag store
//  7. Validate everything
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	flags := DefaultFlags()
	agents := BuiltinAgents()

	if path != "" {
		file, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, file.settings(), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
		file.Flags.apply(&flags)
		agents = mergeAgents(agents, file.Agents)
	}

	normalizeAgents(agents)
	cfg.Catalog = NewAgentCatalog(agents)
	cfg.FlagStore = NewFlagStore(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	slog.Info("Configuration loaded",
		"path", path,
		"agents", stats.Agents,
		"models", stats.Models)
	return cfg, nil
}

func loadYAML(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = ExpandEnv(data)

	var file yamlConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &file, nil
}

// mergeAgents overlays user-defined agents on the built-in catalog.
// A user agent with a built-in name replaces it wholesale.
func mergeAgents(builtin map[string]*AgentSpec, user map[string]*AgentSpec) map[string]*AgentSpec {
	result := make(map[string]*AgentSpec, len(builtin)+len(user))
	for name, spec := range builtin {
		s := *spec
		result[name] = &s
	}
	for name, spec := range user {
		s := *spec
		result[name] = &s
	}
	return result
}

// normalizeAgents fills per-agent defaults before validation.
func normalizeAgents(agents map[string]*AgentSpec) {
	for name, spec := range agents {
		spec.Name = name
		if spec.Tier == "" {
			spec.Tier = TierSpecialist
		}
		if spec.CostFactor == 0 {
			spec.CostFactor = 1.0
		}
	}
}
