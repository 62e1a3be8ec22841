package config

import "sync"

// Flags toggle core components at runtime. Each run captures the flag
// snapshot current at its start.
type Flags struct {
	// DecisionEngine disabled falls back to a single-generalist plan.
	DecisionEngine bool
	// RAG toggles per-turn retrieval injection.
	RAG bool
	// ConflictDetection toggles contradiction scanning.
	ConflictDetection bool
	// HITL disabled downgrades approval gates to guardian-only checks.
	HITL bool
	// BreakerStrict halves the breaker failure threshold.
	BreakerStrict bool
	// StreamingVerbose emits per-chunk token deltas instead of batches.
	StreamingVerbose bool
}

// FlagsYAML is the file-facing form; pointers distinguish "absent" from
// "explicitly false" when merging over defaults.
type FlagsYAML struct {
	DecisionEngine    *bool `yaml:"decision_engine,omitempty"`
	RAG               *bool `yaml:"rag,omitempty"`
	ConflictDetection *bool `yaml:"conflict_detection,omitempty"`
	HITL              *bool `yaml:"hitl,omitempty"`
	BreakerStrict     *bool `yaml:"breaker_strict,omitempty"`
	StreamingVerbose  *bool `yaml:"streaming_verbose,omitempty"`
}

func (y *FlagsYAML) apply(f *Flags) {
	if y == nil {
		return
	}
	if y.DecisionEngine != nil {
		f.DecisionEngine = *y.DecisionEngine
	}
	if y.RAG != nil {
		f.RAG = *y.RAG
	}
	if y.ConflictDetection != nil {
		f.ConflictDetection = *y.ConflictDetection
	}
	if y.HITL != nil {
		f.HITL = *y.HITL
	}
	if y.BreakerStrict != nil {
		f.BreakerStrict = *y.BreakerStrict
	}
	if y.StreamingVerbose != nil {
		f.StreamingVerbose = *y.StreamingVerbose
	}
}

// FlagSnapshot is an immutable flag view at one version.
type FlagSnapshot struct {
	Version int64
	Flags
}

// FlagStore holds process-wide flags with copy-on-write versioning.
type FlagStore struct {
	mu      sync.RWMutex
	version int64
	flags   Flags
}

// NewFlagStore creates a store at version 1.
func NewFlagStore(initial Flags) *FlagStore {
	return &FlagStore{version: 1, flags: initial}
}

// Snapshot returns the current flags and version.
func (s *FlagStore) Snapshot() FlagSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FlagSnapshot{Version: s.version, Flags: s.flags}
}

// Update mutates a copy of the flags and bumps the version. Runs already
// started keep their captured snapshot.
func (s *FlagStore) Update(mutate func(*Flags)) FlagSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.flags
	mutate(&next)
	s.version++
	s.flags = next
	return FlagSnapshot{Version: s.version, Flags: s.flags}
}
