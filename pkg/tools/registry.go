// Package tools implements the tool registry and the gated executor:
// schema-validated inputs, guardian checks, HITL pausing, breaker and
// rate-limit admission, cost preflight, and idempotent replay.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

// SideEffects classifies what a tool touches. Only pure and read tools
// are retried after transient failures.
type SideEffects string

const (
	EffectPure     SideEffects = "pure"
	EffectRead     SideEffects = "read"
	EffectWrite    SideEffects = "write"
	EffectExternal SideEffects = "external"
)

// Retryable reports whether a transient failure may be retried safely.
func (s SideEffects) Retryable() bool { return s == EffectPure || s == EffectRead }

// SafetyLevel gates tool execution.
type SafetyLevel string

const (
	SafetySafe  SafetyLevel = "safe"
	SafetyGated SafetyLevel = "gated"
	SafetyHITL  SafetyLevel = "hitl_required"
)

// CostEstimate is the max-cost preflight figure for one invocation.
type CostEstimate struct {
	Tokens int          `json:"tokens"`
	USD    models.Money `json:"usd"`
}

// Spec declares a tool. Schemas are JSON Schema documents compiled at
// registration.
type Spec struct {
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	InputSchema  string       `json:"input_schema"`
	OutputSchema string       `json:"output_schema,omitempty"`
	SideEffects  SideEffects  `json:"side_effects"`
	SafetyLevel  SafetyLevel  `json:"safety_level"`
	CostEstimate CostEstimate `json:"cost_estimate"`
}

// Handler executes a tool call. Input has already passed schema
// validation and guardian checks.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Tool is a registered spec with its compiled schemas and handler.
type Tool struct {
	Spec    Spec
	Handler Handler
	input   *jsonschema.Schema
	output  *jsonschema.Schema
}

// ValidateInput checks the raw input against the compiled input schema.
func (t *Tool) ValidateInput(raw json.RawMessage) error {
	return validateJSON(t.input, raw)
}

// ValidateOutput checks the raw output against the compiled output
// schema, when one was declared.
func (t *Tool) ValidateOutput(raw json.RawMessage) error {
	if t.output == nil {
		return nil
	}
	return validateJSON(t.output, raw)
}

func validateJSON(schema *jsonschema.Schema, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(v)
}

// Registry stores tools with copy-on-write versioned snapshots, mirroring
// the agent catalog: in-flight runs keep the snapshot captured at start.
type Registry struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// Snapshot is an immutable registry view at one version.
type Snapshot struct {
	version int64
	tools   map[string]*Tool
	names   []string
}

// NewRegistry creates an empty registry at version 1.
func NewRegistry() *Registry {
	return &Registry{snap: &Snapshot{version: 1, tools: map[string]*Tool{}}}
}

// Register compiles the spec's schemas and adds the tool, bumping the
// registry version. A broken schema fails registration.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", spec.Name)
	}
	input, err := jsonschema.CompileString(spec.Name+"/input.json", spec.InputSchema)
	if err != nil {
		return fmt.Errorf("compiling input schema for %q: %w", spec.Name, err)
	}
	var output *jsonschema.Schema
	if spec.OutputSchema != "" {
		output, err = jsonschema.CompileString(spec.Name+"/output.json", spec.OutputSchema)
		if err != nil {
			return fmt.Errorf("compiling output schema for %q: %w", spec.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snap.tools[spec.Name]; exists {
		return fmt.Errorf("tool %q already registered", spec.Name)
	}
	tools := make(map[string]*Tool, len(r.snap.tools)+1)
	for k, v := range r.snap.tools {
		tools[k] = v
	}
	tools[spec.Name] = &Tool{Spec: spec, Handler: handler, input: input, output: output}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	r.snap = &Snapshot{version: r.snap.version + 1, tools: tools, names: names}
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Version returns the snapshot's registry version.
func (s *Snapshot) Version() int64 { return s.version }

// Get retrieves a registered tool by name.
func (s *Snapshot) Get(name string) (*Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns registered tool names in stable sorted order.
func (s *Snapshot) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// NameSet returns tool names as a membership set, for plan validation.
func (s *Snapshot) NameSet() map[string]bool {
	set := make(map[string]bool, len(s.names))
	for _, n := range s.names {
		set[n] = true
	}
	return set
}
