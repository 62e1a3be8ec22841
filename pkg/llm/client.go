// Package llm defines the model client contract the orchestrator consumes.
// Providers are external collaborators: concrete adapters are injected at
// startup and deliver responses as a stream of typed chunks.
package llm

import (
	"context"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Client generates model responses as a chunk stream.
type Client interface {
	// Generate sends a conversation to the model and returns a stream of
	// chunks. The channel is closed when the stream completes. Provider
	// errors surface either as an immediate error or as an ErrorChunk.
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)

	// Close releases provider resources.
	Close() error
}

// GenerateInput is one model call.
type GenerateInput struct {
	RunID string
	// Agent is the speaking agent's name, for provider-side attribution
	// and scripted routing in tests.
	Agent    string
	Model    models.ModelKnobs
	Messages []Message
	Tools    []ToolDefinition // nil = no tools offered
}

// Message is one conversation message as sent to the provider.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // for assistant messages
	ToolCallID string     // for tool result messages
	ToolName   string     // for tool result messages
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TextChunk is a piece of the model's text response.
type TextChunk struct{ Content string }

// ThinkingChunk is a piece of the model's internal reasoning.
type ThinkingChunk struct{ Content string }

// ToolCallChunk signals the model wants to call a tool.
type ToolCallChunk struct{ CallID, Name, Arguments string }

// UsageChunk reports token consumption for the call. Providers that do not
// report usage omit it; the cost tracker falls back to the estimator.
type UsageChunk struct{ InputTokens, OutputTokens int }

// ErrorChunk signals a provider error mid-stream, already classified.
type ErrorChunk struct {
	Message string
	Subtype models.ModelErrorSubtype
}

func (c *TextChunk) chunkType() ChunkType     { return ChunkTypeText }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *ToolCallChunk) chunkType() ChunkType { return ChunkTypeToolCall }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Err converts the chunk into a classified model error.
func (c *ErrorChunk) Err() error {
	return models.NewModelError(c.Subtype, nil, c.Message)
}
