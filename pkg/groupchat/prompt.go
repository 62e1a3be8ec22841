package groupchat

import (
	"strings"

	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// promptBuilder assembles per-turn model input: the agent's system
// prompt, pruned history, the scratchpad summary, and the turn's RAG
// note.
type promptBuilder struct {
	est       *guard.Estimator
	maxTokens int
}

func newPromptBuilder(est *guard.Estimator, maxHistoryTokens int) *promptBuilder {
	return &promptBuilder{est: est, maxTokens: maxHistoryTokens}
}

// Build renders the message list for one turn. History is pruned newest
// first under the token bound, always keeping the first user message so
// the original request survives pruning.
func (b *promptBuilder) Build(spec *config.AgentSpec, history []models.Message, padSummary, ragNote string) []llm.Message {
	out := []llm.Message{{Role: "system", Content: b.systemPrompt(spec, padSummary, ragNote)}}
	return append(out, b.pruneHistory(history)...)
}

func (b *promptBuilder) systemPrompt(spec *config.AgentSpec, padSummary, ragNote string) string {
	var sb strings.Builder
	sb.WriteString(spec.SystemPrompt)
	sb.WriteString("\nYou are speaking as ")
	sb.WriteString(spec.Name)
	sb.WriteString(" in a group discussion. Messages from other participants are labeled with their name.")
	if padSummary != "" {
		sb.WriteString("\n\nShared notes so far:\n")
		sb.WriteString(padSummary)
	}
	if ragNote != "" {
		sb.WriteString("\n\n")
		sb.WriteString(ragNote)
	}
	return sb.String()
}

// pruneHistory keeps the newest messages within the token bound plus the
// first user message.
func (b *promptBuilder) pruneHistory(history []models.Message) []llm.Message {
	if len(history) == 0 {
		return nil
	}
	firstUser := -1
	for i, m := range history {
		if m.Role == models.RoleUser {
			firstUser = i
			break
		}
	}

	budget := b.maxTokens
	keep := make([]bool, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cost := b.est.Tokens(history[i].Content)
		if budget > 0 && cost > budget && i != firstUser {
			continue
		}
		keep[i] = true
		if budget > 0 {
			budget -= cost
			if budget <= 0 {
				break
			}
		}
	}
	if firstUser >= 0 {
		keep[firstUser] = true
	}

	var out []llm.Message
	for i, m := range history {
		if keep[i] {
			out = append(out, toLLMMessage(m))
		}
	}
	return out
}

// toLLMMessage maps a run message to the provider form. Other agents'
// messages carry a speaker label so the model can attribute claims.
func toLLMMessage(m models.Message) llm.Message {
	if name, ok := m.Role.AgentName(); ok {
		return llm.Message{Role: "assistant", Content: "[" + name + "] " + m.Content}
	}
	switch m.Role {
	case models.RoleTool:
		return llm.Message{
			Role:       "tool",
			Content:    m.Content,
			ToolCallID: m.Metadata["tool_call_id"],
			ToolName:   m.Metadata["tool_name"],
		}
	case models.RoleSystem:
		return llm.Message{Role: "system", Content: m.Content}
	default:
		return llm.Message{Role: string(m.Role), Content: m.Content}
	}
}
