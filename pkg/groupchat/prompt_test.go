package groupchat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

func TestBuildIncludesSystemPadAndRAG(t *testing.T) {
	b := newPromptBuilder(guard.NewEstimator(), 0)
	spec := &config.AgentSpec{Name: "analyst", SystemPrompt: "You analyze things."}
	history := []models.Message{
		{Role: models.RoleUser, Content: "What happened to margins?"},
	}

	msgs := b.Build(spec, history, "- [fact] margins fell", "Retrieved context for this turn:\n- [vector] q3 report")

	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "You analyze things.")
	assert.Contains(t, msgs[0].Content, "speaking as analyst")
	assert.Contains(t, msgs[0].Content, "Shared notes so far:")
	assert.Contains(t, msgs[0].Content, "margins fell")
	assert.Contains(t, msgs[0].Content, "q3 report")
	assert.Equal(t, "user", msgs[1].Role)
}

func TestBuildOmitsEmptySections(t *testing.T) {
	b := newPromptBuilder(guard.NewEstimator(), 0)
	spec := &config.AgentSpec{Name: "analyst", SystemPrompt: "Prompt."}

	msgs := b.Build(spec, nil, "", "")

	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].Content, "Shared notes")
}

func TestPruneKeepsFirstUserMessageUnderPressure(t *testing.T) {
	b := newPromptBuilder(guard.NewEstimator(), 30)
	long := strings.Repeat("filler words about nothing in particular ", 20)
	history := []models.Message{
		{Role: models.RoleUser, Content: "original request"},
		{Role: models.AgentRole("analyst"), Content: long},
		{Role: models.AgentRole("critic"), Content: long},
		{Role: models.AgentRole("analyst"), Content: "newest short reply"},
	}

	msgs := b.Build(&config.AgentSpec{Name: "analyst", SystemPrompt: "p"}, history, "", "")

	var contents []string
	for _, m := range msgs[1:] {
		contents = append(contents, m.Content)
	}
	require.NotEmpty(t, contents)
	assert.Equal(t, "original request", contents[0], "first user message survives pruning")
	assert.Contains(t, contents[len(contents)-1], "newest short reply")
	for _, c := range contents {
		assert.NotEqual(t, long, c, "oversized middle messages are pruned")
	}
}

func TestToLLMMessageMapping(t *testing.T) {
	agent := toLLMMessage(models.Message{Role: models.AgentRole("critic"), Content: "I disagree."})
	assert.Equal(t, "assistant", agent.Role)
	assert.Equal(t, "[critic] I disagree.", agent.Content)

	tool := toLLMMessage(models.Message{
		Role:    models.RoleTool,
		Content: `{"ok":true}`,
		Metadata: map[string]string{
			"tool_call_id": "c1",
			"tool_name":    "lookup",
		},
	})
	assert.Equal(t, "tool", tool.Role)
	assert.Equal(t, "c1", tool.ToolCallID)
	assert.Equal(t, "lookup", tool.ToolName)

	user := toLLMMessage(models.Message{Role: models.RoleUser, Content: "hi"})
	assert.Equal(t, "user", user.Role)
}
