package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quorum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Runner.MaxConcurrentRuns)
	assert.Equal(t, 3, cfg.Decision.Buckets.Simple)
	assert.Equal(t, 10, cfg.Decision.Buckets.Complex)
	assert.Equal(t, 0.95, cfg.Selector.OverlapThreshold)

	require.NotNil(t, cfg.Catalog)
	require.NotNil(t, cfg.FlagStore)
	assert.True(t, cfg.FlagStore.Snapshot().RAG)

	// Built-in catalog carries the baseline trio.
	snap := cfg.Catalog.Snapshot()
	assert.ElementsMatch(t, []string{"generalist", "critic", "synthesizer"}, snap.Names())
	assert.Equal(t, []string{"critic"}, snap.ByTier(TierCritic))
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
runner:
  max_concurrent_runs: 2
rag:
  top_k: 6
  cache_ttl: 90s
flags:
  rag: false
agents:
  finance-analyst:
    description: Financial analysis
    capabilities: [financial, research]
    tool_policy: [db_query]
    system_prompt: You analyze financial data.
    tier: specialist
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Runner.MaxConcurrentRuns)
	assert.Equal(t, 6, cfg.RAG.TopK)
	assert.Equal(t, 90*time.Second, cfg.RAG.CacheTTL.Std())
	// Untouched sections keep defaults.
	assert.Equal(t, 0.55, cfg.RAG.ScoreThreshold)
	assert.Equal(t, 5, cfg.Breaker.Failures)

	// Explicit false overrides a true default.
	assert.False(t, cfg.FlagStore.Snapshot().RAG)
	assert.True(t, cfg.FlagStore.Snapshot().HITL)

	// User agent joins the built-ins; empty cost factor normalized.
	spec, err := cfg.GetAgent("finance-analyst")
	require.NoError(t, err)
	assert.Equal(t, TierSpecialist, spec.Tier)
	assert.Equal(t, 1.0, spec.CostFactor)
	assert.Equal(t, 4, cfg.Catalog.Len())
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("QUORUM_TEST_PROMPT", "Prompt from env")

	path := writeConfig(t, `
agents:
  env-agent:
    capabilities: [technical]
    system_prompt: "{{.QUORUM_TEST_PROMPT}}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	spec, err := cfg.GetAgent("env-agent")
	require.NoError(t, err)
	assert.Equal(t, "Prompt from env", spec.SystemPrompt)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "runner: [not a mapping")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "critical auto-approve",
			yaml:    "hitl:\n  auto_approve:\n    - {actions: [db_query], max_risk: critical}\n",
			wantErr: "critical risk never auto-approves",
		},
		{
			name:    "rag budget above turn budget",
			yaml:    "turn:\n  per_turn_max_tokens: 100\n  rag_per_turn_max_tokens: 200\n",
			wantErr: "rag_per_turn_max_tokens",
		},
		{
			name:    "turn deadline above run deadline",
			yaml:    "deadlines:\n  run: 1m\n  turn: 2m\n",
			wantErr: "shorter than run deadline",
		},
		{
			name:    "agent without prompt",
			yaml:    "agents:\n  broken:\n    capabilities: [x]\n",
			wantErr: "system_prompt",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestExpandEnvLeavesDollarsAlone(t *testing.T) {
	t.Setenv("QUORUM_TEST_VAR", "value")

	out := ExpandEnv([]byte(`pattern: "^secret.*$" key: {{.QUORUM_TEST_VAR}} price: $12`))
	assert.Equal(t, `pattern: "^secret.*$" key: value price: $12`, string(out))
}

func TestExpandEnvMissingVarIsEmpty(t *testing.T) {
	out := ExpandEnv([]byte("value: {{.QUORUM_DEFINITELY_UNSET_VAR}}!"))
	assert.Equal(t, "value: !", string(out))
}
