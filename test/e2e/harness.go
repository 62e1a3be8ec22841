// Package e2e exercises the full stack: runner service, orchestrator,
// tool executor, HITL approvals, and PostgreSQL persistence. Tests use a
// scripted LLM client so runs are deterministic, and a real database via
// testcontainers (or CI_DATABASE_URL).
package e2e

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/database"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/runner"
	"github.com/codeready-toolchain/quorum/pkg/tools"
	testdb "github.com/codeready-toolchain/quorum/test/database"
)

// TestApp bundles a fully wired service with its scripted LLM and the
// database client backing it.
type TestApp struct {
	Cfg       *config.Config
	Client    *llm.ScriptedClient
	DB        *database.Client
	Approvals *approval.Service
	Svc       *runner.Service
}

// NewTestApp wires the full stack against a per-test database schema.
// mutate runs before wiring so tests can tighten budgets or TTLs.
func NewTestApp(t *testing.T, mutate func(*config.Config)) *TestApp {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	db := testdb.NewTestClient(t)
	clk := clock.NewReal()

	gdn, err := guardian.New(cfg.Guardian)
	require.NoError(t, err)

	approvals := approval.NewService(db.Approvals(), cfg.HITL, clk, nil, nil)
	client := llm.NewScriptedClient()

	svc := runner.NewService(cfg, runner.Deps{
		LLM:       client,
		Catalog:   newTestCatalog(),
		Flags:     config.NewFlagStore(config.DefaultFlags()),
		Tools:     newTestRegistry(t),
		Guardian:  gdn,
		Approvals: approvals,
		Audit:     db.EventLog(),
		Summaries: db.Summaries(),
		Clock:     clk,
	})
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
	})

	return &TestApp{Cfg: cfg, Client: client, DB: db, Approvals: approvals, Svc: svc}
}

// newTestCatalog extends the builtin agents with a tool policy so plans
// derived from it can invoke the test registry's tools.
func newTestCatalog() *config.AgentCatalog {
	agents := config.BuiltinAgents()
	agents["generalist"].ToolPolicy = []string{"lookup", "send_email"}
	return config.NewAgentCatalog(agents)
}

// newTestRegistry registers the two tools the scenarios use: a safe
// lookup and a HITL-gated send_email.
func newTestRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:         "lookup",
		Description:  "Looks up a document by key",
		InputSchema:  `{"type":"object","required":["key"],"properties":{"key":{"type":"string"}}}`,
		OutputSchema: `{"type":"object"}`,
		SideEffects:  tools.EffectRead,
		SafetyLevel:  tools.SafetySafe,
		CostEstimate: tools.CostEstimate{Tokens: 10, USD: models.USD(0.0001)},
	}, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"doc":"q3 margins recovered to 14%"}`), nil
	}))
	require.NoError(t, reg.Register(tools.Spec{
		Name:         "send_email",
		Description:  "Sends an email",
		InputSchema:  `{"type":"object","required":["subject"],"properties":{"subject":{"type":"string"},"body":{"type":"string"}}}`,
		OutputSchema: `{"type":"object"}`,
		SideEffects:  tools.EffectExternal,
		SafetyLevel:  tools.SafetyHITL,
		CostEstimate: tools.CostEstimate{Tokens: 5, USD: models.USD(0.0001)},
	}, func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"sent":true}`), nil
	}))
	return reg
}
