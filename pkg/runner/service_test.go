package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/bus"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/tools"
)

type memSummaries struct {
	mu   sync.Mutex
	byID map[string]*models.RunSummary
}

func newMemSummaries() *memSummaries {
	return &memSummaries{byID: make(map[string]*models.RunSummary)}
}

func (m *memSummaries) SaveRunSummary(_ context.Context, s *models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.RunID] = s
	return nil
}

func (m *memSummaries) get(runID string) *models.RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[runID]
}

type runnerHarness struct {
	cfg       *config.Config
	client    *llm.ScriptedClient
	sink      *bus.MemorySink
	summaries *memSummaries
	svc       *Service
}

func newRunnerHarness(t *testing.T, mutate func(*config.Config)) *runnerHarness {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	gdn, err := guardian.New(cfg.Guardian)
	require.NoError(t, err)

	h := &runnerHarness{
		cfg:       cfg,
		client:    llm.NewScriptedClient(),
		sink:      bus.NewMemorySink(),
		summaries: newMemSummaries(),
	}
	clk := clock.NewReal()
	h.svc = NewService(cfg, Deps{
		LLM:       h.client,
		Catalog:   config.NewAgentCatalog(config.BuiltinAgents()),
		Flags:     config.NewFlagStore(config.DefaultFlags()),
		Tools:     tools.NewRegistry(),
		Guardian:  gdn,
		Approvals: approval.NewService(approval.NewMemoryStore(), cfg.HITL, clk, nil, nil),
		Audit:     h.sink,
		Summaries: h.summaries,
		Clock:     clk,
	})
	return h
}

func drainEvents(sub *bus.Subscription) []bus.Event {
	var out []bus.Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func TestStartRunsToCompletion(t *testing.T) {
	h := newRunnerHarness(t, nil)
	h.client.AddText("All checks pass. [FINALIZE]")
	h.client.Route("synthesizer", llm.ScriptEntry{Text: "Everything checks out."})

	runID, sub, err := h.svc.Start(context.Background(), models.Request{
		TenantID: "acme",
		Message:  "Review the deployment plan.",
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	events := drainEvents(sub)
	require.NotEmpty(t, events)
	assert.Equal(t, bus.EventTypeDecisionMade, events[0].Type,
		"decision_made precedes everything else")
	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunCompleted, last.Type)
	assert.Equal(t, "Everything checks out.", last.Payload.(bus.RunCompleted).Summary)

	// The run deregisters only after the summary is saved and the audit
	// drain has caught up.
	require.Eventually(t, func() bool {
		_, ok := h.svc.Status(runID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.svc.Active())

	saved := h.summaries.get(runID)
	require.NotNil(t, saved)
	assert.Equal(t, models.RunStatusCompleted, saved.Status)
	assert.Equal(t, "acme", saved.TenantID)
	assert.Positive(t, h.svc.TenantTotals("acme").USD)

	audited := h.sink.Events()
	require.NotEmpty(t, audited)
	assert.Equal(t, bus.EventTypeRunCompleted, audited[len(audited)-1].Type)
}

func TestQueueFullRejectsWithRetryHint(t *testing.T) {
	h := newRunnerHarness(t, func(cfg *config.Config) {
		cfg.Runner.MaxConcurrentRuns = 1
	})
	blocked := make(chan struct{}, 1)
	h.client.Add(llm.ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	runID, sub, err := h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "first",
	})
	require.NoError(t, err)
	<-blocked

	_, _, err = h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "second",
	})
	var full *QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, h.cfg.Runner.RetryAfter.Std(), full.RetryAfter)

	require.True(t, h.svc.Cancel(runID))
	events := drainEvents(sub)
	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunCompleted, last.Type)
	assert.True(t, last.Payload.(bus.RunCompleted).Cancelled)
}

func TestInfeasiblePlanReleasesSlot(t *testing.T) {
	h := newRunnerHarness(t, func(cfg *config.Config) {
		cfg.Runner.MaxConcurrentRuns = 1
	})
	h.client.AddText("Fine. [FINALIZE]")
	h.client.Route("synthesizer", llm.ScriptEntry{Text: "Fine."})

	_, _, err := h.svc.Start(context.Background(), models.Request{
		TenantID:   "acme",
		Message:    "anything",
		BudgetHint: &models.Budget{MaxUSD: models.USD(0.001)},
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrKindPlanInfeasible, models.KindOf(err))

	// The rejected start must not consume the only slot.
	_, sub, err := h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "anything",
	})
	require.NoError(t, err)
	drainEvents(sub)
}

func TestStatusAndSubscribeDuringRun(t *testing.T) {
	h := newRunnerHarness(t, nil)
	blocked := make(chan struct{}, 1)
	h.client.Add(llm.ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	runID, sub, err := h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "long running",
	})
	require.NoError(t, err)
	<-blocked

	status, ok := h.svc.Status(runID)
	require.True(t, ok)
	assert.Positive(t, status.LastEventSeq, "decision_made already published")

	late, ok := h.svc.Subscribe(runID)
	require.True(t, ok)

	_, ok = h.svc.Status("no-such-run")
	assert.False(t, ok)
	_, ok = h.svc.Subscribe("no-such-run")
	assert.False(t, ok)
	assert.False(t, h.svc.Cancel("no-such-run"))

	require.True(t, h.svc.Cancel(runID))
	drainEvents(sub)
	drainEvents(late)
}

func TestCloseCancelsActiveRunsAndStopsAdmission(t *testing.T) {
	h := newRunnerHarness(t, nil)
	blocked := make(chan struct{}, 1)
	h.client.Add(llm.ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})

	_, sub, err := h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "will be shut down",
	})
	require.NoError(t, err)
	<-blocked

	require.NoError(t, h.svc.Close(context.Background()))

	_, _, err = h.svc.Start(context.Background(), models.Request{
		TenantID: "acme", Message: "too late",
	})
	assert.True(t, errors.Is(err, ErrShutdown))

	events := drainEvents(sub)
	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunCompleted, last.Type)
	assert.True(t, last.Payload.(bus.RunCompleted).Cancelled)
}

func TestApplyFlagOverrides(t *testing.T) {
	snap := config.FlagSnapshot{Version: 3, Flags: config.DefaultFlags()}

	got := applyFlagOverrides(snap, map[string]bool{
		"rag":       false,
		"hitl":      false,
		"unknown":   true,
		"streaming": true, // not a flag name; ignored
	})

	assert.False(t, got.RAG)
	assert.False(t, got.HITL)
	assert.True(t, got.ConflictDetection, "untouched flags keep their value")
	assert.Equal(t, int64(3), got.Version, "overrides do not bump the version")
}
