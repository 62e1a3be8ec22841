package groupchat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/bus"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/conflict"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/scratchpad"
	"github.com/codeready-toolchain/quorum/pkg/tools"
)

type orchHarness struct {
	cfg       *config.Config
	flags     config.Flags
	client    *llm.ScriptedClient
	bus       *bus.Bus
	sub       *bus.Subscription
	approvals *approval.Service
	breakers  *guard.BreakerSet
	pad       *scratchpad.Pad
	plan      *models.DecisionPlan
	req       models.Request

	// applied before build
	budget models.Budget
}

func newOrchHarness(t *testing.T) *orchHarness {
	t.Helper()
	cfg := config.Default()
	return &orchHarness{
		cfg:    cfg,
		flags:  config.DefaultFlags(),
		client: llm.NewScriptedClient(),
		plan: &models.DecisionPlan{
			Participants: []string{"analyst", "critic"},
			MaxTurns:     3,
			Model:        models.ModelKnobs{Name: "std-small", Temperature: 0.2, MaxTokensPerTurn: 1000},
			RiskTier:     models.RiskLow,
			Sources:      []models.Source{models.SourceLLMOnly},
		},
		req: models.Request{
			RunID:    "run-1",
			TenantID: "acme",
			Message:  "Review the quarterly numbers.",
		},
		budget: models.Budget{
			MaxUSD:           models.USD(1.00),
			MaxTokens:        32000,
			PerTurnMaxTokens: 1000,
		},
	}
}

// alternateSpeakers makes selection diversity-only so the two
// participants strictly alternate, keeping multi-agent tests stable.
func (h *orchHarness) alternateSpeakers() {
	h.cfg.Selector.Weights = config.SelectorWeights{Diversity: 1.0}
}

func (h *orchHarness) build(t *testing.T) *Orchestrator {
	t.Helper()
	clk := clock.NewReal()
	est := guard.NewEstimator()

	agents := config.NewAgentCatalog(map[string]*config.AgentSpec{
		"analyst": {
			Description:  "Financial and technical analysis",
			Capabilities: []string{"financial", "technical"},
			ToolPolicy:   []string{"echo", "send_email"},
			SystemPrompt: "You are an analyst.",
			Tier:         config.TierGeneralist,
			CostFactor:   1.0,
		},
		"critic": {
			Description:  "Challenges claims",
			Capabilities: []string{"compliance"},
			SystemPrompt: "You are a critic.",
			Tier:         config.TierCritic,
			CostFactor:   1.0,
		},
		"synthesizer": {
			Description:  "Final answers",
			Capabilities: []string{"research"},
			SystemPrompt: "You synthesize.",
			Tier:         config.TierGeneralist,
			CostFactor:   1.0,
		},
	}).Snapshot()

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name:         "echo",
		Description:  "Echoes its input",
		InputSchema:  `{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`,
		OutputSchema: `{"type":"object"}`,
		SideEffects:  tools.EffectRead,
		SafetyLevel:  tools.SafetySafe,
		CostEstimate: tools.CostEstimate{Tokens: 10, USD: models.USD(0.0001)},
	}, func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
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
	snap := reg.Snapshot()

	gdn, err := guardian.New(h.cfg.Guardian)
	require.NoError(t, err)

	flagSnap := config.FlagSnapshot{Version: 1, Flags: h.flags}
	h.bus = bus.New(h.req.RunID, clk, h.cfg.Bus.SubscriberBuffer)
	h.sub = h.bus.Subscribe()
	h.approvals = approval.NewService(approval.NewMemoryStore(), h.cfg.HITL, clk, nil, nil)
	h.breakers = guard.NewBreakerSet(h.cfg.Breaker, clk, h.flags.BreakerStrict)
	limiter := guard.NewLimiterSet(h.cfg.RateLimit, clk)
	cost := guard.NewCostTracker(h.budget, h.req.TenantID, nil)
	h.pad = scratchpad.New(est, h.cfg.Scratchpad.MaxTokens)
	h.plan.Budget = h.budget

	emit := func(turn int, payload bus.Payload) { h.bus.Publish(turn, payload) }
	exec := tools.NewExecutor(tools.Deps{
		Tools:     snap,
		Guardian:  gdn,
		Approvals: h.approvals,
		Breakers:  h.breakers,
		Limiter:   limiter,
		Cost:      cost,
		Clock:     clk,
		Deadlines: h.cfg.Deadlines,
		Flags:     flagSnap,
		Emit:      emit,
	}, h.plan, h.req.TenantID)

	return New(Deps{
		Agents:         agents,
		Flags:          flagSnap,
		Turn:           h.cfg.Turn,
		Selector:       h.cfg.Selector,
		Deadlines:      h.cfg.Deadlines,
		TokenBatchSize: h.cfg.Bus.TokenBatchSize,
		LLM:            h.client,
		Tools:          snap,
		Executor:       exec,
		Approvals:      h.approvals,
		Detector:       conflict.NewDetector(h.cfg.Conflict),
		Pad:            h.pad,
		Cost:           cost,
		Breakers:       h.breakers,
		Limiter:        limiter,
		Estimator:      est,
		Pricing:        guard.NewPricingTable(h.cfg.Decision.Models),
		Bus:            h.bus,
		Clock:          clk,
	}, h.plan, h.req)
}

func drain(sub *bus.Subscription) []bus.Event {
	var out []bus.Event
	for ev := range sub.Events() {
		out = append(out, ev)
	}
	return out
}

func eventsOfType(events []bus.Event, typ bus.EventType) []bus.Event {
	var out []bus.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunCompletesOnFinalizeMarker(t *testing.T) {
	h := newOrchHarness(t)
	h.client.
		AddText("Opening analysis of the numbers.").
		AddText("The figures hold up. [FINALIZE]")
	orch := h.build(t)

	summary := orch.Run(context.Background())
	events := drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, StateDone, orch.Status().State)
	assert.Len(t, eventsOfType(events, bus.EventTypeSpeakerSelected), 2)

	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunCompleted, last.Type)
	completed := last.Payload.(bus.RunCompleted)
	assert.Equal(t, 2, completed.Turns)
	assert.False(t, completed.Cancelled)
	assert.Contains(t, completed.Summary, "figures hold up")
	assert.Positive(t, completed.Totals.USD)

	// user message plus two agent messages
	assert.Equal(t, 3, summary.MessageCount)
	assert.Len(t, eventsOfType(events, bus.EventTypeMessageAppended), 3)
}

func TestFirstSpeakerIsGeneralistTier(t *testing.T) {
	h := newOrchHarness(t)
	h.client.AddText("Intro. [FINALIZE]")
	orch := h.build(t)

	orch.Run(context.Background())
	events := drain(h.sub)

	selected := eventsOfType(events, bus.EventTypeSpeakerSelected)
	require.NotEmpty(t, selected)
	assert.Equal(t, "analyst", selected[0].Payload.(bus.SpeakerSelected).Agent)
}

func TestScratchpadExtraction(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.client.AddText("FACT: revenue grew 12%\nSome prose in between.\nDECISION: keep the forecast\nTODO: verify with billing")
	orch := h.build(t)

	orch.Run(context.Background())
	drain(h.sub)

	require.Len(t, h.pad.ByKind(scratchpad.KindFact), 1)
	assert.Equal(t, "revenue grew 12%", h.pad.ByKind(scratchpad.KindFact)[0].Text)
	assert.Len(t, h.pad.ByKind(scratchpad.KindDecision), 1)
	assert.Len(t, h.pad.ByKind(scratchpad.KindTodo), 1)
}

func TestConflictBetweenSpeakersIsPublished(t *testing.T) {
	h := newOrchHarness(t)
	h.alternateSpeakers()
	h.plan.MaxTurns = 2
	h.client.
		AddText("Revenue grew by 10% this quarter.").
		AddText("Revenue grew by 20% this quarter.")
	orch := h.build(t)

	orch.Run(context.Background())
	events := drain(h.sub)

	conflicts := eventsOfType(events, bus.EventTypeConflictDetected)
	require.Len(t, conflicts, 1)
	payload := conflicts[0].Payload.(bus.ConflictDetected)
	assert.Equal(t, string(conflict.KindNumericDisagreement), payload.Kind)
	assert.Equal(t, [2]string{"critic", "analyst"}, payload.Agents)
}

func TestConflictDetectionRespectsFlag(t *testing.T) {
	h := newOrchHarness(t)
	h.alternateSpeakers()
	h.flags.ConflictDetection = false
	h.plan.MaxTurns = 2
	h.client.
		AddText("Revenue grew by 10% this quarter.").
		AddText("Revenue grew by 20% this quarter.")
	orch := h.build(t)

	orch.Run(context.Background())
	events := drain(h.sub)

	assert.Empty(t, eventsOfType(events, bus.EventTypeConflictDetected))
}

func TestStagnationEndsRun(t *testing.T) {
	h := newOrchHarness(t)
	h.alternateSpeakers()
	h.plan.MaxTurns = 6
	same := "The quarterly report remains consistent and complete."
	h.client.AddText(same).AddText(same).AddText(same)
	orch := h.build(t)

	summary := orch.Run(context.Background())
	drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 3, h.client.CallCount(), "run stops after two stagnant turns")
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[len(summary.Warnings)-1], "no new information")
}

func TestToolCallRoundTrip(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.plan.ToolsAllowed = []string{"echo"}
	h.client.
		Add(llm.ScriptEntry{Chunks: []llm.Chunk{
			&llm.ToolCallChunk{CallID: "c1", Name: "echo", Arguments: `{"text":"hello"}`},
			&llm.UsageChunk{InputTokens: 20, OutputTokens: 10},
		}}).
		AddText("The echo came back fine.")
	orch := h.build(t)

	summary := orch.Run(context.Background())
	events := drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)

	invoked := eventsOfType(events, bus.EventTypeToolInvoked)
	require.Len(t, invoked, 1)
	assert.Equal(t, "ok", invoked[0].Payload.(bus.ToolInvoked).Status)

	// Second model call carries the tool result back to the model.
	captured := h.client.Captured()
	require.Len(t, captured, 2)
	require.NotEmpty(t, captured[0].Tools, "allowed tools are offered to the model")
	assert.Equal(t, "echo", captured[0].Tools[0].Name)
	var toolMsg *llm.Message
	for i := range captured[1].Messages {
		if captured[1].Messages[i].Role == "tool" {
			toolMsg = &captured[1].Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "hello")

	// user + tool + agent messages
	assert.Equal(t, 3, summary.MessageCount)
}

func TestHITLApprovalPausesAndResumes(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.plan.ToolsAllowed = []string{"send_email"}
	h.client.
		Add(llm.ScriptEntry{Chunks: []llm.Chunk{
			&llm.ToolCallChunk{CallID: "c1", Name: "send_email", Arguments: `{"subject":"q3 report"}`},
			&llm.UsageChunk{InputTokens: 20, OutputTokens: 10},
		}}).
		AddText("Email is on its way.")
	orch := h.build(t)

	done := make(chan *models.RunSummary, 1)
	go func() { done <- orch.Run(context.Background()) }()

	var approvalID string
	var events []bus.Event
	for ev := range h.sub.Events() {
		events = append(events, ev)
		if ev.Type == bus.EventTypeApprovalRequested {
			approvalID = ev.Payload.(bus.ApprovalRequested).ApprovalID
			break
		}
	}
	require.NotEmpty(t, approvalID)
	require.Eventually(t, func() bool {
		return orch.Status().State == StatePaused
	}, time.Second, 5*time.Millisecond)

	_, err := h.approvals.Decide(context.Background(), approvalID, models.ApprovalApproved, "looks fine", "reviewer")
	require.NoError(t, err)

	summary := <-done
	events = append(events, drain(h.sub)...)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	resolved := eventsOfType(events, bus.EventTypeApprovalResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.ApprovalApproved, resolved[0].Payload.(bus.ApprovalResolved).Outcome)

	invoked := eventsOfType(events, bus.EventTypeToolInvoked)
	require.Len(t, invoked, 1)
	assert.Equal(t, "ok", invoked[0].Payload.(bus.ToolInvoked).Status)
}

func TestHITLRejectionKeepsRunAlive(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.plan.ToolsAllowed = []string{"send_email"}
	h.client.
		Add(llm.ScriptEntry{Chunks: []llm.Chunk{
			&llm.ToolCallChunk{CallID: "c1", Name: "send_email", Arguments: `{"subject":"q3 report"}`},
			&llm.UsageChunk{InputTokens: 20, OutputTokens: 10},
		}}).
		AddText("Understood, not sending the email.")
	orch := h.build(t)

	done := make(chan *models.RunSummary, 1)
	go func() { done <- orch.Run(context.Background()) }()

	var approvalID string
	for ev := range h.sub.Events() {
		if ev.Type == bus.EventTypeApprovalRequested {
			approvalID = ev.Payload.(bus.ApprovalRequested).ApprovalID
			break
		}
	}
	require.NotEmpty(t, approvalID)
	require.Eventually(t, func() bool {
		return orch.Status().State == StatePaused
	}, time.Second, 5*time.Millisecond)

	_, err := h.approvals.Decide(context.Background(), approvalID, models.ApprovalRejected, "not allowed", "reviewer")
	require.NoError(t, err)

	summary := <-done
	drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[0], "approval_rejected")
	assert.Contains(t, summary.Summary, "not sending")

	// The reviewer's reason lands in the pad for later turns.
	decisions := h.pad.ByKind(scratchpad.KindDecision)
	require.NotEmpty(t, decisions)
	assert.Contains(t, decisions[len(decisions)-1].Text, "not allowed")
}

func TestBudgetHardLimitStopsRun(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 5
	h.budget = models.Budget{MaxUSD: models.USD(0.000005), MaxTokens: 32000, PerTurnMaxTokens: 1000}
	h.client.AddText("First and only turn.")
	orch := h.build(t)

	summary := orch.Run(context.Background())
	events := drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 1, h.client.CallCount())

	var kinds []bus.BudgetEventKind
	for _, ev := range eventsOfType(events, bus.EventTypeBudgetEvent) {
		kinds = append(kinds, ev.Payload.(bus.BudgetEvent).Kind)
	}
	assert.Equal(t, []bus.BudgetEventKind{bus.BudgetWarn, bus.BudgetHitSoft, bus.BudgetHitHard}, kinds)
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[0], "budget")
}

func TestTransientModelErrorIsRetried(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.client.
		Add(llm.ScriptEntry{Error: models.NewModelError(models.ModelErrTransient, nil, "blip")}).
		AddText("Recovered fine.")
	orch := h.build(t)

	summary := orch.Run(context.Background())
	drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, h.client.CallCount())
	assert.Contains(t, summary.Summary, "Recovered fine.")
}

func TestPolicyRefusalEndsTurnNotRun(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 2
	h.client.
		Add(llm.ScriptEntry{Error: models.NewModelError(models.ModelErrPolicy, nil, "content refused")}).
		AddText("Continuing without the refused angle. [FINALIZE]")
	orch := h.build(t)

	summary := orch.Run(context.Background())
	drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, h.client.CallCount(), "refusal is not retried")
	require.NotEmpty(t, summary.Warnings)
	assert.Contains(t, summary.Warnings[0], "policy")

	facts := h.pad.ByKind(scratchpad.KindFact)
	require.Len(t, facts, 1)
	assert.Contains(t, facts[0].Text, "withheld")
}

func TestOpenModelBreakerFailsRun(t *testing.T) {
	h := newOrchHarness(t)
	orch := h.build(t)
	br := h.breakers.For("model:std-small")
	for i := 0; i < h.cfg.Breaker.Failures; i++ {
		br.RecordFailure()
	}

	summary := orch.Run(context.Background())
	events := drain(h.sub)

	require.Equal(t, models.RunStatusFailed, summary.Status)
	assert.Equal(t, StateFailed, orch.Status().State)
	assert.Equal(t, 0, h.client.CallCount())

	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunFailed, last.Type)
	assert.Equal(t, models.ErrKindModelError, last.Payload.(bus.RunFailed).ErrorKind)
}

func TestCancellationCompletesWithPartialSummary(t *testing.T) {
	h := newOrchHarness(t)
	blocked := make(chan struct{}, 1)
	h.client.Add(llm.ScriptEntry{BlockUntilCancelled: true, OnBlock: blocked})
	orch := h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.RunSummary, 1)
	go func() { done <- orch.Run(ctx) }()

	<-blocked
	cancel()
	summary := <-done
	events := drain(h.sub)

	require.Equal(t, models.RunStatusCancelled, summary.Status)
	assert.Equal(t, StateCancelled, orch.Status().State)

	last := events[len(events)-1]
	require.Equal(t, bus.EventTypeRunCompleted, last.Type)
	assert.True(t, last.Payload.(bus.RunCompleted).Cancelled)
}

func TestSynthesizerProducesFinalSummary(t *testing.T) {
	h := newOrchHarness(t)
	h.plan.MaxTurns = 1
	h.plan.Synthesizer = "synthesizer"
	h.client.AddText("DECISION: hold the forecast steady")
	h.client.Route("synthesizer", llm.ScriptEntry{Text: "Hold the forecast steady; the numbers support it."})
	orch := h.build(t)

	summary := orch.Run(context.Background())
	events := drain(h.sub)

	require.Equal(t, models.RunStatusCompleted, summary.Status)
	assert.Equal(t, "Hold the forecast steady; the numbers support it.", summary.Summary)

	last := events[len(events)-1].Payload.(bus.RunCompleted)
	assert.Equal(t, summary.Summary, last.Summary)

	captured := h.client.Captured()
	require.Len(t, captured, 2)
	assert.Equal(t, "synthesizer", captured[1].Agent)
}

func TestVerboseStreamingEmitsPerChunkDeltas(t *testing.T) {
	h := newOrchHarness(t)
	h.flags.StreamingVerbose = true
	h.plan.MaxTurns = 1
	h.client.Add(llm.ScriptEntry{Chunks: []llm.Chunk{
		&llm.TextChunk{Content: "one "},
		&llm.TextChunk{Content: "two "},
		&llm.TextChunk{Content: "three"},
		&llm.UsageChunk{InputTokens: 10, OutputTokens: 3},
	}})
	orch := h.build(t)

	orch.Run(context.Background())
	events := drain(h.sub)

	deltas := eventsOfType(events, bus.EventTypeTokenDelta)
	// three per-chunk deltas plus the final usage delta
	require.Len(t, deltas, 4)
	assert.Equal(t, "one ", deltas[0].Payload.(bus.TokenDelta).Delta)
	usage := deltas[3].Payload.(bus.TokenDelta)
	assert.Equal(t, 10, usage.TokensIn)
	assert.Equal(t, 3, usage.TokensOut)
}
