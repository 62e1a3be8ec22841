package groupchat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/bus"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/conflict"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/rag"
	"github.com/codeready-toolchain/quorum/pkg/scratchpad"
	"github.com/codeready-toolchain/quorum/pkg/tools"
)

// State is the orchestrator's lifecycle stage.
type State string

const (
	StateInit       State = "init"
	StateRunning    State = "running"
	StatePaused     State = "paused_for_approval"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Status is the externally visible run progress, polled by the runner.
type Status struct {
	State        State
	TurnIndex    int
	Totals       models.CostTotals
	LastEventSeq int64
}

// Deps are the per-run collaborators the orchestrator drives. All of them
// are constructed by the runner before the run goroutine starts.
type Deps struct {
	Agents    *config.AgentSnapshot
	Flags     config.FlagSnapshot
	Turn      config.TurnSettings
	Selector  config.SelectorSettings
	Deadlines config.DeadlineSettings
	// TokenBatchSize coalesces streamed text into one token_delta per batch
	// (ignored when the StreamingVerbose flag is set).
	TokenBatchSize int

	LLM       llm.Client
	Tools     *tools.Snapshot
	Executor  *tools.Executor
	Approvals *approval.Service
	Injector  *rag.Injector
	Detector  *conflict.Detector
	Pad       *scratchpad.Pad
	Cost      *guard.CostTracker
	Breakers  *guard.BreakerSet
	Limiter   *guard.LimiterSet
	Estimator *guard.Estimator
	Pricing   *guard.PricingTable
	Bus       *bus.Bus
	Clock     clock.Clock
	Logger    *slog.Logger
}

const (
	modelRetryBase = 500 * time.Millisecond
	// modelAttempts bounds transient model retries per call site.
	modelAttempts = 3
	// recentMessages feeds the selector's topical fit factor.
	recentMessages = 3
	// conflictWindow is how many turns a conflict keeps the critic elevated.
	conflictWindow = 2
)

// Orchestrator runs one group chat to completion. A single goroutine
// drives Run; Status is safe to call concurrently.
type Orchestrator struct {
	deps     Deps
	plan     *models.DecisionPlan
	req      models.Request
	selector *Selector
	prompts  *promptBuilder
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	turnIndex int

	// Run-goroutine-only state below; never read outside Run.
	messages         []models.Message
	claims           []conflict.AgentClaim
	ragSeen          map[string]float64
	speakers         []string
	warnings         []string
	lastTier         config.AgentTier
	lastConflictTurn int
	overlapStreak    int
	prevTurnText     string
	stopReason       string
	startedAt        time.Time
}

// New creates an orchestrator for one run. The plan is immutable for the
// run's lifetime.
func New(deps Deps, plan *models.DecisionPlan, req models.Request) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:             deps,
		plan:             plan,
		req:              req,
		selector:         NewSelector(deps.Selector, deps.Agents),
		prompts:          newPromptBuilder(deps.Estimator, plan.Budget.PerTurnMaxTokens),
		logger:           logger.With("component", "groupchat", "run_id", req.RunID),
		state:            StateInit,
		ragSeen:          make(map[string]float64),
		lastConflictTurn: -1,
	}
}

// Status returns the current progress snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		State:        o.state,
		TurnIndex:    o.turnIndex,
		Totals:       o.deps.Cost.Totals(),
		LastEventSeq: o.deps.Bus.LastSeq(),
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setTurn(i int) {
	o.mu.Lock()
	o.turnIndex = i
	o.mu.Unlock()
}

// Run drives the conversation to a terminal state and returns the
// persisted summary. It always publishes exactly one terminal event.
func (o *Orchestrator) Run(ctx context.Context) *models.RunSummary {
	runCtx, cancel := context.WithTimeout(ctx, o.deps.Deadlines.Run.Std())
	defer cancel()

	o.startedAt = o.deps.Clock.Now()
	o.setState(StateRunning)
	o.seedTranscript()

	var runErr error
	for turn := 0; turn < o.plan.MaxTurns; turn++ {
		o.setTurn(turn)
		if err := runCtx.Err(); err != nil {
			runErr = err
			break
		}
		if o.deps.Cost.HardHit() {
			o.stopReason = "budget_exhausted"
			o.warn("run stopped: budget exhausted")
			break
		}
		done, err := o.turn(runCtx, turn)
		if err != nil {
			runErr = err
			break
		}
		if done {
			break
		}
	}

	if runErr != nil {
		return o.terminate(runErr)
	}
	return o.complete(runCtx, false)
}

// seedTranscript copies the request history and appends the new user
// message as the run's first committed message.
func (o *Orchestrator) seedTranscript() {
	o.messages = make([]models.Message, 0, len(o.req.History)+1)
	o.messages = append(o.messages, o.req.History...)
	o.appendMessage(0, models.Message{
		Role:    models.RoleUser,
		Content: o.req.Message,
	})
}

// turn runs one full conversation turn. A true result ends the run
// normally; errors terminate it.
func (o *Orchestrator) turn(ctx context.Context, turn int) (bool, error) {
	turnCtx, cancel := context.WithTimeout(ctx, o.deps.Deadlines.Turn.Std())
	defer cancel()

	score := o.selector.Select(o.turnView(turn), o.plan)
	if score.Agent == "" {
		return false, models.NewRunError(models.ErrKindInternal, "no selectable participant")
	}
	spec, err := o.deps.Agents.Get(score.Agent)
	if err != nil {
		return false, models.WrapError(models.ErrKindInternal, err, "selected agent missing from snapshot")
	}
	o.deps.Bus.Publish(turn, bus.SpeakerSelected{
		Agent:     score.Agent,
		Breakdown: score.Factors,
		Total:     score.Total,
	})

	ragNote := o.injectContext(turnCtx, turn, spec)
	msgs := o.prompts.Build(spec, o.messages, o.deps.Pad.Rendered(), ragNote)
	offered := o.toolDefinitions(spec)

	text, err := o.speak(turnCtx, turn, spec, msgs, offered)
	if err != nil {
		if models.ModelSubtypeOf(err) == models.ModelErrPolicy {
			// Policy refusals end the turn, not the run.
			o.deps.Pad.Append(scratchpad.Note{
				Turn: turn, Agent: spec.Name, Kind: scratchpad.KindFact,
				Text: "response withheld by provider policy",
			})
			o.warn("model refused on policy for agent " + spec.Name)
			return false, nil
		}
		return false, err
	}

	o.appendMessage(turn, models.Message{
		Role:    models.AgentRole(spec.Name),
		Content: text,
	})
	o.recordSpeaker(spec, turn)
	o.extractNotes(turn, spec.Name, text)
	o.inspectConflicts(turn, spec.Name, text)

	return o.shouldStop(text), nil
}

// speak runs the model inner loop for one speaker: generate, execute any
// requested tool calls, and regenerate with the results until the model
// answers in text or the per-turn tool budget runs out.
func (o *Orchestrator) speak(ctx context.Context, turn int, spec *config.AgentSpec, msgs []llm.Message, offered []llm.ToolDefinition) (string, error) {
	toolBudget := o.deps.Turn.MaxToolCallsPerTurn
	for {
		resp, err := o.callModel(ctx, turn, spec.Name, msgs, offered)
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 || toolBudget <= 0 {
			return resp.Text, nil
		}

		msgs = append(msgs, llm.Message{
			Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if toolBudget <= 0 {
				break
			}
			toolBudget--
			content, err := o.invokeTool(ctx, turn, spec.Name, call)
			if err != nil {
				return "", err
			}
			msgs = append(msgs, llm.Message{
				Role: "tool", Content: content, ToolCallID: call.ID, ToolName: call.Name,
			})
			o.appendMessage(turn, models.Message{
				Role:    models.RoleTool,
				Content: content,
				Metadata: map[string]string{
					"tool_call_id": call.ID,
					"tool_name":    call.Name,
					"agent":        spec.Name,
				},
			})
		}
	}
}

// invokeTool runs one tool call through the executor, pausing the run on
// a HITL gate. Tool failures are turn-local: the model sees them as the
// tool result and decides how to proceed.
func (o *Orchestrator) invokeTool(ctx context.Context, turn int, agent string, call llm.ToolCall) (string, error) {
	res, err := o.deps.Executor.Invoke(ctx, tools.Call{
		RunID:     o.req.RunID,
		TurnIndex: turn,
		Agent:     agent,
		Name:      call.Name,
		Input:     json.RawMessage(call.Arguments),
	})

	var pause *tools.ErrApprovalRequired
	if errors.As(err, &pause) {
		res, err = o.awaitApproval(ctx, turn, pause)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		switch models.KindOf(err) {
		case models.ErrKindApprovalRejected, models.ErrKindApprovalExpired:
			o.warn("tool " + call.Name + " blocked: " + string(models.KindOf(err)))
			// The reviewer's reason lands in the pad so later turns see it.
			o.deps.Pad.Append(scratchpad.Note{
				Turn:  turn,
				Agent: agent,
				Kind:  scratchpad.KindDecision,
				Text:  err.Error(),
			})
		default:
			o.warn("tool " + call.Name + " failed: " + string(models.KindOf(err)))
		}
		return "tool call failed: " + err.Error(), nil
	}

	o.publishThresholds(turn, res.Thresholds)
	return string(res.Output), nil
}

// awaitApproval pauses the run until the HITL decision arrives, then
// resumes the gated call.
func (o *Orchestrator) awaitApproval(ctx context.Context, turn int, pause *tools.ErrApprovalRequired) (*tools.Result, error) {
	o.deps.Bus.Publish(turn, bus.ApprovalRequested{
		ApprovalID: pause.ApprovalID,
		Action:     "tool:" + pause.Token.Tool,
		RiskLevel:  pause.RiskLevel,
	})
	o.setState(StatePaused)
	o.logger.Info("run paused for approval",
		"approval_id", pause.ApprovalID, "tool", pause.Token.Tool, "turn", turn)

	decision, err := o.deps.Approvals.Await(ctx, pause.ApprovalID)
	if err != nil {
		return nil, err
	}
	o.setState(StateRunning)
	o.deps.Bus.Publish(turn, bus.ApprovalResolved{
		ApprovalID: pause.ApprovalID,
		Outcome:    decision.Status,
		Reason:     decision.Reason,
	})
	return o.deps.Executor.Resume(ctx, pause.Token, decision)
}

type modelResponse struct {
	Text      string
	ToolCalls []llm.ToolCall
	TokensIn  int
	TokensOut int
}

// callModel generates one model response with transient retries.
func (o *Orchestrator) callModel(ctx context.Context, turn int, agent string, msgs []llm.Message, offered []llm.ToolDefinition) (*modelResponse, error) {
	var lastErr error
	for attempt := 0; attempt < modelAttempts; attempt++ {
		if attempt > 0 {
			if err := o.deps.Clock.Sleep(ctx, modelRetryBase<<(attempt-1)); err != nil {
				return nil, err
			}
		}
		resp, err := o.callModelOnce(ctx, turn, agent, msgs, offered)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !models.Transient(err) {
			break
		}
	}
	return nil, lastErr
}

// callModelOnce runs one admission-gated model call and records its cost.
func (o *Orchestrator) callModelOnce(ctx context.Context, turn int, agent string, msgs []llm.Message, offered []llm.ToolDefinition) (*modelResponse, error) {
	if !o.deps.Cost.AllowModelCall() {
		return nil, models.NewRunError(models.ErrKindBudgetExceeded, "model call blocked: budget hard limit hit")
	}
	if err := o.admitRate(ctx); err != nil {
		return nil, err
	}
	// Breaker slot last: a rate-limit denial must not strand the half-open
	// probe.
	breaker := o.deps.Breakers.For("model:" + o.plan.Model.Name)
	if err := breaker.Allow(); err != nil {
		return nil, models.NewModelError(models.ModelErrUnavailable, err,
			"model "+o.plan.Model.Name+" breaker open")
	}

	modelCtx, cancel := context.WithTimeout(ctx, o.deps.Deadlines.Model.Std())
	defer cancel()

	ch, err := o.deps.LLM.Generate(modelCtx, &llm.GenerateInput{
		RunID:    o.req.RunID,
		Agent:    agent,
		Model:    o.plan.Model,
		Messages: msgs,
		Tools:    offered,
	})
	if err != nil {
		breaker.RecordFailure()
		return nil, classifyModelErr(err)
	}

	resp, err := o.consumeStream(ch, turn, agent)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	if ctx.Err() != nil {
		breaker.Release()
		return nil, ctx.Err()
	}
	if modelCtx.Err() == context.DeadlineExceeded {
		breaker.RecordFailure()
		return nil, models.NewModelError(models.ModelErrTransient, modelCtx.Err(), "model deadline exceeded")
	}
	breaker.RecordSuccess()

	if resp.TokensIn == 0 && resp.TokensOut == 0 {
		// Provider reported no usage; fall back to the estimator.
		for _, m := range msgs {
			resp.TokensIn += o.deps.Estimator.Tokens(m.Content)
		}
		resp.TokensOut = o.deps.Estimator.Tokens(resp.Text)
	}
	usd := o.deps.Pricing.CostOf(o.plan.Model.Name, resp.TokensIn, resp.TokensOut)
	fired := o.deps.Cost.AddModelUsage(turn, agent, o.plan.Model.Name, resp.TokensIn, resp.TokensOut, usd)
	o.deps.Bus.Publish(turn, bus.TokenDelta{
		Agent:     agent,
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		USD:       usd,
	})
	o.publishThresholds(turn, fired)
	return resp, nil
}

// admitRate waits through the configured jittered rate-limit retries
// before giving up on the turn.
func (o *Orchestrator) admitRate(ctx context.Context) error {
	bo := o.deps.Limiter.RetrySchedule()
	for attempt := 0; ; attempt++ {
		if o.deps.Limiter.Allow(o.req.TenantID, guard.CategoryModel) {
			return nil
		}
		if attempt >= o.deps.Limiter.Retries() {
			return models.NewRunError(models.ErrKindRateLimited,
				"model rate limit exceeded for tenant %q", o.req.TenantID)
		}
		if err := o.deps.Clock.Sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// consumeStream drains the chunk channel, batching streamed text into
// token_delta events.
func (o *Orchestrator) consumeStream(ch <-chan llm.Chunk, turn int, agent string) (*modelResponse, error) {
	batchSize := o.deps.TokenBatchSize
	if o.deps.Flags.StreamingVerbose || batchSize < 1 {
		batchSize = 1
	}

	resp := &modelResponse{}
	var text, batch strings.Builder
	batched := 0
	flush := func() {
		if batched == 0 {
			return
		}
		o.deps.Bus.Publish(turn, bus.TokenDelta{Agent: agent, Delta: batch.String()})
		batch.Reset()
		batched = 0
	}

	for chunk := range ch {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
			batch.WriteString(c.Content)
			batched++
			if batched >= batchSize {
				flush()
			}
		case *llm.ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID: c.CallID, Name: c.Name, Arguments: c.Arguments,
			})
		case *llm.UsageChunk:
			resp.TokensIn += c.InputTokens
			resp.TokensOut += c.OutputTokens
		case *llm.ErrorChunk:
			return nil, c.Err()
		}
	}
	flush()
	resp.Text = text.String()
	return resp, nil
}

func classifyModelErr(err error) error {
	var re *models.RunError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return models.NewModelError(models.ModelErrUnavailable, err, "model call failed")
}

// injectContext performs the turn's RAG injection when the flag is on.
// Retrieval failures never fail the turn.
func (o *Orchestrator) injectContext(ctx context.Context, turn int, spec *config.AgentSpec) string {
	if !o.deps.Flags.RAG || o.deps.Injector == nil {
		return ""
	}
	res := o.deps.Injector.Inject(ctx, rag.InjectRequest{
		RunID:         o.req.RunID,
		LastUser:      o.lastContent(func(r models.MessageRole) bool { return r == models.RoleUser }),
		LastAssistant: o.lastContent(func(r models.MessageRole) bool { _, ok := r.AgentName(); return ok }),
		AgentBias:     strings.Join(spec.Capabilities, " "),
		Seen:          o.ragSeen,
		MaxTokens:     o.deps.Turn.RAGPerTurnMaxTokens,
	})

	chunks := make([]bus.RAGChunk, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		chunks = append(chunks, bus.RAGChunk{Source: c.Source, Score: c.Score, Hash: c.Hash})
	}
	o.deps.Bus.Publish(turn, bus.RAGInjected{
		Chunks:    chunks,
		CacheHit:  res.CacheHit,
		LatencyMS: res.LatencyMS,
		Error:     res.Err,
	})
	return res.Note
}

// toolDefinitions offers the intersection of the plan's allowed tools and
// the speaking agent's tool policy.
func (o *Orchestrator) toolDefinitions(spec *config.AgentSpec) []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, name := range o.plan.ToolsAllowed {
		if !spec.AllowsTool(name) {
			continue
		}
		tool, ok := o.deps.Tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:             tool.Spec.Name,
			Description:      tool.Spec.Description,
			ParametersSchema: tool.Spec.InputSchema,
		})
	}
	return defs
}

// notePrefixes map transcript markers to scratchpad note kinds.
var notePrefixes = []struct {
	marker string
	kind   scratchpad.NoteKind
}{
	{"FACT:", scratchpad.KindFact},
	{"DECISION:", scratchpad.KindDecision},
	{"TODO:", scratchpad.KindTodo},
	{"QUESTION:", scratchpad.KindQuestion},
	{"ASSUMPTION:", scratchpad.KindAssumption},
}

// extractNotes scans the agent's text for marked lines and appends them
// to the shared scratchpad.
func (o *Orchestrator) extractNotes(turn int, agent, text string) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		for _, p := range notePrefixes {
			if !strings.HasPrefix(line, p.marker) {
				continue
			}
			body := strings.TrimSpace(line[len(p.marker):])
			if body == "" {
				break
			}
			o.deps.Pad.Append(scratchpad.Note{Turn: turn, Agent: agent, Kind: p.kind, Text: body})
			break
		}
	}
}

// inspectConflicts compares the new message against recent claims and
// publishes every contradiction found.
func (o *Orchestrator) inspectConflicts(turn int, agent, text string) {
	claim := conflict.AgentClaim{Agent: agent, Turn: turn, Text: text}
	if o.deps.Flags.ConflictDetection && o.deps.Detector != nil {
		for _, f := range o.deps.Detector.Inspect(claim, o.claims) {
			o.deps.Bus.Publish(turn, bus.ConflictDetected{
				Agents:  f.Agents,
				Kind:    string(f.Kind),
				Excerpt: f.Excerpt,
			})
			o.lastConflictTurn = turn
		}
	}
	o.claims = append(o.claims, claim)
}

// shouldStop applies the explicit finalize marker and the stagnation
// check (two consecutive turns rehashing the prior turn's content).
func (o *Orchestrator) shouldStop(text string) bool {
	if marker := o.deps.Selector.FinalizeMarker; marker != "" && strings.Contains(text, marker) {
		o.stopReason = "finalize_marker"
		return true
	}

	if o.prevTurnText != "" && textOverlap(o.prevTurnText, text) >= o.deps.Selector.OverlapThreshold {
		o.overlapStreak++
	} else {
		o.overlapStreak = 0
	}
	o.prevTurnText = text
	if o.overlapStreak >= 2 {
		o.stopReason = "no_new_information"
		o.warn("run stopped: no new information in consecutive turns")
		return true
	}
	return false
}

func (o *Orchestrator) turnView(turn int) TurnView {
	recent := o.messages
	if len(recent) > recentMessages {
		recent = recent[len(recent)-recentMessages:]
	}
	var sb strings.Builder
	for _, m := range recent {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return TurnView{
		TurnIndex:       turn,
		MaxTurns:        o.plan.MaxTurns,
		LastSpeakerTier: o.lastTier,
		SpeakerHistory:  o.speakers,
		RecentText:      sb.String(),
		ConflictRecent:  o.lastConflictTurn >= 0 && turn-o.lastConflictTurn <= conflictWindow,
		BudgetRemaining: o.deps.Cost.RemainingFraction(),
	}
}

func (o *Orchestrator) recordSpeaker(spec *config.AgentSpec, turn int) {
	o.speakers = append(o.speakers, spec.Name)
	o.lastTier = spec.Tier
}

func (o *Orchestrator) appendMessage(turn int, m models.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = o.deps.Clock.Now()
	}
	o.messages = append(o.messages, m)
	o.deps.Bus.Publish(turn, bus.MessageAppended{Message: m})
}

func (o *Orchestrator) publishThresholds(turn int, fired []guard.Threshold) {
	for _, t := range fired {
		o.deps.Bus.Publish(turn, bus.BudgetEvent{
			Kind:   bus.BudgetEventKind(t.Kind),
			Totals: o.deps.Cost.Totals(),
		})
	}
}

func (o *Orchestrator) warn(msg string) {
	o.warnings = append(o.warnings, msg)
	o.logger.Warn(msg)
}

// terminate routes a run-ending error: cancellation completes the run
// with the partial summary, everything else fails it.
func (o *Orchestrator) terminate(err error) *models.RunSummary {
	if models.KindOf(err) == models.ErrKindCancelled {
		return o.complete(context.Background(), true)
	}

	o.setState(StateFailed)
	partial := o.reduceSummary()
	kind := models.KindOf(err)
	o.deps.Bus.Publish(o.currentTurn(), bus.RunFailed{
		ErrorKind:      kind,
		Detail:         err.Error(),
		PartialSummary: partial,
	})
	o.logger.Error("run failed", "error_kind", kind, "error", err)
	return o.summaryRecord(models.RunStatusFailed, partial)
}

// complete finalizes the run: synthesis (or the extractive fallback) and
// the terminal run_completed event.
func (o *Orchestrator) complete(ctx context.Context, cancelled bool) *models.RunSummary {
	o.setState(StateFinalizing)
	summary := o.finalSummary(ctx, cancelled)

	o.deps.Bus.Publish(o.currentTurn(), bus.RunCompleted{
		Summary:   summary,
		Cancelled: cancelled,
		Turns:     len(o.speakers),
		Totals:    o.deps.Cost.Totals(),
		Warnings:  o.warnings,
	})

	status := models.RunStatusCompleted
	state := StateDone
	if cancelled {
		status = models.RunStatusCancelled
		state = StateCancelled
	}
	o.setState(state)
	o.logger.Info("run completed",
		"turns", len(o.speakers), "cancelled", cancelled, "stop_reason", o.stopReason,
		"usd", o.deps.Cost.Totals().USD)
	return o.summaryRecord(status, summary)
}

// finalSummary prefers a synthesizer model call when one is planned and
// the budget allows, falling back to the deterministic reducer.
func (o *Orchestrator) finalSummary(ctx context.Context, cancelled bool) string {
	if cancelled || o.plan.Synthesizer == "" || !o.deps.Cost.AllowModelCall() || ctx.Err() != nil {
		return o.reduceSummary()
	}
	spec, err := o.deps.Agents.Get(o.plan.Synthesizer)
	if err != nil {
		return o.reduceSummary()
	}

	msgs := o.prompts.Build(spec, o.messages, o.deps.Pad.Rendered(), "")
	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: "Produce the final answer to the original request, consolidating the discussion above.",
	})
	resp, err := o.callModel(ctx, o.currentTurn(), spec.Name, msgs, nil)
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		o.warn("synthesis failed; using extractive summary")
		return o.reduceSummary()
	}
	return resp.Text
}

// reduceSummary is the deterministic fallback: pad decisions and facts
// followed by the last agent contribution.
func (o *Orchestrator) reduceSummary() string {
	var sb strings.Builder
	for _, kind := range []scratchpad.NoteKind{scratchpad.KindDecision, scratchpad.KindFact} {
		for _, n := range o.deps.Pad.ByKind(kind) {
			sb.WriteString("- [")
			sb.WriteString(string(n.Kind))
			sb.WriteString("] ")
			sb.WriteString(n.Text)
			sb.WriteString("\n")
		}
	}
	if last := o.lastContent(func(r models.MessageRole) bool { _, ok := r.AgentName(); return ok }); last != "" {
		sb.WriteString(last)
	}
	return strings.TrimSpace(sb.String())
}

func (o *Orchestrator) summaryRecord(status models.RunStatus, summary string) *models.RunSummary {
	return &models.RunSummary{
		RunID:        o.req.RunID,
		TenantID:     o.req.TenantID,
		Plan:         *o.plan,
		CostTotals:   o.deps.Cost.Totals(),
		Status:       status,
		CreatedAt:    o.startedAt,
		CompletedAt:  o.deps.Clock.Now(),
		MessageCount: len(o.messages),
		Summary:      summary,
		Warnings:     o.warnings,
	}
}

func (o *Orchestrator) currentTurn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turnIndex
}

// lastContent returns the newest message content whose role matches.
func (o *Orchestrator) lastContent(match func(models.MessageRole) bool) string {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if match(o.messages[i].Role) {
			return o.messages[i].Content
		}
	}
	return ""
}
