package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/bus"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Call is one tool invocation request.
type Call struct {
	RunID     string
	TurnIndex int
	Agent     string
	Name      string
	Input     json.RawMessage
}

// Result is the outcome of a completed invocation.
type Result struct {
	Name       string
	Output     json.RawMessage
	InputHash  string
	OutputHash string
	DurationMS int64
	Cached     bool
	Redacted   bool
	// Thresholds lists budget crossings fired by this call's cost delta,
	// for the orchestrator to emit as budget events.
	Thresholds []guard.Threshold
}

// PauseToken carries everything needed to resume a HITL-gated call at
// the admission step.
type PauseToken struct {
	RunID          string            `json:"run_id"`
	TurnIndex      int               `json:"turn_index"`
	Agent          string            `json:"agent"`
	Tool           string            `json:"tool"`
	Input          json.RawMessage   `json:"input"`
	InputHash      string            `json:"input_hash"`
	BudgetSnapshot models.CostTotals `json:"budget_snapshot"`
}

// ErrApprovalRequired pauses the pipeline pending a HITL decision.
type ErrApprovalRequired struct {
	ApprovalID string
	RiskLevel  models.RiskTier
	Token      PauseToken
}

func (e *ErrApprovalRequired) Error() string {
	return fmt.Sprintf("tool %q requires approval %s", e.Token.Tool, e.ApprovalID)
}

// Emitter publishes an event payload on the run's bus.
type Emitter func(turnIndex int, payload bus.Payload)

// Deps are the per-run collaborators the executor drives.
type Deps struct {
	Tools     *Snapshot
	Guardian  *guardian.Guardian
	Approvals *approval.Service
	Breakers  *guard.BreakerSet
	Limiter   *guard.LimiterSet
	Cost      *guard.CostTracker
	Clock     clock.Clock
	Deadlines config.DeadlineSettings
	Flags     config.FlagSnapshot
	Emit      Emitter
	Logger    *slog.Logger
}

// Executor runs one run's tool calls through the gated pipeline.
type Executor struct {
	deps   Deps
	plan   *models.DecisionPlan
	tenant string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Result
}

// NewExecutor creates a per-run executor bound to the plan.
func NewExecutor(deps Deps, plan *models.DecisionPlan, tenant string) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		deps:   deps,
		plan:   plan,
		tenant: tenant,
		logger: logger.With("component", "tools"),
		cache:  make(map[string]*Result),
	}
}

const (
	toolRetryBase = 200 * time.Millisecond
	toolRetryCap  = 2 * time.Second
)

// Invoke runs the full pipeline: permission, schema, guardian, HITL,
// admission, cost preflight, execution, cost recording, and output check.
// A HITL gate surfaces as *ErrApprovalRequired; resume with Resume.
func (e *Executor) Invoke(ctx context.Context, call Call) (*Result, error) {
	tool, input, err := e.admitInput(call)
	if err != nil {
		return nil, err
	}

	// Guardian gate on the input text.
	gd := e.deps.Guardian.CheckInput(string(input))
	escalated := false
	switch gd.Action {
	case guardian.ActionReject:
		return nil, models.NewRunError(models.ErrKindToolInputInvalid,
			"guardian rejected input for %q", call.Name)
	case guardian.ActionAllowRedacted:
		input = json.RawMessage(gd.Text)
	case guardian.ActionEscalate:
		escalated = true
	}

	inputHash := hashBytes(input)
	if cached := e.cached(call, inputHash); cached != nil {
		return cached, nil
	}

	if e.deps.Flags.HITL && (tool.Spec.SafetyLevel == SafetyHITL || escalated) {
		return nil, e.requestApproval(ctx, call, tool, input, inputHash)
	}

	return e.execute(ctx, call, tool, input, inputHash)
}

// Resume re-enters the pipeline at the admission step after a HITL
// decision. Rejection and expiry surface as classified errors.
func (e *Executor) Resume(ctx context.Context, token PauseToken, d approval.Decision) (*Result, error) {
	switch d.Status {
	case models.ApprovalApproved:
	case models.ApprovalExpired:
		return nil, models.NewRunError(models.ErrKindApprovalExpired,
			"approval for tool %q expired", token.Tool)
	default:
		return nil, models.NewRunError(models.ErrKindApprovalRejected,
			"tool %q rejected: %s", token.Tool, d.Reason)
	}

	call := Call{RunID: token.RunID, TurnIndex: token.TurnIndex, Agent: token.Agent,
		Name: token.Tool, Input: token.Input}
	tool, _, err := e.admitInput(call)
	if err != nil {
		return nil, err
	}
	if cached := e.cached(call, token.InputHash); cached != nil {
		return cached, nil
	}
	return e.execute(ctx, call, tool, token.Input, token.InputHash)
}

// admitInput covers pipeline steps 1 and 2: plan permission and schema
// validation.
func (e *Executor) admitInput(call Call) (*Tool, json.RawMessage, error) {
	if !e.plan.AllowsTool(call.Name) {
		return nil, nil, models.NewRunError(models.ErrKindToolNotPermitted,
			"tool %q is not in the plan", call.Name)
	}
	tool, ok := e.deps.Tools.Get(call.Name)
	if !ok {
		return nil, nil, models.NewRunError(models.ErrKindToolNotPermitted,
			"tool %q is not registered", call.Name)
	}
	if err := tool.ValidateInput(call.Input); err != nil {
		return nil, nil, models.WrapError(models.ErrKindToolInputInvalid, err,
			fmt.Sprintf("input for %q failed schema validation", call.Name))
	}
	return tool, call.Input, nil
}

func (e *Executor) requestApproval(ctx context.Context, call Call, tool *Tool, input json.RawMessage, inputHash string) error {
	risk := models.MaxTier(e.plan.RiskTier, models.RiskHigh)
	a, err := e.deps.Approvals.Request(ctx, approval.Request{
		RunID:          call.RunID,
		TurnIndex:      call.TurnIndex,
		RequesterAgent: call.Agent,
		Action:         "tool:" + call.Name,
		Payload:        input,
		Risk:           risk,
	})
	if err != nil {
		return models.WrapError(models.ErrKindInternal, err, "creating approval")
	}
	return &ErrApprovalRequired{
		ApprovalID: a.ID,
		RiskLevel:  risk,
		Token: PauseToken{
			RunID:          call.RunID,
			TurnIndex:      call.TurnIndex,
			Agent:          call.Agent,
			Tool:           call.Name,
			Input:          input,
			InputHash:      inputHash,
			BudgetSnapshot: e.deps.Cost.Totals(),
		},
	}
}

// execute covers steps 5 through 9. The breaker slot is taken last so
// that rate-limit and budget denials never strand a half-open probe.
func (e *Executor) execute(ctx context.Context, call Call, tool *Tool, input json.RawMessage, inputHash string) (*Result, error) {
	if err := e.admitRate(ctx); err != nil {
		return nil, err
	}
	est := tool.Spec.CostEstimate
	if !e.deps.Cost.AllowToolCost(est.Tokens, est.USD) {
		return nil, models.NewRunError(models.ErrKindBudgetExceeded,
			"tool %q estimate (%d tokens, %s) exceeds remaining budget", call.Name, est.Tokens, est.USD)
	}
	breaker := e.deps.Breakers.For("tool:" + call.Name)
	if err := breaker.Allow(); err != nil {
		return nil, models.WrapError(models.ErrKindToolUnavailable, err,
			fmt.Sprintf("tool %q breaker open", call.Name))
	}

	start := e.deps.Clock.Now()
	output, err := e.runWithRetry(ctx, tool, input)
	duration := e.deps.Clock.Now().Sub(start)
	status := "ok"
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation says nothing about the tool's health.
			breaker.Release()
		} else {
			breaker.RecordFailure()
		}
		status = "error"
		e.emitInvoked(call, inputHash, "", duration, status, false)
		return nil, err
	}
	breaker.RecordSuccess()

	thresholds := e.deps.Cost.AddToolCost(call.TurnIndex, call.Agent, call.Name, est.Tokens, est.USD)

	// Output post-check: redact when possible, reject when not.
	redacted := false
	od := e.deps.Guardian.CheckOutput(string(output))
	switch od.Action {
	case guardian.ActionReject:
		e.emitInvoked(call, inputHash, "", duration, "output_rejected", false)
		return nil, models.NewRunError(models.ErrKindToolOutputRejected,
			"output of %q rejected by guardian", call.Name)
	case guardian.ActionAllowRedacted:
		output = json.RawMessage(od.Text)
		redacted = true
	}
	if err := tool.ValidateOutput(output); err != nil {
		e.emitInvoked(call, inputHash, "", duration, "output_rejected", false)
		return nil, models.WrapError(models.ErrKindToolOutputRejected, err,
			fmt.Sprintf("output of %q failed schema validation", call.Name))
	}

	res := &Result{
		Name:       call.Name,
		Output:     output,
		InputHash:  inputHash,
		OutputHash: hashBytes(output),
		DurationMS: duration.Milliseconds(),
		Redacted:   redacted,
		Thresholds: thresholds,
	}
	e.store(call, inputHash, res)
	e.emitInvoked(call, inputHash, res.OutputHash, duration, status, false)
	e.logger.Info("tool invoked",
		"run_id", call.RunID, "tool", call.Name, "turn", call.TurnIndex,
		"duration_ms", res.DurationMS, "redacted", redacted)
	return res, nil
}

// admitRate takes a tool token, sleeping through the configured number
// of jittered retries before giving up on the call.
func (e *Executor) admitRate(ctx context.Context) error {
	bo := e.deps.Limiter.RetrySchedule()
	for attempt := 0; ; attempt++ {
		if e.deps.Limiter.Allow(e.tenant, guard.CategoryTool) {
			return nil
		}
		if attempt >= e.deps.Limiter.Retries() {
			return models.NewRunError(models.ErrKindRateLimited,
				"tool rate limit exceeded for tenant %q", e.tenant)
		}
		if err := e.deps.Clock.Sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// runWithRetry executes under the tool deadline with one retry for
// retryable side-effect classes on transient failures.
func (e *Executor) runWithRetry(ctx context.Context, tool *Tool, input json.RawMessage) (json.RawMessage, error) {
	attempts := 1
	if tool.Spec.SideEffects.Retryable() {
		attempts = 2
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := toolRetryBase << attempt
			if delay > toolRetryCap {
				delay = toolRetryCap
			}
			if err := e.deps.Clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		output, err := e.runOnce(ctx, tool, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if !models.Transient(err) {
			break
		}
	}
	return nil, lastErr
}

func (e *Executor) runOnce(ctx context.Context, tool *Tool, input json.RawMessage) (json.RawMessage, error) {
	toolCtx, cancel := context.WithTimeout(ctx, e.deps.Deadlines.Tool.Std())
	defer cancel()
	output, err := tool.Handler(toolCtx, input)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || toolCtx.Err() == context.DeadlineExceeded {
			return nil, models.WrapError(models.ErrKindToolTimeout, err,
				fmt.Sprintf("tool %q exceeded its deadline", tool.Spec.Name))
		}
		var re *models.RunError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, models.WrapError(models.ErrKindToolUnavailable, err,
			fmt.Sprintf("tool %q failed", tool.Spec.Name))
	}
	return output, nil
}

func (e *Executor) emitInvoked(call Call, inputHash, outputHash string, duration time.Duration, status string, cached bool) {
	if e.deps.Emit == nil {
		return
	}
	e.deps.Emit(call.TurnIndex, bus.ToolInvoked{
		Name:       call.Name,
		InputHash:  inputHash,
		OutputHash: outputHash,
		DurationMS: duration.Milliseconds(),
		Status:     status,
		Cached:     cached,
	})
}

// cached returns the idempotent replay for a repeated (run, turn, tool,
// input) key, re-emitting tool_invoked with the cached flag.
func (e *Executor) cached(call Call, inputHash string) *Result {
	e.mu.Lock()
	res, ok := e.cache[idemKey(call, inputHash)]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	out := *res
	out.Cached = true
	out.Thresholds = nil
	e.emitInvoked(call, inputHash, out.OutputHash, 0, "ok", true)
	return &out
}

func (e *Executor) store(call Call, inputHash string, res *Result) {
	e.mu.Lock()
	e.cache[idemKey(call, inputHash)] = res
	e.mu.Unlock()
}

func idemKey(call Call, inputHash string) string {
	return fmt.Sprintf("%s|%d|%s|%s", call.RunID, call.TurnIndex, call.Name, inputHash)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
