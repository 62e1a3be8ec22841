// Package runner is the run lifecycle front door: admission against the
// concurrency cap, plan computation over captured snapshots, the run
// goroutine, audit draining, and post-run persistence.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/quorum/pkg/approval"
	"github.com/codeready-toolchain/quorum/pkg/bus"
	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/conflict"
	"github.com/codeready-toolchain/quorum/pkg/decision"
	"github.com/codeready-toolchain/quorum/pkg/groupchat"
	"github.com/codeready-toolchain/quorum/pkg/guard"
	"github.com/codeready-toolchain/quorum/pkg/guardian"
	"github.com/codeready-toolchain/quorum/pkg/llm"
	"github.com/codeready-toolchain/quorum/pkg/models"
	"github.com/codeready-toolchain/quorum/pkg/rag"
	"github.com/codeready-toolchain/quorum/pkg/scratchpad"
	"github.com/codeready-toolchain/quorum/pkg/tools"
	"github.com/codeready-toolchain/quorum/pkg/version"
)

// ErrShutdown is returned for starts after Close.
var ErrShutdown = errors.New("runner is shut down")

// QueueFullError rejects admission beyond the concurrency cap with a
// retry hint.
type QueueFullError struct {
	RetryAfter time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("run queue full, retry after %s", e.RetryAfter)
}

// SummaryStore persists completed run summaries.
type SummaryStore interface {
	SaveRunSummary(ctx context.Context, summary *models.RunSummary) error
}

// Deps are the process-wide collaborators injected at startup.
type Deps struct {
	LLM       llm.Client
	Catalog   *config.AgentCatalog
	Flags     *config.FlagStore
	Tools     *tools.Registry
	Guardian  *guardian.Guardian
	Approvals *approval.Service
	// Retriever may be nil; RAG injection then returns empty results.
	Retriever rag.Retriever
	// Audit receives every run event at least once; nil disables auditing.
	Audit bus.AuditSink
	// Summaries may be nil; summaries are then kept in memory only.
	Summaries SummaryStore
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Service starts, tracks, and cancels runs.
type Service struct {
	cfg  *config.Config
	deps Deps

	engine    *decision.Engine
	breakers  *guard.BreakerSet
	limiter   *guard.LimiterSet
	estimator *guard.Estimator
	pricing   *guard.PricingTable
	ledger    *guard.TenantLedger
	injector  *rag.Injector
	logger    *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
}

type activeRun struct {
	orch   *groupchat.Orchestrator
	bus    *bus.Bus
	cancel context.CancelFunc
}

// NewService wires the process-wide guards and the planning engine.
// Breaker strictness follows the flag value at construction; later flag
// updates apply to new breakers only.
func NewService(cfg *config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewReal()
		deps.Clock = clk
	}
	est := guard.NewEstimator()
	flags := deps.Flags.Snapshot()

	s := &Service{
		cfg:       cfg,
		deps:      deps,
		engine:    decision.NewEngine(cfg.Decision, deps.Guardian),
		breakers:  guard.NewBreakerSet(cfg.Breaker, clk, flags.BreakerStrict),
		limiter:   guard.NewLimiterSet(cfg.RateLimit, clk),
		estimator: est,
		pricing:   guard.NewPricingTable(cfg.Decision.Models),
		ledger:    guard.NewTenantLedger(),
		injector:  rag.NewInjector(deps.Retriever, cfg.RAG, est, clk),
		logger:    logger.With("component", "runner"),
		sem:       make(chan struct{}, cfg.Runner.MaxConcurrentRuns),
		runs:      make(map[string]*activeRun),
	}
	s.logger.Info("runner ready",
		"version", version.Full(),
		"max_concurrent_runs", cfg.Runner.MaxConcurrentRuns)
	return s
}

// Start admits and launches a run. The returned subscription observes the
// run's full event stream starting with decision_made. Admission beyond
// the concurrency cap fails fast with *QueueFullError.
func (s *Service) Start(ctx context.Context, req models.Request) (string, *bus.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", nil, ErrShutdown
	}

	select {
	case s.sem <- struct{}{}:
	default:
		return "", nil, &QueueFullError{RetryAfter: s.cfg.Runner.RetryAfter.Std()}
	}
	release := func() { <-s.sem }

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	runID := req.RunID

	// Snapshot all versioned state; the run never observes later reloads.
	agents := s.deps.Catalog.Snapshot()
	flags := applyFlagOverrides(s.deps.Flags.Snapshot(), req.Flags)
	toolSnap := s.deps.Tools.Snapshot()

	plan, err := s.engine.Plan(&req, req.History, decision.Snapshot{
		Agents: agents,
		Flags:  flags,
		Tools:  toolInfos(toolSnap),
	})
	if err != nil {
		release()
		return "", nil, err
	}
	if err := plan.Validate(agents.NameSet(), toolSnap.NameSet()); err != nil {
		release()
		return "", nil, models.WrapError(models.ErrKindInternal, err, "plan failed validation")
	}

	b := bus.New(runID, s.deps.Clock, s.cfg.Bus.SubscriberBuffer)
	auditDone := s.startAuditDrain(b)
	sub := b.Subscribe()
	b.Publish(0, bus.DecisionMade{Plan: *plan})

	orch := s.buildOrchestrator(plan, req, agents, flags, toolSnap, b)
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		sub.Cancel()
		release()
		return "", nil, ErrShutdown
	}
	s.runs[runID] = &activeRun{orch: orch, bus: b, cancel: cancel}
	s.mu.Unlock()

	s.logger.Info("run admitted",
		"run_id", runID, "tenant", req.TenantID,
		"participants", plan.Participants, "max_turns", plan.MaxTurns,
		"model", plan.Model.Name, "risk", plan.RiskTier)

	s.wg.Add(1)
	go s.execute(runID, orch, runCtx, cancel, release, auditDone)
	return runID, sub, nil
}

// buildOrchestrator assembles the per-run collaborators around the
// captured snapshots.
func (s *Service) buildOrchestrator(plan *models.DecisionPlan, req models.Request, agents *config.AgentSnapshot, flags config.FlagSnapshot, toolSnap *tools.Snapshot, b *bus.Bus) *groupchat.Orchestrator {
	cost := guard.NewCostTracker(plan.Budget, req.TenantID, s.ledger)
	emit := func(turn int, payload bus.Payload) { b.Publish(turn, payload) }

	exec := tools.NewExecutor(tools.Deps{
		Tools:     toolSnap,
		Guardian:  s.deps.Guardian,
		Approvals: s.deps.Approvals,
		Breakers:  s.breakers,
		Limiter:   s.limiter,
		Cost:      cost,
		Clock:     s.deps.Clock,
		Deadlines: s.cfg.Deadlines,
		Flags:     flags,
		Emit:      emit,
		Logger:    s.logger,
	}, plan, req.TenantID)

	return groupchat.New(groupchat.Deps{
		Agents:         agents,
		Flags:          flags,
		Turn:           s.cfg.Turn,
		Selector:       s.cfg.Selector,
		Deadlines:      s.cfg.Deadlines,
		TokenBatchSize: s.cfg.Bus.TokenBatchSize,
		LLM:            s.deps.LLM,
		Tools:          toolSnap,
		Executor:       exec,
		Approvals:      s.deps.Approvals,
		Injector:       s.injector,
		Detector:       conflict.NewDetector(s.cfg.Conflict),
		Pad:            scratchpad.New(s.estimator, s.cfg.Scratchpad.MaxTokens),
		Cost:           cost,
		Breakers:       s.breakers,
		Limiter:        s.limiter,
		Estimator:      s.estimator,
		Pricing:        s.pricing,
		Bus:            b,
		Clock:          s.deps.Clock,
		Logger:         s.logger,
	}, plan, req)
}

func (s *Service) execute(runID string, orch *groupchat.Orchestrator, runCtx context.Context, cancel context.CancelFunc, release func(), auditDone <-chan struct{}) {
	defer s.wg.Done()
	defer release()
	defer cancel()

	summary := orch.Run(runCtx)

	if s.deps.Summaries != nil {
		// Persistence outlives the run context; cancellation must not lose
		// the summary record.
		ctx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.deps.Summaries.SaveRunSummary(ctx, summary); err != nil {
			s.logger.Error("persisting run summary failed", "run_id", runID, "error", err)
		}
		cancelSave()
	}
	if auditDone != nil {
		<-auditDone
	}

	// The injector is shared across runs; drop this run's cached
	// retrievals so the cache stays bounded by the live run set.
	s.injector.ReleaseRun(runID)

	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// startAuditDrain forwards every event to the audit sink with retries.
// The drain subscription uses the same bounded buffer as clients; the
// sink sees at-least-once delivery minus shed low-priority events.
func (s *Service) startAuditDrain(b *bus.Bus) <-chan struct{} {
	if s.deps.Audit == nil {
		return nil
	}
	sink := bus.NewRetrySink(s.deps.Audit, 3)
	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events() {
			if err := sink.Write(context.Background(), ev); err != nil {
				s.logger.Error("audit write failed",
					"run_id", ev.RunID, "seq", ev.Seq, "type", ev.Type, "error", err)
			}
		}
	}()
	return done
}

// Cancel requests cooperative cancellation. Idempotent; false means the
// run is unknown or already finished.
func (s *Service) Cancel(runID string) bool {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	s.logger.Info("run cancellation requested", "run_id", runID)
	return true
}

// Status reports an active run's progress.
func (s *Service) Status(runID string) (groupchat.Status, bool) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return groupchat.Status{}, false
	}
	return run.orch.Status(), true
}

// Subscribe attaches a late subscriber to an active run's stream.
func (s *Service) Subscribe(runID string) (*bus.Subscription, bool) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return run.bus.Subscribe(), true
}

// Active returns the number of in-flight runs.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// TenantTotals exposes the cross-run spend ledger for one tenant.
func (s *Service) TenantTotals(tenant string) models.CostTotals {
	return s.ledger.Totals(tenant)
}

// Close stops admission, cancels active runs, and waits for them up to
// the shutdown grace period.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, run := range s.runs {
		run.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.deps.Clock.After(s.cfg.Runner.ShutdownGrace.Std()):
		return errors.New("shutdown grace period elapsed with runs still active")
	}
}

// applyFlagOverrides layers per-request flag overrides onto the captured
// snapshot. Unknown names are ignored.
func applyFlagOverrides(snap config.FlagSnapshot, overrides map[string]bool) config.FlagSnapshot {
	for name, v := range overrides {
		switch name {
		case "decision_engine":
			snap.DecisionEngine = v
		case "rag":
			snap.RAG = v
		case "conflict_detection":
			snap.ConflictDetection = v
		case "hitl":
			snap.HITL = v
		case "streaming_verbose":
			snap.StreamingVerbose = v
		}
	}
	return snap
}

func toolInfos(snap *tools.Snapshot) []decision.ToolInfo {
	names := snap.Names()
	out := make([]decision.ToolInfo, 0, len(names))
	for _, name := range names {
		t, ok := snap.Get(name)
		if !ok {
			continue
		}
		out = append(out, decision.ToolInfo{
			Name:         name,
			HITLRequired: t.Spec.SafetyLevel == tools.SafetyHITL,
		})
	}
	return out
}
