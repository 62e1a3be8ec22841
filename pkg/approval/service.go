package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
	"github.com/codeready-toolchain/quorum/pkg/models"
)

// Decision is what a waiter receives once the approval resolves.
type Decision struct {
	Status    models.ApprovalStatus
	Reason    string
	DeciderID string
}

// Approved reports whether the gated action may proceed.
func (d Decision) Approved() bool { return d.Status == models.ApprovalApproved }

// Request describes the gated action needing a decision.
type Request struct {
	RunID          string
	TurnIndex      int
	RequesterAgent string
	Action         string
	Payload        []byte
	Risk           models.RiskTier
	// TTL overrides the configured default when positive.
	TTL time.Duration
}

// ResolveFunc is invoked after every resolution (human, auto, or expiry)
// so the caller can emit approval_resolved on the run's bus.
type ResolveFunc func(models.Approval)

// Service coordinates approvals over a Store: creation with auto-approve
// rules, blocking waits, decisions, and expiry notification.
type Service struct {
	store     Store
	cfg       config.HITLSettings
	clk       clock.Clock
	onResolve ResolveFunc
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[string][]chan Decision
}

// NewService creates a Service. onResolve may be nil.
func NewService(store Store, cfg config.HITLSettings, clk clock.Clock, onResolve ResolveFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		cfg:       cfg,
		clk:       clk,
		onResolve: onResolve,
		logger:    logger.With("component", "approval"),
		waiters:   make(map[string][]chan Decision),
	}
}

// Request creates a pending approval and applies auto-approve rules.
// Critical risk never auto-approves.
func (s *Service) Request(ctx context.Context, req Request) (*models.Approval, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL.Std()
	}
	now := s.clk.Now()
	a := &models.Approval{
		ID:             uuid.New().String(),
		RunID:          req.RunID,
		TurnIndex:      req.TurnIndex,
		RequesterAgent: req.RequesterAgent,
		Action:         req.Action,
		Payload:        req.Payload,
		RiskLevel:      req.Risk,
		Status:         models.ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating approval: %w", err)
	}
	s.logger.Info("approval requested",
		"approval_id", a.ID, "run_id", a.RunID, "action", a.Action, "risk", a.RiskLevel)

	if s.autoApproves(req) {
		decided, err := s.Decide(ctx, a.ID, models.ApprovalApproved, "auto_approved", "auto")
		if err != nil {
			return nil, err
		}
		return decided, nil
	}
	return a, nil
}

// autoApproves reports whether a configured rule covers the request.
func (s *Service) autoApproves(req Request) bool {
	if req.Risk == models.RiskCritical {
		return false
	}
	for _, rule := range s.cfg.AutoApprove {
		maxRisk := models.RiskTier(rule.MaxRisk)
		if req.Risk.Rank() > maxRisk.Rank() {
			continue
		}
		for _, action := range rule.Actions {
			if action == "*" || action == req.Action {
				return true
			}
		}
	}
	return false
}

// Await blocks until the approval resolves or ctx is done. Approvals that
// already resolved return immediately.
func (s *Service) Await(ctx context.Context, id string) (Decision, error) {
	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()

	// Re-check after registering: a decision between the caller's Get and
	// our registration would otherwise be missed.
	a, err := s.store.Get(ctx, id)
	if err != nil {
		s.dropWaiter(id, ch)
		return Decision{}, err
	}
	if a.Status.Terminal() {
		s.dropWaiter(id, ch)
		return Decision{Status: a.Status, Reason: a.DecisionReason, DeciderID: a.DeciderID}, nil
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		s.dropWaiter(id, ch)
		return Decision{}, ctx.Err()
	}
}

// Decide resolves a pending approval and notifies waiters. Only approved
// and rejected are valid statuses here; expiry goes through ExpireSweep.
func (s *Service) Decide(ctx context.Context, id string, status models.ApprovalStatus, reason, deciderID string) (*models.Approval, error) {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return nil, fmt.Errorf("invalid decision status %q", status)
	}
	a, err := s.store.Decide(ctx, id, status, reason, deciderID, s.clk.Now())
	if err != nil {
		return a, err
	}
	s.logger.Info("approval decided",
		"approval_id", id, "status", status, "decider", deciderID)
	s.resolve(*a)
	return a, nil
}

// Get returns the approval record.
func (s *Service) Get(ctx context.Context, id string) (*models.Approval, error) {
	return s.store.Get(ctx, id)
}

// List returns approvals matching the filter.
func (s *Service) List(ctx context.Context, filter models.ApprovalFilter) ([]*models.Approval, error) {
	return s.store.List(ctx, filter)
}

// ExpireSweep expires pending approvals past their deadline and notifies
// their waiters. Returns how many expired.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireBefore(ctx, s.clk.Now())
	if err != nil {
		return 0, err
	}
	for _, a := range expired {
		s.logger.Info("approval expired", "approval_id", a.ID, "run_id", a.RunID)
		s.resolve(*a)
	}
	return len(expired), nil
}

// resolve delivers the decision to every waiter and fires the resolve
// callback.
func (s *Service) resolve(a models.Approval) {
	d := Decision{Status: a.Status, Reason: a.DecisionReason, DeciderID: a.DeciderID}
	s.mu.Lock()
	chans := s.waiters[a.ID]
	delete(s.waiters, a.ID)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- d
	}
	if s.onResolve != nil {
		s.onResolve(a)
	}
}

func (s *Service) dropWaiter(id string, ch chan Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[id]
	for i, c := range chans {
		if c == ch {
			s.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[id]) == 0 {
		delete(s.waiters, id)
	}
}
