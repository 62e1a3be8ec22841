// Package approval implements the human-in-the-loop gate: a persisted
// approval record per gated action, blocking waits for the decision, and
// a sweeper that expires stale requests.
package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

var (
	// ErrNotFound is returned when no approval exists for the id.
	ErrNotFound = errors.New("approval not found")
	// ErrAlreadyDecided is returned by Decide when the approval left
	// pending earlier. Decisions are terminal; the stable record is
	// returned alongside.
	ErrAlreadyDecided = errors.New("approval already decided")
)

// Store persists approvals. Implementations must make Decide a
// compare-and-swap on the pending status.
type Store interface {
	Create(ctx context.Context, a *models.Approval) error
	Get(ctx context.Context, id string) (*models.Approval, error)
	// Decide moves a pending approval to a terminal status. When the
	// approval is already terminal it returns the stored record and
	// ErrAlreadyDecided.
	Decide(ctx context.Context, id string, status models.ApprovalStatus, reason, deciderID string, at time.Time) (*models.Approval, error)
	List(ctx context.Context, filter models.ApprovalFilter) ([]*models.Approval, error)
	// ExpireBefore marks pending approvals whose deadline passed as
	// expired and returns them.
	ExpireBefore(ctx context.Context, now time.Time) ([]*models.Approval, error)
}

// MemoryStore is the in-process Store used in tests and single-node
// deployments. Secondary indexes back List without full scans.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*models.Approval
	byRun    map[string]map[string]bool
	byStatus map[models.ApprovalStatus]map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*models.Approval),
		byRun:    make(map[string]map[string]bool),
		byStatus: make(map[models.ApprovalStatus]map[string]bool),
	}
}

func (s *MemoryStore) Create(_ context.Context, a *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[a.ID]; exists {
		return errors.New("approval id already exists")
	}
	stored := *a
	s.byID[a.ID] = &stored
	s.index(s.byRun, a.RunID, a.ID)
	s.indexStatus(a.Status, a.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) Decide(_ context.Context, id string, status models.ApprovalStatus, reason, deciderID string, at time.Time) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status.Terminal() {
		out := *a
		return &out, ErrAlreadyDecided
	}
	delete(s.byStatus[a.Status], id)
	a.Status = status
	a.DecisionReason = reason
	a.DeciderID = deciderID
	decidedAt := at
	a.DecidedAt = &decidedAt
	s.indexStatus(status, id)
	out := *a
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, filter models.ApprovalFilter) ([]*models.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]bool
	switch {
	case filter.RunID != "":
		ids = s.byRun[filter.RunID]
	case filter.Status != "":
		ids = s.byStatus[filter.Status]
	default:
		ids = make(map[string]bool, len(s.byID))
		for id := range s.byID {
			ids[id] = true
		}
	}

	out := make([]*models.Approval, 0, len(ids))
	for id := range ids {
		a := s.byID[id]
		if filter.RunID != "" && a.RunID != filter.RunID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ExpireBefore(_ context.Context, now time.Time) ([]*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*models.Approval
	for id := range s.byStatus[models.ApprovalPending] {
		a := s.byID[id]
		if a.ExpiresAt.After(now) {
			continue
		}
		delete(s.byStatus[models.ApprovalPending], id)
		a.Status = models.ApprovalExpired
		a.DecisionReason = models.ExpiredReason
		decidedAt := now
		a.DecidedAt = &decidedAt
		s.indexStatus(models.ApprovalExpired, id)
		copied := *a
		expired = append(expired, &copied)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired, nil
}

func (s *MemoryStore) index(m map[string]map[string]bool, key, id string) {
	if m[key] == nil {
		m[key] = make(map[string]bool)
	}
	m[key][id] = true
}

func (s *MemoryStore) indexStatus(status models.ApprovalStatus, id string) {
	if s.byStatus[status] == nil {
		s.byStatus[status] = make(map[string]bool)
	}
	s.byStatus[status][id] = true
}
