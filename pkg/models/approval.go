package models

import "time"

// ApprovalStatus represents the lifecycle state of a HITL approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status is decided. Decided approvals are
// immutable.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// ExpiredReason is the decision reason recorded when an approval expires.
const ExpiredReason = "expired"

// Approval is a persisted HITL request created when a gated action fires.
type Approval struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	TurnIndex      int            `json:"turn_index"`
	RequesterAgent string         `json:"requester_agent"`
	Action         string         `json:"action"`
	Payload        []byte         `json:"payload,omitempty"`
	RiskLevel      RiskTier       `json:"risk_level"`
	Status         ApprovalStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	DeciderID      string         `json:"decider_id,omitempty"`
}

// ApprovalFilter selects approvals for listing. Zero values match all.
type ApprovalFilter struct {
	RunID  string         `json:"run_id,omitempty"`
	Status ApprovalStatus `json:"status,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}
