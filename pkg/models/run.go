// Package models contains the shared domain types: requests, messages,
// plans, budgets, approvals, cost ledger entries, and the run error taxonomy.
package models

import (
	"strings"
	"time"
)

// MessageRole represents the role of a message sender.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// agentRolePrefix marks messages authored by a named specialist agent.
const agentRolePrefix = "agent:"

// AgentRole returns the role for a message authored by the named agent.
func AgentRole(name string) MessageRole {
	return MessageRole(agentRolePrefix + name)
}

// AgentName extracts the agent name from an agent role.
// Returns empty string and false for non-agent roles.
func (r MessageRole) AgentName() (string, bool) {
	s := string(r)
	if !strings.HasPrefix(s, agentRolePrefix) {
		return "", false
	}
	return s[len(agentRolePrefix):], true
}

// Message is a single conversation message. Messages are immutable once
// appended to a run.
type Message struct {
	ID        string            `json:"id"`
	Role      MessageRole       `json:"role"`
	Content   string            `json:"content"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Request is the immutable input to a run. RunID is unique per invocation.
type Request struct {
	RunID          string          `json:"run_id"`
	TenantID       string          `json:"tenant_id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	Message        string          `json:"message"`
	History        []Message       `json:"history,omitempty"`
	BudgetHint     *Budget         `json:"budget_hint,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

// RunStatus represents the externally visible state of a run.
type RunStatus string

const (
	RunStatusRunning           RunStatus = "running"
	RunStatusPausedForApproval RunStatus = "paused_for_approval"
	RunStatusCompleted         RunStatus = "completed"
	RunStatusFailed            RunStatus = "failed"
	RunStatusCancelled         RunStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunSummary is the persisted post-completion record of a run.
type RunSummary struct {
	RunID        string       `json:"run_id"`
	TenantID     string       `json:"tenant_id"`
	Plan         DecisionPlan `json:"plan"`
	CostTotals   CostTotals   `json:"cost_totals"`
	Status       RunStatus    `json:"status"`
	CreatedAt    time.Time    `json:"created_at"`
	CompletedAt  time.Time    `json:"completed_at"`
	MessageCount int          `json:"message_count"`
	Summary      string       `json:"summary,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
}
