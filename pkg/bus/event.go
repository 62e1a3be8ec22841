// Package bus provides the per-run typed event stream: a single-writer,
// multi-subscriber channel with strictly increasing sequence numbers,
// bounded subscriber buffers, and priority-based shedding under
// backpressure.
package bus

import (
	"time"

	"github.com/codeready-toolchain/quorum/pkg/models"
)

// EventType identifies the kind of an event.
type EventType string

const (
	EventTypeDecisionMade      EventType = "decision_made"
	EventTypeSpeakerSelected   EventType = "speaker_selected"
	EventTypeRAGInjected       EventType = "rag_injected"
	EventTypeTokenDelta        EventType = "token_delta"
	EventTypeToolInvoked       EventType = "tool_invoked"
	EventTypeConflictDetected  EventType = "conflict_detected"
	EventTypeApprovalRequested EventType = "approval_requested"
	EventTypeApprovalResolved  EventType = "approval_resolved"
	EventTypeBudgetEvent       EventType = "budget_event"
	EventTypeMessageAppended   EventType = "message_appended"
	EventTypeBackpressureDrop  EventType = "backpressure_drop"
	EventTypeRunCompleted      EventType = "run_completed"
	EventTypeRunFailed         EventType = "run_failed"
)

// Terminal reports whether the event type ends a run's stream.
func (t EventType) Terminal() bool {
	return t == EventTypeRunCompleted || t == EventTypeRunFailed
}

// droppable event types are shed first when a subscriber's buffer is full.
// Decisions, approvals, and terminal events are never dropped.
func (t EventType) droppable() bool {
	return t == EventTypeTokenDelta || t == EventTypeRAGInjected
}

// Payload is implemented by every event payload struct.
type Payload interface {
	EventType() EventType
}

// Event is one entry in a run's event stream. Seq is strictly increasing
// within the run and assigned by the bus at publish time.
type Event struct {
	RunID     string    `json:"run_id"`
	TurnIndex int       `json:"turn_index"`
	Seq       int64     `json:"seq"`
	Time      time.Time `json:"time"`
	Type      EventType `json:"type"`
	Payload   Payload   `json:"payload"`
}

// DecisionMade is emitted exactly once, before any speaker_selected.
type DecisionMade struct {
	Plan models.DecisionPlan `json:"plan"`
}

// SpeakerSelected is emitted once per turn before any other turn event.
type SpeakerSelected struct {
	Agent string `json:"agent"`
	// Breakdown holds the per-factor scores that selected the agent.
	Breakdown map[string]float64 `json:"breakdown"`
	Total     float64            `json:"total"`
}

// RAGChunk describes one injected retrieval result.
type RAGChunk struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	Hash   string  `json:"hash"`
}

// RAGInjected reports the per-turn retrieval injection outcome. Error is
// set when retrieval failed; the turn proceeds without context.
type RAGInjected struct {
	Chunks    []RAGChunk `json:"chunks,omitempty"`
	CacheHit  bool       `json:"cache_hit"`
	LatencyMS int64      `json:"latency_ms"`
	Error     string     `json:"error,omitempty"`
}

// TokenDelta reports model usage, batched per a configured chunk count.
// Delta carries the streamed text of the batch for live rendering.
type TokenDelta struct {
	Agent     string       `json:"agent"`
	Delta     string       `json:"delta,omitempty"`
	TokensIn  int          `json:"tokens_in"`
	TokensOut int          `json:"tokens_out"`
	USD       models.Money `json:"usd"`
}

// ToolInvoked reports one tool call through the executor pipeline.
type ToolInvoked struct {
	Name       string `json:"name"`
	InputHash  string `json:"input_hash"`
	OutputHash string `json:"output_hash,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Status     string `json:"status"`
	Cached     bool   `json:"cached,omitempty"`
}

// ConflictDetected reports a contradiction between two agents' claims.
type ConflictDetected struct {
	Agents  [2]string `json:"agents"`
	Kind    string    `json:"kind"`
	Excerpt string    `json:"excerpt"`
}

// ApprovalRequested is emitted when a run pauses for a HITL decision.
type ApprovalRequested struct {
	ApprovalID string          `json:"approval_id"`
	Action     string          `json:"action"`
	RiskLevel  models.RiskTier `json:"risk_level"`
}

// ApprovalResolved is emitted for every approval decision, including
// expiry sweeps and auto-approvals.
type ApprovalResolved struct {
	ApprovalID string                `json:"approval_id"`
	Outcome    models.ApprovalStatus `json:"outcome"`
	Reason     string                `json:"reason,omitempty"`
}

// BudgetEventKind names a crossed budget threshold.
type BudgetEventKind string

const (
	BudgetWarn    BudgetEventKind = "warn"     // 70% of budget
	BudgetHitSoft BudgetEventKind = "hit_soft" // 90% of budget
	BudgetHitHard BudgetEventKind = "hit_hard" // 100%: no further model or non-free tool calls
)

// BudgetEvent reports a threshold crossing, emitted exactly once per
// threshold per run.
type BudgetEvent struct {
	Kind   BudgetEventKind   `json:"kind"`
	Totals models.CostTotals `json:"totals"`
}

// MessageAppended reports a message committed to the run transcript.
type MessageAppended struct {
	Message models.Message `json:"message"`
}

// BackpressureDrop tells a slow subscriber how many low-priority events
// were shed from its buffer since the last delivery.
type BackpressureDrop struct {
	Dropped int `json:"dropped"`
}

// RunCompleted is the last event of a successful (or cancelled) run.
type RunCompleted struct {
	Summary   string            `json:"summary"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Turns     int               `json:"turns"`
	Totals    models.CostTotals `json:"totals"`
	Warnings  []string          `json:"warnings,omitempty"`
}

// RunFailed is the last event of a failed run.
type RunFailed struct {
	ErrorKind      models.ErrorKind `json:"error_kind"`
	Detail         string           `json:"detail,omitempty"`
	PartialSummary string           `json:"partial_summary,omitempty"`
}

func (DecisionMade) EventType() EventType      { return EventTypeDecisionMade }
func (SpeakerSelected) EventType() EventType   { return EventTypeSpeakerSelected }
func (RAGInjected) EventType() EventType       { return EventTypeRAGInjected }
func (TokenDelta) EventType() EventType        { return EventTypeTokenDelta }
func (ToolInvoked) EventType() EventType       { return EventTypeToolInvoked }
func (ConflictDetected) EventType() EventType  { return EventTypeConflictDetected }
func (ApprovalRequested) EventType() EventType { return EventTypeApprovalRequested }
func (ApprovalResolved) EventType() EventType  { return EventTypeApprovalResolved }
func (BudgetEvent) EventType() EventType       { return EventTypeBudgetEvent }
func (MessageAppended) EventType() EventType   { return EventTypeMessageAppended }
func (BackpressureDrop) EventType() EventType  { return EventTypeBackpressureDrop }
func (RunCompleted) EventType() EventType      { return EventTypeRunCompleted }
func (RunFailed) EventType() EventType         { return EventTypeRunFailed }
