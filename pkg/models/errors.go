package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a run-level failure. Kinds drive orchestrator
// branching: retries, turn-local recovery, or run termination.
type ErrorKind string

const (
	ErrKindPlanInfeasible    ErrorKind = "plan_infeasible"
	ErrKindPlanLowConfidence ErrorKind = "plan_low_confidence"

	ErrKindToolNotPermitted   ErrorKind = "tool_not_permitted"
	ErrKindToolInputInvalid   ErrorKind = "tool_input_invalid"
	ErrKindToolOutputRejected ErrorKind = "tool_output_rejected"
	ErrKindToolTimeout        ErrorKind = "tool_timeout"
	ErrKindToolUnavailable    ErrorKind = "tool_unavailable"

	ErrKindBudgetExceeded   ErrorKind = "budget_exceeded"
	ErrKindRateLimited      ErrorKind = "rate_limited"
	ErrKindApprovalRejected ErrorKind = "approval_rejected"
	ErrKindApprovalExpired  ErrorKind = "approval_expired"

	ErrKindModelError     ErrorKind = "model_error"
	ErrKindRetrieverError ErrorKind = "retriever_error"

	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindDeadlineExceeded ErrorKind = "deadline_exceeded"
	ErrKindInternal         ErrorKind = "internal"
)

// ModelErrorSubtype refines ErrKindModelError.
type ModelErrorSubtype string

const (
	ModelErrTransient   ModelErrorSubtype = "transient"
	ModelErrAuth        ModelErrorSubtype = "auth"
	ModelErrPolicy      ModelErrorSubtype = "policy"
	ModelErrUnavailable ModelErrorSubtype = "unavailable"
)

// RunError carries a classified error through the orchestration layers.
type RunError struct {
	Kind    ErrorKind
	Subtype ModelErrorSubtype
	Detail  string
	Err     error
}

func (e *RunError) Error() string {
	msg := string(e.Kind)
	if e.Subtype != "" {
		msg += "(" + string(e.Subtype) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError creates a classified error with a formatted detail message.
func NewRunError(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, detail string) *RunError {
	return &RunError{Kind: kind, Detail: detail, Err: err}
}

// NewModelError creates a model error with the given subtype.
func NewModelError(subtype ModelErrorSubtype, err error, detail string) *RunError {
	return &RunError{Kind: ErrKindModelError, Subtype: subtype, Detail: detail, Err: err}
}

// KindOf extracts the error kind. Context errors classify to Cancelled and
// DeadlineExceeded; unclassified errors are Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindDeadlineExceeded
	}
	return ErrKindInternal
}

// IsKind reports whether the error classifies to the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// ModelSubtypeOf returns the model error subtype, or empty when the error
// is not a model error.
func ModelSubtypeOf(err error) ModelErrorSubtype {
	var re *RunError
	if errors.As(err, &re) && re.Kind == ErrKindModelError {
		return re.Subtype
	}
	return ""
}

// Transient reports whether the error may succeed on retry. Policy and
// auth failures, permission and validation failures, and terminal run
// states are never transient.
func Transient(err error) bool {
	switch KindOf(err) {
	case ErrKindModelError:
		return ModelSubtypeOf(err) == ModelErrTransient
	case ErrKindRetrieverError, ErrKindToolTimeout, ErrKindRateLimited:
		return true
	}
	return false
}
