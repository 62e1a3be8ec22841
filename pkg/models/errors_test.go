package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := NewRunError(ErrKindToolNotPermitted, "tool %q not in plan", "db_query")
		assert.Equal(t, ErrKindToolNotPermitted, KindOf(err))
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		inner := NewRunError(ErrKindBudgetExceeded, "would exceed max_usd")
		err := fmt.Errorf("turn 3: %w", inner)
		assert.Equal(t, ErrKindBudgetExceeded, KindOf(err))
		assert.True(t, IsKind(err, ErrKindBudgetExceeded))
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Equal(t, ErrKindCancelled, KindOf(ctx.Err()))
	})

	t.Run("context deadline", func(t *testing.T) {
		assert.Equal(t, ErrKindDeadlineExceeded, KindOf(context.DeadlineExceeded))
	})

	t.Run("unclassified is internal", func(t *testing.T) {
		assert.Equal(t, ErrKindInternal, KindOf(errors.New("boom")))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, ErrorKind(""), KindOf(nil))
	})
}

func TestModelErrorSubtype(t *testing.T) {
	err := NewModelError(ModelErrPolicy, nil, "content policy refusal")
	require.Equal(t, ErrKindModelError, KindOf(err))
	assert.Equal(t, ModelErrPolicy, ModelSubtypeOf(err))
	assert.Equal(t, "model_error(policy): content policy refusal", err.Error())
	assert.Equal(t, ModelErrorSubtype(""), ModelSubtypeOf(errors.New("plain")))
}

func TestTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"model transient", NewModelError(ModelErrTransient, nil, ""), true},
		{"model policy", NewModelError(ModelErrPolicy, nil, ""), false},
		{"model unavailable fails fast", NewModelError(ModelErrUnavailable, nil, ""), false},
		{"retriever", NewRunError(ErrKindRetrieverError, "upstream 502"), true},
		{"tool timeout", NewRunError(ErrKindToolTimeout, ""), true},
		{"rate limited", NewRunError(ErrKindRateLimited, ""), true},
		{"tool not permitted", NewRunError(ErrKindToolNotPermitted, ""), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Transient(tc.err))
		})
	}
}

func TestRunErrorUnwrap(t *testing.T) {
	inner := errors.New("connection reset")
	err := WrapError(ErrKindToolUnavailable, inner, "breaker probe")
	assert.True(t, errors.Is(err, inner))
	assert.Contains(t, err.Error(), "connection reset")
}
