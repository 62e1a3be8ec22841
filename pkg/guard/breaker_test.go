package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
)

func breakerSettings() config.BreakerSettings {
	return config.BreakerSettings{
		Failures:     3,
		Window:       10,
		ErrorRatio:   0.5,
		MinSamples:   6,
		OpenCooldown: config.Duration(30 * time.Second),
		MaxCooldown:  config.Duration(10 * time.Minute),
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, BreakerOpen, b.State())

	clk.Advance(31 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// First probe admitted, second rejected within the same window.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerReleaseFreesProbeSlot(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)

	// The admitted probe is abandoned before the call runs; without a
	// release the breaker would reject every caller until restart.
	require.NoError(t, b.Allow())
	require.ErrorIs(t, b.Allow(), ErrBreakerOpen)
	b.Release()

	assert.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReleaseWhileClosedIsNoop(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	b.Release()
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerReopenDoublesCooldown(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(31 * time.Second)
	require.NoError(t, b.Allow()) // probe
	b.RecordFailure()             // probe fails: re-open with 60s cooldown

	clk.Advance(31 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "first cooldown no longer sufficient")

	clk.Advance(30 * time.Second)
	assert.NoError(t, b.Allow(), "doubled cooldown elapsed")
}

func TestBreakerErrorRatioTrip(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, false)

	// Alternate success/failure: never 3 consecutive, but 50% over 6+ samples.
	for i := 0; i < 3; i++ {
		b.RecordSuccess()
		b.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerStrictHalvesThreshold(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	b := NewBreaker(breakerSettings(), clk, true)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerSetLazyPerKey(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	set := NewBreakerSet(breakerSettings(), clk, false)

	model := set.For("model:std-large")
	tool := set.For("tool:search")
	assert.NotSame(t, model, tool)
	assert.Same(t, model, set.For("model:std-large"))

	for i := 0; i < 3; i++ {
		model.RecordFailure()
	}
	assert.Equal(t, BreakerOpen, model.State())
	assert.Equal(t, BreakerClosed, tool.State(), "breakers are independent per dependency")
}
