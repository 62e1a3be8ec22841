package guard

import (
	"errors"
	"sync"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/clock"
	"github.com/codeready-toolchain/quorum/pkg/config"
)

// ErrBreakerOpen is returned by Allow while a dependency's breaker is
// open (and by a half-open breaker whose probe slot is taken). Callers
// map it to ToolUnavailable or ModelError(unavailable).
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's current admission policy.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker guards one dependency (a model, a tool, or the retriever).
// CLOSED trips to OPEN after N consecutive failures or when the rolling
// error ratio over the outcome window reaches the configured fraction.
// OPEN fails fast until the cooldown elapses, then HALF_OPEN admits a
// single probe: success closes and resets, failure re-opens with an
// exponentially longer cooldown.
type Breaker struct {
	mu  sync.Mutex
	cfg config.BreakerSettings
	clk clock.Clock

	state        BreakerState
	consecutive  int
	window       []bool // rolling outcomes, true = failure
	openedAt     time.Time
	cooldown     time.Duration
	probeInUse   bool
	reopens      int
	failuresTrip int
}

// NewBreaker creates a closed breaker. strict halves the consecutive
// failure threshold (the breaker_strict flag).
func NewBreaker(cfg config.BreakerSettings, clk clock.Clock, strict bool) *Breaker {
	trip := cfg.Failures
	if strict && trip > 1 {
		trip = (trip + 1) / 2
	}
	return &Breaker{
		cfg:          cfg,
		clk:          clk,
		state:        BreakerClosed,
		cooldown:     cfg.OpenCooldown.Std(),
		failuresTrip: trip,
	}
}

// Allow admits or rejects a call. In HALF_OPEN only one probe is admitted
// per cooldown window; the caller must report the outcome via
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probeInUse = false
	}
	if b.state == BreakerHalfOpen {
		if b.probeInUse {
			return ErrBreakerOpen
		}
		b.probeInUse = true
	}
	return nil
}

// Release frees the half-open probe slot without recording an outcome.
// Callers use it when an admitted call is abandoned before it runs, for
// example on cancellation or a rate-limit denial, so the next caller can
// still probe the dependency.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInUse = false
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		// Probe succeeded: full reset.
		b.state = BreakerClosed
		b.consecutive = 0
		b.window = nil
		b.reopens = 0
		b.cooldown = b.cfg.OpenCooldown.Std()
		return
	}
	b.consecutive = 0
	b.record(false)
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.reopen()
		return
	}
	b.consecutive++
	b.record(true)
	if b.consecutive >= b.failuresTrip || b.ratioTripped() {
		b.open()
	}
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clk.Now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) record(failure bool) {
	b.window = append(b.window, failure)
	if len(b.window) > b.cfg.Window {
		b.window = b.window[len(b.window)-b.cfg.Window:]
	}
}

func (b *Breaker) ratioTripped() bool {
	if len(b.window) < b.cfg.MinSamples || b.cfg.ErrorRatio <= 0 {
		return false
	}
	failures := 0
	for _, f := range b.window {
		if f {
			failures++
		}
	}
	return float64(failures)/float64(len(b.window)) >= b.cfg.ErrorRatio
}

func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.clk.Now()
}

// reopen doubles the cooldown up to the configured maximum.
func (b *Breaker) reopen() {
	b.reopens++
	next := b.cfg.OpenCooldown.Std() << b.reopens
	if max := b.cfg.MaxCooldown.Std(); max > 0 && next > max {
		next = max
	}
	b.cooldown = next
	b.open()
}

// BreakerSet manages one breaker per dependency key ("model:<name>",
// "tool:<name>", "retriever").
type BreakerSet struct {
	mu       sync.Mutex
	cfg      config.BreakerSettings
	clk      clock.Clock
	strict   bool
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set; breakers are created lazily.
func NewBreakerSet(cfg config.BreakerSettings, clk clock.Clock, strict bool) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		clk:      clk,
		strict:   strict,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for a dependency key, creating it if needed.
func (s *BreakerSet) For(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.cfg, s.clk, s.strict)
		s.breakers[key] = b
	}
	return b
}
