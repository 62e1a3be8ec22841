package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/quorum/pkg/clock"
)

// Sweeper periodically expires stale approvals so paused runs resume
// with a rejection instead of hanging on an abandoned request.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	clk      clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewSweeper creates a sweeper over the service with the given interval.
func NewSweeper(svc *Service, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		clk:      clk,
		logger:   logger.With("component", "approval_sweeper"),
	}
}

// Start launches the background sweep loop. Calling Start twice is a
// no-op until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	s.logger.Info("sweeper started", "interval", s.interval)
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.clk.After(s.interval):
			s.Sweep()
		}
	}
}

// Sweep runs one expiry pass. Exposed so callers can force a pass in
// tests or on demand.
func (s *Sweeper) Sweep() {
	n, err := s.svc.ExpireSweep(context.Background())
	if err != nil {
		s.logger.Error("expire sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("approvals expired", "count", n)
	}
}
