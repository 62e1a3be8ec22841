package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AuditSink accepts every run event at least once. Implementations are
// expected to be durable (the event log) or intentionally lossy (NopSink
// in tests).
type AuditSink interface {
	Write(ctx context.Context, ev Event) error
}

// RetrySink wraps a sink with bounded exponential backoff on write
// failures, giving at-least-once delivery over transient errors.
type RetrySink struct {
	sink        AuditSink
	maxInterval time.Duration
	maxRetries  uint64
}

// NewRetrySink wraps the sink with up to maxRetries retried writes.
func NewRetrySink(sink AuditSink, maxRetries uint64) *RetrySink {
	return &RetrySink{sink: sink, maxInterval: 2 * time.Second, maxRetries: maxRetries}
}

// Write implements AuditSink.
func (r *RetrySink) Write(ctx context.Context, ev Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = r.maxInterval
	return backoff.Retry(func() error {
		return r.sink.Write(ctx, ev)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, r.maxRetries), ctx))
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Write(context.Context, Event) error { return nil }

// MemorySink records every event, for tests and in-process inspection.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements AuditSink.
func (m *MemorySink) Write(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of all recorded events.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
