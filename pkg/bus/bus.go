package bus

import (
	"log/slog"
	"sync"

	"github.com/codeready-toolchain/quorum/pkg/clock"
)

// Bus is the per-run event stream. A single writer (the orchestrator and
// the tasks it serializes) publishes; any number of subscribers read.
// Seq assignment happens under the bus lock, so events are totally
// ordered within the run. The run never blocks on subscriber health:
// delivery is per-subscriber, buffered, and droppable events are shed
// when a subscriber falls behind.
type Bus struct {
	runID string
	clk   clock.Clock

	mu     sync.Mutex
	seq    int64
	subs   []*Subscription
	closed bool

	buffer int
}

// New creates a bus for one run. buffer is the per-subscriber bounded
// queue size.
func New(runID string, clk clock.Clock, buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{runID: runID, clk: clk, buffer: buffer}
}

// Publish assigns the next sequence number and fans the event out to all
// subscribers. Publishing after a terminal event is a bug in the caller;
// it is logged and ignored.
func (b *Bus) Publish(turnIndex int, payload Payload) Event {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		slog.Warn("event published after run stream closed",
			"run_id", b.runID, "type", payload.EventType())
		return Event{}
	}
	b.seq++
	ev := Event{
		RunID:     b.runID,
		TurnIndex: turnIndex,
		Seq:       b.seq,
		Time:      b.clk.Now(),
		Type:      payload.EventType(),
		Payload:   payload,
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	terminal := ev.Type.Terminal()
	if terminal {
		b.closed = true
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.offer(ev)
	}
	if terminal {
		for _, s := range subs {
			s.finish()
		}
	}
	return ev
}

// Subscribe registers a new subscriber. Subscribing after the terminal
// event returns an already-closed subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSubscription(b.buffer)
	if b.closed {
		s.finish()
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close ends the stream without a terminal event. Normal runs close via
// publishing run_completed or run_failed; Close covers abnormal teardown.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

// Subscription is one subscriber's bounded view of a run's event stream.
// Events arrive on Events() in seq order. When the subscriber cannot keep
// up, droppable events (token_delta, rag_injected) are shed oldest-first
// and a backpressure_drop event reports the shed count; decisions,
// approvals, and terminal events are never dropped.
type Subscription struct {
	out  chan Event
	done chan struct{}

	mu         sync.Mutex
	cond       *sync.Cond
	pending    []Event
	maxPending int
	dropped    int
	dropSeq    int64
	closed     bool
	cancelled  bool
}

func newSubscription(buffer int) *Subscription {
	s := &Subscription{
		out:        make(chan Event, buffer),
		done:       make(chan struct{}),
		maxPending: buffer,
	}
	s.cond = sync.NewCond(&s.mu)
	go s.deliver()
	return s
}

// Events returns the subscriber-facing channel. It is closed after the
// terminal event (or bus teardown) once all pending events are delivered.
func (s *Subscription) Events() <-chan Event { return s.out }

// Dropped returns how many events have been shed from this subscription.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscriber. Pending events are discarded and the
// Events channel is closed. Safe to call multiple times.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.pending = nil
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// offer queues an event for delivery. Called by the bus fan-out.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.cancelled {
		return
	}

	// A previous overflow shed events; surface the drop notice before the
	// next event. The notice reuses the last shed event's seq, which keeps
	// this subscriber's view strictly increasing.
	if s.dropSeq > 0 {
		notice := Event{
			RunID: ev.RunID,
			Seq:   s.dropSeq,
			Time:  ev.Time,
			Type:  EventTypeBackpressureDrop,
			Payload: BackpressureDrop{
				Dropped: s.dropped,
			},
		}
		s.dropSeq = 0
		s.pending = append(s.pending, notice)
	}

	if len(s.pending) >= s.maxPending {
		if ev.Type.droppable() {
			s.dropped++
			s.dropSeq = ev.Seq
			return
		}
		// Make room by shedding the oldest droppable pending event. The
		// notice takes the shed event's place so the subscriber's seq view
		// stays strictly increasing. If none is droppable the queue grows
		// past the bound: non-droppable events are rare and the run is
		// finite.
		for i, p := range s.pending {
			if p.Type.droppable() {
				s.dropped++
				s.pending[i] = Event{
					RunID: p.RunID,
					Seq:   p.Seq,
					Time:  p.Time,
					Type:  EventTypeBackpressureDrop,
					Payload: BackpressureDrop{
						Dropped: s.dropped,
					},
				}
				break
			}
		}
	}
	s.pending = append(s.pending, ev)
	s.cond.Signal()
}

// finish marks the stream complete; the delivery goroutine closes out
// after draining.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// deliver moves events from the pending queue to the consumer channel.
// The blocking send stalls only this subscriber; Cancel unblocks it.
func (s *Subscription) deliver() {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed && !s.cancelled {
			s.cond.Wait()
		}
		if s.cancelled {
			s.mu.Unlock()
			close(s.out)
			return
		}
		if len(s.pending) == 0 {
			// closed and drained
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
