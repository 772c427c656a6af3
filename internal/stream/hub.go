// Package stream fans execution progress events out to live subscribers.
//
// Each execution has at most one subscriber. Events are queued per
// subscriber in a bounded buffer; a full buffer drops progress events but
// never the terminal event, which is always delivered last before the
// subscription channel is closed. There is no replay: subscribers only see
// events published after they subscribed.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"boardgen/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// DefaultBuffer is the per-subscriber queue size.
const DefaultBuffer = 64

// Hub routes events to the current subscriber of each execution.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*Subscription
	buffer int
	logger *slog.Logger

	dropped metric.Int64Counter
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	dropped, _ := otel.Meter("boardgen/stream").Int64Counter(
		"boardgen.stream.dropped_events",
		metric.WithDescription("Progress events dropped because a subscriber was slow"),
	)
	return &Hub{
		subs:    make(map[uuid.UUID]*Subscription),
		buffer:  buffer,
		logger:  logger,
		dropped: dropped,
	}
}

// Subscription is one live consumer of an execution's events.
type Subscription struct {
	hub         *Hub
	executionID uuid.UUID

	queue chan api.Event
	final chan api.Event
	out   chan api.Event
	done  chan struct{}

	// guarded by hub.mu
	finished bool
	closed   bool
}

// Subscribe registers a new subscriber for an execution. An existing
// subscriber of the same execution is closed and replaced.
func (h *Hub) Subscribe(executionID uuid.UUID) *Subscription {
	sub := &Subscription{
		hub:         h,
		executionID: executionID,
		queue:       make(chan api.Event, h.buffer),
		final:       make(chan api.Event, 1),
		out:         make(chan api.Event),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.subs[executionID]; ok {
		old.closeLocked()
		h.logger.Debug("replaced stream subscriber", "execution_id", executionID)
	}
	h.subs[executionID] = sub
	h.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish delivers ev to the current subscriber of its execution, if any.
// A terminal event detaches the subscriber so later events go nowhere.
func (h *Hub) Publish(ctx context.Context, ev api.Event) {
	id, err := uuid.Parse(ev.ExecutionID)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	if ev.Type.IsTerminal() {
		delete(h.subs, id)
		sub.finishLocked(ev)
		return
	}
	select {
	case sub.queue <- ev:
	default:
		h.dropped.Add(ctx, 1)
	}
}

// Disconnect closes the current subscriber of an execution without a
// terminal event. It is used when the execution moved to another process.
func (h *Hub) Disconnect(executionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[executionID]; ok {
		delete(h.subs, executionID)
		sub.closeLocked()
	}
}

// HasSubscriber reports whether an execution currently has a subscriber.
func (h *Hub) HasSubscriber(executionID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[executionID]
	return ok
}

// Events returns the channel of delivered events. It is closed after the
// terminal event, or when the subscription is closed or replaced.
func (s *Subscription) Events() <-chan api.Event {
	return s.out
}

// Finish delivers a terminal event to this subscriber only, unless it
// already received one. It is used for executions that ended before the
// subscriber attached.
func (s *Subscription) Finish(ev api.Event) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if cur, ok := s.hub.subs[s.executionID]; ok && cur == s {
		delete(s.hub.subs, s.executionID)
	}
	s.finishLocked(ev)
}

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if cur, ok := s.hub.subs[s.executionID]; ok && cur == s {
		delete(s.hub.subs, s.executionID)
	}
	s.closeLocked()
}

func (s *Subscription) finishLocked(ev api.Event) {
	if s.finished || s.closed {
		return
	}
	s.finished = true
	s.final <- ev
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case ev := <-s.queue:
			if !s.send(ev) {
				return
			}
		case ev := <-s.final:
			// Flush what was queued before the terminal event.
		drain:
			for {
				select {
				case queued := <-s.queue:
					if !s.send(queued) {
						return
					}
				default:
					break drain
				}
			}
			s.send(ev)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) send(ev api.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	}
}
