package events

import (
	"context"
	"sync/atomic"

	"github.com/kdlbs/taskbroker/internal/events/bus"
)

// Sink wraps a bus.EventBus and stamps a strictly-increasing Seq on every
// event it publishes, process-lifetime only (§5 "Ordering"). A bus
// implementation never sets Seq itself — Sink is the only writer.
type Sink struct {
	bus bus.EventBus
	seq int64
}

// NewSink wraps b in a Sink.
func NewSink(b bus.EventBus) *Sink {
	return &Sink{bus: b}
}

// Publish stamps event.Seq and forwards to the underlying bus.
func (s *Sink) Publish(ctx context.Context, subject string, event *bus.Event) error {
	event.Seq = atomic.AddInt64(&s.seq, 1)
	return s.bus.Publish(ctx, subject, event)
}

// Subscribe proxies straight through to the underlying bus.
func (s *Sink) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return s.bus.Subscribe(subject, handler)
}

// QueueSubscribe proxies straight through to the underlying bus.
func (s *Sink) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return s.bus.QueueSubscribe(subject, queue, handler)
}

// Close releases the underlying bus connection.
func (s *Sink) Close() {
	s.bus.Close()
}

// Emit is a convenience wrapper building and publishing an event in one
// call, the shape every engine component uses to report a lifecycle
// transition.
func (s *Sink) Emit(ctx context.Context, subject, source string, data map[string]interface{}) error {
	return s.Publish(ctx, subject, bus.NewEvent(subject, source, data))
}
