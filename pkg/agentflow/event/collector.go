package event

import (
	"context"
	"sync"
)

// Collector is a Handler that records every event it receives. It is used
// by tests and by the CLI to replay a run's events.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Handle implements Handler.
func (c *Collector) Handle(_ context.Context, evt Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Types returns the recorded event types in arrival order.
func (c *Collector) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type()
	}
	return out
}

// OfType returns the recorded events with the given type.
func (c *Collector) OfType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for _, e := range c.events {
		if e.Type() == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether an event of the given type was recorded.
func (c *Collector) Has(eventType string) bool {
	return len(c.OfType(eventType)) > 0
}

// Publish records evt synchronously, so a Collector can stand in for a
// Bus where a Publisher is expected.
func (c *Collector) Publish(ctx context.Context, evt Event) error {
	return c.Handle(ctx, evt)
}
