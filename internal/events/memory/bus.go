// Package memory contains an in-memory event bus for tests.
package memory

import (
	"context"
	"sync"

	"github.com/tkrajewski/undertow/internal/events"
)

// Bus records published events for inspection.
type Bus struct {
	mu     sync.RWMutex
	events []events.Event
	err    error
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// FailWith makes subsequent publishes return err.
func (b *Bus) FailWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

// Publish records the event.
func (b *Bus) Publish(_ context.Context, evt events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (b *Bus) Events() []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]events.Event, len(b.events))
	copy(out, b.events)
	return out
}

// OfType returns recorded events matching t.
func (b *Bus) OfType(t events.Type) []events.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []events.Event
	for _, evt := range b.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}
