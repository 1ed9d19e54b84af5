package sinks

import (
	"context"
	"errors"

	"github.com/tkrajewski/undertow/internal/events"
)

// BusSink republishes each flushed event on a Bus, letting bus-shaped
// adapters (Pub/Sub, test recorders) hang off the Hub's batching.
type BusSink struct {
	bus events.Bus
}

// NewBusSink wraps a Bus as a Sink.
func NewBusSink(bus events.Bus) *BusSink {
	return &BusSink{bus: bus}
}

// Consume publishes every event in the batch, collecting failures so one bad
// event does not drop the rest.
func (s *BusSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if err := s.bus.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *BusSink) Close(context.Context) error { return nil }
