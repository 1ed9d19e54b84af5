package events

import "context"

// Bus is the port the core publishes through. Delivery guarantees are the
// adapter's concern; a publish failure is never fatal to a crawl.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
}

// Sink consumes batches of events flushed by the Hub. Implementations must be
// safe for repeated calls, honor ctx deadlines, and may be invoked
// concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// NopBus discards every event.
type NopBus struct{}

// Publish implements Bus.
func (NopBus) Publish(context.Context, Event) error { return nil }
