// Package sinks contains event sink implementations for the Hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/events"
)

// LogSink writes each domain event as a structured log line, useful during
// development and anywhere a durable bus is not wired.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.logger.Info("domain event",
			zap.String("type", string(evt.Type)),
			zap.String("crawl_id", evt.CrawlID),
			zap.Time("ts", evt.Timestamp),
			zap.Any("payload", evt.Payload),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }
