package sinks

import (
	"context"
	"strconv"

	"github.com/tkrajewski/undertow/internal/events"
	"github.com/tkrajewski/undertow/internal/metrics"
)

// MetricsSink projects fetch and extraction events onto the labeled
// Prometheus collectors. Unlike PrometheusSink's per-type counts, this sink
// reads the event payloads to break counters down by host and strategy.
type MetricsSink struct{}

// NewMetricsSink returns a MetricsSink. Call metrics.Init before consuming.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Consume updates the collectors from the batch.
func (MetricsSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Type {
		case events.TypePageFetched:
			metrics.ObserveFetch(
				payloadString(evt, "url"),
				strconv.Itoa(payloadInt(evt, "status")),
				payloadInt(evt, "bytes"),
			)
		case events.TypePageFailed:
			metrics.ObserveFetch(payloadString(evt, "url"), "error", 0)
		case events.TypeExtractionDone:
			metrics.ObserveExtraction(payloadString(evt, "strategy"), "ok")
		case events.TypeExtractionFailed:
			metrics.ObserveExtraction(payloadString(evt, "strategy"), "failed")
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (MetricsSink) Close(context.Context) error { return nil }

func payloadString(evt events.Event, key string) string {
	if v, ok := evt.Payload[key].(string); ok {
		return v
	}
	return "unknown"
}

func payloadInt(evt events.Event, key string) int {
	switch v := evt.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
