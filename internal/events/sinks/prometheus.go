package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkrajewski/undertow/internal/events"
)

// PrometheusSink counts domain events by type so operators can alert on
// failure rates and breaker trips without scraping logs.
type PrometheusSink struct {
	eventsTotal *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "undertow_domain_events_total",
			Help: "Domain events partitioned by type.",
		}, []string{"type"}),
	}
	if err := reg.Register(s.eventsTotal); err != nil {
		return nil, fmt.Errorf("register event collector: %w", err)
	}
	return s, nil
}

// Consume updates the counters from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error { return nil }
