package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tkrajewski/undertow/internal/events"
	"github.com/tkrajewski/undertow/internal/events/memory"
	"github.com/tkrajewski/undertow/internal/metrics"
)

func batch(types ...events.Type) []events.Event {
	out := make([]events.Event, 0, len(types))
	for _, typ := range types {
		out = append(out, events.Event{
			Type:      typ,
			CrawlID:   "crawl-1",
			Timestamp: time.Now(),
		})
	}
	return out
}

func TestBusSinkForwardsEveryEvent(t *testing.T) {
	t.Parallel()

	bus := memory.New()
	sink := NewBusSink(bus)

	require.NoError(t, sink.Consume(context.Background(),
		batch(events.TypeCrawlStarted, events.TypePageFetched, events.TypeCrawlCompleted)))
	require.Len(t, bus.Events(), 3)
	require.NoError(t, sink.Close(context.Background()))
}

func TestBusSinkCollectsPublishFailures(t *testing.T) {
	t.Parallel()

	bus := memory.New()
	bus.FailWith(errors.New("broker down"))
	sink := NewBusSink(bus)

	err := sink.Consume(context.Background(), batch(events.TypeCrawlStarted, events.TypeCrawlCompleted))
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
}

func TestPrometheusSinkCountsByType(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(),
		batch(events.TypePageFetched, events.TypePageFetched, events.TypeCrawlFailed)))

	got := testutil.ToFloat64(sink.eventsTotal.WithLabelValues(string(events.TypePageFetched)))
	require.Equal(t, 2.0, got)
	got = testutil.ToFloat64(sink.eventsTotal.WithLabelValues(string(events.TypeCrawlFailed)))
	require.Equal(t, 1.0, got)
}

func TestLogSinkConsumesWithoutError(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), batch(events.TypeCrawlStarted)))
	require.NoError(t, sink.Close(context.Background()))
}

func TestMetricsSinkProjectsPayloads(t *testing.T) {
	metrics.Init()
	sink := NewMetricsSink()

	evts := []events.Event{
		{
			Type:      events.TypePageFetched,
			CrawlID:   "crawl-1",
			Timestamp: time.Now(),
			Payload: map[string]any{
				"url":    "https://sink-test.example/page",
				"status": 200,
				"bytes":  1024,
			},
		},
		{
			Type:      events.TypeExtractionDone,
			CrawlID:   "crawl-1",
			Timestamp: time.Now(),
			Payload:   map[string]any{"strategy": "sink-test-css"},
		},
		{
			Type:      events.TypeExtractionFailed,
			CrawlID:   "crawl-1",
			Timestamp: time.Now(),
			Payload:   map[string]any{"strategy": "sink-test-css"},
		},
	}
	require.NoError(t, sink.Consume(context.Background(), evts))
	require.NoError(t, sink.Close(context.Background()))
}
