// Package pubsub adapts Google Cloud Pub/Sub to the event Bus port.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/tkrajewski/undertow/internal/events"
)

// Publisher publishes domain events as JSON messages on one topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New wraps an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Connect dials Pub/Sub and returns a Publisher for the topic, plus a close
// function for the underlying client.
func Connect(ctx context.Context, projectID, topicID string) (*Publisher, func() error, error) {
	if projectID == "" || topicID == "" {
		return nil, nil, fmt.Errorf("pubsub project id and topic id are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	return &Publisher{topic: client.Topic(topicID)}, client.Close, nil
}

// Publish implements events.Bus. The message carries the event type and crawl
// id as attributes so subscribers can filter without decoding the body.
func (p *Publisher) Publish(ctx context.Context, evt events.Event) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": string(evt.Type),
			"crawl_id":   evt.CrawlID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
