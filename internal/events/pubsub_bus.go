package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, at-least-once export to downstream
// consumers. The subject (user id) is the ordering key, so one user's events
// arrive in causal order.
type PubSubBus struct {
	*Bus

	log    *slog.Logger
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to Pub/Sub and creates the topic if it is missing.
func NewPubSubBus(log *slog.Logger, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pubsub topic lookup: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("pubsub create topic: %w", err)
		}
		log.Info("created pubsub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	log.Info("pubsub event bus connected", "topic", topic.String())
	return &PubSubBus{Bus: NewBus(), log: log, client: client, topic: topic}, nil
}

// Emit publishes to Pub/Sub and fans out locally.
func (b *PubSubBus) Emit(eventType, subject string, data map[string]any) {
	event := NewEvent(eventType, subject, data)
	b.publish(event)
	b.Bus.Publish(event)
}

func (b *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		b.log.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}

	result := b.topic.Publish(context.Background(), &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"type":    event.Type,
			"subject": event.Subject,
			"id":      event.ID,
			"time":    event.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: event.Subject,
	})

	// Result checks run off the hot path; a failed export is infrastructure
	// noise, never a bridge error.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			b.log.Warn("pubsub publish failed", "type", event.Type, "id", event.ID, "error", err)
		}
	}()
}

// Close stops the topic's publish flow and the client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("pubsub close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
