package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and also publishes every event to a
// Google Cloud Pub/Sub topic for durable, cross-service delivery. Messages
// carry the tenant id as ordering key, so each tenant's outcome stream is
// delivered in order while tenants stay independent.
type PubSubBus struct {
	*Bus // embedded, so Subscribe/Unsubscribe and the SSE stream still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

var _ Emitter = (*PubSubBus)(nil)

// NewPubSubBus connects to the topic, creating it if absent.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}

	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("✅ Connected to Pub/Sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, tenantID, subject string, data map[string]any) {
	event := NewCloudEvent(eventType, tenantID, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish serializes the CloudEvent as a Pub/Sub message. Attributes mirror
// CloudEvents metadata so consumers can filter server-side.
func (pb *PubSubBus) publish(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("❌ Failed to marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Check the publish result off the hot path
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("❌ Pub/Sub publish failed: %s → %v", event.ID, err)
		}
	}()
}

// Close stops the topic publisher and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	pb.logger.Printf("🔌 Pub/Sub client closed")
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}
