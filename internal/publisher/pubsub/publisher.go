// Package pubsub publishes run events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"

	"github.com/a2bit/jobtracker/internal/collector"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	owned     bool
}

// New creates a Publisher for an existing topic publisher. The caller keeps
// ownership of the underlying client.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial connects to projectID and verifies that topicID exists.
func Dial(ctx context.Context, client *pubsub.Client, projectID, topicID string) (*Publisher, error) {
	owned := false
	if client == nil {
		var err error
		client, err = pubsub.NewClient(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		owned = true
	}

	name := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	if _, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name}); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, fmt.Errorf("get pubsub topic %q: %w", topicID, err)
	}
	return &Publisher{client: client, publisher: client.Publisher(name), owned: owned}, nil
}

// PublishRunFinished marshals the event to JSON and waits for the server ID.
// Source and status are copied into attributes so subscribers can filter.
func (p *Publisher) PublishRunFinished(ctx context.Context, event collector.RunEvent) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal run event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_id": event.EventID,
			"run_id":   strconv.FormatInt(event.RunID, 10),
			"source":   event.Source,
			"status":   string(event.Status),
		},
	}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish run event: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client when Dial created it.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.owned && p.client != nil {
		return p.client.Close()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
