// Package pubsub publishes run summaries to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Attribute names set on every message besides the trace context.
const (
	AttrEventType = "event_type"
	AttrTopic     = "topic"
)

// EventRunSummary is the event_type of crawl run summaries.
const EventRunSummary = "crawl.run.summary"

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher topicPublisher
	stop      func()
}

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	p := &Publisher{}
	if publisher != nil {
		p.publisher = publisher
		p.stop = publisher.Stop
	}
	return p
}

// Dial opens a client for projectID and returns a Publisher for topic. Close
// flushes pending messages and releases the client.
func Dial(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, errors.New("pubsub: project id and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := client.Publisher(topic)
	return &Publisher{
		publisher: pub,
		stop: func() {
			pub.Stop()
			_ = client.Close()
		},
	}, nil
}

// Publish marshals payload to JSON, injects the trace context into the
// message attributes and waits for the server id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: messageAttributes(ctx, topic)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close stops the publisher.
func (p *Publisher) Close() {
	if p != nil && p.stop != nil {
		p.stop()
	}
}

func messageAttributes(ctx context.Context, topic string) map[string]string {
	attrs := map[string]string{AttrEventType: EventRunSummary}
	if topic != "" {
		attrs[AttrTopic] = topic
	}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: attrs})
	return attrs
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
