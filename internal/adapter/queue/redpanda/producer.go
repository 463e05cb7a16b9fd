// Package redpanda publishes chat usage events to Redpanda/Kafka.
//
// Events are keyed by user id so a single user's events stay ordered within
// a partition. Publishing is best effort from the caller's point of view: the
// chat request has already been served when an event is emitted.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
)

// DefaultTopic receives usage events when no topic is configured.
const DefaultTopic = "chat-usage"

// syncProducer is the subset of *kgo.Client the Producer needs.
type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Producer implements domain.UsagePublisher on top of a franz-go client.
type Producer struct {
	client syncProducer
	topic  string
}

// NewProducer connects to brokers, ensures topic exists and returns a
// Producer. Topic creation failures are logged and ignored.
func NewProducer(ctx context.Context, brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=usage_events.new_producer: %w: no seed brokers provided", domain.ErrInvalidArgument)
	}
	if topic == "" {
		topic = DefaultTopic
	}
	slog.Info("creating redpanda producer", slog.Any("brokers", brokers), slog.String("topic", topic))

	kt := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.DialTimeout(10*time.Second),
		kgo.WithHooks(kt.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=usage_events.new_producer: %w", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := ensureTopic(tctx, client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist", slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// PublishUsage writes ev as JSON and waits for the broker acknowledgement.
func (p *Producer) PublishUsage(ctx domain.Context, ev domain.UsageEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		observability.RecordUsageEventPublished("error")
		return fmt.Errorf("op=usage_events.marshal: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.UserID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "user_id", Value: []byte(ev.UserID)},
			{Key: "model", Value: []byte(ev.Model)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		observability.RecordUsageEventPublished("error")
		obsctx.LoggerFromContext(ctx).Error("usage event publish failed",
			slog.String("topic", p.topic),
			slog.String("user_id", ev.UserID),
			slog.Any("error", err))
		return fmt.Errorf("op=usage_events.publish: %w", err)
	}
	observability.RecordUsageEventPublished("ok")
	return nil
}

// Close flushes and closes the client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// NopPublisher discards events. It is used when no brokers are configured.
type NopPublisher struct{}

// PublishUsage implements domain.UsagePublisher.
func (NopPublisher) PublishUsage(domain.Context, domain.UsageEvent) error {
	observability.RecordUsageEventPublished("skipped")
	return nil
}

var (
	_ domain.UsagePublisher = (*Producer)(nil)
	_ domain.UsagePublisher = NopPublisher{}
)
