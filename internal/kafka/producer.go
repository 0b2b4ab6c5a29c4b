package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var producerTracer = otel.Tracer("kafka/producer")

type Config struct {
	Brokers      []string
	TopicPrefix  string        // prepended to the routing key
	BatchTimeout time.Duration // default 50ms; batches hold one message
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer relays outbox envelopes to Kafka, one topic per routing key.
// Messages are keyed by aggregate id so one order stays on one partition.
type Producer struct {
	w      messageWriter
	prefix string
}

var _ broker.Publisher = (*Producer)(nil)

func NewProducerFromConfig(c Config) *Producer {
	return &Producer{w: newWriter(c), prefix: c.TopicPrefix}
}

// newWriter flushes every message on its own; the relay waits for each write.
func newWriter(c Config) *kafka.Writer {
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 50 * time.Millisecond
	}

	return &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchSize:              1,
		BatchTimeout:           bt,
	}
}

func (p *Producer) Topic(routingKey string) string {
	return p.prefix + routingKey
}

func (p *Producer) Publish(ctx context.Context, msg broker.Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", msg.Envelope.EventID, err)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.Envelope.EventID
	}
	topic := p.Topic(msg.RoutingKey)

	m := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: body,
		Time:  msg.Envelope.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.Envelope.EventID)},
			{Key: "event_type", Value: []byte(msg.Envelope.EventType)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	if msg.Envelope.RequestID != "" {
		m.Headers = append(m.Headers, kafka.Header{Key: "request_id", Value: []byte(msg.Envelope.RequestID)})
	}

	ctx, span := producerTracer.Start(ctx, "send "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingKafkaMessageKey(key),
			semconv.MessagingMessageID(msg.Envelope.EventID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, NewMessageCarrier(&m))

	if err := p.w.WriteMessages(ctx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("kafka write %s: %w", topic, err)
	}
	return nil
}

func (p *Producer) Close() error { return p.w.Close() }
