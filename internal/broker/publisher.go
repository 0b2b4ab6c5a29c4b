package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmehdipour/order-service/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNacked = errors.New("broker: publish not confirmed")

	publisherTracer = otel.Tracer("broker/publisher")
)

// Message is one envelope bound for the broker.
type Message struct {
	RoutingKey  string
	AggregateID string
	Envelope    model.Envelope
}

// Publisher sends serialized envelopes to the broker. Errors always reach the caller.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type publishChannel interface {
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
}

// RabbitPublisher writes persistent messages to the topic exchange and,
// when the channel is in confirm mode, waits for the broker ack.
type RabbitPublisher struct {
	mu       sync.Mutex
	ch       publishChannel
	closer   func() error
	exchange string
}

var _ Publisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher opens a dedicated channel on conn, declares the
// exchange and switches the channel to confirm mode.
func NewRabbitPublisher(conn *amqp.Connection, topo Topology) (*RabbitPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := topo.DeclareExchange(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	p := newRabbitPublisher(ch, topo.Exchange)
	p.closer = ch.Close
	return p, nil
}

func newRabbitPublisher(ch publishChannel, exchange string) *RabbitPublisher {
	return &RabbitPublisher{ch: ch, exchange: exchange}
}

func (p *RabbitPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", msg.Envelope.EventID, err)
	}

	ctx, span := publisherTracer.Start(ctx, "send "+msg.RoutingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.exchange),
			semconv.MessagingRabbitmqDestinationRoutingKey(msg.RoutingKey),
			semconv.MessagingMessageID(msg.Envelope.EventID),
		),
	)
	defer span.End()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))

	pub := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.Envelope.EventID,
		CorrelationId: msg.Envelope.RequestID,
		Type:          msg.Envelope.EventType,
		AppId:         msg.Envelope.ServiceName,
		Timestamp:     msg.Envelope.OccurredAt,
		Body:          body,
	}

	if err := p.publish(ctx, msg.RoutingKey, pub); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *RabbitPublisher) publish(ctx context.Context, key string, pub amqp.Publishing) error {
	// confirmations are matched by delivery tag, so keep sends ordered
	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, key, false, false, pub)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	if dc == nil {
		return nil
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNacked, key)
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
