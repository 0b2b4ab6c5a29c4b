package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrDeliveriesClosed = errors.New("broker: delivery channel closed")

	consumerTracer = otel.Tracer("broker/consumer")
)

// Handler decides how one delivery is settled. It must not settle it itself.
type Handler interface {
	Handle(ctx context.Context, d Delivery) Disposition
}

type HandlerFunc func(ctx context.Context, d Delivery) Disposition

func (f HandlerFunc) Handle(ctx context.Context, d Delivery) Disposition { return f(ctx, d) }

// Consumer fans deliveries out to a fixed pool of workers and settles each
// one with the disposition its handler returns.
type Consumer struct {
	Handler Handler
	Log     *zap.Logger

	Queue   string
	Tag     string
	Workers int // also the channel prefetch
}

func NewConsumer(queue string, h Handler, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		Handler: h,
		Log:     log,
		Queue:   queue,
		Tag:     "order-service",
		Workers: 16,
	}
}

// Run declares nothing; the caller declares the topology first. It blocks
// until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, ch *amqp.Channel) error {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if err := ch.Qos(c.Workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.ConsumeWithContext(ctx, c.Queue, c.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.Queue, err)
	}

	in := make(chan Delivery)
	go func() {
		defer close(in)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case in <- FromAMQP(m):
				case <-ctx.Done():
					// unacked; the broker redelivers it after the channel closes
					return
				}
			}
		}
	}()

	c.Serve(ctx, in)

	if ctx.Err() != nil {
		return nil
	}
	return ErrDeliveriesClosed
}

// Serve processes deliveries from in until it is closed. In-flight handlers
// finish even after ctx is cancelled so their transactions are not cut short.
func (c *Consumer) Serve(ctx context.Context, in <-chan Delivery) {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	hctx := context.WithValue(context.WithoutCancel(ctx), stoppingKey{}, ctx.Done())

	var wg sync.WaitGroup
	for i := 0; i < c.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range in {
				c.process(hctx, d)
			}
		}()
	}
	wg.Wait()
}

type stoppingKey struct{}

// Stopping returns a channel closed once the consumer is shutting down.
// Handler contexts outlive shutdown, so waits that only delay settlement
// should select on this instead of ctx.Done. It is nil outside Serve.
func Stopping(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(stoppingKey{}).(<-chan struct{})
	return ch
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	parent := otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(d.Headers))
	ctx, span := consumerTracer.Start(parent, "process "+d.RoutingKey,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemRabbitmq,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.Queue),
			semconv.MessagingRabbitmqDestinationRoutingKey(d.RoutingKey),
			semconv.MessagingMessageID(d.MessageID),
		),
	)
	defer span.End()

	disp := c.Handler.Handle(ctx, d)
	if disp != Ack {
		span.SetStatus(codes.Error, disp.String())
	}

	if err := d.Settle(disp); err != nil {
		c.Log.Error("settle delivery failed",
			zap.String("routing_key", d.RoutingKey),
			zap.String("message_id", d.MessageID),
			zap.Stringer("disposition", disp),
			zap.Error(err),
		)
	}
}
