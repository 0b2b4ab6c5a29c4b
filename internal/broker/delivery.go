package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition is how a handled delivery is settled with the broker.
type Disposition int

const (
	Ack        Disposition = iota // processed or safely ignorable
	Requeue                       // transient failure, redeliver
	DeadLetter                    // reject without requeue; lands in the DLQ
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Acknowledger is the settle capability of a single delivery.
type Acknowledger interface {
	Ack() error
	Reject(requeue bool) error
}

// Delivery is a broker message detached from the client library.
type Delivery struct {
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Headers       map[string]any
	Body          []byte
	Redelivered   bool
	DeliveryCount int64 // from x-delivery-count; 0 on first delivery or classic queues

	Acker Acknowledger
}

// Settle applies d to the broker exactly once.
func (d Delivery) Settle(disp Disposition) error {
	if d.Acker == nil {
		return fmt.Errorf("delivery %s has no acknowledger", d.MessageID)
	}
	switch disp {
	case Ack:
		return d.Acker.Ack()
	case Requeue:
		return d.Acker.Reject(true)
	default:
		return d.Acker.Reject(false)
	}
}

type amqpAcker struct{ d amqp.Delivery }

func (a amqpAcker) Ack() error                { return a.d.Ack(false) }
func (a amqpAcker) Reject(requeue bool) error { return a.d.Reject(requeue) }

// FromAMQP wraps a delivery from the RabbitMQ client.
func FromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		RoutingKey:    d.RoutingKey,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		Headers:       d.Headers,
		Body:          d.Body,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryCount(d.Headers),
		Acker:         amqpAcker{d: d},
	}
}

func deliveryCount(h amqp.Table) int64 {
	switch v := h["x-delivery-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	default:
		return 0
	}
}
