package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the exchanges and queues the order service owns.
type Topology struct {
	Exchange             string   // topic exchange for business events
	Queue                string   // this service's durable inbound queue
	BindingKeys          []string // e.g. order.*.v1
	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
	QueueType            string // quorum | classic
	DeliveryLimit        int    // quorum only; 0 disables
}

// DefaultTopology matches the names every other service of the platform binds to.
func DefaultTopology() Topology {
	return Topology{
		Exchange:             "order_exchange",
		Queue:                "order_service_queue",
		BindingKeys:          []string{"order.*.v1"},
		DeadLetterExchange:   "order_exchange_dlx",
		DeadLetterQueue:      "order_service_dlq",
		DeadLetterRoutingKey: "order.dead",
		QueueType:            "quorum",
	}
}

type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareExchange is enough for a publisher.
func (t Topology) DeclareExchange(ch declarer) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	return nil
}

// Declare creates the full consumer topology. All declarations are idempotent.
func (t Topology) Declare(ch declarer) error {
	if err := t.DeclareExchange(ch); err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", t.DeadLetterExchange, err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq %s: %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterRoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %s: %w", t.DeadLetterQueue, err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, t.QueueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	for _, key := range t.BindingKeys {
		if err := ch.QueueBind(t.Queue, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.Queue, key, err)
		}
	}
	return nil
}

// QueueArgs routes rejected messages to the dead-letter exchange.
func (t Topology) QueueArgs() amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterRoutingKey,
	}
	if t.QueueType == amqp.QueueTypeQuorum {
		args[amqp.QueueTypeArg] = amqp.QueueTypeQuorum
		if t.DeliveryLimit > 0 {
			args["x-delivery-limit"] = int64(t.DeliveryLimit)
		}
	}
	return args
}
