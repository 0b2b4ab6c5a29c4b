// Package brokertest provides in-memory doubles for the broker package.
package brokertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/model"
)

// Acker records how a delivery was settled.
type Acker struct {
	mu       sync.Mutex
	Acks     int
	Requeues int
	Rejects  int
}

func (a *Acker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acks++
	return nil
}

func (a *Acker) Reject(requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if requeue {
		a.Requeues++
	} else {
		a.Rejects++
	}
	return nil
}

// Settled returns the single disposition applied, or false if the delivery
// was settled zero or several times.
func (a *Acker) Settled() (broker.Disposition, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Acks+a.Requeues+a.Rejects != 1 {
		return 0, false
	}
	switch {
	case a.Acks == 1:
		return broker.Ack, true
	case a.Requeues == 1:
		return broker.Requeue, true
	default:
		return broker.DeadLetter, true
	}
}

// Delivery builds a delivery carrying env under routingKey.
func Delivery(routingKey string, env model.Envelope) (broker.Delivery, *Acker) {
	body, _ := json.Marshal(env)
	return RawDelivery(routingKey, body)
}

// RawDelivery builds a delivery with an arbitrary body.
func RawDelivery(routingKey string, body []byte) (broker.Delivery, *Acker) {
	a := &Acker{}
	return broker.Delivery{
		RoutingKey: routingKey,
		Body:       body,
		Headers:    map[string]any{},
		Acker:      a,
	}, a
}

// Publisher records published messages and fails while Err is set.
type Publisher struct {
	mu   sync.Mutex
	Err  error
	Sent []broker.Message
}

func (p *Publisher) Publish(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Sent = append(p.Sent, msg)
	return nil
}

func (p *Publisher) Messages() []broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.Message, len(p.Sent))
	copy(out, p.Sent)
	return out
}
