package db

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQOpts struct {
	URL         string
	DialRetries int           // default 5
	RetryDelay  time.Duration // default 2s
}

// NewRabbitMQConnection dials the broker, retrying while it is still starting.
func NewRabbitMQConnection(ctx context.Context, opts RabbitMQOpts) (*amqp.Connection, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("empty RabbitMQ URL")
	}
	if opts.DialRetries <= 0 {
		opts.DialRetries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}

	var lastErr error
	for i := 0; i < opts.DialRetries; i++ {
		conn, err := amqp.Dial(opts.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}

	return nil, fmt.Errorf("rabbitmq dial after %d attempts: %w", opts.DialRetries, lastErr)
}
