package model

import "time"

const AggregateOrder = "order"

// OutboxEvent is a pending or already relayed broker message.
// Rows are never deleted; published_at and dead_lettered_at are terminal.
type OutboxEvent struct {
	ID             int64      `db:"id"`
	EventID        string     `db:"event_id"`
	RoutingKey     string     `db:"routing_key"`
	Payload        []byte     `db:"payload"` // serialized Envelope
	AggregateType  string     `db:"aggregate_type"`
	AggregateID    string     `db:"aggregate_id"`
	OccurredAt     time.Time  `db:"occurred_at"`
	PublishedAt    *time.Time `db:"published_at"`
	Attempts       int        `db:"attempts"`
	LastError      *string    `db:"last_error"`
	DeadLetteredAt *time.Time `db:"dead_lettered_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// OutboxStats summarizes the outbox table for operators.
type OutboxStats struct {
	Pending      int64 `db:"pending"`
	Published    int64 `db:"published"`
	DeadLettered int64 `db:"dead_lettered"`
}
