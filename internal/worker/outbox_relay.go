package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// OutboxRelay:
// - claims unpublished outbox rows with FOR UPDATE SKIP LOCKED,
// - publishes each envelope through Publisher,
// - marks rows published, or counts the failure and dead-letters the row
//   once MaxAttempts is reached.
//
// Any number of relays may run against the same database; the row lock is
// the only coordination between them.
type OutboxRelay struct {
	// Dependencies
	DB        *sqlx.DB
	Outbox    repository.OutboxRepository
	Publisher broker.Publisher
	Log       *zap.Logger

	// Behavior
	PollInterval   time.Duration // default 500ms
	BatchSize      int           // default 25
	MaxAttempts    int           // default 10
	PublishTimeout time.Duration // per message, default 5s
}

// NewOutboxRelay builds a relay with sane defaults.
func NewOutboxRelay(db *sqlx.DB, outbox repository.OutboxRepository, pub broker.Publisher, log *zap.Logger) *OutboxRelay {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboxRelay{
		DB:             db,
		Outbox:         outbox,
		Publisher:      pub,
		Log:            log,
		PollInterval:   500 * time.Millisecond,
		BatchSize:      25,
		MaxAttempts:    10,
		PublishTimeout: 5 * time.Second,
	}
}

func (w *OutboxRelay) applyDefaults() {
	if w.PollInterval <= 0 {
		w.PollInterval = 500 * time.Millisecond
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 25
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 10
	}
	if w.PublishTimeout <= 0 {
		w.PublishTimeout = 5 * time.Second
	}
}

// Run polls until ctx is cancelled. A full batch that published cleanly is
// followed by another claim right away; any publish failure waits for the
// next tick so attempts are spent one per interval.
func (w *OutboxRelay) Run(ctx context.Context) error {
	w.applyDefaults()

	tick := time.NewTicker(w.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		for ctx.Err() == nil {
			claimed, failed, err := w.processBatch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.Log.Error("outbox relay cycle failed", zap.Error(err))
				}
				break
			}
			if claimed < w.BatchSize || failed > 0 {
				break
			}
		}
	}
}

// ProcessOnce claims and relays one batch in a single transaction and
// returns how many rows it claimed.
func (w *OutboxRelay) ProcessOnce(ctx context.Context) (int, error) {
	claimed, _, err := w.processBatch(ctx)
	return claimed, err
}

// processBatch returns how many rows were claimed and how many of them
// failed to publish.
func (w *OutboxRelay) processBatch(ctx context.Context) (int, int, error) {
	w.applyDefaults()

	tx, err := w.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	events, err := w.Outbox.ClaimBatch(ctx, tx, w.MaxAttempts, w.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("claim batch: %w", err)
	}
	if len(events) == 0 {
		return 0, 0, tx.Commit()
	}

	failed := 0
	for _, ev := range events {
		if perr := w.publish(ctx, ev); perr != nil {
			failed++
			if err := w.recordFailure(ctx, tx, ev, perr); err != nil {
				return 0, 0, err
			}
			continue
		}

		if err := w.Outbox.MarkPublished(ctx, tx, ev.ID); err != nil {
			return 0, 0, fmt.Errorf("mark published %s: %w", ev.EventID, err)
		}
		metrics.OutboxEventsTotal.WithLabelValues("published").Inc()
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return len(events), failed, nil
}

func (w *OutboxRelay) publish(ctx context.Context, ev model.OutboxEvent) error {
	var env model.Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	env.EventID = ev.EventID

	pctx, cancel := context.WithTimeout(ctx, w.PublishTimeout)
	defer cancel()

	return w.Publisher.Publish(pctx, broker.Message{
		RoutingKey:  ev.RoutingKey,
		AggregateID: ev.AggregateID,
		Envelope:    env,
	})
}

func (w *OutboxRelay) recordFailure(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent, cause error) error {
	attempts, err := w.Outbox.MarkFailed(ctx, tx, ev.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", ev.EventID, err)
	}
	metrics.OutboxEventsTotal.WithLabelValues("failed").Inc()

	fields := []zap.Field{
		zap.Int64("outbox_id", ev.ID),
		zap.String("event_id", ev.EventID),
		zap.String("routing_key", ev.RoutingKey),
		zap.String("aggregate_id", ev.AggregateID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}

	if attempts < w.MaxAttempts {
		w.Log.Warn("outbox publish failed", fields...)
		return nil
	}

	if err := w.Outbox.MarkDeadLettered(ctx, tx, ev.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark dead-lettered %s: %w", ev.EventID, err)
	}
	metrics.OutboxEventsTotal.WithLabelValues("dead_lettered").Inc()
	w.Log.Error("outbox event dead-lettered", fields...)
	return nil
}
