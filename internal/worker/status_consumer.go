package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/lock"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmehdipour/order-service/internal/statemachine"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Locker serializes work on one key across replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, opts lock.Options, fn func(ctx context.Context) error) error
}

type applyResult string

const (
	resultApplied   applyResult = "ack"
	resultDuplicate applyResult = "duplicate"
	resultMissing   applyResult = "missing_order"
)

// StatusConsumer turns inbound order events into at most one status change
// each. It dedupes by event id, holds the per-order lock, validates the
// transition and writes with a version check, all in one transaction.
type StatusConsumer struct {
	// Dependencies
	DB        *sqlx.DB
	Orders    repository.OrdersRepository
	Processed repository.ProcessedEventsRepository
	Locker    Locker
	Log       *zap.Logger

	// Behavior
	LockTTL       time.Duration // default 5s
	LockWait      time.Duration // default 2s
	RequeueDelay  time.Duration // pause before a transient requeue
	DeliveryLimit int64         // dead-letter transient failures past this; 0 = never
}

var _ broker.Handler = (*StatusConsumer)(nil)

func NewStatusConsumer(
	db *sqlx.DB,
	orders repository.OrdersRepository,
	processed repository.ProcessedEventsRepository,
	locker Locker,
	log *zap.Logger,
) *StatusConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &StatusConsumer{
		DB:        db,
		Orders:    orders,
		Processed: processed,
		Locker:    locker,
		Log:       log,
		LockTTL:   5 * time.Second,
		LockWait:  2 * time.Second,
	}
}

func (c *StatusConsumer) Handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	routingKey := d.RoutingKey
	log := c.Log.With(zap.String("routing_key", routingKey), zap.String("message_id", d.MessageID))

	var env model.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.EventID == "" {
		log.Error("dropping malformed event", zap.Error(err))
		metrics.ConsumerMessagesTotal.WithLabelValues(routingKey, "malformed").Inc()
		return broker.Ack
	}
	log = log.With(zap.String("event_id", env.EventID))

	next, ok := model.TargetStatus(routingKey)
	if !ok {
		log.Debug("ignoring event type")
		metrics.ConsumerMessagesTotal.WithLabelValues(routingKey, "ignored").Inc()
		return broker.Ack
	}

	orderID := orderIDFrom(env.Data)
	if orderID == "" {
		log.Error("event has no valid order id, dead-lettering")
		metrics.ConsumerMessagesTotal.WithLabelValues(routingKey, "dead_letter").Inc()
		return broker.DeadLetter
	}
	log = log.With(zap.String("order_id", orderID))

	var result applyResult
	err := c.Locker.WithLock(ctx, lock.OrderKey(orderID), lock.Options{TTL: c.LockTTL, WaitTimeout: c.LockWait},
		func(ctx context.Context) error {
			var err error
			result, err = c.apply(ctx, env.EventID, routingKey, orderID, next)
			return err
		},
	)
	if err != nil {
		return c.retry(ctx, d, log, err)
	}

	if result != resultApplied {
		log.Info("event settled without change", zap.String("reason", string(result)))
	}
	metrics.ConsumerMessagesTotal.WithLabelValues(routingKey, string(result)).Inc()
	return broker.Ack
}

// apply runs the dedup insert, the locked read, the transition check and the
// versioned update in one transaction.
func (c *StatusConsumer) apply(ctx context.Context, eventID, eventType, orderID string, next model.OrderStatus) (applyResult, error) {
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := c.Processed.MarkProcessed(ctx, tx, eventID, eventType)
	if err != nil {
		return "", fmt.Errorf("mark processed: %w", err)
	}
	if !fresh {
		return resultDuplicate, tx.Commit()
	}

	current, version, found, err := c.Orders.GetStatusForUpdate(ctx, tx, orderID)
	if err != nil {
		return "", fmt.Errorf("load order: %w", err)
	}
	if !found {
		return resultMissing, tx.Commit()
	}

	if err := statemachine.Validate(current, next); err != nil {
		return "", err
	}
	if err := c.Orders.UpdateStatus(ctx, tx, orderID, next, version); err != nil {
		return "", fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return resultApplied, nil
}

// retry requeues transient failures until the broker's delivery count
// reaches DeliveryLimit, then sends the message to the DLQ.
func (c *StatusConsumer) retry(ctx context.Context, d broker.Delivery, log *zap.Logger, cause error) broker.Disposition {
	fields := []zap.Field{
		zap.Int64("delivery_count", d.DeliveryCount),
		zap.String("cause", failureKind(cause)),
		zap.Error(cause),
	}

	if c.DeliveryLimit > 0 && d.DeliveryCount >= c.DeliveryLimit {
		log.Error("delivery limit reached, dead-lettering", fields...)
		metrics.ConsumerMessagesTotal.WithLabelValues(d.RoutingKey, "dead_letter").Inc()
		return broker.DeadLetter
	}

	log.Warn("event processing failed, requeueing", fields...)
	metrics.ConsumerMessagesTotal.WithLabelValues(d.RoutingKey, "requeue").Inc()

	if c.RequeueDelay > 0 {
		t := time.NewTimer(c.RequeueDelay)
		select {
		case <-ctx.Done():
		case <-broker.Stopping(ctx):
		case <-t.C:
		}
		t.Stop()
	}
	return broker.Requeue
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, lock.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, repository.ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "transient"
	}
}

func orderIDFrom(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var ref model.OrderRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return ""
	}
	id := ref.ID()
	if _, err := uuid.Parse(id); err != nil {
		return ""
	}
	return id
}
