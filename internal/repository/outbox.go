package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox_events table.
type OutboxRepository interface {
	// Insert writes one event inside the caller's business transaction.
	// tx must not be nil.
	Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error

	// ClaimBatch locks up to limit publishable rows, skipping rows another
	// relay already holds. The locks live until tx ends.
	ClaimBatch(ctx context.Context, tx *sqlx.Tx, maxAttempts, limit int) ([]model.OutboxEvent, error)

	MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error
	// MarkFailed bumps attempts and returns the new count.
	MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, cause string) (int, error)
	MarkDeadLettered(ctx context.Context, tx *sqlx.Tx, id int64, cause string) error

	// ReplayDeadLettered makes a dead-lettered row publishable again.
	// An empty eventID replays every dead-lettered row.
	ReplayDeadLettered(ctx context.Context, tx *sqlx.Tx, eventID string) (int64, error)
	Stats(ctx context.Context) (model.OutboxStats, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev model.OutboxEvent) error {
	if tx == nil {
		return ErrTxRequired
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	// payload goes in as text: lib/pq would send []byte as bytea
	const q = `
		INSERT INTO outbox_events
		    (event_id, routing_key, payload, aggregate_type, aggregate_id, occurred_at)
		VALUES
		    ($1, $2, $3, $4, $5, $6)
	`
	_, err := tx.ExecContext(ctx, q,
		ev.EventID, ev.RoutingKey, string(ev.Payload), ev.AggregateType, ev.AggregateID, ev.OccurredAt,
	)
	return err
}

func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, tx *sqlx.Tx, maxAttempts, limit int) ([]model.OutboxEvent, error) {
	const q = `
		SELECT id, event_id, routing_key, payload, aggregate_type, aggregate_id,
		       occurred_at, published_at, attempts, last_error, dead_lettered_at, updated_at
		  FROM outbox_events
		 WHERE published_at IS NULL
		   AND dead_lettered_at IS NULL
		   AND attempts < $1
		 ORDER BY occurred_at ASC, id ASC
		 LIMIT $2
		   FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	if err := tx.SelectContext(ctx, &rows, q, maxAttempts, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, id int64) error {
	const q = `
		UPDATE outbox_events
		   SET published_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND published_at IS NULL
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, id)
		return err
	})
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, tx *sqlx.Tx, id int64, cause string) (int, error) {
	const q = `
		UPDATE outbox_events
		   SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		 WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		return tx.QueryRowxContext(ctx, q, id, cause).Scan(&attempts)
	})
	return attempts, err
}

func (r *OutboxRepositoryImpl) MarkDeadLettered(ctx context.Context, tx *sqlx.Tx, id int64, cause string) error {
	const q = `
		UPDATE outbox_events
		   SET dead_lettered_at = NOW(), last_error = $2, updated_at = NOW()
		 WHERE id = $1
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, id, cause)
		return err
	})
}

func (r *OutboxRepositoryImpl) ReplayDeadLettered(ctx context.Context, tx *sqlx.Tx, eventID string) (int64, error) {
	q := `
		UPDATE outbox_events
		   SET dead_lettered_at = NULL, attempts = 0, last_error = NULL, updated_at = NOW()
		 WHERE dead_lettered_at IS NOT NULL
		   AND published_at IS NULL
	`
	var args []any
	if eventID != "" {
		q += " AND event_id = $1"
		args = append(args, eventID)
	}

	var n int64
	err := withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *OutboxRepositoryImpl) Stats(ctx context.Context) (model.OutboxStats, error) {
	const q = `
		SELECT COUNT(*) FILTER (WHERE published_at IS NULL AND dead_lettered_at IS NULL) AS pending,
		       COUNT(*) FILTER (WHERE published_at IS NOT NULL)                          AS published,
		       COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL)                      AS dead_lettered
		  FROM outbox_events
	`
	var s model.OutboxStats
	err := r.db.GetContext(ctx, &s, q)
	return s, err
}
