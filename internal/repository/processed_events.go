package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ProcessedEventsRepository is the inbound idempotency ledger.
type ProcessedEventsRepository interface {
	// MarkProcessed records eventID and reports whether this call inserted it.
	// false means an earlier delivery already produced the side effect.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, eventID, eventType string) (bool, error)
}

type processedEventsRepo struct{}

func NewProcessedEventsRepository() ProcessedEventsRepository { return &processedEventsRepo{} }

func (r *processedEventsRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, eventID, eventType string) (bool, error) {
	if tx == nil {
		return false, ErrTxRequired
	}

	var inserted string
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO processed_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_id
	`, eventID, eventType).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
