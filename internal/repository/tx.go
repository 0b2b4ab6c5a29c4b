package repository

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

// ErrTxRequired is returned by writes that must join the caller's transaction.
var ErrTxRequired = errors.New("repository: transaction required")

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func withTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}
