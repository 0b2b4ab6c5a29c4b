package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmoiron/sqlx"
)

// ErrVersionConflict means another writer bumped the order version first.
var ErrVersionConflict = errors.New("order version conflict")

type OrdersRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, o *model.Order) error
	InsertItems(ctx context.Context, tx *sqlx.Tx, items []model.OrderItem) error

	// GetStatusForUpdate row-locks the order. found is false when it does not exist.
	GetStatusForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (status model.OrderStatus, version int64, found bool, err error)
	// UpdateStatus writes next only if the stored version still equals expectedVersion.
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, next model.OrderStatus, expectedVersion int64) error

	GetByID(ctx context.Context, id string) (*model.Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Order, error)
	// ListActiveByRestaurant returns the restaurant's orders that are not yet terminal, newest first.
	ListActiveByRestaurant(ctx context.Context, restaurantID string) ([]model.Order, error)
}

type OrdersRepositoryImpl struct {
	db *sqlx.DB
}

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db}
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

// Insert stores a new order; created_at/updated_at are filled from the database.
func (r *OrdersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, o *model.Order) error {
	if tx == nil {
		return ErrTxRequired
	}
	const q = `
		INSERT INTO orders
		    (id, customer_id, restaurant_id, total_amount, status, payment_status, version)
		VALUES
		    ($1, $2,          $3,            $4,           $5,     $6,             $7)
		RETURNING created_at, updated_at
	`
	return tx.QueryRowxContext(ctx, q,
		o.ID, o.CustomerID, o.RestaurantID, o.TotalAmount, o.Status.String(), o.PaymentStatus.String(), o.Version,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

// InsertItems bulk-inserts all items with a single statement.
func (r *OrdersRepositoryImpl) InsertItems(ctx context.Context, tx *sqlx.Tx, items []model.OrderItem) error {
	if tx == nil {
		return ErrTxRequired
	}
	if len(items) == 0 {
		return nil
	}
	const q = `
		INSERT INTO order_items (order_id, menu_item_id, item_name, item_price, quantity)
		VALUES (:order_id, :menu_item_id, :item_name, :item_price, :quantity)
	`
	_, err := tx.NamedExecContext(ctx, q, items)
	return err
}

func (r *OrdersRepositoryImpl) GetStatusForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (model.OrderStatus, int64, bool, error) {
	var row struct {
		Status  model.OrderStatus `db:"status"`
		Version int64             `db:"version"`
	}
	err := tx.GetContext(ctx, &row, `
		SELECT status, version
		  FROM orders
		 WHERE id = $1
		   FOR UPDATE
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return row.Status, row.Version, true, nil
}

func (r *OrdersRepositoryImpl) UpdateStatus(ctx context.Context, tx *sqlx.Tx, id string, next model.OrderStatus, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		   SET status = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3
	`, next.String(), id, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrVersionConflict
	}
	return nil
}

// GetByID returns the order with its items, or nil when it does not exist.
func (r *OrdersRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := r.db.GetContext(ctx, &o, `
		SELECT id, customer_id, restaurant_id, total_amount, status, payment_status, version, created_at, updated_at
		  FROM orders
		 WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := r.db.SelectContext(ctx, &o.Items, `
		SELECT id, order_id, menu_item_id, item_name, item_price, quantity
		  FROM order_items
		 WHERE order_id = $1
		 ORDER BY id
	`, id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OrdersRepositoryImpl) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	orders := []model.Order{}
	err := r.db.SelectContext(ctx, &orders, `
		SELECT id, customer_id, restaurant_id, total_amount, status, payment_status, version, created_at, updated_at
		  FROM orders
		 WHERE customer_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3
	`, customerID, limit, offset)
	return orders, err
}

func (r *OrdersRepositoryImpl) ListActiveByRestaurant(ctx context.Context, restaurantID string) ([]model.Order, error) {
	orders := []model.Order{}
	err := r.db.SelectContext(ctx, &orders, `
		SELECT id, customer_id, restaurant_id, total_amount, status, payment_status, version, created_at, updated_at
		  FROM orders
		 WHERE restaurant_id = $1
		   AND status NOT IN ($2, $3, $4)
		 ORDER BY created_at DESC
	`, restaurantID, model.StatusDelivered.String(), model.StatusCancelled.String(), model.StatusVendorRejected.String())
	return orders, err
}
