package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusCreated        OrderStatus = "CREATED"
	StatusVendorAccepted OrderStatus = "VENDOR_ACCEPTED"
	StatusVendorRejected OrderStatus = "VENDOR_REJECTED"
	StatusPreparing      OrderStatus = "PREPARING"
	StatusReady          OrderStatus = "READY"
	StatusOutForDelivery OrderStatus = "OUT_FOR_DELIVERY"
	StatusDelivered      OrderStatus = "DELIVERED"
	StatusCancelled      OrderStatus = "CANCELLED"
)

// OrderStatuses lists every known status.
var OrderStatuses = []OrderStatus{
	StatusCreated,
	StatusVendorAccepted,
	StatusVendorRejected,
	StatusPreparing,
	StatusReady,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCancelled,
}

func (s OrderStatus) String() string { return string(s) }

func (s OrderStatus) Valid() bool {
	for _, known := range OrderStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) String() string { return string(s) }

// Order is the aggregate root persisted in the orders table.
// Version is bumped on every status change and guards concurrent writers.
type Order struct {
	ID            string          `db:"id"             json:"id"`
	CustomerID    string          `db:"customer_id"    json:"customer_id"`
	RestaurantID  string          `db:"restaurant_id"  json:"restaurant_id"`
	TotalAmount   decimal.Decimal `db:"total_amount"   json:"total_amount"`
	Status        OrderStatus     `db:"status"         json:"status"`
	PaymentStatus PaymentStatus   `db:"payment_status" json:"payment_status"`
	Version       int64           `db:"version"        json:"version"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`

	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem is immutable once inserted.
type OrderItem struct {
	ID         int64           `db:"id"           json:"id"`
	OrderID    string          `db:"order_id"     json:"order_id"`
	MenuItemID string          `db:"menu_item_id" json:"menu_item_id"`
	ItemName   string          `db:"item_name"    json:"item_name"`
	ItemPrice  decimal.Decimal `db:"item_price"   json:"item_price"`
	Quantity   int             `db:"quantity"     json:"quantity"`
}
