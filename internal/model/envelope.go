package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/order-service/internal/util"
)

const (
	DefaultServiceName = "order-service"
	EnvelopeVersion    = 1
)

// Envelope is the versioned wrapper published to and consumed from the broker.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	ServiceName  string          `json:"service_name"`
	Data         json.RawMessage `json:"data"`
	RequestID    string          `json:"request_id,omitempty"`
}

// NewEnvelope stamps a fresh event id and the current time around data.
func NewEnvelope(eventType, serviceName string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", eventType, err)
	}
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	return Envelope{
		EventID:      util.NewEventID(),
		EventType:    eventType,
		EventVersion: EnvelopeVersion,
		OccurredAt:   time.Now().UTC(),
		ServiceName:  serviceName,
		Data:         raw,
	}, nil
}

// OrderRef is the part of an event payload that identifies the order.
// Older producers send the id under orderId.
type OrderRef struct {
	OrderID       string `json:"order_id"`
	LegacyOrderID string `json:"orderId"`
}

func (r OrderRef) ID() string {
	if r.OrderID != "" {
		return r.OrderID
	}
	return r.LegacyOrderID
}

// OrderCreatedData is the payload of order.created.v1.
type OrderCreatedData struct {
	OrderID      string             `json:"order_id"`
	CustomerID   string             `json:"customer_id"`
	RestaurantID string             `json:"restaurant_id"`
	TotalAmount  string             `json:"total_amount"`
	Items        []OrderCreatedItem `json:"items"`
}

type OrderCreatedItem struct {
	MenuItemID string `json:"menu_item_id"`
	Quantity   int    `json:"quantity"`
}
