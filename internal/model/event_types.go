package model

const (
	EventOrderCreated        = "order.created.v1"
	EventOrderAccepted       = "order.accepted.v1"
	EventOrderRejected       = "order.rejected.v1"
	EventOrderPreparing      = "order.preparing.v1"
	EventOrderReady          = "order.ready.v1"
	EventOrderOutForDelivery = "order.out_for_delivery.v1"
	EventOrderDelivered      = "order.delivered.v1"
	EventOrderCancelled      = "order.cancelled.v1"
)

var targetStatusByEvent = map[string]OrderStatus{
	EventOrderAccepted:       StatusVendorAccepted,
	EventOrderRejected:       StatusVendorRejected,
	EventOrderPreparing:      StatusPreparing,
	EventOrderReady:          StatusReady,
	EventOrderOutForDelivery: StatusOutForDelivery,
	EventOrderDelivered:      StatusDelivered,
	EventOrderCancelled:      StatusCancelled,
}

// TargetStatus maps an inbound routing key to the status it moves an order to.
func TargetStatus(routingKey string) (OrderStatus, bool) {
	s, ok := targetStatusByEvent[routingKey]
	return s, ok
}
