package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersvc_outbox_events_total",
			Help: "Outbox relay results per event",
		},
		[]string{"result"}, // published|failed|dead_lettered
	)

	ConsumerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersvc_consumer_messages_total",
			Help: "Inbound status events by event type and settlement",
		},
		[]string{"event_type", "outcome"}, // ack|requeue|dead_letter|duplicate|ignored|malformed
	)

	OrdersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordersvc_orders_created_total",
			Help: "Orders committed by the creation path",
		},
	)

	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordersvc_lock_wait_seconds",
			Help:    "Time spent waiting for the per-order lock",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		},
		[]string{"result"}, // acquired|timeout
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; serve runs several loops in one
// process and each of them calls it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			OutboxEventsTotal,
			ConsumerMessagesTotal,
			OrdersCreatedTotal,
			LockWaitSeconds,
		)
	})
}
