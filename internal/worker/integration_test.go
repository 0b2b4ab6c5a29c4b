//go:build integration

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/broker/brokertest"
	"github.com/jmehdipour/order-service/internal/lock"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmehdipour/order-service/internal/testutil"
	"github.com/jmehdipour/order-service/internal/util"
	"github.com/jmoiron/sqlx"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func seedOutbox(t *testing.T, dbx *sqlx.DB, n int) []string {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewOutboxRepository(dbx)

	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		env, err := model.NewEnvelope(model.EventOrderCreated, "order-service", map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		payload, _ := json.Marshal(env)
		if err := repo.Insert(ctx, tx, model.OutboxEvent{
			EventID:       env.EventID,
			RoutingKey:    model.EventOrderCreated,
			Payload:       payload,
			AggregateType: model.AggregateOrder,
			AggregateID:   fmt.Sprintf("order-%d", i),
		}); err != nil {
			t.Fatalf("insert outbox: %v", err)
		}
		ids = append(ids, env.EventID)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return ids
}

func seedOrder(t *testing.T, dbx *sqlx.DB, status model.OrderStatus) string {
	t.Helper()
	ctx := context.Background()

	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	o := &model.Order{
		ID:            uuid.NewString(),
		CustomerID:    "cust-1",
		RestaurantID:  "rest-1",
		TotalAmount:   decimal.RequireFromString("12.50"),
		Status:        status,
		PaymentStatus: model.PaymentPending,
	}
	if err := repository.NewOrdersRepository(dbx).Insert(ctx, tx, o); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return o.ID
}

func TestConcurrentRelaysPublishEachEventOnce(t *testing.T) {
	ctx := context.Background()
	dbx := testutil.Postgres(ctx, t)
	ids := seedOutbox(t, dbx, 60)

	pub := &brokertest.Publisher{}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		r := NewOutboxRelay(dbx, repository.NewOutboxRepository(dbx), pub, nil)
		r.BatchSize = 7
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := r.ProcessOnce(ctx)
				if err != nil {
					t.Errorf("ProcessOnce() error = %v", err)
					return
				}
				if n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	seen := map[string]int{}
	for _, m := range pub.Messages() {
		seen[m.Envelope.EventID]++
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("event %s published %d times, want 1", id, seen[id])
		}
	}

	stats, err := repository.NewOutboxRepository(dbx).Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Pending != 0 || stats.Published != int64(len(ids)) {
		t.Errorf("stats = %+v, want 0 pending and %d published", stats, len(ids))
	}
}

func TestRelayPublishesToRabbitMQ(t *testing.T) {
	ctx := context.Background()
	dbx := testutil.Postgres(ctx, t)
	conn := testutil.RabbitMQ(ctx, t)

	topo := broker.DefaultTopology()
	topo.Queue = "order_created_probe"
	topo.BindingKeys = []string{model.EventOrderCreated}

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	defer ch.Close()
	if err := topo.Declare(ch); err != nil {
		t.Fatalf("declare: %v", err)
	}

	pub, err := broker.NewRabbitPublisher(conn, topo)
	if err != nil {
		t.Fatalf("NewRabbitPublisher() error = %v", err)
	}
	defer pub.Close()

	ids := seedOutbox(t, dbx, 3)
	r := NewOutboxRelay(dbx, repository.NewOutboxRepository(dbx), pub, nil)
	if n, err := r.ProcessOnce(ctx); err != nil || n != 3 {
		t.Fatalf("ProcessOnce() = %d, %v; want 3, nil", n, err)
	}

	msgs, err := ch.Consume(topo.Queue, "probe", true, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	for i, want := range ids {
		select {
		case m := <-msgs:
			if m.MessageId != want {
				t.Errorf("message %d id = %s, want %s", i, m.MessageId, want)
			}
			if m.RoutingKey != model.EventOrderCreated || m.DeliveryMode != amqp.Persistent {
				t.Errorf("message %d key=%s mode=%d", i, m.RoutingKey, m.DeliveryMode)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestStatusEventsApplyThroughRabbitMQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbx := testutil.Postgres(ctx, t)
	conn := testutil.RabbitMQ(ctx, t)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	orders := repository.NewOrdersRepository(dbx)
	h := NewStatusConsumer(dbx, orders, repository.NewProcessedEventsRepository(),
		lock.NewRedisLocker(rdb, lock.Options{}, nil), nil)
	h.RequeueDelay = 50 * time.Millisecond

	topo := broker.DefaultTopology()
	topo.QueueType = "classic"

	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	if err := topo.Declare(ch); err != nil {
		t.Fatalf("declare: %v", err)
	}

	c := broker.NewConsumer(topo.Queue, h, nil)
	c.Workers = 4
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, ch) }()

	orderID := seedOrder(t, dbx, model.StatusCreated)

	pubCh, err := conn.Channel()
	if err != nil {
		t.Fatalf("publish channel: %v", err)
	}
	defer pubCh.Close()

	send := func(routingKey, eventID string) {
		t.Helper()
		data, _ := json.Marshal(model.OrderRef{OrderID: orderID})
		body, _ := json.Marshal(model.Envelope{
			EventID:      eventID,
			EventType:    routingKey,
			EventVersion: 1,
			OccurredAt:   time.Now().UTC(),
			ServiceName:  "vendor-service",
			Data:         data,
		})
		if err := pubCh.PublishWithContext(ctx, topo.Exchange, routingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   eventID,
			Body:        body,
		}); err != nil {
			t.Fatalf("publish %s: %v", routingKey, err)
		}
	}

	accepted := util.NewEventID()
	send(model.EventOrderAccepted, accepted)
	send(model.EventOrderAccepted, accepted) // redelivered duplicate
	send(model.EventOrderPreparing, util.NewEventID())

	deadline := time.Now().Add(15 * time.Second)
	for {
		status, version, found, err := currentStatus(ctx, dbx, orders, orderID)
		if err != nil {
			t.Fatalf("read status: %v", err)
		}
		if found && status == model.StatusPreparing {
			if version != 2 {
				t.Errorf("version = %d, want 2", version)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order status = %s, want %s", status, model.StatusPreparing)
		}
		time.Sleep(100 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func currentStatus(ctx context.Context, dbx *sqlx.DB, orders *repository.OrdersRepositoryImpl, id string) (model.OrderStatus, int64, bool, error) {
	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return "", 0, false, err
	}
	defer func() { _ = tx.Rollback() }()
	return orders.GetStatusForUpdate(ctx, tx, id)
}
