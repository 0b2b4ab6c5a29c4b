package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/broker/brokertest"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/model"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var outboxColumns = []string{
	"id", "event_id", "routing_key", "payload", "aggregate_type", "aggregate_id",
	"occurred_at", "published_at", "attempts", "last_error", "dead_lettered_at", "updated_at",
}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })

	return sqlx.NewDb(raw, "postgres"), mock
}

func envelopeJSON(t *testing.T, eventType, orderID string) []byte {
	t.Helper()

	env, err := model.NewEnvelope(eventType, "order-service", model.OrderRef{OrderID: orderID})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func newTestRelay(db *sqlx.DB, pub *brokertest.Publisher) *OutboxRelay {
	return NewOutboxRelay(db, repository.NewOutboxRepository(db), pub, nil)
}

func TestOutboxRelayProcessOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("empty batch commits and returns zero", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{}
		relay := newTestRelay(db, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs(10, 25).
			WillReturnRows(sqlmock.NewRows(outboxColumns))
		mock.ExpectCommit()

		n, err := relay.ProcessOnce(ctx)
		if err != nil || n != 0 {
			t.Fatalf("ProcessOnce() = %d, %v; want 0, nil", n, err)
		}
		if len(pub.Messages()) != 0 {
			t.Fatalf("published %d messages, want 0", len(pub.Messages()))
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("publishes in order and marks rows", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{}
		relay := newTestRelay(db, pub)

		body1 := envelopeJSON(t, model.EventOrderCreated, "7f1a1c8e-1d5e-4a56-9d2b-000000000001")
		body2 := envelopeJSON(t, model.EventOrderCreated, "7f1a1c8e-1d5e-4a56-9d2b-000000000002")

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WithArgs(10, 25).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(1, "e-1", model.EventOrderCreated, body1, "order", "o-1", now, nil, 0, nil, nil, now).
				AddRow(2, "e-2", model.EventOrderCreated, body2, "order", "o-2", now, nil, 2, "boom", nil, now))
		mock.ExpectExec(`SET published_at = NOW\(\)`).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`SET published_at = NOW\(\)`).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		before := testutil.ToFloat64(metrics.OutboxEventsTotal.WithLabelValues("published"))

		n, err := relay.ProcessOnce(ctx)
		if err != nil || n != 2 {
			t.Fatalf("ProcessOnce() = %d, %v; want 2, nil", n, err)
		}

		sent := pub.Messages()
		if len(sent) != 2 {
			t.Fatalf("published %d messages, want 2", len(sent))
		}
		if sent[0].Envelope.EventID != "e-1" || sent[1].Envelope.EventID != "e-2" {
			t.Errorf("event ids = %q, %q; want e-1, e-2 (row order)", sent[0].Envelope.EventID, sent[1].Envelope.EventID)
		}
		if sent[0].RoutingKey != model.EventOrderCreated || sent[0].AggregateID != "o-1" {
			t.Errorf("message 0 = %+v", sent[0])
		}
		if got := testutil.ToFloat64(metrics.OutboxEventsTotal.WithLabelValues("published")) - before; got != 2 {
			t.Errorf("published counter delta = %v, want 2", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("publish failure counts attempt and keeps row pending", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{Err: errors.New("broker unavailable")}
		relay := newTestRelay(db, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(5, "e-5", model.EventOrderCreated, envelopeJSON(t, model.EventOrderCreated, "o-5"), "order", "o-5", now, nil, 3, nil, nil, now))
		mock.ExpectQuery(`SET attempts = attempts \+ 1`).
			WithArgs(int64(5), "broker unavailable").
			WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(4))
		mock.ExpectCommit()

		n, err := relay.ProcessOnce(ctx)
		if err != nil || n != 1 {
			t.Fatalf("ProcessOnce() = %d, %v; want 1, nil", n, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("last allowed failure dead-letters the row", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{Err: errors.New("broker unavailable")}
		relay := newTestRelay(db, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(9, "e-9", model.EventOrderCreated, envelopeJSON(t, model.EventOrderCreated, "o-9"), "order", "o-9", now, nil, 9, "x", nil, now))
		mock.ExpectQuery(`SET attempts = attempts \+ 1`).
			WithArgs(int64(9), "broker unavailable").
			WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(10))
		mock.ExpectExec(`SET dead_lettered_at = NOW\(\)`).
			WithArgs(int64(9), "broker unavailable").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		before := testutil.ToFloat64(metrics.OutboxEventsTotal.WithLabelValues("dead_lettered"))

		if _, err := relay.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce() error = %v", err)
		}
		if got := testutil.ToFloat64(metrics.OutboxEventsTotal.WithLabelValues("dead_lettered")) - before; got != 1 {
			t.Errorf("dead_lettered counter delta = %v, want 1", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("undecodable payload is a publish failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{}
		relay := newTestRelay(db, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(3, "e-3", model.EventOrderCreated, []byte(`not-json`), "order", "o-3", now, nil, 0, nil, nil, now))
		mock.ExpectQuery(`SET attempts = attempts \+ 1`).
			WithArgs(int64(3), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(1))
		mock.ExpectCommit()

		if _, err := relay.ProcessOnce(ctx); err != nil {
			t.Fatalf("ProcessOnce() error = %v", err)
		}
		if len(pub.Messages()) != 0 {
			t.Fatal("undecodable payload was published")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("mark published error rolls back the batch", func(t *testing.T) {
		db, mock := newMockDB(t)
		pub := &brokertest.Publisher{}
		relay := newTestRelay(db, pub)

		mock.ExpectBegin()
		mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
			WillReturnRows(sqlmock.NewRows(outboxColumns).
				AddRow(1, "e-1", model.EventOrderCreated, envelopeJSON(t, model.EventOrderCreated, "o-1"), "order", "o-1", now, nil, 0, nil, nil, now))
		mock.ExpectExec(`SET published_at = NOW\(\)`).WillReturnError(errors.New("conn reset"))
		mock.ExpectRollback()

		if _, err := relay.ProcessOnce(ctx); err == nil {
			t.Fatal("ProcessOnce() error = nil, want error")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatal(err)
		}
	})
}

// memOutbox is a non-transactional in-memory outbox used to drive the relay
// over several cycles.
type memOutbox struct {
	mu   sync.Mutex
	rows []*model.OutboxEvent
}

func (m *memOutbox) Insert(_ context.Context, _ *sqlx.Tx, ev model.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, &ev)
	return nil
}

func (m *memOutbox) ClaimBatch(_ context.Context, _ *sqlx.Tx, maxAttempts, limit int) ([]model.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxEvent
	for _, r := range m.rows {
		if r.PublishedAt == nil && r.DeadLetteredAt == nil && r.Attempts < maxAttempts && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memOutbox) find(id int64) *model.OutboxEvent {
	for _, r := range m.rows {
		if r.ID == id {
			return r
		}
	}
	return nil
}

func (m *memOutbox) MarkPublished(_ context.Context, _ *sqlx.Tx, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.find(id).PublishedAt = &now
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, _ *sqlx.Tx, id int64, cause string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(id)
	r.Attempts++
	r.LastError = &cause
	return r.Attempts, nil
}

func (m *memOutbox) MarkDeadLettered(_ context.Context, _ *sqlx.Tx, id int64, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r := m.find(id)
	r.DeadLetteredAt = &now
	r.LastError = &cause
	return nil
}

func (m *memOutbox) ReplayDeadLettered(_ context.Context, _ *sqlx.Tx, eventID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.DeadLetteredAt != nil && r.PublishedAt == nil && (eventID == "" || r.EventID == eventID) {
			r.DeadLetteredAt, r.Attempts, r.LastError = nil, 0, nil
			n++
		}
	}
	return n, nil
}

func (m *memOutbox) attempts(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(id).Attempts
}

func (m *memOutbox) Stats(context.Context) (model.OutboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s model.OutboxStats
	for _, r := range m.rows {
		switch {
		case r.PublishedAt != nil:
			s.Published++
		case r.DeadLetteredAt != nil:
			s.DeadLettered++
		default:
			s.Pending++
		}
	}
	return s, nil
}

func TestOutboxRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(true)

	store := &memOutbox{}
	_ = store.Insert(ctx, nil, model.OutboxEvent{
		EventID:     "e-1",
		RoutingKey:  model.EventOrderCreated,
		Payload:     envelopeJSON(t, model.EventOrderCreated, "o-1"),
		AggregateID: "o-1",
	})

	pub := &brokertest.Publisher{Err: errors.New("broker unavailable")}
	relay := NewOutboxRelay(db, store, pub, nil)

	for i := 1; i <= 10; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
		n, err := relay.ProcessOnce(ctx)
		if err != nil || n != 1 {
			t.Fatalf("cycle %d: ProcessOnce() = %d, %v; want 1, nil", i, n, err)
		}
	}

	row := store.rows[0]
	if row.Attempts != 10 {
		t.Errorf("attempts = %d, want 10", row.Attempts)
	}
	if row.DeadLetteredAt == nil {
		t.Fatal("dead_lettered_at not set after 10 failures")
	}
	if row.PublishedAt != nil {
		t.Fatal("published_at set on a row that never published")
	}

	// the row is no longer claimable even once the broker recovers
	pub.Err = nil
	mock.ExpectBegin()
	mock.ExpectCommit()
	n, err := relay.ProcessOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("after dead-letter: ProcessOnce() = %d, %v; want 0, nil", n, err)
	}
	if len(pub.Messages()) != 0 {
		t.Fatal("dead-lettered row was published")
	}

	// replay makes it publishable again
	if n, _ := store.ReplayDeadLettered(ctx, nil, "e-1"); n != 1 {
		t.Fatalf("ReplayDeadLettered() = %d, want 1", n)
	}
	mock.ExpectBegin()
	mock.ExpectCommit()
	if _, err := relay.ProcessOnce(ctx); err != nil {
		t.Fatalf("after replay: ProcessOnce() error = %v", err)
	}
	if len(pub.Messages()) != 1 || store.rows[0].PublishedAt == nil {
		t.Fatal("replayed row was not published")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxRelayRunStopsOnCancel(t *testing.T) {
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 100; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	relay := NewOutboxRelay(db, &memOutbox{}, &brokertest.Publisher{}, nil)
	relay.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestOutboxRelayRunSpendsOneAttemptPerTick(t *testing.T) {
	db, mock := newMockDB(t)
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 20; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	store := &memOutbox{}
	_ = store.Insert(context.Background(), nil, model.OutboxEvent{
		EventID:     "e-1",
		RoutingKey:  model.EventOrderCreated,
		Payload:     envelopeJSON(t, model.EventOrderCreated, "o-1"),
		AggregateID: "o-1",
	})

	relay := NewOutboxRelay(db, store, &brokertest.Publisher{Err: broker.ErrNacked}, nil)
	relay.BatchSize = 1
	relay.PollInterval = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for store.attempts(1) == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("first tick never attempted the row")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// well inside the second interval
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if got := store.attempts(1); got != 1 {
		t.Errorf("attempts after one tick = %d, want 1", got)
	}
	s, _ := store.Stats(context.Background())
	if s.DeadLettered != 0 || s.Pending != 1 {
		t.Errorf("stats = %+v, want the row still pending", s)
	}
}
