// Package app wires configuration, connections and workers for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/order-service/internal/broker"
	"github.com/jmehdipour/order-service/internal/config"
	"github.com/jmehdipour/order-service/internal/db"
	"github.com/jmehdipour/order-service/internal/kafka"
	"github.com/jmehdipour/order-service/internal/lock"
	"github.com/jmehdipour/order-service/internal/logger"
	"github.com/jmehdipour/order-service/internal/metrics"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/jmehdipour/order-service/internal/service/order"
	"github.com/jmehdipour/order-service/internal/telemetry"
	"github.com/jmehdipour/order-service/internal/vendor"
	"github.com/jmehdipour/order-service/internal/worker"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App owns the process-wide resources. Close releases them in reverse
// order of acquisition.
type App struct {
	Cfg config.Config
	Log *zap.Logger

	DB    *sqlx.DB
	Redis *redis.Client

	amqpMu     sync.Mutex
	amqp       *amqp.Connection
	amqpCloser bool

	closers []func() error
}

// New loads config and sets up logging, tracing and metrics.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding, cfg.Service.Name)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &App{Cfg: cfg, Log: log}
	a.closers = append(a.closers, func() error { _ = log.Sync(); return nil })

	shutdown, err := telemetry.InitTracerProvider(ctx, cfg.Service.Name, cfg.Service.Version, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	metrics.MustRegister(prometheus.DefaultRegisterer)
	return a, nil
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) OpenPostgres() error {
	if a.DB != nil {
		return nil
	}
	c := a.Cfg.Postgres
	dbx, err := db.NewPostgresConnection(c.DSN, db.PostgresOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	a.DB = dbx
	a.onClose(dbx.Close)
	return nil
}

func (a *App) OpenRedis() error {
	if a.Redis != nil {
		return nil
	}
	c := a.Cfg.Redis
	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: c.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	a.Redis = rdb
	a.onClose(rdb.Close)
	return nil
}

// RabbitMQ returns the shared broker connection, dialing again when the
// previous one was closed.
func (a *App) RabbitMQ(ctx context.Context) (*amqp.Connection, error) {
	a.amqpMu.Lock()
	defer a.amqpMu.Unlock()

	if a.amqp != nil && !a.amqp.IsClosed() {
		return a.amqp, nil
	}
	conn, err := db.NewRabbitMQConnection(ctx, db.RabbitMQOpts{URL: a.Cfg.RabbitMQ.URL})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	a.amqp = conn

	if !a.amqpCloser {
		a.amqpCloser = true
		a.onClose(func() error {
			a.amqpMu.Lock()
			defer a.amqpMu.Unlock()
			if a.amqp == nil || a.amqp.IsClosed() {
				return nil
			}
			return a.amqp.Close()
		})
	}
	return conn, nil
}

// RabbitMQReady reports whether the current broker connection is open.
func (a *App) RabbitMQReady(context.Context) error {
	a.amqpMu.Lock()
	defer a.amqpMu.Unlock()

	if a.amqp == nil || a.amqp.IsClosed() {
		return errors.New("connection closed")
	}
	return nil
}

// Topology maps the rabbitmq config section onto broker names.
func (a *App) Topology() broker.Topology {
	c := a.Cfg.RabbitMQ
	t := broker.DefaultTopology()
	if c.Exchange != "" {
		t.Exchange = c.Exchange
	}
	if c.Queue != "" {
		t.Queue = c.Queue
	}
	if len(c.BindingKeys) > 0 {
		t.BindingKeys = c.BindingKeys
	}
	if c.DeadLetterExchange != "" {
		t.DeadLetterExchange = c.DeadLetterExchange
	}
	if c.DeadLetterQueue != "" {
		t.DeadLetterQueue = c.DeadLetterQueue
	}
	if c.DeadLetterRoutingKey != "" {
		t.DeadLetterRoutingKey = c.DeadLetterRoutingKey
	}
	if c.QueueType != "" {
		t.QueueType = c.QueueType
	}
	t.DeliveryLimit = c.DeliveryLimit
	return t
}

// Publisher returns the outbox transport selected by outbox.transport.
func (a *App) Publisher(ctx context.Context) (broker.Publisher, error) {
	switch a.Cfg.Outbox.Transport {
	case "kafka":
		p := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      a.Cfg.Kafka.Brokers,
			TopicPrefix:  a.Cfg.Kafka.TopicPrefix,
			BatchTimeout: a.Cfg.Kafka.BatchTimeout,
		})
		a.onClose(p.Close)
		return p, nil

	case "", "rabbitmq":
		if _, err := a.RabbitMQ(ctx); err != nil {
			return nil, err
		}
		topo := a.Topology()
		p := broker.NewResilientPublisher(func(ctx context.Context) (broker.ClosablePublisher, error) {
			conn, err := a.RabbitMQ(ctx)
			if err != nil {
				return nil, err
			}
			return broker.NewRabbitPublisher(conn, topo)
		}, a.Log.Named("publisher"))
		a.onClose(p.Close)
		return p, nil

	default:
		return nil, fmt.Errorf("unknown outbox transport %q", a.Cfg.Outbox.Transport)
	}
}

func (a *App) OutboxRelay(pub broker.Publisher) *worker.OutboxRelay {
	c := a.Cfg.Outbox
	r := worker.NewOutboxRelay(a.DB, repository.NewOutboxRepository(a.DB), pub, a.Log.Named("outbox"))
	if c.PollInterval > 0 {
		r.PollInterval = c.PollInterval
	}
	if c.BatchSize > 0 {
		r.BatchSize = c.BatchSize
	}
	if c.MaxAttempts > 0 {
		r.MaxAttempts = c.MaxAttempts
	}
	return r
}

func (a *App) StatusConsumer() *worker.StatusConsumer {
	c := a.Cfg.Consumer
	locker := lock.NewRedisLocker(a.Redis, lock.Options{TTL: c.LockTTL, WaitTimeout: c.LockWait}, a.Log.Named("lock"))
	h := worker.NewStatusConsumer(
		a.DB,
		repository.NewOrdersRepository(a.DB),
		repository.NewProcessedEventsRepository(),
		locker,
		a.Log.Named("consumer"),
	)
	if c.LockTTL > 0 {
		h.LockTTL = c.LockTTL
	}
	if c.LockWait > 0 {
		h.LockWait = c.LockWait
	}
	h.RequeueDelay = c.RequeueDelay
	h.DeliveryLimit = int64(a.Cfg.RabbitMQ.DeliveryLimit)
	return h
}

// RunConsumer declares the topology and consumes until ctx is cancelled,
// reopening the channel (and the connection if needed) when the broker
// drops it.
func (a *App) RunConsumer(ctx context.Context, h broker.Handler) error {
	topo := a.Topology()
	c := broker.NewConsumer(topo.Queue, h, a.Log.Named("consumer"))
	if a.Cfg.Consumer.Workers > 0 {
		c.Workers = a.Cfg.Consumer.Workers
	}
	c.Tag = a.Cfg.Service.Name

	for {
		err := a.consumeOnce(ctx, topo, c)
		if ctx.Err() != nil {
			return nil
		}
		a.Log.Warn("consumer stopped, reconnecting", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (a *App) consumeOnce(ctx context.Context, topo broker.Topology, c *broker.Consumer) error {
	conn, err := a.RabbitMQ(ctx)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := topo.Declare(ch); err != nil {
		return err
	}
	a.Log.Info("consuming",
		zap.String("queue", topo.Queue),
		zap.Strings("binding_keys", topo.BindingKeys),
		zap.Int("workers", c.Workers),
	)
	return c.Run(ctx, ch)
}

// OrderService builds the order creation path with its vendor client.
func (a *App) OrderService() *order.Service {
	v := a.Cfg.Vendor
	menu := vendor.NewHTTPClient(vendor.Options{
		BaseURL:        v.BaseURL,
		Timeout:        v.Timeout,
		Retries:        v.Retries,
		RetryBaseDelay: v.RetryBaseDelay,
		CacheTTL:       v.CacheTTL,
		FailThreshold:  v.Breaker.FailThreshold,
		OpenFor:        v.Breaker.OpenFor,
	}, a.Redis, a.Log.Named("vendor"))

	return order.New(
		a.DB,
		repository.NewOrdersRepository(a.DB),
		repository.NewOutboxRepository(a.DB),
		menu,
		a.Cfg.Service.Name,
		a.Log.Named("orders"),
	)
}
