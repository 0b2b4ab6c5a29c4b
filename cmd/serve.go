package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jmehdipour/order-service/internal/app"
	httpSrv "github.com/jmehdipour/order-service/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server, outbox relay and status consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.OpenPostgres(); err != nil {
			return err
		}
		if err := a.OpenRedis(); err != nil {
			return err
		}
		if _, err := a.RabbitMQ(ctx); err != nil {
			return err
		}
		pub, err := a.Publisher(ctx)
		if err != nil {
			return err
		}

		server := httpSrv.NewServer(a.Cfg, httpSrv.Deps{
			Orders: a.OrderService(),
			Redis:  a.Redis,
			Log:    a.Log.Named("http"),
			Checks: []httpSrv.HealthCheck{
				{Name: "postgres", Check: a.DB.PingContext},
				{Name: "redis", Check: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
				{Name: "rabbitmq", Check: a.RabbitMQReady},
			},
		})

		// workers stop on their own context so HTTP can drain first
		wctx, stopWorkers := context.WithCancel(context.Background())
		defer stopWorkers()

		var wg sync.WaitGroup
		errCh := make(chan error, 3)
		run := func(name string, fn func() error) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fn(); err != nil {
					a.Log.Error(name+" exited", zap.Error(err))
					errCh <- err
				}
			}()
		}

		run("http server", server.Start)
		run("outbox relay", func() error { return a.OutboxRelay(pub).Run(wctx) })
		run("status consumer", func() error { return a.RunConsumer(wctx, a.StatusConsumer()) })

		var runErr error
		select {
		case <-ctx.Done():
			a.Log.Info("signal received, shutting down")
		case runErr = <-errCh:
		}

		sctx, cancel := context.WithTimeout(context.Background(), a.Cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.Log.Warn("http shutdown", zap.Error(err))
		}

		stopWorkers()
		wg.Wait()
		return runErr
	},
}
