package worker

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/order-service/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one background loop on its own",
	}
	// attach subcommands
	cmd.AddCommand(outboxCmd)
	cmd.AddCommand(consumerCmd)

	return cmd
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Relay outbox rows to the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.OpenPostgres(); err != nil {
				return err
			}
			pub, err := a.Publisher(ctx)
			if err != nil {
				return err
			}
			a.Log.Info("outbox relay started", zap.String("transport", a.Cfg.Outbox.Transport))
			return a.OutboxRelay(pub).Run(ctx)
		})
	},
}

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Apply inbound order status events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.OpenPostgres(); err != nil {
				return err
			}
			if err := a.OpenRedis(); err != nil {
				return err
			}
			return a.RunConsumer(ctx, a.StatusConsumer())
		})
	},
}

func withApp(cmd *cobra.Command, fn func(context.Context, *app.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
