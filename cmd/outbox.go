package cmd

import (
	"fmt"

	"github.com/jmehdipour/order-service/internal/app"
	"github.com/jmehdipour/order-service/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var replayAllDead bool

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the transactional outbox",
}

var outboxReplayCmd = &cobra.Command{
	Use:   "replay [event_id]",
	Short: "Make dead-lettered outbox events publishable again",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !replayAllDead {
			return fmt.Errorf("pass an event_id or --all-dead")
		}
		if len(args) == 1 && replayAllDead {
			return fmt.Errorf("event_id and --all-dead are mutually exclusive")
		}

		a, err := app.New(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.OpenPostgres(); err != nil {
			return err
		}

		eventID := ""
		if len(args) == 1 {
			eventID = args[0]
		}

		n, err := repository.NewOutboxRepository(a.DB).ReplayDeadLettered(cmd.Context(), nil, eventID)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		a.Log.Info("outbox events replayed", zap.String("event_id", eventID), zap.Int64("count", n))
		fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s)\n", n)
		return nil
	},
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count pending, published and dead-lettered outbox events",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(cmd.Context(), cfgPath)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.OpenPostgres(); err != nil {
			return err
		}

		s, err := repository.NewOutboxRepository(a.DB).Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pending=%d published=%d dead_lettered=%d\n", s.Pending, s.Published, s.DeadLettered)
		return nil
	},
}

func init() {
	outboxReplayCmd.Flags().BoolVar(&replayAllDead, "all-dead", false, "replay every dead-lettered event")
	outboxCmd.AddCommand(outboxReplayCmd, outboxStatsCmd)
}
