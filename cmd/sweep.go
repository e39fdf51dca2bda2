package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/config"
	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/outbox"
	"github.com/ryu-qqq/crawlinghub/internal/queue"
	"github.com/ryu-qqq/crawlinghub/internal/storage/postgres"
)

// newSweepCmd runs a single outbox sweep and exits. Useful for deployments
// that drive sweeps from an external scheduler instead of the serve loop.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one outbox retry sweep and exit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			ctx := cmd.Context()

			store, err := postgres.New(ctx, postgres.Config{
				DSN:      cfg.Database.DSN,
				MaxConns: cfg.Database.MaxConns,
				MinConns: cfg.Database.MinConns,
			})
			if err != nil {
				return fmt.Errorf("postgres init failed: %w", err)
			}
			defer store.Close()

			var sender crawl.QueueSender
			if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicID == "" {
				sender = queue.NewNoop(logger)
			} else {
				ps, err := queue.New(ctx, queue.Config{
					ProjectID: cfg.PubSub.ProjectID,
					TopicID:   cfg.PubSub.TopicID,
				}, logger)
				if err != nil {
					return fmt.Errorf("pubsub init failed: %w", err)
				}
				defer func() {
					if cErr := ps.Close(); cErr != nil {
						logger.Warn("pubsub close failed", zap.Error(cErr))
					}
				}()
				sender = ps
			}

			clock := crawl.SystemClock{}
			publisher := outbox.NewPublisher(store, store, sender, clock, outbox.Config{
				MaxRetries:  cfg.Outbox.MaxRetries,
				SendTimeout: cfg.SendTimeout(),
				Backoff: outbox.NewBackoff(
					time.Duration(cfg.Outbox.BackoffBaseMs)*time.Millisecond,
					time.Duration(cfg.Outbox.BackoffMaxMs)*time.Millisecond,
					cfg.Outbox.BackoffJitter,
				),
			}, logger)
			sweeper := outbox.NewSweeper(store, store, publisher, clock, outbox.SweeperConfig{
				BatchSize:   cfg.Outbox.SweepBatchSize,
				StaleLease:  time.Duration(cfg.Outbox.StaleLeaseSecs) * time.Second,
				TaskLease:   time.Duration(cfg.Crawl.StaleRunningSecs) * time.Second,
				MaxAttempts: cfg.Crawl.MaxAttempts,
			}, logger)

			attempted, err := sweeper.Sweep(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			logger.Info("sweep finished", zap.Int("attempted", attempted))
			return nil
		},
	}
}
