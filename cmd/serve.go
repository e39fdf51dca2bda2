package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryu-qqq/crawlinghub/internal/app"
	"github.com/ryu-qqq/crawlinghub/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, schedulers, outbox sweeper, and crawl worker.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
