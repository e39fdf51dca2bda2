// Package cmd wires the service commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlinghub",
		Short: "Crawl orchestration service with transactional outbox delivery.",
		Long: `crawlinghub schedules and executes seller crawl tasks. Triggers are
idempotent per scheduling cycle, queue delivery runs through a transactional
outbox with retry and dead-letter escalation, and executions rotate over a
managed user-agent pool.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, env vars with prefix CRAWLHUB also apply)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
