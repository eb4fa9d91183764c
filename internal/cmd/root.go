// Package cmd wires the slotd command-line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/validlab/slotd/internal/config"
	"github.com/validlab/slotd/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "slotd",
	Short: "Test slot execution supervisor",
	Long: `slotd supervises a fixed pool of test slots. Each slot runs one
externally-launched test script at a time; slotd tracks its live progress,
persists a durable snapshot of all slots, and reports terminal outcomes to
notification channels.`,
	SilenceUsage: true,
}

var (
	cfgPath string
	cfg     *config.Config
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: slotd.yaml in . or /etc/slotd)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		return observability.Init(cfg.Logging.Level, cfg.Logging.Development)
	}
}

// Execute runs the CLI. It is the only entry point for cmd/slotd.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}
