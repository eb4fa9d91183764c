package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/validlab/slotd/internal/observability"
	"github.com/validlab/slotd/pkg/slot"
)

var resetAllCmd = &cobra.Command{
	Use:   "reset-all",
	Short: "Reset every slot in the snapshot to idle",
	Long: `Rewrite the snapshot file with every slot reset to the idle defaults.

This is an offline operation against the snapshot file. With a running slotd
server, use POST /api/slots/reset-all instead so live processes are stopped
as well.`,
	RunE: runResetAll,
}

func init() {
	rootCmd.AddCommand(resetAllCmd)
}

func runResetAll(cmd *cobra.Command, args []string) error {
	store := slot.NewStore(cfg.Data.File)
	reg, err := slot.NewRegistry(cfg.Slots.Count, store, observability.Logger)
	if err != nil {
		return err
	}

	for id := 0; id < reg.Count(); id++ {
		if _, err := reg.Update(id, func(sl *slot.Slot) { sl.ResetToIdle() }); err != nil {
			return err
		}
	}
	if err := reg.Flush(); err != nil {
		return err
	}

	fmt.Printf("reset %d slots in %s\n", reg.Count(), cfg.Data.File)
	return nil
}
