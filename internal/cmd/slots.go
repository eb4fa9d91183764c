package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/validlab/slotd/pkg/slot"
)

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Print the current slot snapshot",
	Long: `Print the slots recorded in the durable snapshot file.

This reads the snapshot directly and works whether or not a slotd server is
running; a running server may be mid-debounce, so very recent progress
updates can lag by a fraction of a second.`,
	RunE: runSlots,
}

var slotsOutput string

func init() {
	rootCmd.AddCommand(slotsCmd)

	slotsCmd.Flags().StringVarP(&slotsOutput, "output", "o", "table", "Output format (table|json|yaml)")
}

func runSlots(cmd *cobra.Command, args []string) error {
	store := slot.NewStore(cfg.Data.File)
	slots, err := store.Load()
	if err != nil {
		return err
	}
	if slots == nil {
		fmt.Printf("no snapshot at %s\n", cfg.Data.File)
		return nil
	}

	switch slotsOutput {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(slots)
	case "yaml":
		return yaml.NewEncoder(os.Stdout).Encode(slots)
	case "table":
		printSlotsTable(slots)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", slotsOutput)
	}
}

func printSlotsTable(slots []slot.Slot) {
	fmt.Printf("%-4s %-10s %-16s %-24s %9s  %s\n", "ID", "STATUS", "OWNER", "TEST CASE", "PROGRESS", "ERROR")
	for _, sl := range slots {
		errMsg := sl.ErrorMsg
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		fmt.Printf("%-4d %-10s %-16s %-24s %8d%%  %s\n",
			sl.ID, sl.Status, truncate(sl.Owner, 16), truncate(sl.TestCase, 24), sl.Progress, errMsg)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
