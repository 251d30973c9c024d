package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewBatchCommand creates the batch command group.
func NewBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Batch delivery operations",
		Long: `Trigger and inspect batch delivery of deferred notifications.

Non-priority items for owners with batching enabled accumulate until a batch
cycle delivers them as a summary followed by individual proposals. The
service runs cycles on its own schedule; 'batch run' forces one immediately.`,
	}

	cmd.AddCommand(newBatchRunCommand())
	return cmd
}

func newBatchRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one batch delivery cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := apiClient()
			if err != nil {
				return err
			}

			report, err := c.RunBatch(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cfg) {
				return printJSON(report)
			}
			fmt.Printf("Owners processed: %d\n", report.OwnersProcessed)
			fmt.Printf("Owners skipped:   %d\n", report.OwnersSkipped)
			fmt.Printf("Messages sent:    %d\n", report.MessagesSent)
			fmt.Printf("Failures:         %d\n", report.Failures)
			return nil
		},
	}
}
