package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"boardgen/pkg/api"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [execution_id]",
	Short: "Follow the progress events of an execution",
	Long: `Stream the live events of a running execution until it finishes.
Events emitted before the watch started are not replayed; use status for the
current state.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		watchExecution(cmd.Context(), cmd, client, args[0])
	},
}

// watchExecution prints events until the stream ends or the user interrupts.
func watchExecution(ctx context.Context, cmd *cobra.Command, client *BoardClient, executionID string) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := client.StreamEvents(ctx, executionID, func(ev api.Event) {
		printEvent(cmd, ev)
	})
	if err != nil && ctx.Err() == nil {
		printAPIError(cmd, "Watch", err)
	}
}

func printEvent(cmd *cobra.Command, ev api.Event) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case api.EventStart:
		cmd.Printf("%s%s%s %s started with %d styles\n", colorDim, ts, colorReset, statusIcon("running"), ev.Total)
	case api.EventProgress:
		if ev.Error != "" {
			cmd.Printf("%s%s%s [%d/%d] %s %s✗ %s%s\n", colorDim, ts, colorReset, ev.Processed, ev.Total, ev.UnitID, colorRed, ev.Error, colorReset)
			return
		}
		cmd.Printf("%s%s%s [%d/%d] %s\n", colorDim, ts, colorReset, ev.Processed, ev.Total, ev.UnitID)
	case api.EventUnitCompleted:
		cmd.Printf("%s%s%s %s✓%s %s %s%s%s\n", colorDim, ts, colorReset, colorGreen, colorReset, ev.UnitName, colorDim, ev.ExternalReference, colorReset)
	case api.EventMetrics:
		if ev.CallCounts != nil {
			cmd.Printf("%s%s calls: %d text, %d images, %d tokens%s\n", colorDim, ts,
				ev.CallCounts.Selection+ev.CallCounts.MainContent+ev.CallCounts.RoomProfile,
				ev.CallCounts.Images, ev.CallCounts.InputTokens+ev.CallCounts.OutputTokens, colorReset)
		}
	case api.EventComplete, api.EventError:
		cmd.Printf("%s%s%s Execution finished: %s\n", colorDim, ts, colorReset, colorizeStatus(ev.Status))
		if ev.Stats != nil {
			cmd.Printf("  created %d, updated %d, skipped %d, errors %d\n",
				ev.Stats.Created, ev.Stats.Updated, ev.Stats.Skipped, ev.Stats.ErrorsCount)
		}
		if ev.ActualCost != nil {
			cmd.Printf("  cost %s\n", formatCost(*ev.ActualCost))
		}
		if ev.Error != "" {
			cmd.Printf("  %s%s%s\n", colorRed, ev.Error, colorReset)
		}
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
