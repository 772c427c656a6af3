package cmd

import (
	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [execution_id]",
	Short: "Stop a running execution",
	Long: `Ask a running execution to stop. The style in progress finishes first,
so the execution may still report running for a moment.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		if err := client.StopExecution(cmd.Context(), args[0]); err != nil {
			printAPIError(cmd, "Stop", err)
			return
		}
		cmd.Printf("%s Stop requested for execution %s\n", statusIcon("stopped"), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [execution_id]",
	Short: "Resume a stopped or interrupted execution",
	Long: `Continue an execution with the styles it has not produced yet.
Styles generated by earlier runs are not charged again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		execution, err := client.ResumeExecution(cmd.Context(), args[0])
		if err != nil {
			printAPIError(cmd, "Resume", err)
			return
		}
		cmd.Printf("%s Execution %s resumed (%d of %d styles already done)\n",
			statusIcon(execution.Status), execution.ID, execution.Stats.AlreadyDone, execution.Stats.TotalCandidates)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
}
