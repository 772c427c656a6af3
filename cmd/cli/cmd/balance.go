package cmd

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the credit balance of your organization",
	Run: func(cmd *cobra.Command, args []string) {
		client := organizationClient(cmd)
		if client == nil {
			return
		}
		balance, err := client.GetBalance(cmd.Context())
		if err != nil {
			printAPIError(cmd, "Balance", err)
			return
		}
		cmd.Printf("%sBalance:%s %s credits\n", colorDim, colorReset, humanize.Comma(balance.Balance))
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
