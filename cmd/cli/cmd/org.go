package cmd

import (
	"boardgen/pkg/api"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	orgName           string
	orgInitialCredits int64
	grantAmount       int64
	grantReference    string
)

var orgCmd = &cobra.Command{
	Use:   "org",
	Short: "Operator commands for organizations and credits",
	Long:  `These commands use the admin secret, not an organization API key.`,
}

var orgCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an organization and print its API key",
	Run: func(cmd *cobra.Command, args []string) {
		client := adminClient(cmd)
		if client == nil {
			return
		}
		if orgName == "" {
			cmd.Println("Error: --name is required")
			return
		}

		result, err := client.CreateOrganization(cmd.Context(), api.CreateOrganizationRequest{
			Name:           orgName,
			InitialCredits: orgInitialCredits,
		})
		if err != nil {
			printAPIError(cmd, "Create", err)
			return
		}

		cmd.Printf("%s Organization created\n", statusIcon("completed"))
		cmd.Printf("%sID:%s      %s\n", colorDim, colorReset, result.ID)
		cmd.Printf("%sName:%s    %s\n", colorDim, colorReset, result.Name)
		cmd.Printf("%sAPI key:%s %s\n", colorDim, colorReset, result.ApiKey)
		cmd.Println("Store the key now, it is not shown again.")
	},
}

var orgGrantCmd = &cobra.Command{
	Use:   "grant [organization_id]",
	Short: "Grant credits to an organization",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := adminClient(cmd)
		if client == nil {
			return
		}
		if grantAmount <= 0 {
			cmd.Println("Error: --amount must be positive")
			return
		}

		result, err := client.GrantCredits(cmd.Context(), api.GrantCreditsRequest{
			OrganizationID: args[0],
			Amount:         grantAmount,
			Reference:      grantReference,
		})
		if err != nil {
			printAPIError(cmd, "Grant", err)
			return
		}
		cmd.Printf("%s Granted %s credits, balance is now %s\n",
			statusIcon("completed"), humanize.Comma(grantAmount), humanize.Comma(result.Balance))
	},
}

func init() {
	orgCreateCmd.Flags().StringVar(&orgName, "name", "", "Organization name")
	orgCreateCmd.Flags().Int64Var(&orgInitialCredits, "credits", 0, "Credits granted on creation")

	orgGrantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "Credits to grant")
	orgGrantCmd.Flags().StringVar(&grantReference, "reference", "", "Reference recorded with the grant, e.g. an invoice id")

	orgCmd.AddCommand(orgCreateCmd)
	orgCmd.AddCommand(orgGrantCmd)
	rootCmd.AddCommand(orgCmd)
}
