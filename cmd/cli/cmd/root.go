package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "boardctl",
	Short: "boardctl is a command line tool for the boardgen generation service",
	Long: `boardctl is the command-line interface for boardgen, the bulk content
generation engine behind the mood board catalog.

Each submitted batch becomes an execution that walks the selected styles one
by one, charging credits per style and refunding them when a style fails.

Common workflows:

  Import the style catalog:
    boardctl units import styles.yaml

  Preview the cost of a batch:
    boardctl estimate --unit-count 20 --images

  Submit a batch and follow it:
    boardctl submit --category minimal --only-missing --watch

  Check, stop or resume an execution:
    boardctl status <execution-id>
    boardctl stop <execution-id>
    boardctl resume <execution-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    BOARDGEN_URL            API endpoint (default: http://localhost:6161)
    BOARDGEN_TOKEN          Organization API key
    BOARDGEN_ADMIN_SECRET   Operator secret for the org commands`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".boardctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".boardctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "BOARDGEN_VARNAME"
	viper.SetEnvPrefix("BOARDGEN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// organizationClient returns a client for the organization endpoints, or
// prints a hint and returns nil when no token is configured.
func organizationClient(cmd *cobra.Command) *BoardClient {
	token := viper.GetString("token")
	if token == "" {
		cmd.Println("API token not found. Please set it using the --token flag or the BOARDGEN_TOKEN environment variable")
		return nil
	}
	return NewBoardClient(viper.GetString("url"), token)
}

// adminClient returns a client for the operator endpoints.
func adminClient(cmd *cobra.Command) *BoardClient {
	secret := viper.GetString("admin_secret")
	if secret == "" {
		cmd.Println("Admin secret not found. Please set it using the --admin-secret flag or the BOARDGEN_ADMIN_SECRET environment variable")
		return nil
	}
	return NewBoardClient(viper.GetString("url"), secret)
}

// printAPIError prints err with the status code when the server answered.
func printAPIError(cmd *cobra.Command, action string, err error) {
	if apiErr, ok := err.(*APIError); ok {
		cmd.Printf("%s failed (%d): %s\n", action, apiErr.StatusCode, apiErr.Message)
		return
	}
	cmd.Printf("%s failed: %v\n", action, err)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.boardctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "boardgen controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Organization API key")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().String("admin-secret", "", "Operator secret for organization and credit commands")
	viper.BindPFlag("admin_secret", rootCmd.PersistentFlags().Lookup("admin-secret"))
}
