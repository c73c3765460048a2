package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/bizpilot/internal/securemem"
)

var (
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bizpilot",
	Short: "Conversational assistant that drives business tools",
	Long: `bizpilot answers chat requests by letting a language model call business
tools (clients, quotes, invoices, tasks) under a per-request time budget.

Use 'bizpilot serve' to run the HTTP API, 'bizpilot chat' for a one-off
request from the terminal and 'bizpilot tools' to list the tool catalogue.`,
	SilenceUsage: true,
}

func main() {
	securemem.Init()
	err := rootCmd.Execute()
	securemem.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON, defaults to the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error, none)")
}
