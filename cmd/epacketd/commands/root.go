// Package commands implements epacketd's cobra CLI surface, grounded on
// dantte-lp-gobfd's cmd/gobfdctl/commands package.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configPath is the YAML configuration file path shared by every
// subcommand; empty means defaults-plus-env only.
var configPath string

// rootCmd is the top-level cobra command for epacketd.
var rootCmd = &cobra.Command{
	Use:   "epacketd",
	Short: "ePacket demonstration daemon",
	Long:  "epacketd wires a dummy transport through the ePacket pipeline in device or gateway mode.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(gatewayCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
