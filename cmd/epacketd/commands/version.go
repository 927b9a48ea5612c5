package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the build version, set at build time via ldflags.
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print epacketd build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("epacketd %s\n", Version)
		},
	}
}
