package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information, overridden at link time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "aasbridge %s (built %s, %s)\n",
				Version, BuildTime, runtime.Version())
		},
	}
}
