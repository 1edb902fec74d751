// Package cli implements the aasbridge command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

// Exit codes per failure category.
const (
	ExitOK          = 0
	ExitOther       = 1
	ExitConfig      = 2
	ExitPersistence = 3
	ExitIO          = 4
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
}

// NewRootCommand creates the root command for the aasbridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "aasbridge",
		Short: "AAS to Unified Namespace bridge daemon",
		Long: `aasbridge ingests Asset Administration Shell content and republishes
every leaf property onto an MQTT broker: retained UNS topics for late
subscribers and Sparkplug B birth/death sessions for SCADA consumers,
with a command path writing broker-originated changes back into the
AAS repository.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "config/config.yaml",
		"path to the configuration file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
