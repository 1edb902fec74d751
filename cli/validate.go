package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/mapping"
)

// NewValidateCommand creates the validate command: load and check the
// configuration without starting the daemon.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and mapping files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rootOpts.ConfigFile)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}
			if _, err := mapping.LoadDocument(cfg.Mapping.File); err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: broker=%s group=%s edge_node=%s\n",
				cfg.Broker.URL(), cfg.Sparkplug.GroupID, cfg.Sparkplug.EdgeNodeID)
			return nil
		},
	}
}
