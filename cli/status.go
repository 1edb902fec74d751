package cli

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hadijannat/aas-uns-bridge/config"
)

// NewStatusCommand creates the status command: interrogate a running
// daemon over its health endpoint.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the status of a running bridge instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rootOpts.ConfigFile)
			if err != nil {
				return &ExitError{Code: ExitConfig, Err: err}
			}

			client := &http.Client{Timeout: 5 * time.Second}
			url := fmt.Sprintf("http://localhost:%d/status", cfg.Observability.HealthPort)
			resp, err := client.Get(url)
			if err != nil {
				return &ExitError{Code: ExitIO, Err: fmt.Errorf("bridge not reachable at %s: %w", url, err)}
			}
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return &ExitError{Code: ExitIO, Err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))

			if resp.StatusCode != http.StatusOK {
				return &ExitError{Code: ExitOther, Err: fmt.Errorf("bridge reports unhealthy (%s)", resp.Status)}
			}
			return nil
		},
	}
}
