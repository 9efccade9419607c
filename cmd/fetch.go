package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/server"
)

// newFetchCmd runs a single job on an in-memory store and prints the
// terminal job as JSON.
func newFetchCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Fetch one URL and print the resulting job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := resolveDeps(cmd.Context())
			if err != nil {
				return err
			}
			cfg := deps.cfg
			cfg.Store.Driver = "memory"
			if timeout > cfg.Sync.MaxTimeout {
				cfg.Sync.MaxTimeout = timeout
			}

			app, err := server.Build(cmd.Context(), cfg, deps.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer app.Close()

			j, fetchErr := app.Fetch(cmd.Context(), args[0], timeout)
			if j.ID != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(j); err != nil {
					return fmt.Errorf("encode job: %w", err)
				}
			}
			if fetchErr != nil {
				deps.logger.Warn("fetch did not finish", zap.String("url", args[0]), zap.Error(fetchErr))
				return fetchErr
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for the job")
	return cmd
}
