package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ghostfetch/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the fetch engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := resolveDeps(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), deps.cfg, deps.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("run application: %w", err)
			}
			return nil
		},
	}
}
