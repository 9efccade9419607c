// Package cmd defines and implements the CLI commands for the ghostfetch executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ghostfetch/internal/config"
	"github.com/JakeFAU/ghostfetch/internal/logging"
)

type appDeps struct {
	cfg    config.Config
	logger *zap.Logger
}

type depsKeyType struct{}

var depsKey depsKeyType

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "ghostfetch",
		Short: "Browser-backed page fetching with per-host pacing.",
		Long: `ghostfetch accepts URLs over HTTP, fetches them through a bounded pool
of browser sessions while keeping a minimum spacing between requests to
the same host, and returns extracted page content synchronously or via
callbacks.`,
		SilenceUsage: true,

		// Runs before every subcommand so each gets validated config and a logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), depsKey, appDeps{cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (env GHOSTFETCH_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newFetchCmd())
	return cmd
}

func resolveDeps(ctx context.Context) (appDeps, error) {
	deps, ok := ctx.Value(depsKey).(appDeps)
	if !ok {
		return appDeps{}, fmt.Errorf("application config not initialized")
	}
	return deps, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
