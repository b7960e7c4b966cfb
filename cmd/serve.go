package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/wiki-circuit/internal/config"
	"github.com/JakeFAU/wiki-circuit/internal/server"
)

// Runner is a built service.
type Runner interface {
	Run(ctx context.Context) error
}

// newApp builds the service. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (Runner, error) {
	return server.Build(ctx, cfg)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP job service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
