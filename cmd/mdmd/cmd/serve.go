package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mdmd.sh/internal/app"
	"mdmd.sh/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			settings, err := config.Load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, settings)
			if err != nil {
				return err
			}
			return application.Run(ctx)
		},
	}
}
