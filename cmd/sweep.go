package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/server"
)

// newSweepCmd fails stale processing jobs once and exits. It suits a cron
// job when the API runs on a platform that scales to zero.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fails jobs stuck in processing past jobs.stale_after, then exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				_ = app.Close(context.WithoutCancel(cmd.Context()))
			}()

			n, err := app.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			zap.L().Info("sweep finished", zap.Int("failed_jobs", n))
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale job(s)\n", n)
			return nil
		},
	}
}
