package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/logging"
	"github.com/JakeFAU/sitecorpus/internal/normalize"
	"github.com/JakeFAU/sitecorpus/internal/registry"
	"github.com/JakeFAU/sitecorpus/internal/server"
)

// newCrawlCmd previews what a job for the URL would store, without touching
// quotas, the job store or blob storage.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawls a site with the configured engine and prints the normalized document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			target, err := registry.ValidateTargetURL(args[0])
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Tracing.ServiceName)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			crawler, err := server.NewCrawler(cfg.Crawl, logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Jobs.CrawlTimeout)
			defer cancel()

			result, err := crawler.Crawl(ctx, target)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", target, err)
			}
			doc := normalize.Normalize(result.Pages)
			logger.Info("crawl preview",
				zap.String("source", result.Source),
				zap.Int("records", len(result.Pages)),
				zap.Int("usable", doc.PageCount),
			)
			if doc.Empty() {
				return errors.New("no usable pages")
			}
			fmt.Fprint(cmd.OutOrStdout(), doc.Text)
			return nil
		},
	}
}
