// Package cmd defines and implements the CLI commands for the sitecorpus executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sitecorpus/internal/config"
)

type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject configuration.
var loadConfig = func(path string, envFiles []string) (config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		envFiles []string
	)
	cmd := &cobra.Command{
		Use:   "sitecorpus",
		Short: "Turns websites into plain-text corpora ready for embedding.",
		Long: `sitecorpus runs scrape jobs on behalf of authenticated users: it crawls a
target site, folds the readable text into one document per job, stores it and
records the job so callers can fetch or delete it later.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile, envFiles)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); env vars use the SITECORPUS_ prefix")
	cmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading config (default .env)")

	cmd.AddCommand(newServeCmd(), newSweepCmd(), newCrawlCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
