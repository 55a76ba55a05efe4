// Package cmd defines the CLI commands for the bulletin-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/config"
	"github.com/JakeFAU/bulletin-crawler/internal/logging"
	"github.com/JakeFAU/bulletin-crawler/internal/server"
)

type ctxKey string

const (
	cfgKey    ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// buildApp is the application factory. Tests replace it.
var buildApp = server.Build

// newRootCmd creates the root command. Config and logging are resolved once
// in PersistentPreRunE and handed to subcommands through the context.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bulletin-crawler",
		Short: "Crawls bulletin listings and archives their PDF attachments.",
		Long: `bulletin-crawler walks the paginated news listing of a configured site,
collects article links, extracts PDF attachment links and downloads them.
In full pipeline mode every download is handed to a processing pool that
archives it, records it and announces it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.AddCommand(newServeCmd(), newCrawlCmd())
	return cmd
}

func resolve(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		return config.Config{}, nil, errors.New("logger not initialized")
	}
	return cfg, logger, nil
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}
