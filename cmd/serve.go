package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the ops server, processing pool and scheduled crawls",
		Long: `serve starts the task service, the document processing pool and the
ops HTTP server (/healthz, /readyz, /metrics, /debug/tasks). When
crawl.schedule is set, crawls of crawl.site are started on that cron
schedule. The process drains and exits on SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := resolve(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("serving", zap.Strings("sites", app.Crawls().Sites()), zap.Int("port", cfg.Server.Port))
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("serve finished")
	return nil
}
