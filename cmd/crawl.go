package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/bulletin-crawler/internal/task"
)

type crawlOptions struct {
	site    string
	mode    string
	ownerID string
}

func newCrawlCmd() *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and prints its result",
		Long: `crawl runs a single crawl of the given site in the foreground and
prints the final task snapshot as JSON. A full_pipeline crawl waits for the
processing pool to drain before exiting.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.site, "site", "", "registered site to crawl (defaults to crawl.site)")
	cmd.Flags().StringVar(&opts.mode, "type", "", "crawl type: simple or full_pipeline (defaults to crawl.type)")
	cmd.Flags().StringVar(&opts.ownerID, "owner", "", "owner id recorded on the task")
	return cmd
}

func runCrawl(cmd *cobra.Command, opts *crawlOptions) error {
	cfg, logger, err := resolve(cmd.Context())
	if err != nil {
		return err
	}
	site := firstNonEmpty(opts.site, cfg.Crawl.Site)
	mode, err := crawler.ParseCrawlType(firstNonEmpty(opts.mode, cfg.Crawl.Type))
	if err != nil {
		return err
	}
	ownerID := firstNonEmpty(opts.ownerID, cfg.Crawl.OwnerID)

	// One-shot runs never schedule.
	cfg.Crawl.Schedule = ""
	cfg.Processing.Enabled = mode == crawler.CrawlTypeFullPipeline

	ctx := cmd.Context()
	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closeApp := func() error {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout(cfg.Server.ShutdownTimeout))
		defer cancel()
		return app.Close(closeCtx)
	}
	if err := app.Start(ctx); err != nil {
		return errors.Join(err, closeApp())
	}

	id, err := app.Crawls().StartCrawl(ctx, mode, site, ownerID)
	if err != nil {
		return errors.Join(err, closeApp())
	}
	snap, err := app.Tasks().Wait(ctx, id)
	if err != nil {
		return errors.Join(fmt.Errorf("wait for crawl %s: %w", id, err), closeApp())
	}
	// Close drains the processing queue before the result is reported.
	if err := closeApp(); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if snap.Status != task.StatusCompleted {
		return fmt.Errorf("crawl %s %s: %s", id, snap.Status, snap.Error)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
