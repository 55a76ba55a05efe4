// Command bulletin-crawler crawls bulletin listings and archives their PDF
// attachments.
//
// Usage:
//
//	bulletin-crawler crawl --site biwase --type simple
//	bulletin-crawler serve --config config.yaml
//
// Every setting can be overridden with a BULLETIN_ environment variable,
// for example BULLETIN_CRAWLER_MAX_PAGES=3 or BULLETIN_STORAGE_BACKEND=gcs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/bulletin-crawler/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
