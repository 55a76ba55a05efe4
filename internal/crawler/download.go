package crawler

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/metrics"
)

const errDownloadExhausted = "failed to download after retries"

// Downloader streams document URLs to disk through the retrying fetcher.
type Downloader struct {
	fetcher *RetryingFetcher
	sink    *FileSystemSink
	logger  *zap.Logger

	mu      sync.Mutex
	claimed map[string]string // filename -> url
}

// NewDownloader builds a Downloader.
func NewDownloader(fetcher *RetryingFetcher, sink *FileSystemSink, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{fetcher: fetcher, sink: sink, logger: logger, claimed: make(map[string]string)}
}

// filenameFor returns SafeFilename(url) unless another url already owns that
// name, in which case a short url hash is appended before the extension.
func (d *Downloader) filenameFor(url string) string {
	name := SafeFilename(url)
	d.mu.Lock()
	defer d.mu.Unlock()
	if owner, ok := d.claimed[name]; !ok || owner == url {
		d.claimed[name] = url
		return name
	}
	ext := filepath.Ext(name)
	name = strings.TrimSuffix(name, ext) + "_" + shortHash(url) + ext
	d.claimed[name] = url
	return name
}

// Download fetches url and writes it under the sink's directory. Failures are
// reported in the outcome, never as an error.
func (d *Downloader) Download(ctx context.Context, url string) DownloadOutcome {
	d.logger.Info("downloading document", zap.String("url", url))
	outcome := DownloadOutcome{URL: url}

	resp, ok := d.fetcher.Fetch(ctx, url, http.MethodGet, true)
	if !ok {
		outcome.Error = errDownloadExhausted
		metrics.ObserveDownload(url, "failed", 0)
		return outcome
	}
	defer closeQuietly(resp.Body, d.logger)

	contentType := resp.ContentType()
	if !strings.Contains(contentType, "pdf") && !strings.Contains(contentType, "application/octet-stream") {
		d.logger.Warn("unexpected content type", zap.String("url", url), zap.String("content_type", contentType))
	}

	filename := d.filenameFor(url)
	path, size, err := d.sink.Save(ctx, filename, resp.Body)
	if err != nil {
		outcome.Error = err.Error()
		d.logger.Error("document download failed", zap.String("url", url), zap.Error(err))
		metrics.ObserveDownload(url, "failed", 0)
		return outcome
	}

	d.logger.Info("downloaded document",
		zap.String("filename", filename),
		zap.Int64("bytes", size),
	)
	metrics.ObserveDownload(url, "success", size)
	outcome.Success = true
	outcome.FilePath = path
	outcome.Filename = filename
	outcome.FileSize = size
	outcome.ContentType = contentType
	return outcome
}
