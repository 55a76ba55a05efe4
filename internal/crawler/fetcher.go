package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/metrics"
)

// PageSource returns decoded page markup. The retrying fetcher implements it
// for sites.
type PageSource interface {
	FetchText(ctx context.Context, url string) (string, bool)
}

// RetryingFetcher wraps single-attempt fetchers with exponential backoff and
// records exhausted URLs into the run's stats. It never returns an error;
// failure is reported as (nil, false).
type RetryingFetcher struct {
	pages   AttemptFetcher
	streams AttemptFetcher
	cfg     CrawlConfig
	policy  *ExponentialRetryPolicy
	headers http.Header
	stats   *CrawlStats
	clock   Clock
	pauser  pauseController
	logger  *zap.Logger
}

// NewRetryingFetcher binds a fetcher to one run's stats. streams may be nil,
// in which case streaming fetches use pages.
func NewRetryingFetcher(
	pages AttemptFetcher,
	streams AttemptFetcher,
	cfg CrawlConfig,
	stats *CrawlStats,
	clock Clock,
	logger *zap.Logger,
) *RetryingFetcher {
	if streams == nil {
		streams = pages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingFetcher{
		pages:   pages,
		streams: streams,
		cfg:     cfg,
		policy:  NewExponentialRetryPolicy(cfg.MaxRetries, cfg.RetryDelay),
		headers: defaultHeaders(cfg.UserAgent),
		stats:   stats,
		clock:   clock,
		pauser:  contextSleeper{},
		logger:  logger,
	}
}

func defaultHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.5")
	h.Set("Accept-Encoding", "gzip, deflate")
	h.Set("Connection", "keep-alive")
	return h
}

// Fetch issues method against url with retries. Streaming fetches use the
// download timeout and leave the body unread.
func (f *RetryingFetcher) Fetch(ctx context.Context, url, method string, streaming bool) (*FetchResponse, bool) {
	if method == "" {
		method = http.MethodGet
	}
	attempts := f.pages
	timeout := f.cfg.RequestTimeout
	if streaming {
		attempts = f.streams
		timeout = f.cfg.DownloadTimeout
	}
	request := FetchRequest{
		URL:     url,
		Method:  method,
		Headers: f.headers.Clone(),
		Timeout: timeout,
	}
	site := metrics.SanitizeSite(url)

	var lastErr error
	for attempt := 1; attempt <= f.policy.MaxAttempts(); attempt++ {
		if delay := f.policy.Backoff(attempt); delay > 0 {
			f.logger.Info("retrying fetch",
				zap.String("url", url),
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", f.policy.MaxAttempts()),
			)
			metrics.ObserveFetchRetry(site)
			f.pauser.Pause(ctx, delay)
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		resp, err := attempts.Fetch(ctx, request)
		if err == nil {
			if attempt > 1 {
				f.logger.Info("fetch succeeded after retry", zap.String("url", url), zap.Int("attempt", attempt))
			}
			metrics.ObserveCrawl(url, "success", 0)
			return resp, true
		}
		lastErr = err
		f.logger.Warn("fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.policy.MaxAttempts()),
			zap.Error(err),
		)
		if IsPermanent(err) {
			f.logger.Error("non-retryable fetch error", zap.String("url", url), zap.Error(err))
			break
		}
		if !f.policy.ShouldRetry(err, attempt) || ctx.Err() != nil {
			break
		}
	}

	f.stats.RecordError(url, lastErr, f.now())
	metrics.ObserveCrawl(url, "failed", 0)
	metrics.ObserveFetchExhausted(site)
	f.logger.Error("all fetch attempts failed", zap.String("url", url), zap.Error(lastErr))
	return nil, false
}

// FetchText performs a GET and decodes the body to a string.
func (f *RetryingFetcher) FetchText(ctx context.Context, url string) (string, bool) {
	resp, ok := f.Fetch(ctx, url, http.MethodGet, false)
	if !ok {
		return "", false
	}
	defer closeQuietly(resp.Body, f.logger)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.stats.RecordError(url, fmt.Errorf("read body: %w", err), f.now())
		f.logger.Error("failed to read page body", zap.String("url", url), zap.Error(err))
		return "", false
	}
	text, encoding := decodeBody(body, resp.ContentType())
	f.logger.Debug("decoded page", zap.String("url", url), zap.String("encoding", encoding))
	return text, true
}

func (f *RetryingFetcher) now() time.Time {
	if f.clock == nil {
		return nowUTC()
	}
	return f.clock.Now()
}

func closeQuietly(c io.Closer, logger *zap.Logger) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("close body failed", zap.Error(err))
	}
}

// pauseController waits out the backoff between attempts.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

// contextSleeper sleeps for the delay or until ctx ends.
type contextSleeper struct{}

func (contextSleeper) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 || ctx.Err() != nil {
		return
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
