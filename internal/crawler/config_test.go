package crawler

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCrawlConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadCrawlConfig(viper.New())
	require.NoError(t, err)
	assert.Equal(t, DefaultCrawlConfig(), cfg)
	assert.Equal(t, 4, cfg.Attempts())
}

func TestLoadCrawlConfigOverrides(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("crawler.base_url", " https://example.com/news ")
	v.Set("crawler.max_retries", 1)
	v.Set("crawler.retry_delay", "250ms")
	v.Set("crawler.max_pages", 0)

	cfg, err := LoadCrawlConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/news", cfg.BaseURL)
	assert.Equal(t, 1, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Zero(t, cfg.MaxPages)
}

func TestCrawlConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*CrawlConfig)
		want   string
	}{
		{name: "missing base", mutate: func(c *CrawlConfig) { c.BaseURL = "" }, want: "crawler.base_url must be set"},
		{name: "relative base", mutate: func(c *CrawlConfig) { c.BaseURL = "/news" }, want: "crawler.base_url must be an absolute URL"},
		{name: "output dir", mutate: func(c *CrawlConfig) { c.OutputDir = "" }, want: "crawler.output_dir must be set"},
		{name: "retries", mutate: func(c *CrawlConfig) { c.MaxRetries = -1 }, want: "crawler.max_retries must be >= 0"},
		{name: "too many retries", mutate: func(c *CrawlConfig) { c.MaxRetries = 65 }, want: "crawler.max_retries must be <= 10"},
		{name: "retry delay", mutate: func(c *CrawlConfig) { c.RetryDelay = -time.Second }, want: "crawler.retry_delay must be >= 0"},
		{name: "request timeout", mutate: func(c *CrawlConfig) { c.RequestTimeout = 0 }, want: "crawler.request_timeout must be > 0"},
		{name: "download timeout", mutate: func(c *CrawlConfig) { c.DownloadTimeout = 0 }, want: "crawler.download_timeout must be > 0"},
		{name: "rate limit", mutate: func(c *CrawlConfig) { c.RateLimitDelay = -1 }, want: "crawler.rate_limit_delay must be >= 0"},
		{name: "user agent", mutate: func(c *CrawlConfig) { c.UserAgent = "" }, want: "crawler.user_agent must be set"},
		{name: "max pages", mutate: func(c *CrawlConfig) { c.MaxPages = -1 }, want: "crawler.max_pages must be >= 0"},
		{name: "max depth", mutate: func(c *CrawlConfig) { c.MaxDepth = -1 }, want: "crawler.max_depth must be >= 0"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultCrawlConfig()
			tc.mutate(&cfg)
			require.EqualError(t, cfg.Validate(), tc.want)
		})
	}
}
