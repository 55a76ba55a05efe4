package crawler

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults applied when a knob is left unset.
const (
	DefaultBaseURL         = "https://biwase.com.vn/tin-tuc/ban-tin-biwase"
	DefaultOutputDir       = "downloads"
	DefaultUserAgent       = "BulletinCrawler/1.0"
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
	DefaultRateLimitDelay  = time.Second
	DefaultMaxPages        = 10
	DefaultMaxDepth        = 2

	// MaxRetriesLimit is the largest accepted crawler.max_retries.
	MaxRetriesLimit = 10
)

// CrawlConfig captures every knob that influences a single crawl run. It is
// treated as immutable once a pipeline has been built from it.
type CrawlConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	OutputDir       string        `mapstructure:"output_dir"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	RateLimitDelay  time.Duration `mapstructure:"rate_limit_delay"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxPages        int           `mapstructure:"max_pages"`
	MaxDepth        int           `mapstructure:"max_depth"`
}

// DefaultCrawlConfig returns the configuration used when nothing is overridden.
func DefaultCrawlConfig() CrawlConfig {
	return CrawlConfig{
		BaseURL:         DefaultBaseURL,
		OutputDir:       DefaultOutputDir,
		MaxRetries:      DefaultMaxRetries,
		RetryDelay:      DefaultRetryDelay,
		RequestTimeout:  DefaultRequestTimeout,
		DownloadTimeout: DefaultDownloadTimeout,
		RateLimitDelay:  DefaultRateLimitDelay,
		UserAgent:       DefaultUserAgent,
		MaxPages:        DefaultMaxPages,
		MaxDepth:        DefaultMaxDepth,
	}
}

// SetDefaults registers the crawler.* defaults on v.
func SetDefaults(v *viper.Viper) {
	d := DefaultCrawlConfig()
	v.SetDefault("crawler.base_url", d.BaseURL)
	v.SetDefault("crawler.output_dir", d.OutputDir)
	v.SetDefault("crawler.max_retries", d.MaxRetries)
	v.SetDefault("crawler.retry_delay", d.RetryDelay)
	v.SetDefault("crawler.request_timeout", d.RequestTimeout)
	v.SetDefault("crawler.download_timeout", d.DownloadTimeout)
	v.SetDefault("crawler.rate_limit_delay", d.RateLimitDelay)
	v.SetDefault("crawler.user_agent", d.UserAgent)
	v.SetDefault("crawler.max_pages", d.MaxPages)
	v.SetDefault("crawler.max_depth", d.MaxDepth)
}

// LoadCrawlConfig constructs a CrawlConfig by reading the crawler section
// from Viper.
func LoadCrawlConfig(v *viper.Viper) (CrawlConfig, error) {
	SetDefaults(v)
	cfg := CrawlConfig{
		BaseURL:         strings.TrimSpace(v.GetString("crawler.base_url")),
		OutputDir:       v.GetString("crawler.output_dir"),
		MaxRetries:      v.GetInt("crawler.max_retries"),
		RetryDelay:      v.GetDuration("crawler.retry_delay"),
		RequestTimeout:  v.GetDuration("crawler.request_timeout"),
		DownloadTimeout: v.GetDuration("crawler.download_timeout"),
		RateLimitDelay:  v.GetDuration("crawler.rate_limit_delay"),
		UserAgent:       v.GetString("crawler.user_agent"),
		MaxPages:        v.GetInt("crawler.max_pages"),
		MaxDepth:        v.GetInt("crawler.max_depth"),
	}
	return cfg, cfg.Validate()
}

// Validate checks for obviously bad configuration combinations.
func (c CrawlConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("crawler.base_url must be set")
	}
	if u, err := url.Parse(c.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("crawler.base_url must be an absolute URL")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("crawler.output_dir must be set")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("crawler.max_retries must be >= 0")
	}
	if c.MaxRetries > MaxRetriesLimit {
		return fmt.Errorf("crawler.max_retries must be <= %d", MaxRetriesLimit)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("crawler.retry_delay must be >= 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("crawler.download_timeout must be > 0")
	}
	if c.RateLimitDelay < 0 {
		return fmt.Errorf("crawler.rate_limit_delay must be >= 0")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent must be set")
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("crawler.max_pages must be >= 0")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	return nil
}

// Attempts is the total number of tries a fetch gets.
func (c CrawlConfig) Attempts() int {
	return c.MaxRetries + 1
}
