// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	crawlerFetchRetriesTotal      *prometheus.CounterVec
	crawlerFetchExhaustedTotal    *prometheus.CounterVec
	crawlerDownloadsTotal         *prometheus.CounterVec
	crawlerDownloadBytesTotal     prometheus.Counter
	crawlerRunsTotal              *prometheus.CounterVec
	crawlerRunDurationSeconds     *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	tasksActive         prometheus.Gauge
	tasksCompleted      prometheus.Gauge
	tasksRejectedTotal  *prometheus.CounterVec
	tasksFinishedTotal  *prometheus.CounterVec
	tasksEvictedTotal   prometheus.Counter
	documentsTotal      *prometheus.CounterVec
	activeWorkers       prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Fetch attempts beyond the first, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_exhausted_total",
				Help: "Fetches that gave up after all attempts, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerDownloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_downloads_total",
				Help: "Document downloads, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerDownloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_download_bytes_total",
				Help: "Bytes written by successful document downloads.",
			},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Crawl pipeline runs, labeled by crawl type and outcome.",
			},
			[]string{"crawl_type", "outcome"},
		)

		crawlerRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_run_duration_seconds",
				Help:    "Wall time of crawl pipeline runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"crawl_type"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		tasksActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_active",
				Help: "Tasks currently pending or running.",
			},
		)

		tasksCompleted = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasks_completed",
				Help: "Terminal task records retained in memory.",
			},
		)

		tasksRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_rejected_total",
				Help: "Task creations refused by admission control, labeled by type.",
			},
			[]string{"task_type"},
		)

		tasksFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasks_finished_total",
				Help: "Tasks that reached a terminal state, labeled by type and status.",
			},
			[]string{"task_type", "status"},
		)

		tasksEvictedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tasks_evicted_total",
				Help: "Completed task records removed by cleanup.",
			},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "documents_processed_total",
				Help: "Documents handled by processing workers, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "processing_active_workers",
				Help: "Number of workers currently processing a document.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveCrawl counts one fetch of rawURL with the given status.
func ObserveCrawl(rawURL string, status string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	crawlerPagesTotal.WithLabelValues(site, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry counts a retried fetch attempt. site should already be
// sanitized.
func ObserveFetchRetry(site string) {
	Init()
	crawlerFetchRetriesTotal.WithLabelValues(site).Inc()
}

// ObserveFetchExhausted counts a fetch that ran out of attempts.
func ObserveFetchExhausted(site string) {
	Init()
	crawlerFetchExhaustedTotal.WithLabelValues(site).Inc()
}

// ObserveDownload counts a document download and, on success, its size.
func ObserveDownload(rawURL, outcome string, size int64) {
	Init()
	crawlerDownloadsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
	if size > 0 {
		crawlerDownloadBytesTotal.Add(float64(size))
	}
}

// ObserveCrawlRun records one finished pipeline run.
func ObserveCrawlRun(crawlType, outcome string, duration time.Duration) {
	Init()
	crawlerRunsTotal.WithLabelValues(crawlType, outcome).Inc()
	crawlerRunDurationSeconds.WithLabelValues(crawlType).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// SetTaskCounts mirrors the task store sizes.
func SetTaskCounts(active, completed int) {
	Init()
	tasksActive.Set(float64(active))
	tasksCompleted.Set(float64(completed))
}

// ObserveTaskRejected counts an admission rejection.
func ObserveTaskRejected(taskType string) {
	Init()
	tasksRejectedTotal.WithLabelValues(taskType).Inc()
}

// ObserveTaskFinished counts a task reaching a terminal status.
func ObserveTaskFinished(taskType, status string) {
	Init()
	tasksFinishedTotal.WithLabelValues(taskType, status).Inc()
}

// ObserveTasksEvicted counts evicted task records.
func ObserveTasksEvicted(n int) {
	Init()
	tasksEvictedTotal.Add(float64(n))
}

// ObserveDocument counts a processed document by status.
func ObserveDocument(status string) {
	Init()
	documentsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
