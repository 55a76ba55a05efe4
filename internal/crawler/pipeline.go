package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/metrics"
)

// ErrCrawlCancelled is reported when a run observes cancellation at a
// checkpoint.
var ErrCrawlCancelled = errors.New("crawl cancelled")

// Progress bands per stage, as percentages of a full run.
const (
	progressPaginated = 10
	progressArticles  = 30
	progressDocuments = 50
	progressDownloads = 95
	progressDone      = 100
)

// PipelineOptions carries the collaborators a Pipeline needs.
type PipelineOptions struct {
	// Pages performs single page fetches.
	Pages AttemptFetcher
	// Streams performs single streaming fetches; defaults to Pages.
	Streams AttemptFetcher
	// Throttle spaces consecutive requests; nil disables spacing.
	Throttle Throttle
	// Queue receives processing descriptors in full-pipeline runs.
	Queue  DocumentQueue
	Clock  Clock
	Logger *zap.Logger
}

// Pipeline runs the four crawl stages for one site. A Pipeline owns its
// CrawlStats and runs once.
type Pipeline struct {
	cfg        CrawlConfig
	site       Site
	fetcher    *RetryingFetcher
	downloader *Downloader
	throttle   Throttle
	queue      DocumentQueue
	stats      *CrawlStats
	clock      Clock
	logger     *zap.Logger

	mu    sync.Mutex
	stage Stage
	ran   bool
}

// NewPipeline prepares a run against site.
func NewPipeline(cfg CrawlConfig, site Site, opts PipelineOptions) (*Pipeline, error) {
	if site == nil {
		return nil, fmt.Errorf("site is required")
	}
	if opts.Pages == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("site", site.Name()))
	throttle := opts.Throttle
	if throttle == nil {
		throttle = unthrottled{}
	}
	sink, err := NewFileSystemSink(cfg.OutputDir, logger.Named("sink"))
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:      cfg,
		site:     site,
		throttle: throttle,
		queue:    opts.Queue,
		stats:    &CrawlStats{},
		clock:    opts.Clock,
		logger:   logger,
		stage:    StageIdle,
	}
	p.fetcher = NewRetryingFetcher(opts.Pages, opts.Streams, cfg, p.stats, opts.Clock, logger.Named("fetcher"))
	p.downloader = NewDownloader(p.fetcher, sink, logger.Named("download"))
	return p, nil
}

// Stage returns the stage the run is in.
func (p *Pipeline) Stage() Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// RunSimple discovers and downloads every document reachable from the
// site's base URL.
func (p *Pipeline) RunSimple(ctx context.Context, reporter ProgressReporter) CrawlResult {
	return p.run(ctx, CrawlTypeSimple, "", reporter)
}

// RunFullPipeline runs the simple crawl and hands every downloaded document
// to the processing queue without waiting for it.
func (p *Pipeline) RunFullPipeline(ctx context.Context, ownerID string, reporter ProgressReporter) CrawlResult {
	return p.run(ctx, CrawlTypeFullPipeline, ownerID, reporter)
}

func (p *Pipeline) run(ctx context.Context, crawlType CrawlType, ownerID string, reporter ProgressReporter) CrawlResult {
	if reporter == nil {
		reporter = nopReporter{}
	}
	result := CrawlResult{
		CrawlType: crawlType,
		Site:      p.site.Name(),
		OutputDir: p.cfg.OutputDir,
	}

	p.mu.Lock()
	if p.ran {
		p.mu.Unlock()
		result.Error = "pipeline already ran"
		return result
	}
	p.ran = true
	p.mu.Unlock()

	start := p.now()
	p.stats.StartTime = start
	reporter.SetMetadata("crawl_type", string(crawlType))
	reporter.SetMetadata("site", p.site.Name())

	err := p.execute(ctx, crawlType, ownerID, reporter, &result)

	end := p.now()
	p.stats.EndTime = &end
	result.Stats = p.stats.Snapshot()

	outcome := "success"
	if err != nil {
		p.setStage(StageFailed, reporter)
		result.Success = false
		result.Error = err.Error()
		result.Message = "crawl failed"
		outcome = "failed"
		if errors.Is(err, ErrCrawlCancelled) {
			outcome = "cancelled"
		}
		p.logger.Error("crawl failed", zap.String("crawl_type", string(crawlType)), zap.Error(err))
	} else {
		p.setStage(StageDone, reporter)
		result.Success = true
		reporter.UpdateProgress(progressDone, result.Message)
		p.logger.Info("crawl completed",
			zap.String("crawl_type", string(crawlType)),
			zap.Int("pages_found", result.PagesFound),
			zap.Int("pdfs_found", result.PDFsFound),
			zap.Int("pdfs_downloaded", result.PDFsDownloaded),
			zap.Int("errors", len(result.Stats.Errors)),
		)
	}
	metrics.ObserveCrawlRun(string(crawlType), outcome, end.Sub(start))
	return result
}

func (p *Pipeline) execute(
	ctx context.Context,
	crawlType CrawlType,
	ownerID string,
	reporter ProgressReporter,
	result *CrawlResult,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("crawl aborted in stage %s: %v", p.Stage(), r)
		}
	}()

	// Stage 1: pagination.
	p.setStage(StagePaginating, reporter)
	if err := p.pace(ctx, reporter, p.site.BaseURL()); err != nil {
		return err
	}
	pages, reachable := p.site.PaginationLinks(ctx, p.fetcher)
	if err := p.checkpoint(ctx, reporter); err != nil {
		return err
	}
	if !reachable {
		result.BaseFetchFailed = true
		result.Message = fmt.Sprintf("base page %s could not be fetched; nothing crawled", p.site.BaseURL())
		return nil
	}
	if p.cfg.MaxPages > 0 && len(pages) > p.cfg.MaxPages {
		pages = pages[:p.cfg.MaxPages]
	}
	result.PagesFound = len(pages)
	p.stats.PagesProcessed = len(pages)
	reporter.UpdateProgress(progressPaginated, fmt.Sprintf("found %d pagination pages", len(pages)))

	// Stage 2: articles.
	p.setStage(StageDiscoveringArticles, reporter)
	var articles []string
	for i, page := range pages {
		if err := p.pace(ctx, reporter, page); err != nil {
			return err
		}
		articles = append(articles, p.site.NewsLinks(ctx, p.fetcher, page)...)
		reporter.UpdateProgress(band(progressPaginated, progressArticles, i+1, len(pages)),
			fmt.Sprintf("scanned page %d/%d", i+1, len(pages)))
	}
	articles = DedupURLs(articles)
	p.stats.NewsArticlesFound = len(articles)

	// Stage 3: documents.
	p.setStage(StageDiscoveringDocuments, reporter)
	var documents []string
	for i, article := range articles {
		if err := p.pace(ctx, reporter, article); err != nil {
			return err
		}
		documents = append(documents, p.site.PDFLinks(ctx, p.fetcher, article)...)
		reporter.UpdateProgress(band(progressArticles, progressDocuments, i+1, len(articles)),
			fmt.Sprintf("scanned article %d/%d", i+1, len(articles)))
	}
	documents = DedupURLs(documents)
	p.stats.PDFsFound = len(documents)
	result.PDFsFound = len(documents)
	result.PDFURLs = documents

	// Stage 4: downloads.
	p.setStage(StageDownloading, reporter)
	result.DownloadResults = make([]DownloadOutcome, 0, len(documents))
	for i, doc := range documents {
		if err := p.pace(ctx, reporter, doc); err != nil {
			return err
		}
		outcome := p.downloader.Download(ctx, doc)
		result.DownloadResults = append(result.DownloadResults, outcome)
		if outcome.Success {
			p.stats.PDFsDownloaded++
			result.PDFsDownloaded++
		}
		reporter.UpdateProgress(band(progressDocuments, progressDownloads, i+1, len(documents)),
			fmt.Sprintf("downloaded %d/%d documents", result.PDFsDownloaded, len(documents)))
	}
	result.Message = fmt.Sprintf("downloaded %d of %d documents from %d pages",
		result.PDFsDownloaded, result.PDFsFound, result.PagesFound)

	if crawlType == CrawlTypeFullPipeline {
		result.ProcessingTasks = p.queueProcessing(ctx, ownerID, result.DownloadResults)
		result.Message = fmt.Sprintf("%s; queued %d for processing", result.Message, countQueued(result.ProcessingTasks))
	}
	return nil
}

// queueProcessing builds one descriptor per successful download and hands it
// to the queue. Enqueue failures mark the descriptor rejected.
func (p *Pipeline) queueProcessing(ctx context.Context, ownerID string, outcomes []DownloadOutcome) []ProcessingTask {
	tasks := make([]ProcessingTask, 0, len(outcomes))
	for _, outcome := range outcomes {
		if !outcome.Success {
			continue
		}
		task := ProcessingTask{
			ID:     ProcessingTaskID(outcome.URL),
			Status: ProcessingStatusQueued,
			Document: DocumentDescriptor{
				Filename:    outcome.Filename,
				FilePath:    outcome.FilePath,
				FileSize:    outcome.FileSize,
				ContentType: outcome.ContentType,
				SourceURL:   outcome.URL,
				OwnerID:     ownerID,
			},
		}
		if p.queue != nil {
			if err := p.queue.Enqueue(ctx, task.Document); err != nil {
				task.Status = ProcessingStatusRejected
				p.logger.Warn("processing enqueue failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// pace checks for cancellation, then waits out the inter-request delay.
func (p *Pipeline) pace(ctx context.Context, reporter ProgressReporter, url string) error {
	if err := p.checkpoint(ctx, reporter); err != nil {
		return err
	}
	if err := p.throttle.Wait(ctx, url); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCrawlCancelled, ctx.Err())
		}
		return fmt.Errorf("throttle %s: %w", url, err)
	}
	return nil
}

func (p *Pipeline) checkpoint(ctx context.Context, reporter ProgressReporter) error {
	if reporter.IsCancelled() {
		return ErrCrawlCancelled
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCrawlCancelled, err)
	}
	return nil
}

func (p *Pipeline) setStage(stage Stage, reporter ProgressReporter) {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
	reporter.SetMetadata("stage", string(stage))
	p.logger.Debug("pipeline stage", zap.String("stage", string(stage)))
}

func (p *Pipeline) now() time.Time {
	if p.clock == nil {
		return nowUTC()
	}
	return p.clock.Now()
}

// band maps step done of total into the [from, to] progress range.
func band(from, to float64, done, total int) float64 {
	if total <= 0 {
		return to
	}
	return from + (to-from)*float64(done)/float64(total)
}

func countQueued(tasks []ProcessingTask) int {
	n := 0
	for _, t := range tasks {
		if t.Status == ProcessingStatusQueued {
			n++
		}
	}
	return n
}

type nopReporter struct{}

func (nopReporter) UpdateProgress(float64, string) {}
func (nopReporter) SetMetadata(string, any)        {}
func (nopReporter) IsCancelled() bool              { return false }

// unthrottled stands in for a missing Throttle and only reports cancellation.
type unthrottled struct{}

func (unthrottled) Wait(ctx context.Context, _ string) error { return ctx.Err() }
