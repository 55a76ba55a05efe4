package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/task"
)

const tracerName = "github.com/JakeFAU/bulletin-crawler/internal/crawler"

// TaskTypeCrawl is the task type crawl runs are registered under.
const TaskTypeCrawl = "crawl"

// ErrUnknownCrawlType is returned for crawl modes other than simple and
// full_pipeline.
var ErrUnknownCrawlType = errors.New("unknown crawl type")

// ParseCrawlType validates a crawl mode string.
func ParseCrawlType(s string) (CrawlType, error) {
	switch CrawlType(s) {
	case CrawlTypeSimple, CrawlTypeFullPipeline:
		return CrawlType(s), nil
	case "":
		return CrawlTypeSimple, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCrawlType, s)
	}
}

// TaskCreator admits background work. *task.Service satisfies it.
type TaskCreator interface {
	Create(ctx context.Context, taskType, ownerID string, work task.Work) (string, error)
}

// Service starts crawls as background tasks.
type Service struct {
	tasks    TaskCreator
	registry *Registry
	cfg      CrawlConfig
	opts     PipelineOptions
	logger   *zap.Logger
}

// NewService wires the crawl service. opts supplies the collaborators every
// pipeline it builds shares.
func NewService(tasks TaskCreator, registry *Registry, cfg CrawlConfig, opts PipelineOptions) (*Service, error) {
	if tasks == nil {
		return nil, errors.New("task creator is required")
	}
	if registry == nil {
		return nil, errors.New("site registry is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawl config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tasks:    tasks,
		registry: registry,
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Sites lists the registered site names.
func (s *Service) Sites() []string {
	return s.registry.Names()
}

// StartCrawl resolves siteName and runs a crawl of the given mode as a
// background task. It returns the task id, or task.ErrAdmissionRejected when
// too many tasks are active.
func (s *Service) StartCrawl(ctx context.Context, mode CrawlType, siteName, ownerID string) (string, error) {
	mode, err := ParseCrawlType(string(mode))
	if err != nil {
		return "", err
	}
	site, err := s.registry.Get(siteName)
	if err != nil {
		return "", err
	}
	pipeline, err := NewPipeline(s.cfg, site, s.opts)
	if err != nil {
		return "", err
	}
	id, err := s.tasks.Create(ctx, TaskTypeCrawl, ownerID, func(ctx context.Context, t *task.Task) (any, error) {
		ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl")
		defer span.End()
		span.SetAttributes(
			attribute.String("crawl.site", siteName),
			attribute.String("crawl.type", string(mode)),
			attribute.String("task.id", t.ID()),
		)

		result := s.run(ctx, pipeline, mode, ownerID, t)
		span.SetAttributes(
			attribute.Int("crawl.pages_found", result.PagesFound),
			attribute.Int("crawl.pdfs_downloaded", result.PDFsDownloaded),
		)
		if !result.Success {
			span.SetStatus(codes.Error, result.Error)
			return nil, errors.New(result.Error)
		}
		return result, nil
	})
	if err != nil {
		return "", fmt.Errorf("start %s crawl of %s: %w", mode, siteName, err)
	}
	s.logger.Info("crawl started",
		zap.String("task_id", id),
		zap.String("site", siteName),
		zap.String("crawl_type", string(mode)),
		zap.String("owner_id", ownerID),
	)
	return id, nil
}

func (s *Service) run(ctx context.Context, p *Pipeline, mode CrawlType, ownerID string, reporter ProgressReporter) CrawlResult {
	if mode == CrawlTypeFullPipeline {
		return p.RunFullPipeline(ctx, ownerID, reporter)
	}
	return p.RunSimple(ctx, reporter)
}
