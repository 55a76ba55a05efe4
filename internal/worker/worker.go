// Package worker processes downloaded documents handed off by crawl runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/bulletin-crawler/internal/metrics"
	"github.com/JakeFAU/bulletin-crawler/internal/progress"
	"github.com/JakeFAU/bulletin-crawler/internal/queue/memory"
)

const (
	defaultContentType = "application/pdf"
	anonymousOwner     = "anonymous"
	tracerName         = "github.com/JakeFAU/bulletin-crawler/internal/worker"
)

// Config controls Worker behavior.
type Config struct {
	BlobPrefix string
	Topic      string
}

// Source yields descriptors to process.
type Source interface {
	Dequeue(ctx context.Context) (crawler.DocumentDescriptor, error)
}

// Worker consumes descriptors, stores the file under its content hash,
// records it and announces it.
type Worker struct {
	queue     Source
	blobStore crawler.BlobStore
	docStore  crawler.DocumentStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	emitter   progress.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. publisher and emitter may be nil.
func New(
	queue Source,
	blobStore crawler.BlobStore,
	docStore crawler.DocumentStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	emitter progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	return &Worker{
		queue:     queue,
		blobStore: blobStore,
		docStore:  docStore,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming descriptors until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		doc, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued document", zap.String("file_path", doc.FilePath))
		if _, err := w.Process(ctx, doc); err != nil {
			w.logger.Error("document processing failed",
				zap.String("source_url", doc.SourceURL),
				zap.String("file_path", doc.FilePath),
				zap.Error(err),
			)
		}
	}
}

// Process handles one descriptor end to end and returns the stored record.
func (w *Worker) Process(ctx context.Context, doc crawler.DocumentDescriptor) (crawler.DocumentRecord, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	processingID := crawler.ProcessingTaskID(doc.SourceURL)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "process_document")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.processing_id", processingID),
		attribute.String("document.source_url", doc.SourceURL),
	)

	start := w.clock.Now()
	record, err := w.process(ctx, doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.ObserveDocument("error")
		w.emitter.Emit(progress.Event{
			TaskID:  processingID,
			OwnerID: doc.OwnerID,
			Stage:   progress.StageDocumentError,
			Note:    err.Error(),
		})
		return crawler.DocumentRecord{}, err
	}
	metrics.ObserveDocument("success")
	w.emitter.Emit(progress.Event{
		TaskID:  processingID,
		OwnerID: doc.OwnerID,
		Stage:   progress.StageDocumentDone,
		Bytes:   record.SizeBytes,
		Dur:     w.clock.Now().Sub(start),
	})
	return record, nil
}

func (w *Worker) process(ctx context.Context, doc crawler.DocumentDescriptor) (crawler.DocumentRecord, error) {
	f, err := os.Open(doc.FilePath)
	if err != nil {
		return crawler.DocumentRecord{}, fmt.Errorf("open document: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			w.logger.Warn("close document failed", zap.String("file_path", doc.FilePath), zap.Error(cerr))
		}
	}()

	hash, size, err := w.hasher.Hash(f)
	if err != nil {
		return crawler.DocumentRecord{}, err
	}
	if size == 0 {
		return crawler.DocumentRecord{}, crawler.ErrEmptyDocument
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return crawler.DocumentRecord{}, fmt.Errorf("rewind document: %w", err)
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(doc.OwnerID, hash), contentType, f)
	if err != nil {
		return crawler.DocumentRecord{}, fmt.Errorf("put object: %w", err)
	}

	id, err := w.ids.NewID()
	if err != nil {
		return crawler.DocumentRecord{}, fmt.Errorf("document id: %w", err)
	}
	record := crawler.DocumentRecord{
		ID:          id,
		OwnerID:     doc.OwnerID,
		SourceURL:   doc.SourceURL,
		Filename:    doc.Filename,
		BlobURI:     uri,
		ContentHash: hash,
		ContentType: contentType,
		SizeBytes:   size,
		ProcessedAt: w.clock.Now(),
	}
	if err := w.docStore.RecordDocument(ctx, record); err != nil {
		return crawler.DocumentRecord{}, fmt.Errorf("record document: %w", err)
	}
	if err := w.publishResult(ctx, record); err != nil {
		return crawler.DocumentRecord{}, err
	}
	return record, nil
}

func (w *Worker) buildBlobPath(ownerID, hash string) string {
	owner := strings.Trim(ownerID, "/")
	if owner == "" {
		owner = anonymousOwner
	}
	name := hash + ".pdf"
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return path.Join(owner, name)
	}
	return path.Join(prefix, owner, name)
}

func (w *Worker) publishResult(ctx context.Context, record crawler.DocumentRecord) error {
	if w.cfg.Topic == "" || w.publisher == nil {
		return nil
	}
	event := crawler.DocumentEvent{
		DocumentID:  record.ID,
		OwnerID:     record.OwnerID,
		SourceURL:   record.SourceURL,
		BlobURI:     record.BlobURI,
		ContentHash: record.ContentHash,
		SizeBytes:   record.SizeBytes,
		ProcessedAt: record.ProcessedAt,
	}
	msgID, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		return fmt.Errorf("publish document event: %w", err)
	}
	w.logger.Info("document published",
		zap.String("document_id", record.ID),
		zap.String("source_url", record.SourceURL),
		zap.String("blob_uri", record.BlobURI),
		zap.String("hash", record.ContentHash),
		zap.String("message_id", msgID),
	)
	return nil
}
