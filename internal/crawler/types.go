// Package crawler defines core types shared across subsystems.
package crawler

import (
	"io"
	"net/http"
	"strings"
	"time"
)

// CrawlType names the flavour of a crawl run.
type CrawlType string

// Crawl types accepted by the pipeline and the crawl service.
const (
	CrawlTypeSimple       CrawlType = "simple"
	CrawlTypeFullPipeline CrawlType = "full_pipeline"
)

// Stage is the pipeline state a run is currently in.
type Stage string

// Pipeline stages, in the order a run visits them.
const (
	StageIdle                 Stage = "idle"
	StagePaginating           Stage = "paginating"
	StageDiscoveringArticles  Stage = "discovering_articles"
	StageDiscoveringDocuments Stage = "discovering_documents"
	StageDownloading          Stage = "downloading"
	StageDone                 Stage = "done"
	StageFailed               Stage = "failed"
)

// ProcessingStatus values reported on processing descriptors.
const (
	ProcessingStatusQueued   = "queued"
	ProcessingStatusRejected = "rejected"
)

// ErrorEntry records one URL that could not be fetched.
type ErrorEntry struct {
	URL       string    `json:"url"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// CrawlStats accumulates counters for exactly one pipeline run.
type CrawlStats struct {
	PagesProcessed    int          `json:"pages_processed"`
	NewsArticlesFound int          `json:"news_articles_found"`
	PDFsFound         int          `json:"pdfs_found"`
	PDFsDownloaded    int          `json:"pdfs_downloaded"`
	Errors            []ErrorEntry `json:"errors"`
	StartTime         time.Time    `json:"start_time"`
	EndTime           *time.Time   `json:"end_time,omitempty"`
}

// RecordError appends a fetch failure.
func (s *CrawlStats) RecordError(url string, err error, at time.Time) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	s.Errors = append(s.Errors, ErrorEntry{URL: url, Error: msg, Timestamp: at})
}

// Snapshot returns a copy that no longer aliases the run's slices.
func (s *CrawlStats) Snapshot() CrawlStats {
	out := *s
	out.Errors = append([]ErrorEntry(nil), s.Errors...)
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return out
}

// DownloadOutcome is the result of one attempted document download.
type DownloadOutcome struct {
	Success     bool   `json:"success"`
	URL         string `json:"url"`
	FilePath    string `json:"file_path,omitempty"`
	Filename    string `json:"filename,omitempty"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DocumentDescriptor is what the downstream document pipeline consumes.
type DocumentDescriptor struct {
	Filename    string `json:"filename"`
	FilePath    string `json:"file_path"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	SourceURL   string `json:"source_url"`
	OwnerID     string `json:"owner_id"`
}

// ProcessingTask pairs a descriptor with its deterministic id.
type ProcessingTask struct {
	ID       string             `json:"task_id"`
	Status   string             `json:"status"`
	Document DocumentDescriptor `json:"document_data"`
}

// CrawlResult is produced once at the end of a run.
type CrawlResult struct {
	Success         bool              `json:"success"`
	CrawlType       CrawlType         `json:"crawl_type"`
	Site            string            `json:"site"`
	PagesFound      int               `json:"pages_found"`
	PDFsFound       int               `json:"pdfs_found"`
	PDFsDownloaded  int               `json:"pdfs_downloaded"`
	PDFURLs         []string          `json:"pdf_urls"`
	DownloadResults []DownloadOutcome `json:"download_results"`
	ProcessingTasks []ProcessingTask  `json:"processing_tasks,omitempty"`
	OutputDir       string            `json:"output_dir"`
	Stats           CrawlStats        `json:"stats"`
	BaseFetchFailed bool              `json:"base_fetch_failed,omitempty"`
	Message         string            `json:"message,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// FetchRequest captures everything needed for a single HTTP attempt.
type FetchRequest struct {
	URL     string
	Method  string
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the result returned by an AttemptFetcher. Callers own Body
// and must close it.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser
	Duration   time.Duration
}

// ContentType returns the lower-cased Content-Type header.
func (r *FetchResponse) ContentType() string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return strings.ToLower(r.Headers.Get("Content-Type"))
}

// DocumentRecord is persisted for each processed document.
type DocumentRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	SourceURL   string    `json:"source_url"`
	Filename    string    `json:"filename"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ProcessedAt time.Time `json:"processed_at"`
}

// DocumentEvent is published once a document has been archived and recorded.
type DocumentEvent struct {
	DocumentID  string    `json:"document_id"`
	OwnerID     string    `json:"owner_id"`
	SourceURL   string    `json:"source_url"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	ProcessedAt time.Time `json:"processed_at"`
}
