package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
)

func sampleRecord() crawler.DocumentRecord {
	return crawler.DocumentRecord{
		ID:          "0192f3c4-7d1e-7a00-8000-000000000001",
		OwnerID:     "owner-1",
		SourceURL:   "https://biwase.com.vn/files/bulletin.pdf",
		Filename:    "bulletin.pdf",
		BlobURI:     "gs://bucket/documents/owner-1/abc123.pdf",
		ContentHash: "abc123",
		ContentType: "application/pdf",
		SizeBytes:   2048,
		ProcessedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestRecordDocumentInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "", nil)
	require.NoError(t, err)

	rec := sampleRecord()
	mock.ExpectExec("INSERT INTO crawled_documents").
		WithArgs(
			rec.ID,
			rec.OwnerID,
			rec.SourceURL,
			rec.Filename,
			rec.BlobURI,
			rec.ContentHash,
			rec.ContentType,
			rec.SizeBytes,
			rec.ProcessedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordDocument(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDocumentDuplicateIsNotAnError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "docs", nil)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO docs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, store.RecordDocument(context.Background(), sampleRecord()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDocumentWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "", nil)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO crawled_documents").WillReturnError(boom)

	err = store.RecordDocument(context.Background(), sampleRecord())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "insert document")
}

func TestRecordDocumentRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "", nil)
	require.NoError(t, err)
	require.EqualError(t, store.RecordDocument(context.Background(), crawler.DocumentRecord{}), "record id is required")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "", nil)
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawled_documents").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDocumentStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewDocumentStoreWithPool(nil, "", nil)
	require.EqualError(t, err, "pool is required")

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewDocumentStoreWithPool(mock, "bad-name;drop", nil)
	require.Error(t, err)
}

func TestNewDocumentStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewDocumentStore(context.Background(), Config{}, nil)
	require.EqualError(t, err, "database.dsn is required")
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock, "", nil)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres: connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}
