// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
)

// DefaultTable holds one row per processed document.
const DefaultTable = "crawled_documents"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for document rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// DocumentStore writes document rows into Postgres. A (owner_id,
// content_hash) pair is stored once; repeats are ignored.
type DocumentStore struct {
	pool   execCloser
	table  string
	logger *zap.Logger
}

// NewDocumentStore connects a pool using cfg.
func NewDocumentStore(ctx context.Context, cfg Config, logger *zap.Logger) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewDocumentStoreWithPool(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewDocumentStoreWithPool(pool execCloser, table string, logger *zap.Logger) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{pool: pool, table: table, logger: logger}, nil
}

// EnsureSchema creates the table and its indexes when missing.
func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	filename      TEXT NOT NULL,
	blob_uri      TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL,
	processed_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (owner_id, content_hash)
);
CREATE INDEX IF NOT EXISTS %[1]s_processed_at_idx ON %[1]s (processed_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// RecordDocument inserts a document row.
func (s *DocumentStore) RecordDocument(ctx context.Context, record crawler.DocumentRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("document store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	owner_id,
	source_url,
	filename,
	blob_uri,
	content_hash,
	content_type,
	size_bytes,
	processed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (owner_id, content_hash) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		record.ID,
		record.OwnerID,
		record.SourceURL,
		record.Filename,
		record.BlobURI,
		record.ContentHash,
		record.ContentType,
		record.SizeBytes,
		record.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("document already recorded",
			zap.String("owner_id", record.OwnerID),
			zap.String("content_hash", record.ContentHash),
		)
	}
	return nil
}
