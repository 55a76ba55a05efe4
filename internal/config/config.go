// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/bulletin-crawler/internal/logging"
	"github.com/JakeFAU/bulletin-crawler/internal/storage/postgres"
	"github.com/JakeFAU/bulletin-crawler/internal/task"
	"github.com/JakeFAU/bulletin-crawler/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. BULLETIN_SERVER_PORT.
const EnvPrefix = "BULLETIN"

// Storage and database backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler    crawler.CrawlConfig `mapstructure:"crawler"`
	Tasks      task.Config         `mapstructure:"tasks"`
	Processing ProcessingConfig    `mapstructure:"processing"`
	Storage    StorageConfig       `mapstructure:"storage"`
	Database   DatabaseConfig      `mapstructure:"database"`
	PubSub     PubSubConfig        `mapstructure:"pubsub"`
	Progress   ProgressConfig      `mapstructure:"progress"`
	Server     ServerConfig        `mapstructure:"server"`
	Logging    logging.Config      `mapstructure:"logging"`
	Tracing    telemetry.Config    `mapstructure:"tracing"`
	Crawl      CrawlScheduleConfig `mapstructure:"crawl"`
}

// ProcessingConfig sizes the document processing pool.
type ProcessingConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Workers    int    `mapstructure:"workers"`
	QueueDepth int    `mapstructure:"queue_depth"`
	BlobPrefix string `mapstructure:"blob_prefix"`
}

// StorageConfig selects where archived documents are written.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	LocalDir     string `mapstructure:"local_dir"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// DatabaseConfig selects where document records are kept.
type DatabaseConfig struct {
	Backend  string          `mapstructure:"backend"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// PubSubConfig holds metadata for document notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CrawlScheduleConfig drives the optional recurring crawl in serve mode.
type CrawlScheduleConfig struct {
	Schedule string `mapstructure:"schedule"`
	Site     string `mapstructure:"site"`
	Type     string `mapstructure:"type"`
	OwnerID  string `mapstructure:"owner_id"`
}

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Crawler.BaseURL = strings.TrimSpace(cfg.Crawler.BaseURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	crawler.SetDefaults(v)

	v.SetDefault("tasks.max_active_tasks", task.DefaultMaxActiveTasks)
	v.SetDefault("tasks.max_completed_tasks", task.DefaultMaxCompletedTasks)
	v.SetDefault("tasks.max_task_age", task.DefaultMaxTaskAge)
	v.SetDefault("tasks.cleanup_interval", task.DefaultCleanupInterval)
	v.SetDefault("tasks.shutdown_grace", task.DefaultShutdownGrace)

	v.SetDefault("processing.enabled", true)
	v.SetDefault("processing.workers", 2)
	v.SetDefault("processing.queue_depth", 256)
	v.SetDefault("processing.blob_prefix", "documents")

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local_dir", "archive")

	v.SetDefault("database.backend", BackendMemory)
	v.SetDefault("database.postgres.table", postgres.DefaultTable)
	v.SetDefault("database.postgres.max_conns", 4)
	v.SetDefault("database.postgres.max_conn_lifetime", time.Hour)

	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", telemetry.DefaultServiceName)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("crawl.site", "biwase")
	v.SetDefault("crawl.type", string(crawler.CrawlTypeSimple))
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := c.Crawler.Validate(); err != nil {
		return err
	}
	if c.Tasks.MaxActiveTasks <= 0 {
		return fmt.Errorf("tasks.max_active_tasks must be > 0")
	}
	if c.Tasks.MaxCompletedTasks < 0 {
		return fmt.Errorf("tasks.max_completed_tasks must be >= 0")
	}
	if c.Tasks.CleanupInterval <= 0 {
		return fmt.Errorf("tasks.cleanup_interval must be > 0")
	}
	if c.Processing.Enabled {
		if c.Processing.Workers <= 0 {
			return fmt.Errorf("processing.workers must be > 0")
		}
		if c.Processing.QueueDepth <= 0 {
			return fmt.Errorf("processing.queue_depth must be > 0")
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Database.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend %q is not supported", c.Database.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := crawler.ParseCrawlType(c.Crawl.Type); err != nil {
		return fmt.Errorf("crawl.type: %w", err)
	}
	if c.Crawl.Schedule != "" {
		if _, err := cron.ParseStandard(c.Crawl.Schedule); err != nil {
			return fmt.Errorf("crawl.schedule: %w", err)
		}
	}
	return nil
}
