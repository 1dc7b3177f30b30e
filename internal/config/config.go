// Package config loads the indexer's configuration from a YAML file
// and applies INDEXER__-prefixed environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outblock/hlindexer/internal/ingesterr"
)

type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MinConns       int32         `yaml:"min"`
	MaxConns       int32         `yaml:"max"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

type IngestSourceConfig struct {
	Bucket  string `yaml:"bucket"`
	Profile string `yaml:"profile"`
	Region  string `yaml:"region"`
}

type IngestConfig struct {
	Source           IngestSourceConfig `yaml:"source"`
	StartFrom        *time.Time         `yaml:"start_from"`
	BatchSize        int                `yaml:"batch_size"`
	MaxRetries       int                `yaml:"max_retries"`
	RetryBaseDelayMs int                `yaml:"retry_base_delay_ms"`
}

type PipelineConfig struct {
	ChannelBufferSize     int           `yaml:"channel_buffer_size"`
	CheckpointIntervalSecs int          `yaml:"checkpoint_interval_secs"`
	ShutdownTimeoutSecs   int           `yaml:"shutdown_timeout_secs"`
	MaxConcurrentBatches  int           `yaml:"max_concurrent_batches"`
}

type TelemetryConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type Config struct {
	Exchange  string          `yaml:"exchange"`
	Source    string          `yaml:"source"`
	Database  DatabaseConfig  `yaml:"database"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaults() Config {
	return Config{
		Exchange: "hyperliquid",
		Source:   "fills",
		Database: DatabaseConfig{
			MinConns:       2,
			MaxConns:       10,
			AcquireTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Ingest: IngestConfig{
			Source: IngestSourceConfig{
				Region: "ap-northeast-1",
			},
			BatchSize:        1000,
			MaxRetries:       5,
			RetryBaseDelayMs: 200,
		},
		Pipeline: PipelineConfig{
			ChannelBufferSize:      1000,
			CheckpointIntervalSecs: 30,
			ShutdownTimeoutSecs:    15,
			MaxConcurrentBatches:   1,
		},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// Load reads path (if non-empty) over the built-in defaults, then
// applies environment overrides. A non-empty path that cannot be read
// or parsed is an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Ingest.StartFrom == nil {
		t := time.Now().UTC().AddDate(0, 0, -7)
		cfg.Ingest.StartFrom = &t
	}

	return &cfg, nil
}

// applyEnvOverrides walks the INDEXER__-prefixed, double-underscore
// separated environment scheme described in the configuration keys
// table: INDEXER__DATABASE__URL, INDEXER__INGEST__BATCH_SIZE, etc.
func applyEnvOverrides(cfg *Config) {
	strOverride("INDEXER__EXCHANGE", &cfg.Exchange)
	strOverride("INDEXER__SOURCE", &cfg.Source)

	strOverride("INDEXER__DATABASE__URL", &cfg.Database.URL)
	int32Override("INDEXER__DATABASE__MIN", &cfg.Database.MinConns)
	int32Override("INDEXER__DATABASE__MAX", &cfg.Database.MaxConns)
	durationOverride("INDEXER__DATABASE__ACQUIRE_TIMEOUT", &cfg.Database.AcquireTimeout)
	durationOverride("INDEXER__DATABASE__IDLE_TIMEOUT", &cfg.Database.IdleTimeout)

	strOverride("INDEXER__INGEST__SOURCE__BUCKET", &cfg.Ingest.Source.Bucket)
	strOverride("INDEXER__INGEST__SOURCE__PROFILE", &cfg.Ingest.Source.Profile)
	strOverride("INDEXER__INGEST__SOURCE__REGION", &cfg.Ingest.Source.Region)
	intOverride("INDEXER__INGEST__BATCH_SIZE", &cfg.Ingest.BatchSize)
	intOverride("INDEXER__INGEST__MAX_RETRIES", &cfg.Ingest.MaxRetries)
	intOverride("INDEXER__INGEST__RETRY_BASE_DELAY_MS", &cfg.Ingest.RetryBaseDelayMs)
	timeOverride("INDEXER__INGEST__START_FROM", &cfg.Ingest.StartFrom)

	intOverride("INDEXER__PIPELINE__CHANNEL_BUFFER_SIZE", &cfg.Pipeline.ChannelBufferSize)
	intOverride("INDEXER__PIPELINE__CHECKPOINT_INTERVAL_SECS", &cfg.Pipeline.CheckpointIntervalSecs)
	intOverride("INDEXER__PIPELINE__SHUTDOWN_TIMEOUT_SECS", &cfg.Pipeline.ShutdownTimeoutSecs)
	intOverride("INDEXER__PIPELINE__MAX_CONCURRENT_BATCHES", &cfg.Pipeline.MaxConcurrentBatches)

	strOverride("INDEXER__TELEMETRY__LOG_LEVEL", &cfg.Telemetry.LogLevel)
	strOverride("INDEXER__TELEMETRY__LOG_FORMAT", &cfg.Telemetry.LogFormat)
	strOverride("INDEXER__TELEMETRY__METRICS_ADDR", &cfg.Telemetry.MetricsAddr)
}

func strOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intOverride(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func int32Override(key string, dst *int32) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func durationOverride(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func timeOverride(key string, dst **time.Time) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		*dst = &t
	}
}

// Validate checks the minimal set of required keys; a missing URL or
// zero batch size is a configuration-kind fatal error at startup.
func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "database.url")
	}
	if c.Ingest.Source.Bucket == "" {
		missing = append(missing, "ingest.source.bucket")
	}
	if c.Ingest.BatchSize <= 0 {
		missing = append(missing, "ingest.batch_size (must be > 0)")
	}
	if c.Pipeline.ChannelBufferSize <= 0 {
		missing = append(missing, "pipeline.channel_buffer_size (must be > 0)")
	}
	if len(missing) > 0 {
		return ingesterr.New(ingesterr.KindConfiguration, "config.Validate",
			fmt.Errorf("invalid configuration: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// Redacted returns a loggable snapshot with the database URL masked.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"exchange":                c.Exchange,
		"source":                  c.Source,
		"database_url":            redactURL(c.Database.URL),
		"database_min_max":        fmt.Sprintf("%d/%d", c.Database.MinConns, c.Database.MaxConns),
		"ingest_bucket":           c.Ingest.Source.Bucket,
		"ingest_batch_size":       c.Ingest.BatchSize,
		"pipeline_buffer_size":    c.Pipeline.ChannelBufferSize,
		"pipeline_checkpoint_secs": c.Pipeline.CheckpointIntervalSecs,
		"telemetry_log_level":     c.Telemetry.LogLevel,
	}
}

func redactURL(u string) string {
	if u == "" {
		return ""
	}
	at := strings.Index(u, "@")
	scheme := strings.Index(u, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return "***"
	}
	return u[:scheme+3] + "***" + u[at:]
}
