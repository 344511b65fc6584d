// Package config loads exporter configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openpid/doi-exporter/internal/logging"
)

// Config is the top-level exporter configuration.
type Config struct {
	Log       logging.Config  `yaml:"log"`
	Search    SearchConfig    `yaml:"search"`
	Export    ExportConfig    `yaml:"export"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// SearchConfig describes the search backend and the record filter.
type SearchConfig struct {
	Host     string   `yaml:"host"`
	Index    string   `yaml:"index"`
	Agencies []string `yaml:"agencies"`
	States   []string `yaml:"states"`
	PageSize int      `yaml:"page_size"`

	// RetryBackoffSeconds is the fixed sleep between retries of a page
	// after a reported timeout or a transport failure.
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
}

// ExportConfig controls the worker pool and the output layout.
type ExportConfig struct {
	OutputPath  string `yaml:"output_path"`
	Workers     int    `yaml:"workers"`
	RotateEvery int    `yaml:"rotate_every"`
	QueueSize   int    `yaml:"queue_size"`

	// MaxAttempts bounds how often a failed bucket is re-queued before
	// it is written off in the report.
	MaxAttempts int `yaml:"max_attempts"`
}

// ReconcileConfig holds the discrepancy thresholds.
type ReconcileConfig struct {
	// TotalThreshold is the run-wide discrepancy sum above which
	// regeneration candidates are considered.
	TotalThreshold int64 `yaml:"total_threshold"`
	// MonthThreshold is the per-bucket discrepancy above which a bucket
	// is regenerated.
	MonthThreshold int64 `yaml:"month_threshold"`
}

// StorageConfig configures the bulk upload target.
type StorageConfig struct {
	Backend     string `yaml:"backend"` // "local" | "s3" | "gcs"
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	LocalDir    string `yaml:"local_dir"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"` // custom endpoint for B2/MinIO/R2
	ContentType string `yaml:"content_type"`
	MaxRetries  int    `yaml:"max_retries"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: logging.Config{
			Format: "text",
			Level:  "info",
		},
		Search: SearchConfig{
			Host:                "http://localhost:9200",
			Index:               "dois",
			Agencies:            []string{"DataCite", "datacite"},
			States:              []string{"findable", "registered"},
			PageSize:            1000,
			RetryBackoffSeconds: 10,
			TimeoutSeconds:      60,
		},
		Export: ExportConfig{
			OutputPath:  "./data",
			Workers:     32,
			RotateEvery: 10000,
			QueueSize:   4096,
			MaxAttempts: 3,
		},
		Reconcile: ReconcileConfig{
			TotalThreshold: 500,
			MonthThreshold: 100,
		},
		Storage: StorageConfig{
			Backend:     "local",
			LocalDir:    "./upload",
			ContentType: "application/gzip",
			MaxRetries:  3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads the configuration file at path (if non-empty), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays the subset of settings that operators commonly
// override per run.
func (c *Config) applyEnv() {
	c.Search.Host = getenvDefault("SEARCH_HOST", c.Search.Host)
	c.Search.Index = getenvDefault("SEARCH_INDEX", c.Search.Index)
	c.Export.OutputPath = getenvDefault("OUTPUT_PATH", c.Export.OutputPath)
	c.Storage.Bucket = getenvDefault("STORAGE_BUCKET", c.Storage.Bucket)
	c.Log.Level = getenvDefault("LOG_LEVEL", c.Log.Level)

	if v := os.Getenv("WORKERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			c.Export.Workers = parsed
		}
	}
}

// Validate rejects configurations the exporter cannot run with.
func (c *Config) Validate() error {
	if c.Search.Host == "" {
		return fmt.Errorf("search.host is required")
	}
	if c.Search.Index == "" {
		return fmt.Errorf("search.index is required")
	}
	if c.Search.PageSize < 1 {
		return fmt.Errorf("search.page_size must be positive, got %d", c.Search.PageSize)
	}
	if c.Export.Workers < 1 {
		return fmt.Errorf("export.workers must be positive, got %d", c.Export.Workers)
	}
	if c.Export.RotateEvery < 1 {
		return fmt.Errorf("export.rotate_every must be positive, got %d", c.Export.RotateEvery)
	}
	if c.Export.OutputPath == "" {
		return fmt.Errorf("export.output_path is required")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "local", "s3", "gcs":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
