package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Search.PageSize != 1000 {
		t.Errorf("PageSize = %d", cfg.Search.PageSize)
	}
	if cfg.Search.RetryBackoffSeconds != 10 {
		t.Errorf("RetryBackoffSeconds = %d", cfg.Search.RetryBackoffSeconds)
	}
	if cfg.Export.Workers != 32 {
		t.Errorf("Workers = %d", cfg.Export.Workers)
	}
	if cfg.Export.RotateEvery != 10000 {
		t.Errorf("RotateEvery = %d", cfg.Export.RotateEvery)
	}
	if cfg.Reconcile.TotalThreshold != 500 || cfg.Reconcile.MonthThreshold != 100 {
		t.Errorf("thresholds = %d/%d", cfg.Reconcile.TotalThreshold, cfg.Reconcile.MonthThreshold)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
search:
  host: https://search.example.org
  index: dois-prod
  page_size: 500
export:
  workers: 8
  output_path: /tmp/export
reconcile:
  total_threshold: 50
  month_threshold: 10
storage:
  backend: s3
  bucket: exports
  region: eu-west-1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Search.Host != "https://search.example.org" {
		t.Errorf("Host = %q", cfg.Search.Host)
	}
	if cfg.Search.PageSize != 500 {
		t.Errorf("PageSize = %d", cfg.Search.PageSize)
	}
	if cfg.Export.Workers != 8 {
		t.Errorf("Workers = %d", cfg.Export.Workers)
	}
	if cfg.Reconcile.TotalThreshold != 50 {
		t.Errorf("TotalThreshold = %d", cfg.Reconcile.TotalThreshold)
	}
	if cfg.Storage.Backend != "s3" || cfg.Storage.Bucket != "exports" {
		t.Errorf("storage = %+v", cfg.Storage)
	}

	// Untouched settings keep their defaults.
	if cfg.Export.RotateEvery != 10000 {
		t.Errorf("RotateEvery = %d, want default", cfg.Export.RotateEvery)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing config file should fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEARCH_HOST", "https://override.example.org")
	t.Setenv("SEARCH_INDEX", "dois-test")
	t.Setenv("WORKERS", "4")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Search.Host != "https://override.example.org" {
		t.Errorf("Host = %q", cfg.Search.Host)
	}
	if cfg.Search.Index != "dois-test" {
		t.Errorf("Index = %q", cfg.Search.Index)
	}
	if cfg.Export.Workers != 4 {
		t.Errorf("Workers = %d", cfg.Export.Workers)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q", cfg.Log.Level)
	}
}

func TestEnvOverridesIgnoreBadWorkerCount(t *testing.T) {
	t.Setenv("WORKERS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Export.Workers != 32 {
		t.Errorf("Workers = %d, want default", cfg.Export.Workers)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Search.Host = "" }},
		{"empty index", func(c *Config) { c.Search.Index = "" }},
		{"zero page size", func(c *Config) { c.Search.PageSize = 0 }},
		{"zero workers", func(c *Config) { c.Export.Workers = 0 }},
		{"zero rotate", func(c *Config) { c.Export.RotateEvery = 0 }},
		{"empty output path", func(c *Config) { c.Export.OutputPath = "" }},
		{"bad storage backend", func(c *Config) { c.Storage.Backend = "ftp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
