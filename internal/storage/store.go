// Package storage abstracts the bulk upload target for the exported
// data set.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// PutResult reports the outcome of one file upload. Uploads are
// best-effort per file: a failure never aborts the rest of the batch.
type PutResult struct {
	Path    string
	OK      bool
	Message string
}

// BulkStore pushes exported files to a storage target.
type BulkStore interface {
	// PutFiles uploads the named files (relative to root) and returns a
	// result per file.
	PutFiles(ctx context.Context, root string, files []string) []PutResult

	// Empty removes every object under the store's prefix.
	Empty(ctx context.Context) error

	// URI returns the canonical URI for the given key.
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string // "local" | "s3" | "gcs"

	// Local filesystem
	LocalDir string

	// Object storage
	Bucket   string
	Region   string
	Endpoint string // custom endpoint for B2/MinIO/R2

	// Common
	Prefix      string
	ContentType string
	MaxRetries  int
}

// NewBulkStore creates a storage backend based on configuration.
func NewBulkStore(ctx context.Context, cfg Config) (BulkStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return newLocalStore(ctx, cfg)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return newS3Store(ctx, cfg)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// s3URL builds a gocloud.dev bucket URL for S3-compatible backends.
func s3URL(cfg Config) string {
	q := url.Values{}
	if cfg.Region != "" {
		q.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		q.Set("endpoint", cfg.Endpoint)
		q.Set("s3ForcePathStyle", "true")
	}
	u := "s3://" + cfg.Bucket
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func localURI(dir, key string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return "file://" + filepath.ToSlash(filepath.Join(abs, key))
}
