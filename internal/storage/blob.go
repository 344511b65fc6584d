package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver

	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/metrics"
)

// blobStore implements BulkStore over any gocloud.dev blob bucket.
type blobStore struct {
	bucket      *blob.Bucket
	uriBase     string
	contentType string
	maxRetries  int
	log         *slog.Logger
}

func newBlobStore(bkt *blob.Bucket, uriBase string, cfg Config) *blobStore {
	if cfg.Prefix != "" {
		bkt = blob.PrefixedBucket(bkt, cfg.Prefix)
		uriBase += cfg.Prefix
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &blobStore{
		bucket:      bkt,
		uriBase:     uriBase,
		contentType: cfg.ContentType,
		maxRetries:  retries,
		log:         logging.Component("storage"),
	}
}

func newLocalStore(ctx context.Context, cfg Config) (BulkStore, error) {
	bkt, err := fileblob.OpenBucket(cfg.LocalDir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", cfg.LocalDir, err)
	}
	return newBlobStore(bkt, localURI(cfg.LocalDir, "")+"/", cfg), nil
}

func newS3Store(ctx context.Context, cfg Config) (BulkStore, error) {
	u := s3URL(cfg)
	bkt, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("open s3 bucket %s: %w", cfg.Bucket, err)
	}
	return newBlobStore(bkt, "s3://"+cfg.Bucket+"/", cfg), nil
}

func newGCSStore(ctx context.Context, cfg Config) (BulkStore, error) {
	bkt, err := blob.OpenBucket(ctx, "gs://"+cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open gcs bucket %s: %w", cfg.Bucket, err)
	}
	return newBlobStore(bkt, "gs://"+cfg.Bucket+"/", cfg), nil
}

// PutFiles uploads each file best-effort with bounded retries, and
// reports a result per file instead of aborting the batch on the first
// error.
func (s *blobStore) PutFiles(ctx context.Context, root string, files []string) []PutResult {
	results := make([]PutResult, 0, len(files))

	for _, file := range files {
		path := file
		if root != "" {
			path = filepath.Join(root, file)
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			results = append(results, PutResult{Path: path, Message: "file not found"})
			if m := metrics.Get(); m != nil {
				m.UploadedFiles.WithLabelValues("error").Inc()
			}
			continue
		}

		key := filepath.ToSlash(file)
		op := func() error {
			return s.putOne(ctx, path, key)
		}
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), uint64(s.maxRetries)),
			ctx,
		)

		if err := backoff.Retry(op, policy); err != nil {
			s.log.Error("upload failed", "file", path, "error", err)
			results = append(results, PutResult{Path: path, Message: err.Error()})
			if m := metrics.Get(); m != nil {
				m.UploadedFiles.WithLabelValues("error").Inc()
			}
			continue
		}

		s.log.Debug("uploaded file", "file", path, "uri", s.URI(key))
		results = append(results, PutResult{Path: path, OK: true, Message: "uploaded"})
		if m := metrics.Get(); m != nil {
			m.UploadedFiles.WithLabelValues("ok").Inc()
		}
	}

	return results
}

// putOne streams a single file into the bucket.
func (s *blobStore) putOne(ctx context.Context, path, key string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	opts := &blob.WriterOptions{}
	if s.contentType != "" {
		opts.ContentType = s.contentType
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("copy %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish upload %s: %w", key, err)
	}
	return nil
}

// Empty removes every object under the store's prefix.
func (s *blobStore) Empty(ctx context.Context) error {
	iter := s.bucket.List(nil)
	deleted := 0
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("list bucket: %w", err)
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		deleted++
	}
	s.log.Info("emptied bucket", "objects", deleted)
	return nil
}

// URI returns the canonical URI for the given key.
func (s *blobStore) URI(key string) string {
	return s.uriBase + key
}

// Close releases the underlying bucket.
func (s *blobStore) Close() error {
	return s.bucket.Close()
}
