// Package export contains the export orchestration and reconciliation
// engine: the job queue, the partition workers, the reconciler, and the
// run-level exporter that wires them together.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/config"
	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/manifest"
	"github.com/openpid/doi-exporter/internal/metrics"
	"github.com/openpid/doi-exporter/internal/search"
	"github.com/openpid/doi-exporter/internal/storage"
)

// ReportFileName is the reconciliation report written under the output root.
const ReportFileName = "results.csv"

// RunOptions selects which buckets a run covers. Month is mutually
// exclusive with From/To; with neither set, the bucket set comes from a
// month histogram against the backend.
type RunOptions struct {
	From      *bucket.Key
	To        *bucket.Key
	Month     *bucket.Key
	LocalOnly bool
}

// Exporter orchestrates one export run: it seeds the job queue and the
// reconciler, drives the worker pool, and finishes with manifest
// generation and bulk upload.
type Exporter struct {
	cfg     config.Config
	backend search.Backend
	store   storage.BulkStore // nil in local-only mode
	log     *slog.Logger
}

// New creates an exporter. store may be nil when uploads are disabled.
func New(cfg config.Config, backend search.Backend, store storage.BulkStore) *Exporter {
	return &Exporter{
		cfg:     cfg,
		backend: backend,
		store:   store,
		log:     logging.Component("exporter"),
	}
}

// seed is one bucket to export, with its histogram count when known.
type seed struct {
	key      bucket.Key
	expected *int64
}

// Run executes the export end to end.
func (e *Exporter) Run(ctx context.Context, opts RunOptions) error {
	runID := logging.NewRunID()
	log := e.log.With("run_id", runID)

	seeds, err := e.seeds(ctx, log, opts)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		log.Warn("no buckets to export")
		return nil
	}

	queue := NewQueue(e.cfg.Export.QueueSize)
	outcomes := make(chan Outcome, e.cfg.Export.QueueSize)

	rec := NewReconciler(ReconcilerConfig{
		TotalThreshold: e.cfg.Reconcile.TotalThreshold,
		MonthThreshold: e.cfg.Reconcile.MonthThreshold,
		MaxAttempts:    e.cfg.Export.MaxAttempts,
		ReportPath:     filepath.Join(e.cfg.Export.OutputPath, ReportFileName),
	}, queue, outcomes)

	for _, s := range seeds {
		rec.Track(s.key)
	}

	recDone := make(chan error, 1)
	go func() {
		recDone <- rec.Run(ctx)
	}()

	workerCfg := WorkerConfig{
		OutputRoot:  e.cfg.Export.OutputPath,
		RotateEvery: e.cfg.Export.RotateEvery,
		Agencies:    e.cfg.Search.Agencies,
		States:      e.cfg.Search.States,
		PageSize:    e.cfg.Search.PageSize,
		Backoff:     time.Duration(e.cfg.Search.RetryBackoffSeconds) * time.Second,
	}

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Export.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			NewWorker(id, workerCfg, e.backend, queue, outcomes).Run(ctx)
		}(i)
	}

	log.Info("starting run",
		"buckets", len(seeds),
		"workers", e.cfg.Export.Workers,
		"output", e.cfg.Export.OutputPath,
	)

	var seedErr error
	for _, s := range seeds {
		if s.expected != nil {
			select {
			case outcomes <- Outcome{Bucket: s.key, Count: *s.expected, Phase: PhaseExpected}:
			case <-ctx.Done():
				seedErr = ctx.Err()
			}
		}
		if seedErr == nil {
			seedErr = queue.Push(ctx, Job{Bucket: s.key, Expected: s.expected})
		}
		if seedErr != nil {
			// Stop producing but fall through to the normal drain so
			// workers and the reconciler are fully stopped before we
			// return.
			queue.Shutdown()
			break
		}
	}
	if m := metrics.Get(); m != nil {
		m.JobQueueDepth.Set(float64(queue.Depth()))
	}

	// The reconciler closes the queue once the run is complete; the
	// closed queue drains the workers; the drained workers let us close
	// the outcome channel, which stops the reconciler.
	wg.Wait()
	close(outcomes)
	recErr := <-recDone

	if seedErr != nil {
		return seedErr
	}
	if recErr != nil {
		return recErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	entries, err := manifest.Generate(e.cfg.Export.OutputPath)
	if err != nil {
		return fmt.Errorf("generate manifest: %w", err)
	}
	log.Info("generated manifest", "files", len(entries))

	if opts.LocalOnly || e.store == nil {
		log.Info("local-only mode, skipping upload")
		return nil
	}
	return e.upload(ctx, log, entries)
}

// seeds computes the bucket set for the run.
func (e *Exporter) seeds(ctx context.Context, log *slog.Logger, opts RunOptions) ([]seed, error) {
	switch {
	case opts.Month != nil:
		return []seed{{key: *opts.Month}}, nil

	case opts.From != nil && opts.To != nil:
		keys, err := bucket.Range(*opts.From, *opts.To)
		if err != nil {
			return nil, err
		}
		seeds := make([]seed, 0, len(keys))
		for _, k := range keys {
			seeds = append(seeds, seed{key: k})
		}
		return seeds, nil

	default:
		base := search.NewQuery(e.cfg.Search.Agencies, e.cfg.Search.States, e.cfg.Search.PageSize)
		months, total, err := search.MonthHistogram(ctx, e.backend, base)
		if err != nil {
			return nil, fmt.Errorf("month histogram: %w", err)
		}
		log.Info("expected total count", "total", total, "buckets", len(months))

		seeds := make([]seed, 0, len(months))
		for _, m := range months {
			count := m.Count
			seeds = append(seeds, seed{key: m.Key, expected: &count})
		}
		return seeds, nil
	}
}

// upload empties the target and pushes every data file, the manifest,
// and the reconciliation report. Per-file failures are collected, not
// fatal mid-batch.
func (e *Exporter) upload(ctx context.Context, log *slog.Logger, entries []manifest.Entry) error {
	log.Info("emptying upload target")
	if err := e.store.Empty(ctx); err != nil {
		return fmt.Errorf("empty target: %w", err)
	}

	files := make([]string, 0, len(entries)+2)
	for _, entry := range entries {
		files = append(files, entry.Path)
	}
	files = append(files, manifest.FileName, ReportFileName)

	results := e.store.PutFiles(ctx, e.cfg.Export.OutputPath, files)

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
			log.Error("upload failed", "file", r.Path, "message", r.Message)
		}
	}
	log.Info("upload complete", "uploaded", len(results)-failed, "failed", failed)

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed to upload", failed, len(results))
	}
	return nil
}
