package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/metrics"
	"github.com/openpid/doi-exporter/internal/search"
	"github.com/openpid/doi-exporter/internal/serialize"
)

// FindableState is the record state that is materialized into the
// full-record sequence files. Records in other states still count and
// still appear in the summary CSV.
const FindableState = "findable"

// bigBucketExpected is the expected-count threshold above which extra
// progress milestones are logged. Observational only.
const bigBucketExpected = 1_000_000

// WorkerConfig holds the per-worker settings shared by the pool.
type WorkerConfig struct {
	OutputRoot  string
	RotateEvery int
	Agencies    []string
	States      []string
	PageSize    int
	Backoff     time.Duration
}

// Worker consumes bucket jobs from the shared queue and exports each
// one: a rotated gzip JSONL sequence plus a gzip CSV summary, with an
// outcome report per job.
type Worker struct {
	id       int
	cfg      WorkerConfig
	backend  search.Backend
	queue    *Queue
	outcomes chan<- Outcome
	log      *slog.Logger
}

// NewWorker creates a worker bound to the shared queue and outcome channel.
func NewWorker(id int, cfg WorkerConfig, backend search.Backend, queue *Queue, outcomes chan<- Outcome) *Worker {
	return &Worker{
		id:       id,
		cfg:      cfg,
		backend:  backend,
		queue:    queue,
		outcomes: outcomes,
		log:      logging.WorkerLogger(id),
	}
}

// Run processes jobs until the queue is shut down or the context is
// cancelled. A failed job does not kill the worker: it is reported as a
// Failed outcome and recovery is left to the reconciler.
func (w *Worker) Run(ctx context.Context) {
	w.log.Debug("worker started")

	for {
		select {
		case job, ok := <-w.queue.Jobs():
			if !ok {
				w.log.Info("job queue closed, worker stopping")
				return
			}
			if err := w.process(ctx, job); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Error("job failed", "bucket", job.Bucket.String(), "error", err)
				if m := metrics.Get(); m != nil {
					m.BucketsFailed.Inc()
				}
				if !w.report(ctx, Outcome{Bucket: job.Bucket, Phase: PhaseFailed}) {
					return
				}
			}

		case <-ctx.Done():
			w.log.Debug("context cancelled, worker stopping")
			return
		}
	}
}

// process exports one bucket end to end.
func (w *Worker) process(ctx context.Context, job Job) error {
	jobID := logging.NewRunID()
	log := logging.BucketLogger(w.log, job.Bucket.String(), jobID)

	var expected int64
	if job.Expected == nil {
		// Regenerated bucket: take a fresh authoritative count and
		// declare it before streaming.
		count, err := search.Count(ctx, w.backend, w.monthQuery(job.Bucket))
		if err != nil {
			return fmt.Errorf("recount bucket: %w", err)
		}
		expected = count
		if !w.report(ctx, Outcome{Bucket: job.Bucket, Count: count, Phase: PhaseExpected}) {
			return ctx.Err()
		}
	} else {
		expected = *job.Expected
	}

	log.Info("started job", "expected", expected)
	start := time.Now()

	writer, err := newPartitionWriter(w.cfg.OutputRoot, job.Bucket)
	if err != nil {
		return err
	}

	query := w.monthQuery(job.Bucket).WithIncludes(search.ProjectedFields)
	stream := search.NewStream(w.backend, query, w.cfg.Backoff, log)
	records, errs := stream.Records(ctx)

	var count int64
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				goto doneStreaming
			}
			count++

			if err := w.writeRecord(writer, rec); err != nil {
				writer.Close()
				return err
			}

			if expected > bigBucketExpected && count%100_000 == 0 {
				log.Info("progress", "processed", count, "expected", expected)
			}
			if count%int64(w.cfg.RotateEvery) == 0 {
				log.Debug("progress", "processed", count, "expected", expected)
				if err := writer.Rotate(); err != nil {
					writer.Close()
					return err
				}
			}

		case err := <-errs:
			if err != nil {
				writer.Close()
				return fmt.Errorf("stream bucket %s: %w", job.Bucket, err)
			}
			// Error channel closed, keep draining records.

		case <-ctx.Done():
			writer.Close()
			return ctx.Err()
		}
	}

doneStreaming:
	// The record channel closing can win the select race against a
	// buffered terminal error. The error channel is guaranteed closed or
	// carrying that error by now, so drain it before declaring success.
	if err := <-errs; err != nil {
		writer.Close()
		return fmt.Errorf("stream bucket %s: %w", job.Bucket, err)
	}

	if err := writer.Close(); err != nil {
		return err
	}

	if !w.report(ctx, Outcome{Bucket: job.Bucket, Count: count, Phase: PhaseFinal}) {
		return ctx.Err()
	}

	elapsed := time.Since(start)
	if m := metrics.Get(); m != nil {
		m.BucketsCompleted.Inc()
		m.BucketExportDuration.Observe(elapsed.Seconds())
	}
	log.Info("finished job",
		"final", count,
		"expected", expected,
		"duration", elapsed.String(),
	)
	return nil
}

// writeRecord writes the CSV row for every record and the serialized
// document only for findable ones.
func (w *Worker) writeRecord(writer *partitionWriter, rec search.Record) error {
	if err := writer.WriteRow(serialize.CSVRow(rec)); err != nil {
		return err
	}

	if m := metrics.Get(); m != nil {
		m.RecordsProcessed.Inc()
	}

	if rec.Str("aasm_state") != FindableState {
		return nil
	}
	if err := writer.WriteDocument(serialize.JSONRecord(rec)); err != nil {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.RecordsWritten.Inc()
	}
	return nil
}

func (w *Worker) monthQuery(key bucket.Key) *search.Query {
	return search.NewQuery(w.cfg.Agencies, w.cfg.States, w.cfg.PageSize).WithMonth(key)
}

// report sends an outcome, giving up only on context cancellation.
func (w *Worker) report(ctx context.Context, o Outcome) bool {
	select {
	case w.outcomes <- o:
		return true
	case <-ctx.Done():
		return false
	}
}
