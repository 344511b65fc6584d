package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/openpid/doi-exporter/internal/bucket"
	"github.com/openpid/doi-exporter/internal/logging"
	"github.com/openpid/doi-exporter/internal/metrics"
)

// bucketState tracks one bucket through reconciliation. Owned
// exclusively by the reconciler goroutine.
type bucketState struct {
	expected *int64
	final    *int64
	diff     int64
	pct      float64

	// failed marks a bucket whose job errored past the attempt budget.
	// Failed buckets are written off with final = 0 so completeness
	// detection cannot stall, and they are excluded from regeneration.
	failed   bool
	attempts int
}

func (s *bucketState) reconciled() bool {
	return s.expected != nil && s.final != nil
}

// ReconcilerConfig holds the discrepancy thresholds and the report location.
type ReconcilerConfig struct {
	TotalThreshold int64
	MonthThreshold int64
	MaxAttempts    int
	ReportPath     string
}

// Reconciler consumes outcome events from all workers and from the
// orchestrator, tracks expected-vs-final counts per bucket, and decides
// whether to re-enqueue under-delivering buckets or to signal worker
// shutdown. It is the only feedback path that can re-inject work.
type Reconciler struct {
	cfg      ReconcilerConfig
	queue    *Queue
	outcomes <-chan Outcome
	states   map[bucket.Key]*bucketState

	// now is injectable so current-month exclusion is testable.
	now func() time.Time

	log *slog.Logger
}

// NewReconciler creates a reconciler feeding regenerated jobs back into queue.
func NewReconciler(cfg ReconcilerConfig, queue *Queue, outcomes <-chan Outcome) *Reconciler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Reconciler{
		cfg:      cfg,
		queue:    queue,
		outcomes: outcomes,
		states:   make(map[bucket.Key]*bucketState),
		now:      time.Now,
		log:      logging.Component("reconciler"),
	}
}

// Track registers a bucket before the run starts so completeness
// detection covers it from the first event. Not safe to call once Run
// has started.
func (r *Reconciler) Track(key bucket.Key) {
	if _, ok := r.states[key]; !ok {
		r.states[key] = &bucketState{}
	}
}

// Run consumes outcomes until the channel closes or the context is
// cancelled, then persists the reconciliation report.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case o, ok := <-r.outcomes:
			if !ok {
				return r.writeReport()
			}
			r.handle(ctx, o)

		case <-ctx.Done():
			// Persist whatever is known; the report is the durable
			// record of the run even when interrupted.
			if err := r.writeReport(); err != nil {
				r.log.Error("failed to write report on cancellation", "error", err)
			}
			return ctx.Err()
		}
	}
}

// handle merges one outcome into the bucket table and re-runs the
// completeness check when a bucket reaches the reconciled state.
func (r *Reconciler) handle(ctx context.Context, o Outcome) {
	r.log.Debug("got outcome", "bucket", o.Bucket.String(), "phase", o.Phase.String(), "count", o.Count)

	st := r.states[o.Bucket]
	if st == nil {
		st = &bucketState{}
		r.states[o.Bucket] = st
	}

	switch o.Phase {
	case PhaseExpected:
		if st.expected != nil {
			r.log.Warn("duplicate expected count",
				"bucket", o.Bucket.String(), "old", *st.expected, "new", o.Count)
		}
		v := o.Count
		st.expected = &v
		// Expected normally precedes Final, but arrival order is not
		// structurally enforced.
		if st.final != nil {
			r.reconcile(o.Bucket, st)
			r.checkComplete(ctx)
		}

	case PhaseFinal:
		if st.final != nil {
			r.log.Warn("duplicate final count",
				"bucket", o.Bucket.String(), "old", *st.final, "new", o.Count)
		}
		v := o.Count
		st.final = &v
		if st.expected != nil {
			r.reconcile(o.Bucket, st)
		}
		r.checkComplete(ctx)

	case PhaseFailed:
		r.handleFailure(ctx, o.Bucket, st)
	}
}

// handleFailure re-queues a failed bucket until the attempt budget runs
// out, then writes it off so the run can still complete.
func (r *Reconciler) handleFailure(ctx context.Context, key bucket.Key, st *bucketState) {
	st.attempts++
	if st.attempts < r.cfg.MaxAttempts {
		r.log.Warn("bucket job failed, requeueing",
			"bucket", key.String(), "attempt", st.attempts, "max_attempts", r.cfg.MaxAttempts)
		st.final = nil
		if err := r.queue.Push(ctx, Job{Bucket: key, Expected: st.expected}); err != nil {
			r.log.Error("failed to requeue bucket", "bucket", key.String(), "error", err)
		}
		return
	}

	r.log.Error("bucket failed past attempt budget, writing it off",
		"bucket", key.String(), "attempts", st.attempts)
	zero := int64(0)
	st.final = &zero
	if st.expected == nil {
		st.expected = &zero
	}
	st.failed = true
	r.reconcile(key, st)
	r.checkComplete(ctx)
}

// reconcile computes the discrepancy for a bucket with both counts known.
func (r *Reconciler) reconcile(key bucket.Key, st *bucketState) {
	st.diff = *st.expected - *st.final
	if *st.expected == 0 {
		st.pct = 0
	} else {
		st.pct = 100 * float64(st.diff) / float64(*st.expected)
	}
	r.log.Info("bucket reconciled",
		"bucket", key.String(),
		"expected", *st.expected,
		"final", *st.final,
		"diff", st.diff,
		"pct", fmt.Sprintf("%.2f", st.pct),
	)
}

// checkComplete runs the run-level decision once every tracked bucket
// is reconciled: either select buckets for regeneration or signal
// worker shutdown. Regeneration clears the selected buckets back to
// empty, so the check re-triggers when their new final counts arrive.
func (r *Reconciler) checkComplete(ctx context.Context) {
	for _, st := range r.states {
		if !st.reconciled() {
			return
		}
	}

	// The current month is perpetually in flux and is excluded from the
	// discrepancy sum and from regeneration.
	current := bucket.FromTime(r.now())

	var total int64
	for key, st := range r.states {
		if key == current {
			continue
		}
		total += st.diff
	}
	if m := metrics.Get(); m != nil {
		m.TotalDiscrepancy.Set(float64(total))
	}
	r.log.Info("all buckets reconciled",
		"buckets", len(r.states),
		"total_discrepancy", total,
		"total_threshold", r.cfg.TotalThreshold,
	)

	if total <= r.cfg.TotalThreshold {
		r.shutdown()
		return
	}

	var selected []bucket.Key
	for key, st := range r.states {
		if key == current || st.failed {
			continue
		}
		if st.diff > r.cfg.MonthThreshold {
			selected = append(selected, key)
		}
	}

	// The total threshold is a trigger to look, the month threshold a
	// trigger to act.
	if len(selected) == 0 {
		r.log.Warn("total discrepancy exceeds threshold but no bucket crosses the month threshold, shutting down",
			"total_discrepancy", total)
		r.shutdown()
		return
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Before(selected[j]) })

	for _, key := range selected {
		r.log.Warn("regenerating bucket",
			"bucket", key.String(),
			"diff", r.states[key].diff,
			"month_threshold", r.cfg.MonthThreshold,
		)
		r.states[key] = &bucketState{}
		if m := metrics.Get(); m != nil {
			m.BucketsRegenerated.Inc()
		}
		// A nil expected count forces an authoritative recount at
		// worker start.
		if err := r.queue.Push(ctx, Job{Bucket: key}); err != nil {
			r.log.Error("failed to enqueue regeneration", "bucket", key.String(), "error", err)
			return
		}
	}
}

// shutdown signals the worker pool that no further jobs will be
// produced. The queue guarantees the signal is delivered once.
func (r *Reconciler) shutdown() {
	r.log.Info("signaling worker shutdown")
	r.queue.Shutdown()
}

// writeReport persists the full bucket table as the durable record of
// the run's outcome.
func (r *Reconciler) writeReport() error {
	if r.cfg.ReportPath == "" {
		return nil
	}

	f, err := os.Create(r.cfg.ReportPath)
	if err != nil {
		return fmt.Errorf("create report %s: %w", r.cfg.ReportPath, err)
	}
	defer f.Close()

	keys := make([]bucket.Key, 0, len(r.states))
	for key := range r.states {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	w := csv.NewWriter(f)
	for _, key := range keys {
		st := r.states[key]
		row := []string{key.String(), "", "", "", ""}
		if st.expected != nil {
			row[1] = fmt.Sprintf("%d", *st.expected)
		}
		if st.final != nil {
			row[2] = fmt.Sprintf("%d", *st.final)
		}
		if st.reconciled() {
			row[3] = fmt.Sprintf("%d", st.diff)
			row[4] = fmt.Sprintf("%.2f", st.pct)
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush report: %w", err)
	}

	r.log.Info("wrote reconciliation report", "path", r.cfg.ReportPath, "buckets", len(keys))
	return nil
}
