package export

import (
	"github.com/openpid/doi-exporter/internal/bucket"
)

// Job is one month bucket to export. A nil Expected forces the worker
// to recount the bucket against the backend before streaming, which is
// how regenerated buckets get a fresh authoritative count.
// Jobs are immutable once enqueued.
type Job struct {
	Bucket   bucket.Key
	Expected *int64
}

// Phase tags an Outcome.
type Phase int

const (
	// PhaseExpected carries the backend-reported authoritative count.
	PhaseExpected Phase = iota
	// PhaseFinal carries the count a completed worker actually produced.
	PhaseFinal
	// PhaseFailed reports a job that ended in an error before a final
	// count existed. Recovery belongs to the reconciler.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseExpected:
		return "expected"
	case PhaseFinal:
		return "final"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is one report from a worker or the orchestrator to the
// reconciler. Ordering across buckets is not guaranteed; the reconciler
// keys its state on bucket and phase independently.
type Outcome struct {
	Bucket bucket.Key
	Count  int64
	Phase  Phase
}
