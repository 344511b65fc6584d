package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/openpid/doi-exporter/internal/metrics"
)

// Retry budgets for one stream instance. The counters only ever go up:
// a stream that has burned its budget is done even if pages succeeded
// in between.
const (
	maxTimeouts = 10
	maxFailures = 10
)

// ErrTooManyTimeouts means the backend reported timeouts past the retry budget.
var ErrTooManyTimeouts = errors.New("too many timeouts, giving up")

// ErrTooManyFailures means transport or backend errors exhausted the retry budget.
var ErrTooManyFailures = errors.New("too many failures, giving up")

// Stream produces a lazy, resumable sequence of records for one query.
// Resumption uses the backend's search_after cursor derived from the
// sort key of the last delivered record, so a retried page never
// re-delivers and never skips.
//
// A Stream is owned by a single goroutine; it must not be shared.
type Stream struct {
	backend Backend
	query   *Query
	backoff time.Duration

	timeouts int
	failures int

	log *slog.Logger
}

// NewStream creates a stream over the given query. backoff is the fixed
// sleep before retrying a page after a timeout or failure.
func NewStream(backend Backend, query *Query, backoff time.Duration, log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{
		backend: backend,
		query:   query,
		backoff: backoff,
		log:     log,
	}
}

// Records starts the stream. The record channel is closed when the
// sequence is exhausted; a terminal condition is delivered on the error
// channel before both close.
func (s *Stream) Records(ctx context.Context) (<-chan Record, <-chan error) {
	recCh := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(recCh)
		defer close(errCh)

		for {
			resp, err := s.backend.Search(ctx, s.query)
			if err != nil {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				s.failures++
				if m := metrics.Get(); m != nil {
					m.StreamRetries.WithLabelValues("failure").Inc()
				}
				if s.failures > maxFailures {
					s.log.Error("too many failures, giving up", "failures", s.failures, "error", err)
					errCh <- ErrTooManyFailures
					return
				}
				s.log.Warn("search failed, sleeping and retrying",
					"failures", s.failures, "backoff", s.backoff.String(), "error", err)
				if !s.sleep(ctx) {
					errCh <- ctx.Err()
					return
				}
				continue
			}

			if resp.TimedOut {
				s.timeouts++
				if m := metrics.Get(); m != nil {
					m.StreamRetries.WithLabelValues("timeout").Inc()
				}
				if s.timeouts > maxTimeouts {
					s.log.Error("too many timeouts, giving up", "timeouts", s.timeouts)
					errCh <- ErrTooManyTimeouts
					return
				}
				s.log.Warn("query timed out, sleeping and retrying",
					"timeouts", s.timeouts, "backoff", s.backoff.String())
				if !s.sleep(ctx) {
					errCh <- ctx.Err()
					return
				}
				continue
			}

			if len(resp.Hits) == 0 {
				return
			}

			for _, hit := range resp.Hits {
				select {
				case recCh <- hit.Source:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}

			// Resume exclusively after the last delivered record.
			s.query.SearchAfter = resp.Hits[len(resp.Hits)-1].Sort
		}
	}()

	return recCh, errCh
}

// sleep waits for the fixed backoff interval. Returns false if the
// context was cancelled first.
func (s *Stream) sleep(ctx context.Context) bool {
	if s.backoff <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(s.backoff):
		return true
	case <-ctx.Done():
		return false
	}
}
