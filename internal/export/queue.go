package export

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push once the queue has been shut down.
var ErrQueueClosed = errors.New("job queue is closed")

// Queue is the shared job channel between the orchestrator, the
// reconciler, and the worker pool. It is multi-producer multi-consumer;
// shutting it down closes the channel exactly once, which is the
// explicit "no more jobs" signal workers drain against.
type Queue struct {
	mu     sync.RWMutex
	jobs   chan Job
	closed bool
}

// NewQueue creates a bounded queue. The bound keeps reconciler
// regeneration bursts from racing unboundedly ahead of the workers.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		jobs: make(chan Job, size),
	}
}

// Push enqueues a job, blocking while the queue is full. After Shutdown
// it returns ErrQueueClosed; it never sends on the closed channel.
func (q *Queue) Push(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Jobs returns the receive side used by workers.
func (q *Queue) Jobs() <-chan Job {
	return q.jobs
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Shutdown signals that no further jobs will be produced. Safe to call
// more than once. It waits out in-flight Push calls, so a Push blocked
// on a full queue must be released by a consumer or by its context
// before the close happens.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
