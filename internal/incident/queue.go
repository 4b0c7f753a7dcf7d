package incident

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO of admitted jobs. Push never blocks: a full queue
// rejects the job so the detection loop keeps running.
type Queue struct {
	jobs   chan *Job
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

// NewQueue creates a queue holding at most capacity jobs
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		jobs:   make(chan *Job, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues a job or returns ErrQueueFull / ErrQueueClosed
func (q *Queue) Push(job *Job) error {
	// Read lock keeps Close from closing the channel under a concurrent send
	q.mu.RLock()
	defer q.mu.RUnlock()

	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pop blocks until a job is available, the queue is closed and drained, or
// ctx is done. ok is false when no job was returned.
func (q *Queue) Pop(ctx context.Context) (*Job, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case job, ok := <-q.jobs:
		return job, ok
	}
}

// TryPop returns the next queued job without waiting
func (q *Queue) TryPop() (*Job, bool) {
	select {
	case job, ok := <-q.jobs:
		return job, ok
	default:
		return nil, false
	}
}

// Len returns the number of queued jobs
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Cap returns the configured capacity
func (q *Queue) Cap() int {
	return cap(q.jobs)
}

// Close stops accepting jobs. Already queued jobs can still be popped.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		close(q.closed)
		close(q.jobs)
		q.mu.Unlock()
	})
}
