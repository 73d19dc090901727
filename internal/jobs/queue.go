package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Record is an immutable view of a settled job, handed to observers.
type Record struct {
	ID     string
	Name   string
	Status Status
	Reason CancelReason
	Err    error
	Times
}

// Observer is called once per settled job. It runs on the settling
// goroutine and must not block.
type Observer func(Record)

// Queue is a FIFO of jobs with many producers and one consumer. A capacity of
// zero or less makes it unbounded.
type Queue struct {
	capacity int
	logger   *slog.Logger

	mu        sync.Mutex
	items     []*Job
	closed    bool
	changed   chan struct{}
	observers []Observer
}

type QueueOption func(*Queue)

func WithObserver(fn Observer) QueueOption {
	return func(q *Queue) { q.observers = append(q.observers, fn) }
}

func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

func NewQueue(capacity int, opts ...QueueOption) *Queue {
	q := &Queue{
		capacity: capacity,
		logger:   slog.Default(),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var errExternal = errors.New("jobs: external cancel while enqueuing")

// Enqueue admits job, blocking while a bounded queue is full. A job whose
// cancel context is already done is settled as canceled without running.
// If ctx ends first the job is settled as canceled rather than left pending.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if ext := job.cancelCtx(); ext != nil && ext.Err() != nil {
		q.settle(job, canceled(ReasonExternal))
		return &CanceledError{Reason: ReasonExternal}
	}
	job.markEnqueued()
	err := q.push(ctx, job, true)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueClosed):
		q.settle(job, canceled(ReasonShutdown))
		return err
	case errors.Is(err, errExternal):
		q.settle(job, canceled(ReasonExternal))
		return &CanceledError{Reason: ReasonExternal}
	default:
		q.settle(job, canceled(ReasonEnqueue))
		return err
	}
}

// TryEnqueue admits job only if there is room now. On ErrQueueFull the job
// stays pending and may be offered again.
func (q *Queue) TryEnqueue(job *Job) error {
	if ext := job.cancelCtx(); ext != nil && ext.Err() != nil {
		q.settle(job, canceled(ReasonExternal))
		return &CanceledError{Reason: ReasonExternal}
	}
	job.markEnqueued()
	err := q.push(context.Background(), job, false)
	if errors.Is(err, ErrQueueClosed) {
		q.settle(job, canceled(ReasonShutdown))
	}
	return err
}

// EnqueueAndWait enqueues job and waits for it to settle. Called from inside
// a job running on q it fails immediately with ErrReentrant, since the single
// consumer could never reach the new job.
func (q *Queue) EnqueueAndWait(ctx context.Context, job *Job) (Outcome, error) {
	if q.InJob(ctx) {
		err := fmt.Errorf("%w: %q at depth %d", ErrReentrant, job.Name(), Depth(ctx))
		q.settle(job, faulted(err))
		return job.Outcome(), err
	}
	if err := q.Enqueue(ctx, job); err != nil {
		return job.Outcome(), err
	}
	return job.Wait(ctx)
}

// Dequeue blocks until a job is available. It returns ErrQueueClosed once
// the queue is closed, or ctx's error.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.broadcast()
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further jobs and settles everything still queued as
// canceled. It returns the number of drained jobs.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.broadcast()
	q.mu.Unlock()

	for _, job := range pending {
		q.settle(job, canceled(ReasonShutdown))
	}
	return len(pending)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) push(ctx context.Context, job *Job, block bool) error {
	var extDone <-chan struct{}
	if ext := job.cancelCtx(); ext != nil {
		extDone = ext.Done()
	}
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.items = append(q.items, job)
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		if !block {
			q.mu.Unlock()
			return ErrQueueFull
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		case <-extDone:
			return errExternal
		}
	}
}

// broadcast wakes every waiter. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) settle(job *Job, o Outcome) {
	if !job.settle(o) {
		return
	}
	rec := Record{
		ID:     job.ID(),
		Name:   job.Name(),
		Status: o.Status,
		Reason: o.Reason,
		Err:    o.Err,
		Times:  job.Times(),
	}
	q.logger.Debug("job settled",
		"job", rec.Name,
		"id", rec.ID,
		"status", rec.Status.String(),
		"reason", rec.Reason.String(),
		"elapsed", elapsed(rec.Times),
	)
	q.mu.Lock()
	observers := q.observers
	q.mu.Unlock()
	for _, fn := range observers {
		fn(rec)
	}
}

func elapsed(t Times) time.Duration {
	if t.Started.IsZero() {
		return 0
	}
	return t.Completed.Sub(t.Started)
}
