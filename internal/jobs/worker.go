package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

const defaultAbandonGrace = 5 * time.Second

// Worker is the single consumer of a Queue.
type Worker struct {
	queue          *Queue
	defaultTimeout time.Duration
	grace          time.Duration
	logger         *slog.Logger
	busy           atomic.Bool
}

type WorkerOption func(*Worker)

// WithDefaultTimeout applies to jobs that did not set their own timeout.
func WithDefaultTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.defaultTimeout = d }
}

// WithAbandonGrace bounds how long the worker waits for a unit of work that
// kept running after its job was settled before moving on to the next job.
func WithAbandonGrace(d time.Duration) WorkerOption {
	return func(w *Worker) { w.grace = d }
}

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func NewWorker(q *Queue, opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		queue:  q,
		grace:  defaultAbandonGrace,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.defaultTimeout < 0 {
		return nil, fmt.Errorf("jobs: negative default timeout %s", w.defaultTimeout)
	}
	if w.grace < 0 {
		return nil, fmt.Errorf("jobs: negative abandon grace %s", w.grace)
	}
	return w, nil
}

// Busy reports whether a job is executing.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Run consumes the queue until ctx is canceled or the queue is closed. On
// return the queue is closed and its remaining jobs are settled as canceled.
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if n := w.queue.Close(); n > 0 {
			w.logger.Info("drained pending jobs on shutdown", "count", n)
		}
	}()
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			return nil
		}
		w.execute(ctx, job)
	}
}

func (w *Worker) effectiveTimeout(job *Job) time.Duration {
	switch {
	case job.timeout == Infinite:
		return 0
	case job.timeout > 0:
		return job.timeout
	default:
		return w.defaultTimeout
	}
}

func (w *Worker) execute(shutdown context.Context, job *Job) {
	ext := job.cancelCtx()
	if shutdown.Err() != nil {
		w.queue.settle(job, canceled(ReasonShutdown))
		return
	}
	if ext != nil && ext.Err() != nil {
		w.queue.settle(job, canceled(ReasonExternal))
		return
	}

	w.busy.Store(true)
	defer w.busy.Store(false)
	job.markStarted()

	runCtx, cancel := context.WithCancel(shutdown)
	defer cancel()
	if ext != nil {
		stop := context.AfterFunc(ext, cancel)
		defer stop()
	}
	timeout := w.effectiveTimeout(job)
	var timedOut atomic.Bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	finished := make(chan error, 1)
	go func() {
		finished <- w.invoke(withExecution(runCtx, w.queue), job)
	}()

	var err error
	abandoned := false
	select {
	case err = <-finished:
	case <-runCtx.Done():
		abandoned = true
	}

	var outcome Outcome
	switch {
	case shutdown.Err() != nil:
		outcome = canceled(ReasonShutdown)
	case ext != nil && ext.Err() != nil:
		outcome = canceled(ReasonExternal)
	case timedOut.Load():
		outcome = faulted(fmt.Errorf("%w: %q exceeded %s", ErrTimeout, job.name, timeout))
	case err != nil:
		outcome = faulted(err)
	default:
		outcome = succeeded()
	}
	w.queue.settle(job, outcome)

	if outcome.Status == StatusFaulted && outcome.Err != nil {
		w.logger.Warn("job faulted", "job", job.name, "id", job.id, "err", outcome.Err)
	}
	if abandoned {
		w.awaitStraggler(shutdown, job, finished)
	}
}

// awaitStraggler keeps jobs from overlapping while a settled job's work is
// still unwinding, up to the abandon grace.
func (w *Worker) awaitStraggler(shutdown context.Context, job *Job, finished <-chan error) {
	if w.grace == 0 || shutdown.Err() != nil {
		return
	}
	timer := time.NewTimer(w.grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-shutdown.Done():
	case <-timer.C:
		w.logger.Warn("job ignored cancellation; continuing without it", "job", job.name, "id", job.id, "grace", w.grace)
	}
}

func (w *Worker) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %q panicked: %v", job.name, r)
			w.logger.Error("job panicked", "job", job.name, "id", job.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return job.fn(ctx)
}
