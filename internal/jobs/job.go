package jobs

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Infinite disables the worker default timeout for a job.
const Infinite = time.Duration(math.MaxInt64)

// Func is a unit of work. It should honor ctx, but the worker settles the
// job's outcome without waiting for it when ctx fires.
type Func func(ctx context.Context) error

// Job is a named unit of work plus a completion future that resolves exactly
// once.
type Job struct {
	id      string
	name    string
	fn      Func
	cancel  context.Context
	timeout time.Duration

	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	outcome     Outcome
	enqueuedAt  time.Time
	startedAt   time.Time
	completedAt time.Time
}

type Option func(*Job)

// WithCancel ties the job to an external cancellation signal.
func WithCancel(ctx context.Context) Option {
	return func(j *Job) { j.cancel = ctx }
}

// WithTimeout bounds the job's run time. Zero defers to the worker default;
// Infinite opts out of it.
func WithTimeout(d time.Duration) Option {
	return func(j *Job) { j.timeout = d }
}

func WithID(id string) Option {
	return func(j *Job) { j.id = id }
}

func New(name string, fn Func, opts ...Option) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidJob)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %q has no work", ErrInvalidJob, name)
	}
	j := &Job{
		name: name,
		fn:   fn,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.timeout < 0 {
		return nil, fmt.Errorf("%w: %q has negative timeout %s", ErrInvalidJob, name, j.timeout)
	}
	if j.id == "" {
		j.id = newID()
	}
	return j, nil
}

func (j *Job) ID() string                 { return j.id }
func (j *Job) Name() string               { return j.name }
func (j *Job) Timeout() time.Duration     { return j.timeout }
func (j *Job) Done() <-chan struct{}      { return j.done }
func (j *Job) cancelCtx() context.Context { return j.cancel }

// Outcome returns the final outcome, or a pending one before Done closes.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Wait blocks until the job settles or ctx is done. Giving up on the wait
// does not cancel the job.
func (j *Job) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-j.done:
		return j.Outcome(), nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type Times struct {
	Enqueued  time.Time
	Started   time.Time
	Completed time.Time
}

func (j *Job) Times() Times {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Times{Enqueued: j.enqueuedAt, Started: j.startedAt, Completed: j.completedAt}
}

func (j *Job) markEnqueued() {
	j.mu.Lock()
	j.enqueuedAt = time.Now()
	j.mu.Unlock()
}

func (j *Job) markStarted() {
	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()
}

// settle resolves the job. Only the first call has any effect.
func (j *Job) settle(o Outcome) bool {
	settled := false
	j.once.Do(func() {
		j.mu.Lock()
		j.outcome = o
		j.completedAt = time.Now()
		j.mu.Unlock()
		close(j.done)
		settled = true
	})
	return settled
}

func (j *Job) settled() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}
