package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"spectracam/internal/jobs"
	"spectracam/internal/types"
)

// Reporter receives UI-facing events. Implementations must not block.
type Reporter interface {
	Progress(types.Progress)
	Frame(types.FrameEvent)
	Error(types.ErrorEvent)
}

type nopReporter struct{}

func (nopReporter) Progress(types.Progress) {}
func (nopReporter) Frame(types.FrameEvent)  {}
func (nopReporter) Error(types.ErrorEvent)  {}

// Failure is the user-visible form of a failed operation.
type Failure struct {
	Operation string
	Message   string
	Detail    string
	Canceled  bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Operation + ": " + f.Message
	}
	return f.Operation + ": " + f.Message + ": " + f.Detail
}

func (f *Failure) Unwrap() error { return f.Err }

// Options configure one Runner.Run call.
type Options struct {
	Name         string
	StartMessage string
	// Timeout is passed to the job; zero uses the worker default.
	Timeout         time.Duration
	CanceledMessage string
	TimeoutMessage  string
	FailureMessage  string
}

// Runner turns a unit of work into a job on the queue, reports its progress
// and maps its outcome to a Failure.
type Runner struct {
	queue    *jobs.Queue
	reporter Reporter
	logger   *slog.Logger
}

func NewRunner(q *jobs.Queue, reporter Reporter, logger *slog.Logger) *Runner {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{queue: q, reporter: reporter, logger: logger.With("component", "runner")}
}

// Run enqueues body as a job named opts.Name and waits for it. Canceling ctx
// cancels the job. The returned error is nil or a *Failure.
func (r *Runner) Run(ctx context.Context, opts Options, body func(ctx context.Context, op *Operation) error) error {
	if opts.Name == "" {
		return &Failure{Operation: "operation", Message: "invalid operation", Err: jobs.ErrInvalidJob}
	}
	if opts.CanceledMessage == "" {
		opts.CanceledMessage = "canceled"
	}
	if opts.TimeoutMessage == "" {
		opts.TimeoutMessage = "timed out"
	}
	if opts.FailureMessage == "" {
		opts.FailureMessage = "failed"
	}

	op := &Operation{name: opts.Name, reporter: r.reporter}
	r.reporter.Progress(types.Progress{
		Type:          "progress",
		Operation:     opts.Name,
		Indeterminate: true,
		Message:       opts.StartMessage,
	})

	job, err := jobs.New(opts.Name, func(jctx context.Context) error {
		return body(jctx, op)
	}, jobs.WithCancel(ctx), jobs.WithTimeout(opts.Timeout))
	if err == nil {
		var outcome jobs.Outcome
		outcome, err = r.queue.EnqueueAndWait(ctx, job)
		if err == nil {
			err = outcome.Error()
		}
	}
	op.finish()

	fail := failureFor(opts, err)
	final := types.Progress{Type: "progress", Operation: opts.Name, Value: 1, Done: true}
	if fail != nil {
		final.Value = 0
		final.Message = fail.Message
	}
	r.reporter.Progress(final)
	if fail == nil {
		return nil
	}

	if fail.Canceled {
		r.logger.Info("operation canceled", "operation", opts.Name, "err", err)
	} else {
		r.logger.Warn("operation failed", "operation", opts.Name, "message", fail.Message, "detail", fail.Detail)
		r.reporter.Error(types.ErrorEvent{
			Type:      "error",
			Operation: opts.Name,
			Message:   fail.Message,
			Detail:    fail.Detail,
		})
	}
	return fail
}

func failureFor(opts Options, err error) *Failure {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobs.ErrCanceled), errors.Is(err, context.Canceled):
		return &Failure{Operation: opts.Name, Message: opts.CanceledMessage, Canceled: true, Err: err}
	case errors.Is(err, jobs.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return &Failure{Operation: opts.Name, Message: opts.TimeoutMessage, Detail: err.Error(), Err: err}
	default:
		return &Failure{Operation: opts.Name, Message: opts.FailureMessage, Detail: err.Error(), Err: err}
	}
}

// Operation lets a running body report progress. Reports are coalesced: at
// most one delivery is in flight and it carries the latest state. Nothing is
// delivered once the operation has finished.
type Operation struct {
	name     string
	reporter Reporter

	mu        sync.Mutex
	pending   types.Progress
	scheduled bool
	finished  bool
}

func (o *Operation) Name() string { return o.name }

// ReportProgress sets a determinate value in [0, 1]. An empty message keeps
// the previous one.
func (o *Operation) ReportProgress(value float64, message string) {
	value = min(max(value, 0), 1)
	o.update(func(p *types.Progress) {
		p.Indeterminate = false
		p.Value = value
		if message != "" {
			p.Message = message
		}
	})
}

func (o *Operation) ReportIndeterminate(message string) {
	o.update(func(p *types.Progress) {
		p.Indeterminate = true
		p.Message = message
	})
}

func (o *Operation) ReportMessage(message string) {
	o.update(func(p *types.Progress) { p.Message = message })
}

func (o *Operation) update(fn func(p *types.Progress)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	fn(&o.pending)
	if o.scheduled {
		return
	}
	o.scheduled = true
	go o.deliver()
}

func (o *Operation) deliver() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled = false
	if o.finished {
		return
	}
	p := o.pending
	p.Type = "progress"
	p.Operation = o.name
	o.reporter.Progress(p)
}

func (o *Operation) finish() {
	o.mu.Lock()
	o.finished = true
	o.mu.Unlock()
}
