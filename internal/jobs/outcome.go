package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrCanceled    = errors.New("jobs: canceled")
	ErrTimeout     = errors.New("jobs: timed out")
	ErrQueueFull   = errors.New("jobs: queue full")
	ErrQueueClosed = errors.New("jobs: queue closed")
	ErrReentrant   = errors.New("jobs: enqueue-and-wait from a job running on the same queue")
	ErrInvalidJob  = errors.New("jobs: invalid job")
)

type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusCanceled
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusCanceled:
		return "canceled"
	case StatusFaulted:
		return "faulted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CancelReason names the signal that decided a cancellation.
type CancelReason int

const (
	ReasonNone CancelReason = iota
	// ReasonShutdown: the worker or queue shut down.
	ReasonShutdown
	// ReasonExternal: the job's own cancellation context fired.
	ReasonExternal
	// ReasonEnqueue: the caller gave up while waiting for queue space.
	ReasonEnqueue
)

func (r CancelReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonShutdown:
		return "shutdown"
	case ReasonExternal:
		return "external"
	case ReasonEnqueue:
		return "enqueue"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Outcome is the final disposition of a job.
type Outcome struct {
	Status Status
	Reason CancelReason
	Err    error
}

func succeeded() Outcome { return Outcome{Status: StatusSucceeded} }

func canceled(reason CancelReason) Outcome {
	return Outcome{Status: StatusCanceled, Reason: reason}
}

func faulted(err error) Outcome { return Outcome{Status: StatusFaulted, Err: err} }

// Error converts the outcome into an error: nil on success, an error
// wrapping ErrCanceled on cancellation, and the job's error otherwise.
func (o Outcome) Error() error {
	switch o.Status {
	case StatusSucceeded:
		return nil
	case StatusCanceled:
		return &CanceledError{Reason: o.Reason}
	case StatusFaulted:
		return o.Err
	}
	return fmt.Errorf("jobs: outcome %s", o.Status)
}

type CanceledError struct {
	Reason CancelReason
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("jobs: canceled (%s)", e.Reason)
}

func (e *CanceledError) Unwrap() error { return ErrCanceled }
