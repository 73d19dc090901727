package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func noop(context.Context) error { return nil }

func mustJob(t *testing.T, name string, fn Func, opts ...Option) *Job {
	t.Helper()
	job, err := New(name, fn, opts...)
	if err != nil {
		t.Fatalf("New(%q): %v", name, err)
	}
	return job
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", noop); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("empty name: got %v", err)
	}
	if _, err := New("x", nil); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("nil work: got %v", err)
	}
	if _, err := New("x", noop, WithTimeout(-time.Second)); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("negative timeout: got %v", err)
	}
	a := mustJob(t, "a", noop)
	b := mustJob(t, "b", noop)
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids not unique: %q %q", a.ID(), b.ID())
	}
}

func TestEnqueuePreCanceledNeverRuns(t *testing.T) {
	q := NewQueue(4)
	ext, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	job := mustJob(t, "pre-canceled", func(context.Context) error {
		ran = true
		return nil
	}, WithCancel(ext))

	err := q.Enqueue(context.Background(), job)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	select {
	case <-job.Done():
	default:
		t.Fatalf("job not settled")
	}
	o := job.Outcome()
	if o.Status != StatusCanceled || o.Reason != ReasonExternal {
		t.Fatalf("unexpected outcome %+v", o)
	}
	if q.Len() != 0 || ran {
		t.Fatalf("pre-canceled job was admitted")
	}
}

func TestBoundedEnqueueCanceledWhileBlocked(t *testing.T) {
	q := NewQueue(1)
	if err := q.Enqueue(context.Background(), mustJob(t, "first", noop)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	blocked := mustJob(t, "blocked", noop)
	err := q.Enqueue(ctx, blocked)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	o := blocked.Outcome()
	if o.Status != StatusCanceled || o.Reason != ReasonEnqueue {
		t.Fatalf("blocked job should be canceled, got %+v", o)
	}
}

func TestBoundedEnqueueUnblocksOnDequeue(t *testing.T) {
	q := NewQueue(1)
	_ = q.Enqueue(context.Background(), mustJob(t, "first", noop))

	second := mustJob(t, "second", noop)
	errc := make(chan error, 1)
	go func() { errc <- q.Enqueue(context.Background(), second) }()

	select {
	case err := <-errc:
		t.Fatalf("enqueue did not block: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	first, err := q.Dequeue(context.Background())
	if err != nil || first.Name() != "first" {
		t.Fatalf("Dequeue: %v %v", first, err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("enqueue stayed blocked")
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := NewQueue(1)
	if err := q.TryEnqueue(mustJob(t, "a", noop)); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	b := mustJob(t, "b", noop)
	if err := q.TryEnqueue(b); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if b.Outcome().Status != StatusPending {
		t.Fatalf("rejected job should stay pending")
	}
	_, _ = q.Dequeue(context.Background())
	if err := q.TryEnqueue(b); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestUnboundedFIFO(t *testing.T) {
	q := NewQueue(0)
	for _, name := range []string{"a", "b", "c", "d"} {
		if err := q.Enqueue(context.Background(), mustJob(t, name, noop)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		job, err := q.Dequeue(context.Background())
		if err != nil || job.Name() != want {
			t.Fatalf("got %v %v, want %s", job, err, want)
		}
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	var mu sync.Mutex
	var records []Record
	q := NewQueue(0, WithObserver(func(r Record) {
		mu.Lock()
		records = append(records, r)
		mu.Unlock()
	}))
	pending := []*Job{mustJob(t, "a", noop), mustJob(t, "b", noop)}
	for _, job := range pending {
		_ = q.Enqueue(context.Background(), job)
	}

	if n := q.Close(); n != 2 {
		t.Fatalf("Close drained %d, want 2", n)
	}
	for _, job := range pending {
		o := job.Outcome()
		if o.Status != StatusCanceled || o.Reason != ReasonShutdown {
			t.Fatalf("%s: unexpected outcome %+v", job.Name(), o)
		}
	}

	late := mustJob(t, "late", noop)
	if err := q.Enqueue(context.Background(), late); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if late.Outcome().Status != StatusCanceled {
		t.Fatalf("late job left pending")
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Dequeue on closed queue: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 3 {
		t.Fatalf("observer saw %d records, want 3", len(records))
	}
}

func TestOutcomeError(t *testing.T) {
	if err := (Outcome{Status: StatusSucceeded}).Error(); err != nil {
		t.Fatalf("success error: %v", err)
	}
	err := canceled(ReasonExternal).Error()
	var ce *CanceledError
	if !errors.Is(err, ErrCanceled) || !errors.As(err, &ce) || ce.Reason != ReasonExternal {
		t.Fatalf("unexpected cancel error %v", err)
	}
	boom := errors.New("boom")
	if err := faulted(boom).Error(); err != boom {
		t.Fatalf("fault error: %v", err)
	}
}
