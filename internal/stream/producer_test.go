package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spectracam/internal/frame"
)

func TestLatestWinsEvictsUnread(t *testing.T) {
	pool := frame.NewBytePool()
	p := NewProducer(pool)
	gen := p.Start()
	sink := p.Sink(gen)

	driver := []byte{1, 1, 1, 1}
	sink(driver, 2, 2, 2)
	driver[0], driver[1], driver[2], driver[3] = 2, 2, 2, 2
	sink(driver, 2, 2, 2)

	got, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got.At(0, 0) != 2 {
		t.Fatalf("got frame %v, want the second one", got.Bytes())
	}
	if _, ok := p.TryNext(); ok {
		t.Fatalf("first frame was delivered too")
	}

	stats := p.Stats()
	if stats.Published != 2 || stats.Evicted != 1 || stats.Delivered != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if ps := pool.Stats(); ps.Outstanding != 1 {
		t.Fatalf("outstanding = %d, want only the delivered frame", ps.Outstanding)
	}
	got.Release()
	if ps := pool.Stats(); ps.Outstanding != 0 {
		t.Fatalf("leaked buffers: %+v", ps)
	}
}

func TestPublishCopiesDriverMemory(t *testing.T) {
	p := NewProducer(frame.NewBytePool())
	gen := p.Start()

	driver := []byte{9, 8, 7, 6, 0, 0}
	if !p.Publish(gen, driver, 2, 2, 3) {
		t.Fatalf("publish rejected")
	}
	for i := range driver {
		driver[i] = 0
	}
	f, _ := p.TryNext()
	defer f.Release()
	if f.Stride() != 3 || f.At(0, 0) != 9 || f.At(0, 1) != 6 {
		t.Fatalf("frame shares or misreads driver memory: %v", f.Bytes())
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	pool := frame.NewBytePool()
	p := NewProducer(pool)
	old := p.Start()
	p.Stop()
	fresh := p.Start()

	if p.Publish(old, []byte{1}, 1, 1, 1) {
		t.Fatalf("stale frame accepted")
	}
	if !p.Publish(fresh, []byte{2}, 1, 1, 1) {
		t.Fatalf("current frame rejected")
	}
	f, ok := p.TryNext()
	if !ok || f.At(0, 0) != 2 {
		t.Fatalf("unexpected frame")
	}
	f.Release()
	if p.Stats().Stale != 1 {
		t.Fatalf("stale counter = %d", p.Stats().Stale)
	}
	if ps := pool.Stats(); ps.Outstanding != 0 {
		t.Fatalf("leaked buffers: %+v", ps)
	}
}

func TestStopReleasesBufferedFrame(t *testing.T) {
	pool := frame.NewBytePool()
	p := NewProducer(pool)
	gen := p.Start()
	p.Publish(gen, []byte{1, 2, 3, 4}, 2, 2, 2)
	p.Stop()

	if ps := pool.Stats(); ps.Outstanding != 0 {
		t.Fatalf("buffered frame not released on stop: %+v", ps)
	}
	if _, ok := p.TryNext(); ok {
		t.Fatalf("frame survived stop")
	}
	if p.Publish(gen, []byte{1}, 1, 1, 1) {
		t.Fatalf("publish accepted after stop")
	}
}

func TestRejectsShortPayload(t *testing.T) {
	p := NewProducer(frame.NewBytePool())
	gen := p.Start()
	if p.Publish(gen, []byte{1, 2, 3}, 2, 2, 2) {
		t.Fatalf("short payload accepted")
	}
	if p.Stats().Rejected != 1 {
		t.Fatalf("rejected = %d", p.Stats().Rejected)
	}
}

func TestNextHonorsContext(t *testing.T) {
	p := NewProducer(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestConcurrentPublishAndConsume(t *testing.T) {
	pool := frame.NewBytePool()
	p := NewProducer(pool)
	gen := p.Start()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		data := make([]byte, 64)
		for i := 0; i < 2000; i++ {
			data[0] = byte(i)
			p.Publish(gen, data, 8, 8, 8)
		}
		cancel()
	}()

	for {
		f, err := p.Next(ctx)
		if err != nil {
			break
		}
		f.Release()
	}
	wg.Wait()
	p.Stop()

	if ps := pool.Stats(); ps.Outstanding != 0 {
		t.Fatalf("leaked buffers: %+v", ps)
	}
	s := p.Stats()
	if s.Published != 2000 || s.Delivered+s.Evicted > s.Published {
		t.Fatalf("inconsistent stats %+v", s)
	}
}
