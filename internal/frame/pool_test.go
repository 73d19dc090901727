package frame

import (
	"sync"
	"testing"
)

func TestBytePoolBuckets(t *testing.T) {
	pool := NewBytePool()
	buf := pool.Rent(100)
	if len(buf) != 100 || cap(buf) != 128 {
		t.Fatalf("unexpected len/cap %d/%d", len(buf), cap(buf))
	}
	pool.Return(buf)

	small := pool.Rent(10)
	if len(small) != 10 || cap(small) != 64 {
		t.Fatalf("unexpected small len/cap %d/%d", len(small), cap(small))
	}
	pool.Return(small)

	stats := pool.Stats()
	if stats.Rented != 2 || stats.Returned != 2 || stats.Outstanding != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestBytePoolConcurrentRentReturn(t *testing.T) {
	pool := NewBytePool()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				size := 32 + (seed*131+i*17)%4096
				buf := pool.Rent(size)
				if len(buf) != size {
					t.Errorf("rent(%d) returned len %d", size, len(buf))
					return
				}
				buf[0] = byte(i)
				buf[size-1] = byte(i)
				pool.Return(buf)
			}
		}(g)
	}
	wg.Wait()
	if stats := pool.Stats(); stats.Outstanding != 0 {
		t.Fatalf("outstanding = %d, want 0", stats.Outstanding)
	}
}
