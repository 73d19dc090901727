package frame

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Pool hands out byte buffers that must be given back exactly once.
type Pool interface {
	Rent(size int) []byte
	Return(buf []byte)
}

const (
	minBucketShift = 6
	bucketCount    = 26 // 64 B .. 2 GiB
)

// BytePool is a size-bucketed Pool safe for concurrent use. Buffers are
// grouped by power-of-two capacity so a returned buffer is only handed to a
// renter that fits in it.
type BytePool struct {
	buckets  [bucketCount]sync.Pool
	rented   atomic.Int64
	returned atomic.Int64
}

// Shared is the process-wide pool used by streaming and evaluation.
var Shared = NewBytePool()

func NewBytePool() *BytePool {
	return &BytePool{}
}

func bucketFor(size int) int {
	if size <= 1<<minBucketShift {
		return 0
	}
	return bits.Len(uint(size-1)) - minBucketShift
}

func (p *BytePool) Rent(size int) []byte {
	if size < 0 {
		size = 0
	}
	p.rented.Add(1)
	idx := bucketFor(size)
	if idx >= bucketCount {
		return make([]byte, size)
	}
	if v := p.buckets[idx].Get(); v != nil {
		buf := *(v.(*[]byte))
		return buf[:size]
	}
	return make([]byte, size, 1<<(idx+minBucketShift))
}

func (p *BytePool) Return(buf []byte) {
	if buf == nil {
		return
	}
	p.returned.Add(1)
	c := cap(buf)
	idx := bucketFor(c)
	if idx >= bucketCount || 1<<(idx+minBucketShift) != c {
		// not one of ours; let the GC have it
		return
	}
	buf = buf[:c]
	p.buckets[idx].Put(&buf)
}

type PoolStats struct {
	Rented      int64 `json:"rented"`
	Returned    int64 `json:"returned"`
	Outstanding int64 `json:"outstanding"`
}

func (p *BytePool) Stats() PoolStats {
	rented := p.rented.Load()
	returned := p.returned.Load()
	return PoolStats{
		Rented:      rented,
		Returned:    returned,
		Outstanding: rented - returned,
	}
}
