// Package buffers provides reusable part buffers to reduce heap allocations
// and GC pressure while parts are staged in memory.
package buffers

import (
	"sync"
	"sync/atomic"
)

// Pool hands out buffers of one fixed size, normally the largest part of a plan.
type Pool struct {
	size int
	pool sync.Pool

	allocations int64
	gets        int64
}

// NewPool creates a pool of size-byte buffers.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		atomic.AddInt64(&p.allocations, 1)
		buf := make([]byte, p.size)
		return &buf
	}
	return p
}

// Size returns the buffer length handed out by Get.
func (p *Pool) Size() int {
	return p.size
}

// Get retrieves a buffer. It must be returned with Put when done.
//
// Usage:
//
//	buf := pool.Get()
//	defer pool.Put(buf)
//	n, err := io.ReadFull(r, *buf)
//	// Use (*buf)[:n] for actual data
func (p *Pool) Get() *[]byte {
	atomic.AddInt64(&p.gets, 1)
	return p.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of another size are dropped.
// The buffer is cleared first so plaintext does not linger across parts.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != p.size {
		return
	}
	clear(*buf)
	p.pool.Put(buf)
}

// Stats holds pool counters.
type Stats struct {
	BufferSize  int
	Allocations int64
	Reuses      int64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	allocs := atomic.LoadInt64(&p.allocations)
	reuses := atomic.LoadInt64(&p.gets) - allocs
	if reuses < 0 {
		reuses = 0
	}
	return Stats{BufferSize: p.size, Allocations: allocs, Reuses: reuses}
}
