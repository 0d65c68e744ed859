package objtrace

import (
	"sync"
	"sync/atomic"
)

// workBuffer is a growable batch of object indices. Buffers are recycled
// across passes through arrayPool to avoid allocator churn.
type workBuffer struct {
	refs []Ref
}

const workBufferInitialCap = 1024

// arrayPool recycles work buffers between trace tasks and passes. The
// outstanding counter tracks buffers currently lent out; draining the pool
// while any are outstanding is a bug in the caller and is treated as fatal.
type arrayPool struct {
	mu          sync.Mutex
	free        []*workBuffer
	outstanding atomic.Int64
}

func newArrayPool() *arrayPool {
	return &arrayPool{}
}

func (p *arrayPool) Get() *workBuffer {
	p.outstanding.Add(1)
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return b
	}
	p.mu.Unlock()
	return &workBuffer{refs: make([]Ref, 0, workBufferInitialCap)}
}

func (p *arrayPool) Put(b *workBuffer) {
	b.refs = b.refs[:0]
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
	p.outstanding.Add(-1)
}

// Outstanding returns the number of buffers currently lent out.
func (p *arrayPool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Drain releases pooled buffers to the allocator. Only legal between
// passes: a task still holding a buffer means the pass protocol is broken.
func (p *arrayPool) Drain() {
	if n := p.outstanding.Load(); n != 0 {
		panic("objtrace: array pool drained with buffers outstanding")
	}
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}
