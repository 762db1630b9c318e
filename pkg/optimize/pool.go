package optimize

import (
	"sync"
)

// BytePool recycles fixed-size byte buffers. Packet read loops churn one
// buffer per track or relay socket; pooling keeps that off the allocator.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a pool of buffers of the given size.
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a buffer of the pool's size.
func (p *BytePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns a buffer to the pool. Undersized buffers are dropped.
func (p *BytePool) Put(b []byte) {
	if cap(b) >= p.size {
		p.pool.Put(b[:p.size])
	}
}
