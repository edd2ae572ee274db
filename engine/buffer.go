package engine

import (
	"sync"
)

// DefaultBufferSize is the copy buffer used when Options.BufferSize is unset.
const DefaultBufferSize = 1 << 20

// BufferPool hands out fixed-size copy buffers shared by the transfers of
// one transport.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool returns a pool of size-byte buffers. A size <= 0 selects
// DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size is the length of every buffer returned by Get.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get returns a buffer of Size bytes. Return it with Put when the copy ends.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put recycles b. Buffers of a foreign size are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b == nil || len(*b) != bp.size {
		return
	}
	bp.pool.Put(b)
}
