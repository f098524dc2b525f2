package core

import (
	"bufio"
	"bytes"
	"sync"
	"sync/atomic"
)

// GenericPool is a generic wrapper around sync.Pool
type GenericPool[T any] struct {
	pool sync.Pool
}

// NewGenericPool creates a new GenericPool with a function to create new items.
func NewGenericPool[T any](newItem func() T) *GenericPool[T] {
	return &GenericPool[T]{
		pool: sync.Pool{
			New: func() interface{} {
				return newItem()
			},
		},
	}
}

func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// RawReaderSize is the buffer size of pooled raw-file readers.
const RawReaderSize = 64 << 10

// RawReaderPool holds buffered readers for sequential raw-file scans. Callers
// Reset the reader onto their file and Reset it onto nil before Put.
var RawReaderPool = NewGenericPool(func() *bufio.Reader {
	return bufio.NewReaderSize(nil, RawReaderSize)
})

// bufferPool is a mutex-protected free list of line buffers. Unlike sync.Pool
// its contents survive garbage collection.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	capacity int
	maxItems int

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultLineBufferSize fits a typical raw archive line including a short vector value.
const DefaultLineBufferSize = 512

// LineBufferPool is shared by the archive writer and the query reader.
var LineBufferPool = NewBufferPool(DefaultLineBufferSize, 256)

// NewBufferPool creates a pool whose buffers start with the given capacity and
// which retains at most maxItems idle buffers.
func NewBufferPool(capacity, maxItems int) *bufferPool {
	if maxItems <= 0 {
		maxItems = 64
	}
	return &bufferPool{
		items:    make([]*bytes.Buffer, 0, maxItems),
		capacity: capacity,
		maxItems: maxItems,
	}
}

// Get retrieves a buffer from the pool, creating one when the pool is empty.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, bp.capacity))
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets a buffer and returns it to the pool. Buffers beyond maxItems are dropped.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) < bp.maxItems {
		bp.items = append(bp.items, buf)
	}
	bp.mu.Unlock()
}

// GetMetrics returns hit, miss and creation counts plus the current idle size.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, idle int) {
	bp.mu.Lock()
	idle = len(bp.items)
	bp.mu.Unlock()
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), idle
}
