package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// BufferPool hands out reusable byte buffers. Every Get must be paired with
// exactly one Put.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(buf *bytes.Buffer)
}

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

// Get retrieves an item from the pool.
func (p *GenericPool[T]) Get() T {
	return p.pool.Get().(T)
}

// Put returns an item to the pool.
func (p *GenericPool[T]) Put(item T) {
	p.pool.Put(item)
}

// bufferPool is a mutex-protected free list of buffers. Unlike sync.Pool its
// contents survive garbage collection, which keeps large batch buffers warm
// across a long compaction run. It also tracks how many buffers are checked
// out so leaks on error paths are observable.
type bufferPool struct {
	mu       sync.Mutex
	items    []*bytes.Buffer
	newFunc  func() *bytes.Buffer
	maxItems int

	// Metrics
	hits        atomic.Uint64 // Number of times a buffer was successfully retrieved from the pool.
	misses      atomic.Uint64 // Number of times a buffer was requested but the pool was empty.
	created     atomic.Uint64 // Total number of new buffers created.
	currentSize atomic.Int64  // Current number of items in the pool.
	outstanding atomic.Int64  // Buffers handed out and not yet returned.
}

// DefaultBatchBufferSize is the initial capacity of pooled batch buffers.
const DefaultBatchBufferSize = 64 * 1024

// maxRetainedBufferSize keeps one oversized batch from pinning memory forever.
const maxRetainedBufferSize = 8 * 1024 * 1024

// DefaultBufferPool is shared by every component that does not inject its own pool.
var DefaultBufferPool = NewBufferPool(DefaultBatchBufferSize)

// NewBufferPool creates a new buffer pool.
// initialCapacity is the pre-allocated capacity for each new buffer.
func NewBufferPool(initialCapacity ...int) *bufferPool {
	capacity := 0
	if len(initialCapacity) > 0 && initialCapacity[0] > 0 {
		capacity = initialCapacity[0]
	}
	const initialPoolSize = 16
	bp := &bufferPool{
		items:    make([]*bytes.Buffer, 0, initialPoolSize),
		maxItems: 1024,
	}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, capacity))
	}

	for i := 0; i < initialPoolSize; i++ {
		bp.items = append(bp.items, bp.newFunc())
	}
	bp.currentSize.Store(int64(initialPoolSize))

	return bp
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.outstanding.Add(1)
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	bp.currentSize.Add(-1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put returns a buffer to the pool. Oversized buffers and buffers beyond the
// retention limit are dropped for the garbage collector.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	bp.outstanding.Add(-1)
	if buf.Cap() > maxRetainedBufferSize {
		return
	}
	buf.Reset()
	bp.mu.Lock()
	if len(bp.items) >= bp.maxItems {
		bp.mu.Unlock()
		return
	}
	bp.items = append(bp.items, buf)
	bp.currentSize.Add(1)
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64, currentSize int64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load(), bp.currentSize.Load()
}

// Outstanding returns the number of buffers currently checked out.
func (bp *bufferPool) Outstanding() int64 {
	return bp.outstanding.Load()
}
