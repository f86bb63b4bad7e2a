package mempool

import (
	"errors"
	"sync/atomic"
)

// Common errors for pool construction
var (
	// ErrInvalidBlockSize is returned when a pool is configured with a non-positive block size
	ErrInvalidBlockSize = errors.New("block size must be positive")

	// ErrInvalidPoolSize is returned when a pool is configured with a non-positive total size
	ErrInvalidPoolSize = errors.New("pool size must be positive")
)

// Kind identifies an allocation policy.
type Kind int

const (
	// KindHeap allocates exactly sized buffers from the Go heap
	KindHeap Kind = iota

	// KindTransient hands out fixed size blocks from a preallocated pool
	KindTransient

	// KindStatic bump allocates from a region that is released all at once
	KindStatic
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindTransient:
		return "transient"
	case KindStatic:
		return "static"
	default:
		return "unknown"
	}
}

// Block is a buffer handed out by an Allocator. It must be returned to the
// allocator that produced it.
type Block struct {
	Data []byte

	// slot is the block index for fixed pools and -1 otherwise
	slot int
	kind Kind
}

// Len returns the usable length of the block.
func (b Block) Len() int { return len(b.Data) }

// Kind returns the policy that produced the block.
func (b Block) Kind() Kind { return b.kind }

// Allocator is the capability a resource uses to acquire and release its
// backing buffer. The policy is picked once when the resource is built.
type Allocator interface {
	// Acquire returns a block of at least size bytes, or false when the
	// allocator is exhausted. Exhaustion is never fatal.
	Acquire(size int) (Block, bool)

	// Release gives a block back. Releasing a zero Block is a no-op.
	Release(b Block)

	// Kind reports the allocation policy.
	Kind() Kind
}

// Heap allocates exactly sized buffers and tracks the bytes outstanding.
type Heap struct {
	inUse atomic.Int64
	count atomic.Int64
}

// NewHeap creates a heap allocator.
func NewHeap() *Heap {
	return &Heap{}
}

// Acquire allocates size bytes. It only fails for a negative size.
func (h *Heap) Acquire(size int) (Block, bool) {
	if size < 0 {
		return Block{}, false
	}
	h.inUse.Add(int64(size))
	h.count.Add(1)
	return Block{Data: make([]byte, size), slot: -1, kind: KindHeap}, true
}

// Release drops the accounting for b; the memory itself goes to the GC.
func (h *Heap) Release(b Block) {
	if b.Data == nil {
		return
	}
	h.inUse.Add(-int64(len(b.Data)))
	h.count.Add(-1)
}

// Kind reports KindHeap.
func (h *Heap) Kind() Kind { return KindHeap }

// InUse returns the bytes currently handed out.
func (h *Heap) InUse() int64 { return h.inUse.Load() }

// Count returns the number of outstanding blocks.
func (h *Heap) Count() int64 { return h.count.Load() }

// Fallback tries Primary first and falls back to Secondary when Primary is
// exhausted. Blocks are returned to whichever allocator produced them.
type Fallback struct {
	Primary   Allocator
	Secondary Allocator

	// OnFallback, when set, is called with the requested size each time
	// Secondary has to serve a request.
	OnFallback func(size int)
}

// Acquire implements Allocator.
func (f *Fallback) Acquire(size int) (Block, bool) {
	if b, ok := f.Primary.Acquire(size); ok {
		return b, true
	}
	if f.OnFallback != nil {
		f.OnFallback(size)
	}
	return f.Secondary.Acquire(size)
}

// Release implements Allocator.
func (f *Fallback) Release(b Block) {
	if b.kind == f.Primary.Kind() {
		f.Primary.Release(b)
		return
	}
	f.Secondary.Release(b)
}

// Kind reports the primary policy.
func (f *Fallback) Kind() Kind { return f.Primary.Kind() }
