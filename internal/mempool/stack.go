package mempool

import (
	"fmt"
	"sync"
)

// Stack is a bump allocator over a fixed region. Release is a no-op; memory
// comes back only through FreeAll, typically between levels.
type Stack struct {
	mu     sync.Mutex
	size   int
	align  int
	region []byte
	used   int
	allocs int
}

// NewStack creates a stack allocator of size bytes. Allocations are rounded
// up to align bytes.
func NewStack(size, align int) (*Stack, error) {
	if size <= 0 {
		return nil, fmt.Errorf("stack of %d bytes: %w", size, ErrInvalidPoolSize)
	}
	if align <= 0 {
		align = 1
	}
	return &Stack{size: size, align: align}, nil
}

// Acquire carves size bytes off the top of the stack.
func (s *Stack) Acquire(size int) (Block, bool) {
	if size < 0 {
		return Block{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := AlignUp(size, s.align)
	if s.used+n > s.size {
		return Block{}, false
	}
	if s.region == nil {
		s.region = make([]byte, s.size)
	}

	start := s.used
	s.used += n
	s.allocs++
	return Block{Data: s.region[start : start+size : start+size], slot: -1, kind: KindStatic}, true
}

// Release does nothing. Stack memory is reclaimed by FreeAll.
func (s *Stack) Release(Block) {}

// Kind reports KindStatic.
func (s *Stack) Kind() Kind { return KindStatic }

// Used returns the bytes allocated so far.
func (s *Stack) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Size returns the capacity of the stack.
func (s *Stack) Size() int { return s.size }

// Allocs returns the number of allocations since the last FreeAll.
func (s *Stack) Allocs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocs
}

// FreeAll resets the stack. With decommit the backing region is dropped as
// well. Blocks handed out earlier must no longer be in use.
func (s *Stack) FreeAll(decommit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.used = 0
	s.allocs = 0
	if decommit {
		s.region = nil
	}
}

// AlignUp rounds n up to a multiple of align.
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// AlignDown rounds n down to a multiple of align.
func AlignDown(n, align int) int {
	if align <= 1 {
		return n
	}
	return n / align * align
}
