package mempool

import (
	"errors"
	"testing"
)

func TestFixedPool_NeverGrows(t *testing.T) {
	pool, err := NewFixedPool(64, 3)
	if err != nil {
		t.Fatalf("NewFixedPool failed: %v", err)
	}

	var blocks []Block
	for i := 0; i < 3; i++ {
		b, ok := pool.Acquire(64)
		if !ok {
			t.Fatalf("Acquire %d failed", i)
		}
		if b.Len() != 64 {
			t.Errorf("block %d has %d bytes, want 64", i, b.Len())
		}
		blocks = append(blocks, b)
	}

	if _, ok := pool.Acquire(1); ok {
		t.Fatal("Acquire succeeded on an exhausted pool")
	}
	if pool.Count() != 3 {
		t.Errorf("Count = %d, want 3", pool.Count())
	}

	pool.Release(blocks[1])
	b, ok := pool.Acquire(10)
	if !ok {
		t.Fatal("Acquire failed after a release")
	}
	if b.slot != blocks[1].slot {
		t.Errorf("reused slot %d, want %d", b.slot, blocks[1].slot)
	}
	if pool.Peak() != 3 {
		t.Errorf("Peak = %d, want 3", pool.Peak())
	}
}

func TestFixedPool_BlocksDoNotOverlap(t *testing.T) {
	pool, _ := NewFixedPool(8, 2)
	a, _ := pool.Acquire(8)
	b, _ := pool.Acquire(8)

	for i := range a.Data {
		a.Data[i] = 0xAA
	}
	for i := range b.Data {
		if b.Data[i] != 0 {
			t.Fatalf("write to block a leaked into block b at %d", i)
		}
	}

	// Appending past a block must not spill into the neighbour.
	grown := append(a.Data, 1)
	if &grown[0] == &a.Data[0] {
		t.Error("block capacity allows appending into the next block")
	}
}

func TestFixedPool_RejectsOversizedRequest(t *testing.T) {
	pool, _ := NewFixedPool(16, 4)
	if _, ok := pool.Acquire(17); ok {
		t.Error("Acquire accepted a request larger than the block size")
	}
}

func TestFixedPool_ClearOnlyWhenEmpty(t *testing.T) {
	pool, _ := NewFixedPool(16, 2)
	b, _ := pool.Acquire(16)

	if pool.Clear() {
		t.Fatal("Clear released the region with a block outstanding")
	}
	pool.Release(b)
	pool.Release(b) // double release is ignored
	if pool.Count() != 0 {
		t.Fatalf("Count = %d after release, want 0", pool.Count())
	}
	if !pool.Clear() {
		t.Fatal("Clear refused on an empty pool")
	}
	if pool.Size() != 0 {
		t.Errorf("Size = %d after Clear, want 0", pool.Size())
	}

	// The region is recommitted lazily.
	if _, ok := pool.Acquire(16); !ok {
		t.Error("Acquire failed after Clear")
	}
}

func TestNewFixedPool_InvalidConfig(t *testing.T) {
	if _, err := NewFixedPool(0, 4); !errors.Is(err, ErrInvalidBlockSize) {
		t.Errorf("got %v, want ErrInvalidBlockSize", err)
	}
	if _, err := NewFixedPool(16, 0); !errors.Is(err, ErrInvalidPoolSize) {
		t.Errorf("got %v, want ErrInvalidPoolSize", err)
	}
}

func TestStack_BumpAndFreeAll(t *testing.T) {
	s, err := NewStack(100, 4)
	if err != nil {
		t.Fatalf("NewStack failed: %v", err)
	}

	a, ok := s.Acquire(10)
	if !ok || a.Len() != 10 {
		t.Fatalf("Acquire(10) = %d bytes, ok=%v", a.Len(), ok)
	}
	if s.Used() != 12 {
		t.Errorf("Used = %d, want 12 (aligned to 4)", s.Used())
	}

	if _, ok := s.Acquire(90); ok {
		t.Error("Acquire past the end of the stack succeeded")
	}
	if _, ok := s.Acquire(88); !ok {
		t.Error("Acquire of the remaining space failed")
	}

	s.Release(a)
	if s.Used() != 100 {
		t.Errorf("Release changed Used to %d", s.Used())
	}

	s.FreeAll(false)
	if s.Used() != 0 || s.Allocs() != 0 {
		t.Errorf("after FreeAll Used=%d Allocs=%d, want 0", s.Used(), s.Allocs())
	}
}

func TestFallback_StaticOverflowGoesToHeap(t *testing.T) {
	stack, _ := NewStack(32, 1)
	heap := NewHeap()

	var fellBack []int
	alloc := &Fallback{
		Primary:    stack,
		Secondary:  heap,
		OnFallback: func(size int) { fellBack = append(fellBack, size) },
	}

	a, _ := alloc.Acquire(32)
	if a.Kind() != KindStatic {
		t.Errorf("first block kind = %v, want static", a.Kind())
	}

	b, ok := alloc.Acquire(16)
	if !ok {
		t.Fatal("fallback Acquire failed")
	}
	if b.Kind() != KindHeap {
		t.Errorf("overflow block kind = %v, want heap", b.Kind())
	}
	if len(fellBack) != 1 || fellBack[0] != 16 {
		t.Errorf("OnFallback calls = %v, want [16]", fellBack)
	}
	if heap.InUse() != 16 {
		t.Errorf("heap InUse = %d, want 16", heap.InUse())
	}

	alloc.Release(b)
	if heap.InUse() != 0 || heap.Count() != 0 {
		t.Errorf("heap InUse=%d Count=%d after release, want 0", heap.InUse(), heap.Count())
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		n, align, up, down int
	}{
		{0, 2048, 0, 0},
		{1, 2048, 2048, 0},
		{2048, 2048, 2048, 2048},
		{2049, 2048, 4096, 2048},
		{7, 1, 7, 7},
		{7, 0, 7, 7},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n, tt.align); got != tt.up {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.up)
		}
		if got := AlignDown(tt.n, tt.align); got != tt.down {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.down)
		}
	}
}
