package mempool

import (
	"fmt"
	"sync"
)

// FixedPool hands out blocks of one size from a single backing region. It
// never grows: once every block is out, Acquire fails until one is released.
// The region itself is allocated on the first Acquire and can be returned to
// the GC with Clear once every block is back.
type FixedPool struct {
	mu        sync.Mutex
	blockSize int
	maxBlocks int
	region    []byte
	free      []int
	used      []bool
	count     int
	peak      int
}

// NewFixedPool creates a pool of maxBlocks blocks of blockSize bytes each.
func NewFixedPool(blockSize, maxBlocks int) (*FixedPool, error) {
	if blockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	if maxBlocks <= 0 {
		return nil, fmt.Errorf("fixed pool of %d blocks: %w", maxBlocks, ErrInvalidPoolSize)
	}
	return &FixedPool{blockSize: blockSize, maxBlocks: maxBlocks}, nil
}

// Acquire returns a free block. It fails when the pool is exhausted or when
// size does not fit in one block.
func (p *FixedPool) Acquire(size int) (Block, bool) {
	if size > p.blockSize {
		return Block{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.region == nil {
		p.region = make([]byte, p.blockSize*p.maxBlocks)
		p.used = make([]bool, p.maxBlocks)
		p.free = p.free[:0]
		for i := p.maxBlocks - 1; i >= 0; i-- {
			p.free = append(p.free, i)
		}
	}
	if len(p.free) == 0 {
		return Block{}, false
	}

	slot := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.used[slot] = true
	p.count++
	if p.count > p.peak {
		p.peak = p.count
	}

	start := slot * p.blockSize
	end := start + p.blockSize
	return Block{Data: p.region[start:end:end], slot: slot, kind: KindTransient}, true
}

// Release returns a block to the pool. Blocks from another allocator and
// double releases are ignored.
func (p *FixedPool) Release(b Block) {
	if b.kind != KindTransient || b.Data == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used == nil || b.slot < 0 || b.slot >= len(p.used) || !p.used[b.slot] {
		return
	}
	p.used[b.slot] = false
	p.free = append(p.free, b.slot)
	p.count--
}

// Kind reports KindTransient.
func (p *FixedPool) Kind() Kind { return KindTransient }

// BlockSize returns the size of every block.
func (p *FixedPool) BlockSize() int { return p.blockSize }

// MaxBlocks returns the pool capacity in blocks.
func (p *FixedPool) MaxBlocks() int { return p.maxBlocks }

// Count returns the number of blocks currently handed out.
func (p *FixedPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Peak returns the highest simultaneous block count seen.
func (p *FixedPool) Peak() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Size returns the backing region size in bytes, or 0 when not committed.
func (p *FixedPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.region)
}

// Clear drops the backing region. It refuses while blocks are outstanding
// and reports whether the region was released.
func (p *FixedPool) Clear() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.count != 0 {
		return false
	}
	p.region = nil
	p.used = nil
	p.free = nil
	return true
}
