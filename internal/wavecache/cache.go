package wavecache

import (
	"container/list"
	"sync"

	"github.com/charmbracelet/log"
)

// Cache owns resources of type R behind generational handles.
type Cache[R Resource] struct {
	maxBytes int64 // Budget in bytes, Unlimited for none
	bytes    int64 // Current size in bytes

	// Handle table and LRU candidates
	slots    []*slot[R]
	free     []uint32
	unlocked *list.List // of Handle
	clock    uint64     // next age stamp
	entries  int

	// Synchronization
	mu sync.Mutex

	// Metrics
	stats Stats

	logger     *log.Logger
	spewPurges func() bool
}

// slot is one handle table record
type slot[R Resource] struct {
	res   R
	size  int64
	age   uint64
	locks int
	elem  *list.Element // position in the unlocked list, nil while locked
	gen   uint32
	live  bool
}

// New creates a cache with the given budget in bytes.
func New[R Resource](maxBytes int64, opts ...Option) *Cache[R] {
	o := options{logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if maxBytes < 0 {
		maxBytes = Unlimited
	}
	return &Cache[R]{
		maxBytes:   maxBytes,
		unlocked:   list.New(),
		clock:      1,
		logger:     o.logger.With("component", "wavecache"),
		spewPurges: o.spewPurges,
	}
}

// Get returns the resource for h and marks it recently used.
func (c *Cache[R]) Get(h Handle) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(h)
	if s == nil {
		c.stats.Misses++
		var zero R
		return zero, false
	}
	c.touch(s)
	c.stats.Hits++
	return s.res, true
}

// GetNoTouch returns the resource for h without affecting eviction order.
func (c *Cache[R]) GetNoTouch(h Handle) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(h)
	if s == nil {
		var zero R
		return zero, false
	}
	return s.res, true
}

// Lock returns the resource for h and pins it until a matching Unlock.
func (c *Cache[R]) Lock(h Handle) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(h)
	if s == nil {
		c.stats.Misses++
		var zero R
		return zero, false
	}
	c.touch(s)
	s.locks++
	if s.locks == 1 && s.elem != nil {
		c.unlocked.Remove(s.elem)
		s.elem = nil
	}
	c.stats.Hits++
	return s.res, true
}

// Unlock releases one lock on h and returns the remaining lock count.
func (c *Cache[R]) Unlock(h Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(h)
	if s == nil {
		return 0
	}
	if s.locks > 0 {
		s.locks--
		if s.locks == 0 {
			s.elem = c.unlocked.PushBack(h)
		}
	}
	return s.locks
}

// Create inserts a new resource built by factory. estimate is the size the
// resource will report; when it does not fit the budget, estimate bytes of
// unlocked entries are purged once and Create fails if that was not enough. A factory
// returning false also fails the create.
func (c *Cache[R]) Create(estimate int64, factory func() (R, bool), flags Flags) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes != Unlimited && c.bytes+estimate > c.maxBytes {
		c.purgeLocked(estimate, nil)
		if c.bytes+estimate > c.maxBytes {
			c.stats.CreateFailures++
			return Handle{}
		}
	}

	res, ok := factory()
	if !ok {
		c.stats.CreateFailures++
		return Handle{}
	}

	h := c.allocSlot()
	s := c.slots[h.index]
	s.res = res
	s.size = res.Size()
	s.live = true
	s.locks = 0
	c.touch(s)

	if flags&CreateLocked != 0 {
		s.locks = 1
	} else {
		s.elem = c.unlocked.PushBack(h)
	}

	c.bytes += s.size
	c.entries++
	c.stats.Creates++
	return h
}

// Remove destroys the entry for h. It refuses, without side effects, while
// the entry is locked.
func (c *Cache[R]) Remove(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(h)
}

// BreakLock drops every lock on h. Intended for teardown.
func (c *Cache[R]) BreakLock(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.lookup(h); s != nil {
		c.breakLocked(h, s)
	}
}

// Age makes h the next eviction candidate without removing it.
func (c *Cache[R]) Age(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.lookup(h); s != nil {
		s.age = 0
	}
}

// Purge evicts unlocked entries, oldest first, until at least bytes have
// been freed or nothing is left to evict. It returns the bytes freed, which
// may exceed the request by up to one entry.
func (c *Cache[R]) Purge(bytes int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(bytes, nil)
}

// PurgeWhere is Purge restricted to unlocked entries for which match
// returns true.
func (c *Cache[R]) PurgeWhere(bytes int64, match func(R) bool) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeLocked(bytes, match)
}

// Flush removes every unlocked entry and returns how many were removed.
func (c *Cache[R]) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove mutates the unlocked list, so walk a snapshot
	handles := make([]Handle, 0, c.unlocked.Len())
	for el := c.unlocked.Front(); el != nil; el = el.Next() {
		handles = append(handles, el.Value.(Handle))
	}

	removed := 0
	for _, h := range handles {
		if c.removeLocked(h) {
			removed++
		}
	}
	return removed
}

// Shutdown breaks every lock and removes every entry.
func (c *Cache[R]) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.slots {
		if !s.live {
			continue
		}
		h := Handle{index: uint32(i), gen: s.gen}
		c.breakLocked(h, s)
		c.removeLocked(h)
	}
}

// LockCount returns the lock count of h, 0 for a stale handle.
func (c *Cache[R]) LockCount(h Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.lookup(h); s != nil {
		return s.locks
	}
	return 0
}

// AgeStamp returns the age stamp of h, 0 for a stale handle.
func (c *Cache[R]) AgeStamp(h Handle) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.lookup(h); s != nil {
		return s.age
	}
	return 0
}

// Status returns the bytes in use and the budget.
func (c *Cache[R]) Status() (current, max int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes, c.maxBytes
}

// SetMaxBytes changes the budget. It does not purge.
func (c *Cache[R]) SetMaxBytes(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 0 {
		n = Unlimited
	}
	c.maxBytes = n
}

// Len returns the number of live entries.
func (c *Cache[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries
}

// Stats returns cache statistics.
func (c *Cache[R]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.MaxBytes = c.maxBytes
	stats.Bytes = c.bytes
	stats.Entries = c.entries
	stats.Unlocked = c.unlocked.Len()
	return stats
}

// Range calls fn for every live entry in handle order until fn returns
// false. fn runs with the cache locked and must not call back into it.
func (c *Cache[R]) Range(fn func(res R, info EntryInfo) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, s := range c.slots {
		if !s.live {
			continue
		}
		info := EntryInfo{
			Handle: Handle{index: uint32(i), gen: s.gen},
			Size:   s.size,
			Locks:  s.locks,
			Age:    s.age,
		}
		if !fn(s.res, info) {
			return
		}
	}
}

func (c *Cache[R]) lookup(h Handle) *slot[R] {
	if !h.IsValid() || int(h.index) >= len(c.slots) {
		return nil
	}
	s := c.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}

func (c *Cache[R]) touch(s *slot[R]) {
	s.age = c.clock
	c.clock++
}

func (c *Cache[R]) allocSlot() Handle {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return Handle{index: idx, gen: c.slots[idx].gen}
	}
	c.slots = append(c.slots, &slot[R]{gen: 1})
	return Handle{index: uint32(len(c.slots) - 1), gen: 1}
}

func (c *Cache[R]) breakLocked(h Handle, s *slot[R]) {
	if s.locks != 0 {
		s.locks = 0
		s.elem = c.unlocked.PushBack(h)
	}
}

func (c *Cache[R]) removeLocked(h Handle) bool {
	s := c.lookup(h)
	if s == nil || s.locks != 0 {
		return false
	}

	if s.elem != nil {
		c.unlocked.Remove(s.elem)
		s.elem = nil
	}
	s.res.Destroy()

	c.bytes -= s.size
	c.entries--

	var zero R
	s.res = zero
	s.size = 0
	s.age = 0
	s.live = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	c.free = append(c.free, h.index)
	return true
}

func (c *Cache[R]) purgeLocked(target int64, match func(R) bool) int64 {
	var freed int64
	for freed < target {
		// Linear scan for the oldest unlocked entry
		var victim Handle
		var oldest *slot[R]
		for el := c.unlocked.Front(); el != nil; el = el.Next() {
			h := el.Value.(Handle)
			s := c.slots[h.index]
			if match != nil && !match(s.res) {
				continue
			}
			if oldest == nil || s.age < oldest.age {
				victim, oldest = h, s
			}
		}
		if oldest == nil {
			break
		}

		size, age := oldest.size, oldest.age
		if c.spewPurges != nil && c.spewPurges() {
			c.logger.Info("purge", "handle", victim, "age", age, "size", size, "resource", oldest.res)
		}
		if !c.removeLocked(victim) {
			break
		}
		freed += size
		c.stats.Evictions++
	}

	c.stats.Purges++
	c.stats.BytesPurged += freed
	return freed
}
