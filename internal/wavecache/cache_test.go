package wavecache

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
)

type testResource struct {
	name      string
	size      int64
	destroyed int
}

func (r *testResource) Size() int64    { return r.size }
func (r *testResource) Destroy()       { r.destroyed++ }
func (r *testResource) String() string { return r.name }

func create(c *Cache[*testResource], name string, size int64, flags Flags) (Handle, *testResource) {
	res := &testResource{name: name, size: size}
	h := c.Create(size, func() (*testResource, bool) { return res, true }, flags)
	return h, res
}

// checkInvariants verifies the budget accounting and that exactly the
// unlocked entries are in the unlocked list.
func checkInvariants(t *testing.T, c *Cache[*testResource]) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	inList := map[Handle]bool{}
	for el := c.unlocked.Front(); el != nil; el = el.Next() {
		h := el.Value.(Handle)
		if inList[h] {
			t.Fatalf("handle %v is in the unlocked list twice", h)
		}
		inList[h] = true
	}

	var total int64
	live := 0
	for i, s := range c.slots {
		if !s.live {
			continue
		}
		live++
		total += s.size
		h := Handle{index: uint32(i), gen: s.gen}
		if s.locks < 0 {
			t.Fatalf("handle %v has lock count %d", h, s.locks)
		}
		if (s.locks == 0) != inList[h] {
			t.Fatalf("handle %v: locks=%d but inUnlockedList=%v", h, s.locks, inList[h])
		}
		if (s.elem != nil) != inList[h] {
			t.Fatalf("handle %v: list element out of sync", h)
		}
	}
	if len(inList) != c.unlocked.Len() {
		t.Fatalf("unlocked list has %d entries, %d distinct", c.unlocked.Len(), len(inList))
	}
	if total != c.bytes {
		t.Fatalf("tracked bytes %d, sum of live entries %d", c.bytes, total)
	}
	if live != c.entries {
		t.Fatalf("tracked entries %d, live slots %d", c.entries, live)
	}
	if c.maxBytes != Unlimited && c.bytes > c.maxBytes {
		t.Fatalf("bytes %d over budget %d", c.bytes, c.maxBytes)
	}
}

func TestCache_LockUnlock(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, res := create(c, "a.wav", 100, 0)
	if !h.IsValid() {
		t.Fatal("Create returned an invalid handle")
	}
	checkInvariants(t, c)

	got, ok := c.Lock(h)
	if !ok || got != res {
		t.Fatalf("Lock returned %v, %v", got, ok)
	}
	c.Lock(h)
	if n := c.LockCount(h); n != 2 {
		t.Errorf("LockCount = %d, want 2", n)
	}
	checkInvariants(t, c)

	if n := c.Unlock(h); n != 1 {
		t.Errorf("Unlock = %d, want 1", n)
	}
	if n := c.Unlock(h); n != 0 {
		t.Errorf("Unlock = %d, want 0", n)
	}
	if n := c.Unlock(h); n != 0 {
		t.Errorf("extra Unlock = %d, want 0", n)
	}
	checkInvariants(t, c)
}

func TestCache_CreateLocked(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, _ := create(c, "a.wav", 10, CreateLocked)

	if n := c.LockCount(h); n != 1 {
		t.Errorf("LockCount = %d, want 1", n)
	}
	if c.Stats().Unlocked != 0 {
		t.Error("pre-locked entry is in the unlocked list")
	}
	checkInvariants(t, c)
}

func TestCache_RemoveRefusedWhileLocked(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, res := create(c, "a.wav", 100, CreateLocked)

	before := c.Stats()
	if c.Remove(h) {
		t.Fatal("Remove succeeded on a locked entry")
	}
	if res.destroyed != 0 {
		t.Error("resource destroyed by a refused Remove")
	}
	if after := c.Stats(); after != before {
		t.Errorf("refused Remove changed stats: %+v -> %+v", before, after)
	}

	c.Unlock(h)
	if !c.Remove(h) {
		t.Fatal("Remove failed on an unlocked entry")
	}
	if res.destroyed != 1 {
		t.Errorf("Destroy called %d times, want 1", res.destroyed)
	}
	checkInvariants(t, c)
}

func TestCache_StaleHandle(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, _ := create(c, "a.wav", 10, 0)
	c.Remove(h)

	h2, res2 := create(c, "b.wav", 10, 0)
	if h2.index != h.index {
		t.Fatalf("slot not reused: %v then %v", h, h2)
	}
	if h2 == h {
		t.Fatal("reused slot kept the old generation")
	}

	if _, ok := c.Get(h); ok {
		t.Error("Get resolved a stale handle")
	}
	if c.Remove(h) {
		t.Error("Remove succeeded on a stale handle")
	}
	if got, _ := c.Get(h2); got != res2 {
		t.Error("new handle does not resolve to the new resource")
	}
}

func TestCache_InvalidHandleIsNoop(t *testing.T) {
	c := New[*testResource](1000)
	h, _ := create(c, "a.wav", 100, 0)
	age := c.AgeStamp(h)
	before := c.Stats()

	var invalid Handle
	if invalid.IsValid() {
		t.Fatal("zero handle reports valid")
	}
	if _, ok := c.Get(invalid); ok {
		t.Error("Get(invalid) found an entry")
	}
	if _, ok := c.GetNoTouch(invalid); ok {
		t.Error("GetNoTouch(invalid) found an entry")
	}
	if _, ok := c.Lock(invalid); ok {
		t.Error("Lock(invalid) found an entry")
	}
	if n := c.Unlock(invalid); n != 0 {
		t.Errorf("Unlock(invalid) = %d", n)
	}
	if c.Remove(invalid) {
		t.Error("Remove(invalid) succeeded")
	}
	c.BreakLock(invalid)
	c.Age(invalid)
	if c.LockCount(invalid) != 0 || c.AgeStamp(invalid) != 0 {
		t.Error("introspection of invalid handle returned non-zero")
	}

	after := c.Stats()
	// Misses are the only counters an invalid lookup may move
	after.Misses = before.Misses
	if after != before {
		t.Errorf("invalid handle changed stats: %+v -> %+v", before, after)
	}
	if c.AgeStamp(h) != age {
		t.Error("invalid handle touched a live entry")
	}
	checkInvariants(t, c)
}

func TestCache_GetNoTouch(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, _ := create(c, "a.wav", 10, 0)
	age := c.AgeStamp(h)

	c.GetNoTouch(h)
	if c.AgeStamp(h) != age {
		t.Error("GetNoTouch changed the age stamp")
	}
	c.Get(h)
	if c.AgeStamp(h) <= age {
		t.Error("Get did not refresh the age stamp")
	}
}

func TestCache_BudgetScenario(t *testing.T) {
	c := New[*testResource](1500)

	a, resA := create(c, "a.wav", 1000, 0)
	if !a.IsValid() {
		t.Fatal("first create failed")
	}
	if cur, _ := c.Status(); cur != 1000 {
		t.Fatalf("current = %d, want 1000", cur)
	}

	b, _ := create(c, "b.wav", 1000, 0)
	if !b.IsValid() {
		t.Fatal("second create failed")
	}
	if resA.destroyed != 1 {
		t.Error("a.wav was not evicted")
	}
	if _, ok := c.Get(a); ok {
		t.Error("a.wav still resolves")
	}
	if cur, _ := c.Status(); cur != 1000 {
		t.Errorf("current = %d, want 1000", cur)
	}
	checkInvariants(t, c)
}

func TestCache_BudgetScenarioLocked(t *testing.T) {
	c := New[*testResource](1500)

	a, resA := create(c, "a.wav", 1000, CreateLocked)
	factoryCalled := false
	b := c.Create(1000, func() (*testResource, bool) {
		factoryCalled = true
		return &testResource{size: 1000}, true
	}, 0)

	if b.IsValid() {
		t.Fatal("create over budget succeeded")
	}
	if factoryCalled {
		t.Error("factory ran for a create that did not fit")
	}
	if resA.destroyed != 0 {
		t.Error("locked entry was evicted")
	}
	if cur, _ := c.Status(); cur != 1000 {
		t.Errorf("current = %d, want 1000", cur)
	}
	if c.LockCount(a) != 1 {
		t.Error("locked entry lost its lock")
	}
	checkInvariants(t, c)
}

func TestCache_CreatePurgesEstimate(t *testing.T) {
	c := New[*testResource](1000)

	var resources []*testResource
	for i := 0; i < 9; i++ {
		_, res := create(c, fmt.Sprintf("%d.wav", i), 100, 0)
		resources = append(resources, res)
	}

	// 400 bytes would make room, but the whole estimate is purged
	if h, _ := create(c, "big.wav", 500, 0); !h.IsValid() {
		t.Fatal("create over budget failed with everything unlocked")
	}
	if ev := c.Stats().Evictions; ev != 5 {
		t.Errorf("evictions = %d, want 5", ev)
	}
	for i, res := range resources {
		if wantGone := i < 5; (res.destroyed == 1) != wantGone {
			t.Errorf("%d.wav destroyed=%d, want evicted=%v", i, res.destroyed, wantGone)
		}
	}
	if cur, _ := c.Status(); cur != 900 {
		t.Errorf("current = %d, want 900", cur)
	}
	checkInvariants(t, c)
}

func TestCache_FactoryFailure(t *testing.T) {
	c := New[*testResource](Unlimited)
	h := c.Create(10, func() (*testResource, bool) { return nil, false }, 0)
	if h.IsValid() {
		t.Error("failed factory produced a handle")
	}
	if c.Stats().CreateFailures != 1 {
		t.Errorf("CreateFailures = %d, want 1", c.Stats().CreateFailures)
	}
	checkInvariants(t, c)
}

func TestCache_PurgeOldestFirst(t *testing.T) {
	c := New[*testResource](Unlimited)

	var handles []Handle
	var resources []*testResource
	for i := 0; i < 4; i++ {
		h, res := create(c, fmt.Sprintf("%d.wav", i), 100, 0)
		handles = append(handles, h)
		resources = append(resources, res)
	}

	// 0 is refreshed, 2 is aged, so eviction order is 2, 1, 3, 0
	c.Get(handles[0])
	c.Age(handles[2])
	if c.AgeStamp(handles[2]) != 0 {
		t.Fatal("Age did not zero the stamp")
	}

	if freed := c.Purge(150); freed != 200 {
		t.Errorf("Purge(150) freed %d, want 200", freed)
	}
	if resources[2].destroyed != 1 || resources[1].destroyed != 1 {
		t.Error("Purge did not evict the two oldest entries")
	}
	if resources[0].destroyed != 0 || resources[3].destroyed != 0 {
		t.Error("Purge evicted a newer entry")
	}
	checkInvariants(t, c)
}

func TestCache_PurgeOvershootAtMostOneEntry(t *testing.T) {
	sizes := []int64{70, 30, 120, 10, 55}
	for want := int64(1); want <= 285; want += 17 {
		c := New[*testResource](Unlimited)
		var largest int64
		for i, size := range sizes {
			create(c, fmt.Sprintf("%d", i), size, 0)
			largest = max(largest, size)
		}

		freed := c.Purge(want)
		if freed < want {
			t.Errorf("Purge(%d) freed only %d with everything unlocked", want, freed)
		}
		if freed-want >= largest {
			t.Errorf("Purge(%d) freed %d, overshoot beyond one entry", want, freed)
		}
		checkInvariants(t, c)
	}
}

func TestCache_PurgeSkipsLocked(t *testing.T) {
	c := New[*testResource](Unlimited)
	locked, lockedRes := create(c, "locked", 100, CreateLocked)
	_, freeRes := create(c, "free", 100, 0)

	if freed := c.Purge(1000); freed != 100 {
		t.Errorf("Purge freed %d, want 100", freed)
	}
	if lockedRes.destroyed != 0 {
		t.Error("Purge evicted a locked entry")
	}
	if freeRes.destroyed != 1 {
		t.Error("Purge left an unlocked entry")
	}
	if c.LockCount(locked) != 1 {
		t.Error("locked entry changed")
	}
	checkInvariants(t, c)
}

func TestCache_PurgeWhere(t *testing.T) {
	c := New[*testResource](Unlimited)
	_, oldStatic := create(c, "static", 100, 0)
	_, stream1 := create(c, "stream1", 100, 0)
	_, stream2 := create(c, "stream2", 100, 0)

	isStream := func(r *testResource) bool { return r.name != "static" }
	if freed := c.PurgeWhere(150, isStream); freed != 200 {
		t.Errorf("PurgeWhere freed %d, want 200", freed)
	}
	if oldStatic.destroyed != 0 {
		t.Error("PurgeWhere evicted a non-matching entry")
	}
	if stream1.destroyed != 1 || stream2.destroyed != 1 {
		t.Error("PurgeWhere left a matching entry")
	}
	checkInvariants(t, c)
}

func TestCache_Flush(t *testing.T) {
	c := New[*testResource](Unlimited)
	for i := 0; i < 5; i++ {
		create(c, fmt.Sprintf("%d", i), 10, 0)
	}
	locked, _ := create(c, "locked", 10, CreateLocked)

	if n := c.Flush(); n != 5 {
		t.Errorf("Flush removed %d, want 5", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d after Flush, want 1", c.Len())
	}
	if _, ok := c.GetNoTouch(locked); !ok {
		t.Error("Flush removed a locked entry")
	}
	checkInvariants(t, c)
}

func TestCache_BreakLockAndShutdown(t *testing.T) {
	c := New[*testResource](Unlimited)
	h, res := create(c, "a.wav", 10, CreateLocked)
	c.Lock(h)
	c.Lock(h)

	c.BreakLock(h)
	if c.LockCount(h) != 0 {
		t.Errorf("LockCount after BreakLock = %d", c.LockCount(h))
	}
	checkInvariants(t, c)

	h2, res2 := create(c, "b.wav", 10, CreateLocked)
	c.Shutdown()
	if res.destroyed != 1 || res2.destroyed != 1 {
		t.Error("Shutdown did not destroy every entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len after Shutdown = %d", c.Len())
	}
	if _, ok := c.Get(h2); ok {
		t.Error("handle resolves after Shutdown")
	}
	checkInvariants(t, c)
}

func TestCache_Range(t *testing.T) {
	c := New[*testResource](Unlimited)
	create(c, "a", 10, 0)
	create(c, "b", 20, CreateLocked)

	var total int64
	locked := 0
	c.Range(func(res *testResource, info EntryInfo) bool {
		total += info.Size
		locked += info.Locks
		return true
	})
	if total != 30 || locked != 1 {
		t.Errorf("Range saw total=%d locked=%d", total, locked)
	}
}

func TestCache_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := New[*testResource](2000)
	var handles []Handle

	for i := 0; i < 5000; i++ {
		var h Handle
		if len(handles) > 0 {
			h = handles[rng.Intn(len(handles))]
		}
		switch op := rng.Intn(9); op {
		case 0, 1:
			var flags Flags
			if rng.Intn(3) == 0 {
				flags = CreateLocked
			}
			nh, _ := create(c, fmt.Sprintf("r%d", i), int64(rng.Intn(400)+1), flags)
			if nh.IsValid() {
				handles = append(handles, nh)
			}
		case 2:
			c.Lock(h)
		case 3, 4:
			c.Unlock(h)
		case 5:
			locks := c.LockCount(h)
			if c.Remove(h) && locks != 0 {
				t.Fatalf("Remove succeeded with lock count %d", locks)
			}
		case 6:
			c.Purge(int64(rng.Intn(800)))
		case 7:
			c.Age(h)
		case 8:
			if rng.Intn(20) == 0 {
				c.BreakLock(h)
			} else {
				c.Get(h)
			}
		}
		checkInvariants(t, c)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[*testResource](Unlimited)
	var handles []Handle
	for i := 0; i < 16; i++ {
		h, _ := create(c, fmt.Sprintf("%d", i), 10, 0)
		handles = append(handles, h)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				h := handles[(g+i)%len(handles)]
				c.Lock(h)
				c.GetNoTouch(h)
				c.Unlock(h)
			}
		}(g)
	}
	wg.Wait()

	for _, h := range handles {
		if n := c.LockCount(h); n != 0 {
			t.Errorf("handle %v left with %d locks", h, n)
		}
	}
	checkInvariants(t, c)
}
