package wavedata

import "github.com/dgnsrekt/wavecache/internal/wavecache"

// deadBuffer is a stream buffer whose session closed while its read was in
// flight. The session's lock is kept until the read completes.
type deadBuffer struct {
	handle     wavecache.Handle
	singlePlay bool
}

// CleanupDeadBuffers releases the dead buffers whose reads have completed.
// With sync set it waits for the others instead of leaving them queued.
func (c *DataCache) CleanupDeadBuffers(sync bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.cleanupDeadBuffers(sync)
	}
}

// DeadBuffers returns the number of dead buffers still tracked.
func (c *DataCache) DeadBuffers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0
	}
	return c.dead.Len()
}

func (c *DataCache) cleanupDeadBuffers(sync bool) {
	for el := c.dead.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(deadBuffer)

		switch locks := c.waves.LockCount(d.handle); {
		case locks == 0:
			// Removed underneath us by a shutdown
			c.dead.Remove(el)

		case locks > 1:
			// Claimed by another stream, drop the lock the close kept
			c.waves.Unlock(d.handle)
			c.dead.Remove(el)

		default:
			if w, ok := c.waves.GetNoTouch(d.handle); ok && !w.Completed() {
				if !sync {
					el = next
					continue
				}
				w.BlockingGetData()
			}

			c.waves.Unlock(d.handle)
			if d.singlePlay {
				c.waves.Remove(d.handle)
			}
			c.dead.Remove(el)
		}
		el = next
	}
}
