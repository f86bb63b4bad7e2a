package wavedata

import (
	"slices"
	"time"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/wavecache"
)

// bufferKey is the signature streams use to share buffers.
type bufferKey struct {
	name      asyncio.FileName
	startPos  int
	transient bool
	shared    bool
}

// findOrCreateBuffer returns a locked buffer for p. With find set an
// existing buffer with the same signature is shared; otherwise, or when none
// exists, a new one is created and starts loading. A transient create that
// fails reclaims dead buffers, purges one stream block and retries once.
func (c *DataCache) findOrCreateBuffer(p LoadParams, find bool) wavecache.Handle {
	key := bufferKey{name: p.Name, startPos: p.SeekPos, transient: p.Transient, shared: find}

	var h wavecache.Handle
	if find {
		if handles := c.buffers[key]; len(handles) > 0 {
			h = handles[0]
			if c.diag.StreamSpew() >= 2 {
				c.logger.Info("found buffer", "file", c.env.path(p.Name), "offset", p.SeekPos)
			}
		}
	}

	// Still resident, same as loading it and having it arrive instantly
	if w, ok := c.waves.Lock(h); ok {
		w.markArrived(time.Now())
		return h
	}

	fails := 0
	for {
		h = c.createBuffer(p, wavecache.CreateLocked)
		if h.IsValid() {
			break
		}
		if !p.Transient {
			c.logger.Warn("buffer create failed", "file", c.env.path(p.Name), "offset", p.SeekPos)
			return wavecache.Handle{}
		}

		fails++
		if fails >= 2 {
			if c.diag.StreamFail() {
				c.logger.Warn("stream pool: no buffers available", "dead", c.dead.Len())
			}
			return wavecache.Handle{}
		}
		if fails == 1 {
			c.cleanupDeadBuffers(false)
		}
		c.waves.PurgeWhere(int64(c.streamPool.BlockSize()), isTransient)
	}

	w, _ := c.waves.GetNoTouch(h)
	w.handle = h
	w.key = key
	w.listed = true
	c.buffers[key] = append(c.buffers[key], h)
	return h
}

// markBufferDiscarded drops w from the buffer list. It runs from Destroy,
// with the facade already serialized by its caller.
func (c *DataCache) markBufferDiscarded(w *WaveData) {
	handles := c.buffers[w.key]
	if i := slices.Index(handles, w.handle); i >= 0 {
		handles = slices.Delete(handles, i, i+1)
	}
	if len(handles) == 0 {
		delete(c.buffers, w.key)
	} else {
		c.buffers[w.key] = handles
	}
	w.listed = false
}

func isTransient(w *WaveData) bool { return w.transient }
