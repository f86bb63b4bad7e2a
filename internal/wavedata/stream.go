package wavedata

import (
	"time"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/mempool"
	"github.com/dgnsrekt/wavecache/internal/wavecache"
)

// StreamHandle refers to an open stream session. 0 is never issued.
type StreamHandle uint32

// StreamFlags select the buffering policy of a stream.
type StreamFlags int

const (
	// FromSlowMedia aligns reads to the configured sector size
	FromSlowMedia StreamFlags = 1 << iota

	// Transient draws buffers from the stream pool
	Transient

	// SinglePlay owns its buffers and restarts them in place
	SinglePlay

	// QueuedLoad loads one static buffer through the queued loader
	QueuedLoad
)

// StreamError is the outcome of OpenStreamedLoad.
type StreamError int

const (
	StreamOK StreamError = iota
	StreamFileNotFound
	StreamNoBuffer
)

// String returns the string representation of the stream error.
func (e StreamError) String() string {
	switch e {
	case StreamOK:
		return "ok"
	case StreamFileNotFound:
		return "file not found"
	case StreamNoBuffer:
		return "no stream buffer"
	default:
		return "unknown"
	}
}

// StreamParams describes a stream. DataStart is the file offset of the data
// set and StartPos, LoopPos are relative to it. A negative LoopPos disables
// looping.
type StreamParams struct {
	FileName   string
	DataSize   int
	DataStart  int
	StartPos   int
	LoopPos    int
	BufferSize int
	NumBuffers int
	Flags      StreamFlags
}

type stream struct {
	name       asyncio.FileName
	buffers    [MaxStreamBuffers]wavecache.Handle
	numBuffers int

	front      int // buffer index, only ever grows
	nextStart  int // forecast read position if consumed linearly
	dataSize   int
	dataStart  int
	loopStart  int
	bufferSize int
	sectorSize int
	singlePlay bool
	transient  bool
}

// copyState is the per call cursor of CopyStreamedDataIntoMemory.
type copyState struct {
	waves    [MaxStreamBuffers]*WaveData
	index    int
	copied   int
	waiting  bool
	startPos int
}

// OpenStreamedLoad starts loading the first buffers of a stream. Either
// every buffer is acquired or the stream is not opened.
func (c *DataCache) OpenStreamedLoad(p StreamParams) (StreamHandle, StreamError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0, StreamNoBuffer
	}

	flags := p.Flags
	numBuffers := min(max(p.NumBuffers, 1), MaxStreamBuffers)
	if numBuffers != p.NumBuffers {
		c.logger.Debug("stream buffer count clamped", "file", p.FileName, "requested", p.NumBuffers, "used", numBuffers)
	}
	if flags&QueuedLoad != 0 {
		// Queued loads are single static buffers
		if numBuffers != 1 || flags&Transient != 0 {
			c.logger.Debug("queued stream corrected", "file", p.FileName, "buffers", numBuffers, "transient", flags&Transient != 0)
		}
		numBuffers = 1
		flags &^= Transient
	}
	bufferSize := p.BufferSize
	if flags&Transient != 0 && bufferSize != c.streamPool.BlockSize() {
		c.logger.Debug("stream buffer size corrected", "file", p.FileName, "requested", bufferSize, "used", c.streamPool.BlockSize())
		bufferSize = c.streamPool.BlockSize()
	}
	if flags&Transient == 0 && flags&SinglePlay != 0 {
		c.logger.Debug("single play needs transient buffers", "file", p.FileName)
		flags &^= SinglePlay
	}

	name := c.names.FindOrAdd(p.FileName)
	if checker, ok := c.env.fs.(asyncio.FileChecker); ok && !checker.FileExists(c.env.path(name), c.env.pathID) {
		return 0, StreamFileNotFound
	}

	s := &stream{
		name:       name,
		numBuffers: numBuffers,
		nextStart:  p.StartPos + numBuffers*bufferSize,
		dataSize:   p.DataSize,
		dataStart:  p.DataStart,
		loopStart:  p.LoopPos,
		bufferSize: bufferSize,
		sectorSize: 1,
		singlePlay: flags&SinglePlay != 0,
		transient:  flags&Transient != 0,
	}
	if flags&FromSlowMedia != 0 {
		s.sectorSize = c.cfg.SectorSize
	}

	// Static resident sounds never alias; single play streams own their
	// buffers; everything else shares
	find := !s.singlePlay
	if flags&(Transient|QueuedLoad) == 0 {
		find = false
	}

	queued := flags&QueuedLoad != 0
	params := LoadParams{
		Name:         name,
		DataSize:     bufferSize,
		Alignment:    s.sectorSize,
		AlignBase:    p.DataStart,
		CanBeQueued:  queued,
		Transient:    s.transient,
		StaticPooled: queued,
	}

	failed := false
	for i := range numBuffers {
		offset := mempool.AlignDown(p.StartPos+i*bufferSize, s.sectorSize)
		params.SeekPos = p.DataStart + offset
		s.buffers[i] = c.findOrCreateBuffer(params, find)
		if !s.buffers[i].IsValid() {
			failed = true
			break
		}
	}

	c.nextStream++
	if c.nextStream == 0 {
		c.nextStream++
	}
	h := c.nextStream
	c.streams[h] = s

	if failed {
		c.closeStreamedLoad(h)
		return 0, StreamNoBuffer
	}
	return h, StreamOK
}

// CloseStreamedLoad releases the buffers of h. Buffers with a read in flight
// move to the dead buffer queue and keep their lock until it completes.
func (c *DataCache) CloseStreamedLoad(h StreamHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.closeStreamedLoad(h)
	}
}

func (c *DataCache) closeStreamedLoad(h StreamHandle) {
	s, ok := c.streams[h]
	if !ok {
		return
	}

	for _, bh := range s.buffers[:s.numBuffers] {
		if !bh.IsValid() {
			continue
		}

		// Shared with another stream, drop our lock only
		if c.waves.LockCount(bh) > 1 {
			c.waves.Unlock(bh)
			continue
		}

		// Unlocking with a read in flight would let the buffer be freed
		// under the write
		if w, ok := c.waves.GetNoTouch(bh); ok && !w.Completed() {
			c.dead.PushBack(deadBuffer{handle: bh, singlePlay: s.singlePlay})
			continue
		}

		c.waves.Unlock(bh)
		if s.singlePlay {
			c.waves.Remove(bh)
		}
	}
	delete(c.streams, h)
}

// CopyStreamedDataIntoMemory copies up to count bytes from the absolute file
// position copyStartPos into dst and refills consumed buffers. It never
// blocks and returns how many bytes were copied, possibly 0.
func (c *DataCache) CopyStreamedDataIntoMemory(h StreamHandle, dst []byte, copyStartPos, count int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return 0
	}
	s, ok := c.streams[h]
	if !ok {
		return 0
	}
	if copyStartPos >= s.dataStart+s.dataSize {
		return 0
	}

	count = min(count, len(dst))
	if count <= 0 {
		return 0
	}

	var cs copyState
	if !c.initCopyState(s, &cs, copyStartPos) {
		return 0
	}
	c.copyFromCurrentBuffers(h, s, &cs, dst, count)
	c.prefetchNextBuffers(s, &cs)
	return cs.copied
}

func (c *DataCache) initCopyState(s *stream, cs *copyState, copyStartPos int) bool {
	for i := range s.numBuffers {
		w, ok := c.waves.GetNoTouch(s.buffers[i])
		if !ok {
			// The buffers can only go away when a refill failed, and then
			// the stream has to stop
			return false
		}
		cs.waves[i] = w
	}
	cs.index = s.front
	cs.startPos = copyStartPos
	return true
}

func (c *DataCache) copyFromCurrentBuffers(h StreamHandle, s *stream, cs *copyState, dst []byte, count int) {
	for {
		front := cs.waves[cs.index%s.numBuffers]
		bufferPos := cs.startPos - front.Offset()

		// Snapshot the completion once; the flags change under us
		loaded := front.Loaded()
		missing := !loaded && front.Missing()

		if c.diag.StreamSpew() >= 1 {
			latency := time.Duration(-1)
			if loaded {
				latency = front.Latency()
			}
			c.logger.Info("stream",
				"handle", h,
				"interval", time.Since(front.StartTime()).Round(time.Millisecond),
				"latency", latency.Round(time.Millisecond),
				"offset", front.Offset(),
				"length", front.ReadSize(),
				"file", front.FileName())
		}

		if loaded || missing {
			front.releaseCompleted()
		}

		readSize := front.ReadSize()
		switch {
		case loaded:
			if bufferPos >= 0 && bufferPos < readSize {
				n := min(count-cs.copied, readSize-bufferPos, len(dst)-cs.copied)
				if n <= 0 {
					return
				}
				copy(dst[cs.copied:cs.copied+n], front.data[bufferPos:bufferPos+n])
				cs.copied += n
				cs.startPos += n
				bufferPos += n
			}
		case missing:
			front.reportMissing()
			c.snapForecast(s, cs)
			return
		default:
			cs.waiting = true
			c.snapForecast(s, cs)
			return
		}

		// Move past obsolete or consumed buffers
		if bufferPos < 0 || bufferPos >= readSize {
			cs.index++
			if cs.index-s.front >= s.numBuffers {
				break
			}
		}

		if cs.copied == count {
			return
		}
	}
	c.snapForecast(s, cs)
}

// snapForecast points the forecast at the copy position when no resident
// buffer covers it, which happens after the consumer skipped.
func (c *DataCache) snapForecast(s *stream, cs *copyState) {
	for _, w := range cs.waves[:s.numBuffers] {
		if w.Missing() {
			continue
		}
		if pos := cs.startPos - w.Offset(); pos >= 0 && pos < w.DataSize() {
			return
		}
	}
	s.nextStart = cs.startPos - s.dataStart
}

// prefetchNextBuffers restarts every consumed buffer at the forecast
// position, wrapping to the loop start at the end of the data.
func (c *DataCache) prefetchNextBuffers(s *stream, cs *copyState) {
	if s.numBuffers <= 1 {
		return
	}

	for s.front < cs.index {
		next := s.nextStart
		if cs.copied == 0 && !cs.waiting {
			// Nothing was returned because the buffers are elsewhere
			next = cs.startPos - s.dataStart
		}

		if next >= s.dataSize {
			if s.loopStart < 0 {
				// Let the window shrink
				s.front++
				break
			}
			next = s.loopStart
		}
		next = mempool.AlignDown(next, s.sectorSize)

		params := LoadParams{
			Name:      s.name,
			SeekPos:   s.dataStart + next,
			DataSize:  min(s.dataSize-next, s.bufferSize),
			Alignment: s.sectorSize,
			AlignBase: s.dataStart,
			Transient: s.transient,
		}
		s.nextStart = next + params.DataSize

		which := s.front % s.numBuffers
		if s.singlePlay {
			cs.waves[which].StartAsyncLoading(params)
		} else {
			// Hand the consumed buffer to the LRU and take the next one
			c.waves.Unlock(s.buffers[which])
			bh := c.findOrCreateBuffer(params, true)
			s.buffers[which] = bh
			if !bh.IsValid() {
				return
			}
			cs.waves[which], _ = c.waves.GetNoTouch(bh)
		}

		cs.waiting = true
		s.front++
		cs.startPos += s.bufferSize
	}
}

// IsStreamedDataReady reports whether the stream can start mixing. Once the
// stream has advanced it is always ready.
func (c *DataCache) IsStreamedDataReady(h StreamHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return false
	}
	s, ok := c.streams[h]
	if !ok {
		return false
	}
	if s.front != 0 {
		return true
	}

	w, ok := c.waves.GetNoTouch(s.buffers[0])
	if !ok {
		// Let the caller shut the stream down
		return true
	}
	return w.Completed()
}

// GetStreamedDataPointer returns the bytes of the front buffer. With sync
// set it blocks until they arrive. Meant for single buffer streams.
func (c *DataCache) GetStreamedDataPointer(h StreamHandle, sync bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return nil
	}
	s, ok := c.streams[h]
	if !ok {
		return nil
	}

	w, ok := c.waves.GetNoTouch(s.buffers[s.front%s.numBuffers])
	if !ok {
		return nil
	}
	if data := w.Data(); data != nil {
		return data
	}
	if sync {
		if data, ok := w.BlockingGetData(); ok {
			return data
		}
	}
	return nil
}

// UpdateLoopPosition moves the loop start of h, relative to the data start.
func (c *DataCache) UpdateLoopPosition(h StreamHandle, loopPos int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if s, ok := c.streams[h]; ok {
		s.loopStart = loopPos
	}
}

// streamFailed reports whether h is gone or a buffer of its window failed to
// load, in which case it will never deliver again.
func (c *DataCache) streamFailed(h StreamHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return true
	}
	s, ok := c.streams[h]
	if !ok {
		return true
	}
	for _, bh := range s.buffers[:s.numBuffers] {
		w, ok := c.waves.GetNoTouch(bh)
		if !ok || w.Missing() {
			return true
		}
	}
	return false
}

// StreamCount returns the number of open streams.
func (c *DataCache) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
