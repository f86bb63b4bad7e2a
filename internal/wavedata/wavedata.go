package wavedata

import (
	"errors"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/mempool"
	"github.com/dgnsrekt/wavecache/internal/wavecache"
)

// LoadParams describes the bytes a WaveData should hold.
type LoadParams struct {
	Name         asyncio.FileName
	DataSize     int  // logical bytes wanted
	SeekPos      int  // absolute file offset of the first logical byte
	Alignment    int  // read alignment, 1 or less for none
	AlignBase    int  // file offset the alignment is measured from
	Prefetch     bool // submit at the lowest priority
	CanBeQueued  bool // route through the queued loader when one is set
	Transient    bool // stream pool block
	StaticPooled bool // static pool, falling back to the heap
}

// alignedRead returns the aligned read window covering the logical range
// and the offset of the logical start inside it. Sectors are counted from
// AlignBase.
func (p LoadParams) alignedRead() (start, length, offset int) {
	rel := p.SeekPos - p.AlignBase
	start = p.AlignBase + mempool.AlignDown(rel, p.Alignment)
	end := p.AlignBase + mempool.AlignUp(rel+p.DataSize, p.Alignment)
	return start, end - start, p.SeekPos - start
}

// loadEnv is what a WaveData needs from its owning cache.
type loadEnv struct {
	fs             asyncio.FileSystem
	queued         asyncio.QueuedLoader
	names          *asyncio.NameTable
	diag           *Diagnostics
	logger         *log.Logger
	soundDir       string
	pathID         string
	abortOnDestroy bool

	// discard is called from Destroy for buffers in the buffer list
	discard func(w *WaveData)
}

func (e *loadEnv) path(name asyncio.FileName) string {
	return path.Join(e.soundDir, e.names.String(name))
}

// WaveData is one buffer and the asynchronous read that fills it. The read
// completes on a loader goroutine, which only stores readSize, arrival and
// then the loaded or missing flag; everything else belongs to the mutator.
type WaveData struct {
	env   *loadEnv
	alloc mempool.Allocator
	block mempool.Block

	name     asyncio.FileName
	dataSize int
	seekPos  int
	offset   int    // logical start inside block
	data     []byte // block[offset:offset+dataSize]

	// Written by the completion callback
	readSize atomic.Int64
	arrival  atomic.Int64 // unix nanos
	loaded   atomic.Bool
	missing  atomic.Bool

	reported atomic.Bool
	control  asyncio.Control
	job      *asyncio.JobState // pending queued load
	queued   bool
	priority int
	start    atomic.Int64 // unix nanos

	postProcessed bool
	transient     bool
	staticPooled  bool

	// Buffer list membership, maintained by DataCache
	handle wavecache.Handle
	key    bufferKey
	listed bool
}

func newWaveData(env *loadEnv, p LoadParams, alloc mempool.Allocator) (*WaveData, bool) {
	_, length, _ := p.alignedRead()
	block, ok := alloc.Acquire(length)
	if !ok {
		return nil, false
	}

	w := &WaveData{
		env:          env,
		alloc:        alloc,
		block:        block,
		transient:    p.Transient,
		staticPooled: block.Kind() == mempool.KindStatic,
	}
	w.StartAsyncLoading(p)
	return w, true
}

// Size implements wavecache.Resource.
func (w *WaveData) Size() int64 { return int64(len(w.block.Data)) }

// Destroy implements wavecache.Resource. An outstanding read is finished or
// aborted, and a queued load withdrawn, before the buffer goes back to its
// allocator.
func (w *WaveData) Destroy() {
	w.settle()

	if w.listed && w.env.discard != nil {
		w.env.discard(w)
	}

	w.alloc.Release(w.block)
	w.block = mempool.Block{}
	w.data = nil
}

// StartAsyncLoading (re)starts the read for p into the existing buffer. Any
// previous read is settled first.
func (w *WaveData) StartAsyncLoading(p LoadParams) {
	w.settle()

	start, length, offset := p.alignedRead()
	length = min(length, len(w.block.Data))
	end := min(offset+p.DataSize, length)
	offset = min(offset, end)

	w.name = p.Name
	w.dataSize = p.DataSize
	w.seekPos = p.SeekPos
	w.offset = offset
	w.data = w.block.Data[offset:end]
	w.postProcessed = false
	w.readSize.Store(0)
	w.arrival.Store(0)
	w.loaded.Store(false)
	w.missing.Store(false)
	w.reported.Store(false)

	w.priority = 1
	if p.Prefetch {
		w.priority = 0
	}
	w.start.Store(time.Now().UnixNano())
	file := w.env.path(p.Name)

	if p.CanBeQueued && w.env.queued != nil {
		w.queued = true
		w.job = asyncio.NewJobState()
		w.env.queued.AddJob(asyncio.Job{
			Path:     file,
			PathID:   w.env.pathID,
			Offset:   int64(start),
			Bytes:    length,
			Data:     w.block.Data[:length],
			Priority: w.priority,
			Complete: func(_ []byte, n int, err error) {
				w.complete(n, jobStatus(err))
			},
			State: w.job,
		})
		return
	}

	w.queued = false
	c, err := w.env.fs.AsyncRead(asyncio.Request{
		Path:     file,
		PathID:   w.env.pathID,
		Offset:   int64(start),
		Bytes:    length,
		Data:     w.block.Data[:length],
		Priority: w.priority,
		Callback: w.onAsyncCompleted,
		Context:  w,
	})
	if err != nil {
		w.env.logger.Warn("async read not submitted", "file", file, "err", err)
		w.complete(0, asyncio.StatusErrFileOpen)
		return
	}
	w.control = c
}

func (w *WaveData) onAsyncCompleted(_ *asyncio.Request, n int, status asyncio.Status) {
	w.complete(n, status)
}

// complete publishes the result of a read. The flag store comes last so a
// reader that observes loaded also observes readSize and the bytes.
func (w *WaveData) complete(n int, status asyncio.Status) {
	read := n - w.offset
	read = max(0, min(read, w.dataSize, len(w.data)))
	w.readSize.Store(int64(read))
	w.arrival.Store(time.Now().UnixNano())

	if w.env.diag.SpewBlocking() >= 2 {
		w.env.logger.Info("async read done", "file", w, "latency", w.Latency(), "bytes", read, "status", status)
	}

	if status == asyncio.StatusOK {
		w.loaded.Store(true)
	} else {
		w.missing.Store(true)
	}
}

func jobStatus(err error) asyncio.Status {
	switch {
	case err == nil:
		return asyncio.StatusOK
	case errors.Is(err, asyncio.ErrOpen):
		return asyncio.StatusErrFileOpen
	default:
		return asyncio.StatusErrReading
	}
}

// settle makes sure no read is writing into the buffer and drops the control.
func (w *WaveData) settle() {
	if w.job != nil {
		if w.job.Cancel() {
			w.env.logger.Debug("queued load withdrawn", "file", w)
		}
		w.job = nil
	}
	if w.control == 0 {
		return
	}

	fs := w.env.fs
	if !w.Completed() {
		if w.env.abortOnDestroy {
			if fs.AsyncAbort(w.control) == asyncio.StatusInProgress {
				fs.AsyncFinish(w.control, true)
			}
		} else {
			fs.AsyncFinish(w.control, true)
		}
	}
	fs.AsyncRelease(w.control)
	w.control = 0
}

// releaseCompleted drops the control once the read has completed.
func (w *WaveData) releaseCompleted() {
	if w.control != 0 && w.Completed() {
		w.env.fs.AsyncRelease(w.control)
		w.control = 0
	}
}

func (w *WaveData) finishBlocking() {
	if w.control == 0 || w.Completed() {
		return
	}

	start := time.Now()
	status := w.env.fs.AsyncFinish(w.control, true)
	if w.env.diag.SpewBlocking() >= 1 {
		w.env.logger.Info("forced blocking read", "file", w, "elapsed", time.Since(start), "status", status)
	}
}

func (w *WaveData) reportMissing() {
	if w.reported.CompareAndSwap(false, true) {
		w.env.logger.Warn("missing wave data", "file", w.FileName())
	}
}

// BlockingCopyData copies up to count bytes starting at the logical offset
// startOffset into dst, forcing the read to finish first. The range is
// clamped to the bytes actually read.
func (w *WaveData) BlockingCopyData(dst []byte, startOffset, count int) bool {
	w.finishBlocking()
	if w.missing.Load() {
		w.reportMissing()
		w.releaseCompleted()
		return false
	}
	if !w.loaded.Load() {
		return false
	}
	w.releaseCompleted()

	avail := w.ReadSize()
	if startOffset < 0 || startOffset >= avail {
		return false
	}
	count = min(count, avail-startOffset, len(dst))
	if count <= 0 {
		return false
	}
	copy(dst, w.data[startOffset:startOffset+count])
	return true
}

// BlockingGetData returns the loaded bytes, forcing the read to finish
// first. The slice aliases the buffer and is valid until the entry is
// destroyed.
func (w *WaveData) BlockingGetData() ([]byte, bool) {
	w.finishBlocking()
	if w.missing.Load() {
		w.reportMissing()
		w.releaseCompleted()
		return nil, false
	}
	if !w.loaded.Load() {
		return nil, false
	}
	w.releaseCompleted()
	return w.data[:w.ReadSize()], true
}

// IsCurrentlyLoading reports whether the data is loaded or still on its way.
func (w *WaveData) IsCurrentlyLoading() bool {
	if w.loaded.Load() {
		return true
	}
	if w.missing.Load() {
		return false
	}
	if w.control == 0 {
		return w.queued
	}
	status := w.env.fs.AsyncStatus(w.control)
	return status == asyncio.StatusInProgress || status == asyncio.StatusOK
}

// SetAsyncPriority changes the priority of a pending read.
func (w *WaveData) SetAsyncPriority(priority int) {
	if w.priority == priority {
		return
	}
	w.priority = priority
	if w.control == 0 {
		return
	}
	w.env.fs.AsyncSetPriority(w.control, priority)
	if w.env.diag.SpewBlocking() >= 2 {
		w.env.logger.Info("async priority changed", "file", w, "priority", priority)
	}
}

// Loaded reports whether the read finished successfully.
func (w *WaveData) Loaded() bool { return w.loaded.Load() }

// Missing reports whether the read failed.
func (w *WaveData) Missing() bool { return w.missing.Load() }

// Completed reports whether the read reached a terminal state.
func (w *WaveData) Completed() bool { return w.loaded.Load() || w.missing.Load() }

// ReadSize returns the logical bytes available once loaded.
func (w *WaveData) ReadSize() int { return int(w.readSize.Load()) }

// DataSize returns the logical bytes requested.
func (w *WaveData) DataSize() int { return w.dataSize }

// Offset returns the absolute file offset of the first logical byte.
func (w *WaveData) Offset() int { return w.seekPos }

// Data returns the loaded bytes, or nil while the read is pending.
func (w *WaveData) Data() []byte {
	if !w.loaded.Load() {
		return nil
	}
	return w.data[:w.ReadSize()]
}

// BufferBytes returns the size of the backing allocation.
func (w *WaveData) BufferBytes() int { return len(w.block.Data) }

// Kind returns the allocation policy of the backing buffer.
func (w *WaveData) Kind() mempool.Kind { return w.block.Kind() }

// PostProcessed reports whether the consumer marked the data as processed.
func (w *WaveData) PostProcessed() bool { return w.postProcessed }

// SetPostProcessed records that the consumer processed the data in place.
func (w *WaveData) SetPostProcessed(v bool) { w.postProcessed = v }

// FileName returns the path the data is read from.
func (w *WaveData) FileName() string { return w.env.path(w.name) }

// StartTime returns when the current read was issued.
func (w *WaveData) StartTime() time.Time { return time.Unix(0, w.start.Load()) }

// Latency returns how long the read took, or -1 while it is pending.
func (w *WaveData) Latency() time.Duration {
	arrival := w.arrival.Load()
	if arrival == 0 {
		return -1
	}
	return time.Duration(arrival - w.start.Load())
}

// markArrived resets the timing of a buffer that was found already resident.
func (w *WaveData) markArrived(now time.Time) {
	w.start.Store(now.UnixNano())
	w.arrival.Store(now.UnixNano())
}

// String returns the file name and offset.
func (w *WaveData) String() string {
	return fmt.Sprintf("%s@%d", w.FileName(), w.seekPos)
}
