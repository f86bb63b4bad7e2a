package wavedata

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/mempool"
	"github.com/dgnsrekt/wavecache/internal/wavecache"
)

// ErrNilFileSystem is returned by New without an I/O layer.
var ErrNilFileSystem = errors.New("wave data cache needs a file system")

// LoadRequest names the bytes of a whole file load.
type LoadRequest struct {
	FileName string
	DataSize int
	StartPos int
}

// DataCache is the wave data facade. It deduplicates whole file loads by
// file name, shares stream buffers by signature and owns the stream sessions
// and the dead buffer queue.
type DataCache struct {
	mu sync.Mutex

	cfg    Config
	env    *loadEnv
	names  *asyncio.NameTable
	diag   *Diagnostics
	logger *log.Logger

	// Storage, created by Init
	waves      *wavecache.Cache[*WaveData]
	streamPool *mempool.FixedPool
	staticPool *mempool.Stack
	heap       *mempool.Heap
	static     mempool.Allocator

	entries    map[asyncio.FileName]wavecache.Handle
	buffers    map[bufferKey][]wavecache.Handle
	streams    map[StreamHandle]*stream
	nextStream StreamHandle
	dead       *list.List // of deadBuffer

	initialized bool
}

// Option configures a DataCache.
type Option func(*options)

type options struct {
	logger *log.Logger
	diag   *Diagnostics
	queued asyncio.QueuedLoader
	names  *asyncio.NameTable
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDiagnostics shares a set of diagnostic toggles, typically one that is
// updated when the configuration file changes.
func WithDiagnostics(d *Diagnostics) Option {
	return func(o *options) {
		o.diag = d
	}
}

// WithQueuedLoader routes queued stream loads through q.
func WithQueuedLoader(q asyncio.QueuedLoader) Option {
	return func(o *options) {
		o.queued = q
	}
}

// WithNameTable shares a file name table.
func WithNameTable(t *asyncio.NameTable) Option {
	return func(o *options) {
		o.names = t
	}
}

// New creates a facade reading through fs. Init must be called before use.
func New(cfg Config, fs asyncio.FileSystem, opts ...Option) (*DataCache, error) {
	if fs == nil {
		return nil, ErrNilFileSystem
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.diag == nil {
		o.diag = NewDiagnostics(DiagnosticsConfig{})
	}
	if o.names == nil {
		o.names = asyncio.NewNameTable()
	}

	logger := o.logger.With("component", "wavedata")
	c := &DataCache{
		cfg:    cfg,
		names:  o.names,
		diag:   o.diag,
		logger: logger,
	}
	c.env = &loadEnv{
		fs:             fs,
		queued:         o.queued,
		names:          o.names,
		diag:           o.diag,
		logger:         logger,
		soundDir:       cfg.SoundDir,
		pathID:         cfg.PathID,
		abortOnDestroy: cfg.AbortOnDestroy,
		discard:        c.markBufferDiscarded,
	}
	return c, nil
}

// Init creates the pools and the wave cache. A positive budget below the
// configured minimum is raised to it; a budget of 0 or less is unlimited, in
// which case only stream pool exhaustion causes purges.
func (c *DataCache) Init(budget int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}

	maxBytes := wavecache.Unlimited
	if budget > 0 {
		maxBytes = max(budget, c.cfg.MinMemoryBytes)
	}

	pool, err := mempool.NewFixedPool(c.cfg.StreamBufferSize, c.cfg.StreamPoolBytes/c.cfg.StreamBufferSize)
	if err != nil {
		return fmt.Errorf("stream pool: %w", err)
	}
	c.streamPool = pool
	c.heap = mempool.NewHeap()
	c.static = c.heap
	c.staticPool = nil

	if c.cfg.StaticPoolBytes > 0 {
		stack, err := mempool.NewStack(c.cfg.StaticPoolBytes, 1)
		if err != nil {
			return fmt.Errorf("static pool: %w", err)
		}
		c.staticPool = stack
		c.static = &mempool.Fallback{
			Primary:   stack,
			Secondary: c.heap,
			OnFallback: func(size int) {
				c.logger.Warn("static pool exhausted, using heap",
					"size", humanize.IBytes(uint64(size)),
					"used", humanize.IBytes(uint64(stack.Used())),
					"pool", humanize.IBytes(uint64(stack.Size())))
			},
		}
	}

	c.waves = wavecache.New[*WaveData](maxBytes,
		wavecache.WithLogger(c.logger),
		wavecache.WithPurgeSpew(c.diag.StreamPurges))
	c.entries = make(map[asyncio.FileName]wavecache.Handle)
	c.buffers = make(map[bufferKey][]wavecache.Handle)
	c.streams = make(map[StreamHandle]*stream)
	c.dead = list.New()
	c.initialized = true

	budgetText := "unlimited"
	if maxBytes != wavecache.Unlimited {
		budgetText = humanize.IBytes(uint64(maxBytes))
	}
	c.logger.Debug("initialized",
		"budget", budgetText,
		"stream_pool", humanize.IBytes(uint64(c.cfg.StreamPoolBytes)),
		"stream_block", humanize.IBytes(uint64(c.cfg.StreamBufferSize)),
		"static_pool", humanize.IBytes(uint64(c.cfg.StaticPoolBytes)))
	return nil
}

// Shutdown closes every stream, releases every buffer and drops the pools.
func (c *DataCache) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}

	c.clear()
	c.waves.Shutdown()
	c.streamPool.Clear()
	if c.staticPool != nil {
		c.staticPool.FreeAll(true)
	}
	c.initialized = false
}

// Clear removes the whole file entries, closes every stream and drops the
// dead buffers regardless of their locks.
func (c *DataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.clear()
	}
}

func (c *DataCache) clear() {
	for _, h := range c.entries {
		c.waves.Remove(h)
	}
	clear(c.entries)

	for _, s := range c.streams {
		for _, h := range s.buffers[:s.numBuffers] {
			c.waves.BreakLock(h)
			c.waves.Remove(h)
		}
	}
	clear(c.streams)

	for el := c.dead.Front(); el != nil; el = el.Next() {
		h := el.Value.(deadBuffer).handle
		c.waves.BreakLock(h)
		c.waves.Remove(h)
	}
	c.dead.Init()
	clear(c.buffers)
}

// Flush reclaims the dead buffers synchronously and removes every unlocked
// entry. With tearDownStatic the static pool is reset as well; every static
// resource must have been released by then. The stream pool region is
// dropped when no block is outstanding.
func (c *DataCache) Flush(tearDownStatic bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}

	c.cleanupDeadBuffers(true)
	c.waves.Flush()

	level := SpewBasic
	if tearDownStatic && c.staticPool != nil {
		c.staticPool.FreeAll(false)
	}
	if !c.streamPool.Clear() {
		// Between levels nothing should be playing, so leftovers are
		// buffers that will never be released
		c.logger.Warn("failed to clear stream pool during flush", "blocks", c.streamPool.Count())
		level = SpewAll
	}
	c.spewMemoryUsage(level)
}

// AsyncLoadCache starts loading a whole file, or touches it when it is
// already resident. Entries are keyed by file name only, so the range of the
// most recent (re)load wins.
func (c *DataCache) AsyncLoadCache(req LoadRequest, prefetch bool) wavecache.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return wavecache.Handle{}
	}
	return c.asyncLoadCache(req, prefetch)
}

// PrefetchCache is AsyncLoadCache at the lowest priority.
func (c *DataCache) PrefetchCache(req LoadRequest) {
	c.AsyncLoadCache(req, true)
}

func (c *DataCache) asyncLoadCache(req LoadRequest, prefetch bool) wavecache.Handle {
	name := c.names.FindOrAdd(req.FileName)
	h := c.entries[name]
	if _, ok := c.waves.Get(h); !ok {
		h = c.createBuffer(c.wholeFileParams(name, req, prefetch), 0)
		c.entries[name] = h
	}
	return h
}

func (c *DataCache) wholeFileParams(name asyncio.FileName, req LoadRequest, prefetch bool) LoadParams {
	return LoadParams{
		Name:      name,
		DataSize:  req.DataSize,
		SeekPos:   req.StartPos,
		Alignment: c.cfg.ReadAlignment,
		Prefetch:  prefetch,
	}
}

// CopyDataIntoMemory loads req if needed and copies count bytes starting at
// the logical offset copyStartPos into dst, blocking until the data arrives.
func (c *DataCache) CopyDataIntoMemory(req LoadRequest, dst []byte, copyStartPos, count int) (ok, postProcessed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return false, false
	}
	c.asyncLoadCache(req, false)
	h := c.entries[c.names.FindOrAdd(req.FileName)]
	return c.copyDataIntoMemory(&h, req, dst, copyStartPos, count)
}

// CopyHandleDataIntoMemory is CopyDataIntoMemory for a handle from
// AsyncLoadCache. When the entry was evicted it is reloaded and *h updated.
func (c *DataCache) CopyHandleDataIntoMemory(h *wavecache.Handle, req LoadRequest, dst []byte, copyStartPos, count int) (ok, postProcessed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || h == nil {
		return false, false
	}
	return c.copyDataIntoMemory(h, req, dst, copyStartPos, count)
}

func (c *DataCache) copyDataIntoMemory(h *wavecache.Handle, req LoadRequest, dst []byte, copyStartPos, count int) (ok, postProcessed bool) {
	w, locked := c.lockOrReload(h, req)
	if !locked {
		return false, false
	}
	defer c.waves.Unlock(*h)

	// A zero size entry means the file itself was not there
	if w.DataSize() != 0 {
		ok = w.BlockingCopyData(dst, copyStartPos, count)
	}
	return ok, w.PostProcessed()
}

// GetDataPointer returns the loaded bytes of h from the logical offset
// copyStartPos on, blocking until they arrive. The slice is only valid while
// the entry stays resident.
func (c *DataCache) GetDataPointer(h *wavecache.Handle, req LoadRequest, copyStartPos int) (data []byte, postProcessed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || h == nil {
		return nil, false, false
	}

	w, locked := c.lockOrReload(h, req)
	if !locked {
		return nil, false, false
	}
	defer c.waves.Unlock(*h)

	if w.DataSize() != 0 && copyStartPos >= 0 && copyStartPos < w.DataSize() {
		if all, loaded := w.BlockingGetData(); loaded && copyStartPos <= len(all) {
			data, ok = all[copyStartPos:], true
		}
	}
	return data, w.PostProcessed(), ok
}

// lockOrReload locks *h, recreating the entry from req when it was evicted.
// Only files that went through AsyncLoadCache are recreated.
func (c *DataCache) lockOrReload(h *wavecache.Handle, req LoadRequest) (*WaveData, bool) {
	if w, ok := c.waves.Lock(*h); ok {
		return w, true
	}

	name, known := c.names.Find(req.FileName)
	if !known {
		return nil, false
	}
	if _, ok := c.entries[name]; !ok {
		return nil, false
	}

	*h = c.createBuffer(c.wholeFileParams(name, req, false), 0)
	c.entries[name] = *h
	return c.waves.Lock(*h)
}

// IsDataLoadCompleted reports the load state of h and bumps a pending read
// to the normal priority.
func (c *DataCache) IsDataLoadCompleted(h wavecache.Handle) (loaded, valid, missing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return false, false, false
	}
	w, ok := c.waves.Get(h)
	if !ok {
		return false, false, false
	}
	w.SetAsyncPriority(1)
	return w.Loaded(), true, w.Missing()
}

// RestartDataLoad reloads req when *h no longer refers to a resident entry.
func (c *DataCache) RestartDataLoad(h *wavecache.Handle, req LoadRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || h == nil {
		return
	}
	if _, ok := c.waves.Get(*h); !ok {
		*h = c.asyncLoadCache(req, false)
	}
}

// IsDataLoadInProgress reports whether h is loaded or still loading.
func (c *DataCache) IsDataLoadInProgress(h wavecache.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return false
	}
	if w, ok := c.waves.Get(h); ok {
		return w.IsCurrentlyLoading()
	}
	return false
}

// SetPostProcessed records that the consumer processed the data of h.
func (c *DataCache) SetPostProcessed(h wavecache.Handle, processed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return
	}
	if w, ok := c.waves.Get(h); ok {
		w.SetPostProcessed(processed)
	}
}

// Unload marks h as the next eviction candidate. The memory is reclaimed by
// a later purge.
func (c *DataCache) Unload(h wavecache.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		c.waves.Age(h)
	}
}

// Stats returns the wave cache counters.
func (c *DataCache) Stats() wavecache.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return wavecache.Stats{}
	}
	return c.waves.Stats()
}

// Names returns the file name table.
func (c *DataCache) Names() *asyncio.NameTable { return c.names }

// Diagnostics returns the diagnostic toggles.
func (c *DataCache) Diagnostics() *Diagnostics { return c.diag }

// createBuffer inserts a new WaveData for p. Transient buffers are charged a
// whole stream block.
func (c *DataCache) createBuffer(p LoadParams, flags wavecache.Flags) wavecache.Handle {
	alloc := c.allocatorFor(p)

	estimate := int64(c.streamPool.BlockSize())
	if !p.Transient {
		_, length, _ := p.alignedRead()
		estimate = int64(length)
	}

	return c.waves.Create(estimate, func() (*WaveData, bool) {
		w, ok := newWaveData(c.env, p, alloc)
		if ok && p.StaticPooled && c.staticPool != nil && c.diag.StaticAlloc() {
			c.logger.Info("static pool",
				"file", w,
				"size", humanize.IBytes(uint64(w.BufferBytes())),
				"used", humanize.IBytes(uint64(c.staticPool.Used())),
				"pool", humanize.IBytes(uint64(c.staticPool.Size())))
		}
		return w, ok
	}, flags)
}

func (c *DataCache) allocatorFor(p LoadParams) mempool.Allocator {
	switch {
	case p.Transient:
		return c.streamPool
	case p.StaticPooled:
		return c.static
	default:
		return c.heap
	}
}
