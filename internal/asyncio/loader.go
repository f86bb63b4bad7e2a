package asyncio

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// Config controls the reference loader.
type Config struct {
	// Workers is the number of background read goroutines. With 0 reads
	// only run through AsyncFinish or Pump.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// ReadBytesPerSecond throttles reads to emulate slow media; 0 disables it
	ReadBytesPerSecond int `yaml:"read_bytes_per_second" mapstructure:"read_bytes_per_second"`

	// ReadBurstBytes is the largest chunk the throttle admits at once
	ReadBurstBytes int `yaml:"read_burst_bytes" mapstructure:"read_burst_bytes"`
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		Workers:        2,
		ReadBurstBytes: 64 * 1024,
	}
}

// Stats holds loader counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Aborted   int64
	BytesRead int64
}

// Loader implements FileSystem with a priority queue drained by worker
// goroutines. Files are read from afero filesystems mounted per path id.
type Loader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  jobQueue
	jobs   map[Control]*job
	nextID Control
	seq    uint64
	closed bool
	stats  Stats

	mountMu sync.RWMutex
	mounts  map[string]afero.Fs

	limiter *rate.Limiter
	burst   int

	// Shared decoder for compressed files
	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	logger *log.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the logger used for read failures.
func WithLogger(logger *log.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithMount mounts fs under pathID.
func WithMount(pathID string, fs afero.Fs) Option {
	return func(l *Loader) {
		l.mounts[pathID] = fs
	}
}

// NewLoader creates a loader and starts its workers.
func NewLoader(cfg Config, opts ...Option) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		jobs:   make(map[Control]*job),
		mounts: make(map[string]afero.Fs),
		ctx:    ctx,
		cancel: cancel,
		logger: log.Default(),
	}
	l.cond = sync.NewCond(&l.mu)

	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loader")

	if cfg.ReadBytesPerSecond > 0 {
		l.burst = cfg.ReadBurstBytes
		if l.burst <= 0 {
			l.burst = cfg.ReadBytesPerSecond
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.ReadBytesPerSecond), l.burst)
	}

	for i := 0; i < cfg.Workers; i++ {
		l.wg.Go(l.worker)
	}

	return l
}

// Mount makes fs available under pathID, replacing any previous mount.
func (l *Loader) Mount(pathID string, fs afero.Fs) {
	l.mountMu.Lock()
	defer l.mountMu.Unlock()
	l.mounts[pathID] = fs
}

func (l *Loader) mount(pathID string) afero.Fs {
	l.mountMu.RLock()
	defer l.mountMu.RUnlock()
	return l.mounts[pathID]
}

// FileExists reports whether path, or its compressed form, exists on the
// mount for pathID.
func (l *Loader) FileExists(path, pathID string) bool {
	fs := l.mount(pathID)
	if fs == nil {
		return false
	}
	if ok, err := afero.Exists(fs, path); err == nil && ok {
		return true
	}
	return compressedExists(fs, path)
}

// AsyncRead queues req.
func (l *Loader) AsyncRead(req Request) (Control, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLoaderClosed
	}

	l.nextID++
	l.seq++
	j := &job{
		id:     l.nextID,
		req:    req,
		state:  jobQueued,
		status: StatusInProgress,
		seq:    l.seq,
		done:   make(chan struct{}),
	}
	l.jobs[j.id] = j
	heap.Push(&l.queue, j)
	l.stats.Submitted++
	l.cond.Signal()

	return j.id, nil
}

// AsyncFinish implements FileSystem.
func (l *Loader) AsyncFinish(c Control, wait bool) Status {
	l.mu.Lock()
	j, ok := l.jobs[c]
	if !ok {
		l.mu.Unlock()
		return StatusErrUnknownID
	}

	switch j.state {
	case jobQueued:
		if !wait {
			l.mu.Unlock()
			return StatusInProgress
		}
		// Not started yet: run it here instead of waiting for a worker
		heap.Remove(&l.queue, j.index)
		j.state = jobRunning
		l.mu.Unlock()
		l.execute(j)
	case jobRunning:
		if !wait {
			l.mu.Unlock()
			return StatusInProgress
		}
		l.mu.Unlock()
		<-j.done
	default:
		l.mu.Unlock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return j.status
}

// AsyncAbort implements FileSystem.
func (l *Loader) AsyncAbort(c Control) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[c]
	if !ok {
		return StatusErrUnknownID
	}
	switch j.state {
	case jobQueued:
		l.abortLocked(j)
		return StatusAborted
	case jobRunning:
		return StatusInProgress
	default:
		return j.status
	}
}

// AsyncRelease implements FileSystem. Releasing a queued read aborts it.
func (l *Loader) AsyncRelease(c Control) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[c]
	if !ok {
		return StatusErrUnknownID
	}
	if j.state == jobQueued {
		l.abortLocked(j)
	}
	delete(l.jobs, c)
	return j.status
}

// AsyncStatus implements FileSystem.
func (l *Loader) AsyncStatus(c Control) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[c]
	if !ok {
		return StatusErrUnknownID
	}
	return j.status
}

// AsyncSetPriority implements FileSystem.
func (l *Loader) AsyncSetPriority(c Control, priority int) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	j, ok := l.jobs[c]
	if !ok {
		return StatusErrUnknownID
	}
	if j.state == jobQueued && j.req.Priority != priority {
		j.req.Priority = priority
		heap.Fix(&l.queue, j.index)
	}
	return j.status
}

// Pump runs up to max queued reads on the calling goroutine, all of them
// when max <= 0, and returns how many ran.
func (l *Loader) Pump(max int) int {
	ran := 0
	for max <= 0 || ran < max {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			break
		}
		j := heap.Pop(&l.queue).(*job)
		j.state = jobRunning
		l.mu.Unlock()

		l.execute(j)
		ran++
	}
	return ran
}

// Pending returns the number of queued reads.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Stats returns a copy of the loader counters.
func (l *Loader) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Close stops the workers. Queued reads are aborted without callbacks.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for len(l.queue) > 0 {
		j := heap.Pop(&l.queue).(*job)
		l.abortLocked(j)
	}
	l.cond.Broadcast()
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	if l.dec != nil {
		l.dec.Close()
	}
	return nil
}

func (l *Loader) abortLocked(j *job) {
	if j.index >= 0 {
		heap.Remove(&l.queue, j.index)
	}
	j.state = jobAborted
	j.status = StatusAborted
	l.stats.Aborted++
	close(j.done)
}

func (l *Loader) worker() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		j := heap.Pop(&l.queue).(*job)
		j.state = jobRunning
		l.mu.Unlock()

		l.execute(j)
	}
}

// execute performs the read and runs the callback before the job is marked
// done, so a finished AsyncFinish always observes the callback's effects.
func (l *Loader) execute(j *job) {
	n, status := l.read(&j.req)
	if j.req.Callback != nil {
		j.req.Callback(&j.req, n, status)
	}

	l.mu.Lock()
	j.n = n
	j.status = status
	j.state = jobDone
	l.stats.Completed++
	l.stats.BytesRead += int64(n)
	if status != StatusOK {
		l.stats.Failed++
	}
	l.mu.Unlock()

	close(j.done)
}

func (l *Loader) read(req *Request) (int, Status) {
	fs := l.mount(req.PathID)
	if fs == nil {
		l.logger.Debug("read failed", "path", req.Path, "path_id", req.PathID, "err", ErrNoMount)
		return 0, StatusErrFileOpen
	}

	size := req.Bytes
	if size < 0 {
		size = 0
	}
	if req.Data == nil {
		req.Data = make([]byte, size)
	} else if size > len(req.Data) {
		size = len(req.Data)
	}

	f, err := fs.Open(req.Path)
	if isNotExist(err) && compressedExists(fs, req.Path) {
		return l.readCompressed(fs, req, size)
	}
	if err != nil {
		l.logger.Debug("open failed", "path", req.Path, "err", err)
		return 0, StatusErrFileOpen
	}
	defer f.Close()

	if err := l.throttle(size); err != nil {
		return 0, StatusErrReading
	}

	n, err := f.ReadAt(req.Data[:size], req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		l.logger.Debug("read failed", "path", req.Path, "offset", req.Offset, "err", err)
		return n, StatusErrReading
	}
	return n, StatusOK
}

func (l *Loader) throttle(n int) error {
	if l.limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, l.burst)
		if err := l.limiter.WaitN(l.ctx, chunk); err != nil {
			return fmt.Errorf("throttle: %w", err)
		}
		n -= chunk
	}
	return nil
}
