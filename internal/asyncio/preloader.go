package asyncio

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Errors reported to queued jobs
var (
	// ErrOpen is reported when a job's file could not be opened
	ErrOpen = errors.New("open failed")

	// ErrRead is reported when a job's file opened but could not be read
	ErrRead = errors.New("read failed")
)

// Preloader collects jobs and runs them as one batch, highest priority
// first. It reads through the mounts of a Loader but does not use its queue.
type Preloader struct {
	loader *Loader
	limit  int

	mu   sync.Mutex
	jobs []Job
}

// NewPreloader creates a preloader reading through loader with at most
// concurrency reads in flight.
func NewPreloader(loader *Loader, concurrency int) *Preloader {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Preloader{loader: loader, limit: concurrency}
}

// AddJob queues job for the next Run.
func (p *Preloader) AddJob(job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
}

// Len returns the number of jobs waiting for Run.
func (p *Preloader) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Run executes every queued job. Per job failures are reported through the
// job's Complete func; Run itself only fails when ctx is cancelled.
func (p *Preloader) Run(ctx context.Context) error {
	p.mu.Lock()
	jobs := p.jobs
	p.jobs = nil
	p.mu.Unlock()

	slices.SortStableFunc(jobs, func(a, b Job) int {
		return b.Priority - a.Priority
	})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	for _, job := range jobs {
		g.Go(func() error {
			if !job.State.begin() {
				return nil
			}
			defer job.State.finish()
			if err := ctx.Err(); err != nil {
				job.complete(nil, 0, err)
				return err
			}

			req := Request{
				Path:   job.Path,
				PathID: job.PathID,
				Offset: job.Offset,
				Bytes:  job.Bytes,
				Data:   job.Data,
			}
			n, status := p.loader.read(&req)
			job.complete(req.Data, n, statusError(job.Path, status))
			return nil
		})
	}

	return g.Wait()
}

type jobPhase int

const (
	phasePending jobPhase = iota
	phaseRunning
	phaseDone
	phaseCancelled
)

// JobState lets the owner of a queued job withdraw it. Data must not be
// reused until Cancel returns.
type JobState struct {
	mu    sync.Mutex
	phase jobPhase
	done  chan struct{}
}

// NewJobState returns the state of a job that has not started.
func NewJobState() *JobState {
	return &JobState{done: make(chan struct{})}
}

// Cancel withdraws the job if it has not started, otherwise it waits for the
// read and its Complete func to finish. It reports whether the job was
// withdrawn.
func (s *JobState) Cancel() bool {
	s.mu.Lock()
	switch s.phase {
	case phasePending:
		s.phase = phaseCancelled
		s.mu.Unlock()
		return true
	case phaseRunning:
		s.mu.Unlock()
		<-s.done
		return false
	default:
		s.mu.Unlock()
		return false
	}
}

func (s *JobState) begin() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != phasePending {
		return false
	}
	s.phase = phaseRunning
	return true
}

func (s *JobState) finish() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseDone
	close(s.done)
}

func (j Job) complete(data []byte, n int, err error) {
	if j.Complete != nil {
		j.Complete(data, n, err)
	}
}

func statusError(path string, status Status) error {
	switch status {
	case StatusOK:
		return nil
	case StatusErrFileOpen:
		return fmt.Errorf("%s: %w", path, ErrOpen)
	default:
		return fmt.Errorf("%s: %w", path, ErrRead)
	}
}
