package asyncio

import (
	"context"
	"errors"
)

// Common errors for loader operations
var (
	// ErrLoaderClosed is returned when a request is submitted after Close
	ErrLoaderClosed = errors.New("loader closed")

	// ErrNoMount is returned when a request names a path id with no mounted filesystem
	ErrNoMount = errors.New("no filesystem mounted for path id")
)

// Status is the state of an asynchronous read.
type Status int

const (
	// StatusOK means the read finished
	StatusOK Status = iota

	// StatusInProgress means the read is queued or running
	StatusInProgress

	// StatusErrFileOpen means the file could not be opened
	StatusErrFileOpen

	// StatusErrReading means the file opened but the read failed
	StatusErrReading

	// StatusErrUnknownID means the control is not known to the loader
	StatusErrUnknownID

	// StatusAborted means the read was removed from the queue before it ran
	StatusAborted
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in-progress"
	case StatusErrFileOpen:
		return "err-file-open"
	case StatusErrReading:
		return "err-reading"
	case StatusErrUnknownID:
		return "err-unknown-id"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Control identifies a submitted read. The zero value is never issued.
type Control uint64

// Callback is invoked once when a read completes. n is the number of bytes
// placed in req.Data.
type Callback func(req *Request, n int, status Status)

// Request describes one read.
type Request struct {
	// Path is the file to read, relative to the mount for PathID
	Path string

	// PathID selects the mounted filesystem
	PathID string

	// Offset is the first byte to read
	Offset int64

	// Bytes is the number of bytes to read. When Data is set it is clamped
	// to len(Data).
	Bytes int

	// Data is the target buffer; nil asks the loader to allocate Bytes bytes
	Data []byte

	// Priority orders queued reads, 0 being the lowest
	Priority int

	// Callback is invoked on completion
	Callback Callback

	// Context is handed back untouched in the callback
	Context any
}

// FileSystem is the asynchronous read contract.
type FileSystem interface {
	// AsyncRead queues req and returns its control.
	AsyncRead(req Request) (Control, error)

	// AsyncFinish waits for the read when wait is set, running it on the
	// calling goroutine if it has not started yet. It returns the status.
	AsyncFinish(c Control, wait bool) Status

	// AsyncAbort removes a queued read. A read that is already running
	// reports StatusInProgress and must be finished by the caller.
	AsyncAbort(c Control) Status

	// AsyncRelease forgets the control.
	AsyncRelease(c Control) Status

	// AsyncStatus reports the state of the read.
	AsyncStatus(c Control) Status

	// AsyncSetPriority changes the priority of a queued read.
	AsyncSetPriority(c Control, priority int) Status
}

// FileChecker is implemented by filesystems that can answer existence
// questions synchronously.
type FileChecker interface {
	FileExists(path, pathID string) bool
}

// Job is a read handed to a QueuedLoader. Complete is called once with the
// bytes read or an error, unless State was cancelled before the read began.
type Job struct {
	Path     string
	PathID   string
	Offset   int64
	Bytes    int
	Data     []byte
	Priority int
	Complete func(data []byte, n int, err error)
	State    *JobState // optional
}

// QueuedLoader batches reads that are issued ahead of time, for example
// while a level loads.
type QueuedLoader interface {
	AddJob(job Job)
	Run(ctx context.Context) error
}
