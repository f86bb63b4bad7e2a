package wavedata

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrStreamFailed is returned by StreamReader once the stream can no longer
// deliver data.
var ErrStreamFailed = errors.New("stream failed")

// ReaderOptions configures a StreamReader.
type ReaderOptions struct {
	// FrameSize is the sample frame size in bytes; starved reads are
	// filled in whole frames
	FrameSize int

	// FillOnStarve returns silence, or the last frame repeated when
	// recover_from_exhausted_stream is on, instead of waiting for data
	FillOnStarve bool

	// Poll is the wait between attempts while starved and not filling
	Poll time.Duration
}

// StreamReader reads an open stream as an io.Reader, tracking the copy
// position and wrapping to the loop start at the end of the data.
type StreamReader struct {
	ctx   context.Context
	cache *DataCache
	h     StreamHandle
	opts  ReaderOptions

	dataStart int
	dataEnd   int
	loopStart int
	pos       int // absolute file position of the next byte

	lastFrame []byte
	starved   int
}

// NewStreamReader opens p and returns a reader over it. ctx bounds the
// waits of a reader that does not fill starved reads.
func NewStreamReader(ctx context.Context, c *DataCache, p StreamParams, opts ReaderOptions) (*StreamReader, StreamError) {
	h, serr := c.OpenStreamedLoad(p)
	if serr != StreamOK {
		return nil, serr
	}

	if opts.FrameSize <= 0 {
		opts.FrameSize = 1
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Millisecond
	}
	return &StreamReader{
		ctx:       ctx,
		cache:     c,
		h:         h,
		opts:      opts,
		dataStart: p.DataStart,
		dataEnd:   p.DataStart + p.DataSize,
		loopStart: p.LoopPos,
		pos:       p.DataStart + max(p.StartPos, 0),
		lastFrame: make([]byte, opts.FrameSize),
	}, StreamOK
}

// Read implements io.Reader. Without a loop it returns io.EOF once the data
// is exhausted.
func (r *StreamReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if r.pos >= r.dataEnd {
			if r.loopStart < 0 || r.dataStart+r.loopStart >= r.dataEnd {
				break
			}
			r.pos = r.dataStart + r.loopStart
		}

		n := r.cache.CopyStreamedDataIntoMemory(r.h, p[total:], r.pos, len(p)-total)
		r.pos += n
		total += n
		if n > 0 {
			continue
		}
		if total > 0 {
			break
		}

		if r.cache.streamFailed(r.h) {
			return 0, ErrStreamFailed
		}
		r.starved++
		if r.opts.FillOnStarve {
			total = r.fill(p)
			break
		}
		if err := r.wait(); err != nil {
			return 0, err
		}
	}

	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	r.remember(p[:total])
	return total, nil
}

// fill covers p with whole frames of silence, or of the last frame when
// recovering from an exhausted stream.
func (r *StreamReader) fill(p []byte) int {
	frames := len(p) / r.opts.FrameSize
	if frames == 0 {
		frames = 1
	}
	n := min(frames*r.opts.FrameSize, len(p))

	if r.cache.Diagnostics().RecoverFromExhaustedStream() {
		for i := 0; i < n; i += r.opts.FrameSize {
			copy(p[i:n], r.lastFrame)
		}
	} else {
		clear(p[:n])
	}
	return n
}

func (r *StreamReader) remember(p []byte) {
	if len(p) >= r.opts.FrameSize {
		copy(r.lastFrame, p[len(p)-r.opts.FrameSize:])
	}
}

func (r *StreamReader) wait() error {
	t := time.NewTimer(r.opts.Poll)
	defer t.Stop()

	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetLoopPosition moves the loop start, relative to the data start.
func (r *StreamReader) SetLoopPosition(loopPos int) {
	r.loopStart = loopPos
	r.cache.UpdateLoopPosition(r.h, loopPos)
}

// Starved returns how many reads found no data ready.
func (r *StreamReader) Starved() int { return r.starved }

// Position returns the absolute file position of the next byte.
func (r *StreamReader) Position() int { return r.pos }

// Handle returns the stream handle.
func (r *StreamReader) Handle() StreamHandle { return r.h }

// Close closes the stream.
func (r *StreamReader) Close() error {
	r.cache.CloseStreamedLoad(r.h)
	return nil
}
