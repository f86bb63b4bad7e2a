package main

import (
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/wavecache/internal/playback"
	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

// streamOptions are the stream session flags shared by stream and play.
type streamOptions struct {
	buffers    int
	bufferSize int
	start      int
	loop       int
	static     bool
	singlePlay bool
	slowMedia  bool
	queued     bool
	raw        bool
}

func (o *streamOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&o.buffers, "buffers", "b", 2, "number of stream buffers")
	f.IntVar(&o.bufferSize, "buffer-size", 0, "buffer size in bytes for static streams (default stream_buffer_size)")
	f.IntVar(&o.start, "start", 0, "start position in bytes, relative to the sample data")
	f.IntVar(&o.loop, "loop", -1, "loop start in bytes, relative to the sample data (-1 plays once)")
	f.BoolVar(&o.static, "static", false, "use static buffers instead of the stream pool")
	f.BoolVar(&o.singlePlay, "single-play", false, "restart pool buffers in place instead of sharing them")
	f.BoolVar(&o.slowMedia, "slow-media", false, "align reads to the sector size")
	f.BoolVar(&o.queued, "queued", false, "load one static buffer through the queued loader")
	f.BoolVar(&o.raw, "raw", false, "treat the file as headerless sample data")
}

func (o streamOptions) flags() wavedata.StreamFlags {
	var flags wavedata.StreamFlags
	if !o.static {
		flags |= wavedata.Transient
	}
	if o.singlePlay {
		flags |= wavedata.SinglePlay
	}
	if o.slowMedia {
		flags |= wavedata.FromSlowMedia
	}
	if o.queued {
		flags |= wavedata.QueuedLoad
	}
	return flags
}

// params builds the session parameters for name. defaultSize is used when
// no buffer size was given.
func (o streamOptions) params(name string, h playback.Header, defaultSize int) wavedata.StreamParams {
	size := o.bufferSize
	if size <= 0 {
		size = defaultSize
	}
	return wavedata.StreamParams{
		FileName:   name,
		DataSize:   h.DataSize,
		DataStart:  h.DataStart,
		StartPos:   o.start,
		LoopPos:    o.loop,
		BufferSize: size,
		NumBuffers: o.buffers,
		Flags:      o.flags(),
	}
}
