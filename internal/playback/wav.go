package playback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
)

// HeaderReadBytes is how much of a file ReadHeader reads to find the data
// chunk.
const HeaderReadBytes = 4096

var (
	// ErrNotWave is returned for files without a RIFF WAVE header
	ErrNotWave = errors.New("not a RIFF WAVE file")

	// ErrNoData is returned when no data chunk follows the format chunk
	// within the bytes read
	ErrNoData = errors.New("wave file has no data chunk")

	// ErrUnsupportedFormat is returned for anything but integer PCM
	ErrUnsupportedFormat = errors.New("unsupported wave format")
)

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Format describes interleaved PCM samples.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// FrameSize returns the bytes of one sample for every channel.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// Duration returns the play time of n bytes.
func (f Format) Duration(n int) time.Duration {
	fs := f.FrameSize()
	if fs <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(n/fs) * time.Second / time.Duration(f.SampleRate)
}

// Validate checks that the device can play f.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 192000 {
		return fmt.Errorf("%w: sample rate %d Hz", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("%w: channels must be 1 (mono) or 2 (stereo), got %d", ErrUnsupportedFormat, f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("%w: bit depth must be 16, got %d", ErrUnsupportedFormat, f.BitDepth)
	}
	return nil
}

// Header locates the sample data of a wave file.
type Header struct {
	Format

	// DataStart is the file offset of the first sample byte
	DataStart int

	// DataSize is the length of the data chunk in bytes
	DataSize int
}

type chunkHeader struct {
	ID   [4]byte
	Size uint32
}

type fmtChunk struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// ParseHeader walks the RIFF chunks in b up to the data chunk.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	r := bytes.NewReader(b)

	var riff struct {
		ID   [4]byte
		Size uint32
		Wave [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return h, fmt.Errorf("%w: %w", ErrNotWave, err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Wave[:]) != "WAVE" {
		return h, ErrNotWave
	}

	haveFormat := false
	for {
		var ch chunkHeader
		if err := binary.Read(r, binary.LittleEndian, &ch); err != nil {
			return h, ErrNoData
		}
		// Chunks are padded to an even size
		size := int64(ch.Size) + int64(ch.Size&1)

		switch string(ch.ID[:]) {
		case "fmt ":
			var fc fmtChunk
			if err := binary.Read(r, binary.LittleEndian, &fc); err != nil {
				return h, fmt.Errorf("%w: short fmt chunk", ErrNotWave)
			}
			if fc.AudioFormat != formatPCM && fc.AudioFormat != formatExtensible {
				return h, fmt.Errorf("%w: format tag %#x", ErrUnsupportedFormat, fc.AudioFormat)
			}
			h.Format = Format{
				SampleRate: int(fc.SampleRate),
				Channels:   int(fc.Channels),
				BitDepth:   int(fc.BitsPerSample),
			}
			haveFormat = true
			size -= int64(binary.Size(fc))

		case "data":
			if !haveFormat {
				return h, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWave)
			}
			h.DataStart = len(b) - r.Len()
			h.DataSize = int(ch.Size)
			return h, nil
		}

		if size < 0 {
			return h, fmt.Errorf("%w: chunk %q too short", ErrNotWave, ch.ID[:])
		}
		if _, err := r.Seek(size, io.SeekCurrent); err != nil {
			return h, ErrNoData
		}
	}
}

// ReadHeader reads the start of path through fs and parses it. Files
// shorter than HeaderReadBytes are parsed from what was read.
func ReadHeader(fs asyncio.FileSystem, path, pathID string) (Header, error) {
	buf := make([]byte, HeaderReadBytes)
	var got int
	c, err := fs.AsyncRead(asyncio.Request{
		Path:   path,
		PathID: pathID,
		Bytes:  len(buf),
		Data:   buf,
		Callback: func(_ *asyncio.Request, n int, _ asyncio.Status) {
			got = n
		},
	})
	if err != nil {
		return Header{}, fmt.Errorf("unable to read %s: %w", path, err)
	}
	defer fs.AsyncRelease(c)

	if status := fs.AsyncFinish(c, true); status != asyncio.StatusOK {
		return Header{}, fmt.Errorf("unable to read %s: %s", path, status)
	}

	h, err := ParseHeader(buf[:got])
	if err != nil {
		return h, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}
