//go:build !nocgo
// +build !nocgo

package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

// oto allows a single context per process.
var (
	deviceOnce   sync.Once
	device       *oto.Context
	deviceFormat Format
	deviceErr    error
)

const readyTimeout = 5 * time.Second

func openDevice(f Format, latency time.Duration, logger *log.Logger) (*oto.Context, error) {
	deviceOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: f.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   latency,
		}
		logger.Debug("Opening audio device", "sample_rate", f.SampleRate, "channels", f.Channels, "buffer", latency)

		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			deviceErr = fmt.Errorf("failed to create audio context: %w", err)
			return
		}
		select {
		case <-ready:
		case <-time.After(readyTimeout):
			deviceErr = fmt.Errorf("audio device not ready after %s", readyTimeout)
			return
		}
		device = ctx
		deviceFormat = f
	})
	if deviceErr != nil {
		return nil, deviceErr
	}
	if f != deviceFormat {
		return nil, fmt.Errorf("%w: device is open at %d Hz/%d ch, got %d Hz/%d ch",
			ErrUnsupportedFormat, deviceFormat.SampleRate, deviceFormat.Channels, f.SampleRate, f.Channels)
	}
	return device, nil
}

// Player plays PCM streams on the audio device.
type Player struct {
	format Format
	opts   Options
	device *oto.Context
	logger *log.Logger

	state atomic.Int32

	mu     sync.Mutex
	player *oto.Player
}

// NewPlayer opens the audio device for f.
func NewPlayer(f Format, opts Options, logger *log.Logger) (*Player, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.With("component", "player")

	dev, err := openDevice(f, opts.Latency, logger)
	if err != nil {
		return nil, err
	}
	return &Player{format: f, opts: opts, device: dev, logger: logger}, nil
}

// Play plays r until it returns io.EOF or ctx is done. r is read from the
// device goroutine.
func (p *Player) Play(ctx context.Context, r io.Reader) error {
	p.mu.Lock()
	switch p.State() {
	case StateClosed:
		p.mu.Unlock()
		return ErrClosed
	case StatePlaying:
		p.mu.Unlock()
		return ErrBusy
	}
	pl := p.device.NewPlayer(r)
	pl.SetVolume(p.opts.Volume)
	p.player = pl
	p.state.Store(int32(StatePlaying))
	p.mu.Unlock()

	start := time.Now()
	pl.Play()
	err := p.wait(ctx, pl)

	p.mu.Lock()
	pl.Pause()
	pl.Close()
	p.player = nil
	if p.State() == StatePlaying {
		p.state.Store(int32(StateStopped))
	}
	p.mu.Unlock()

	p.logger.Debug("Playback finished", "elapsed", time.Since(start), "err", err)
	return err
}

func (p *Player) wait(ctx context.Context, pl *oto.Player) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		if p.State() == StateClosed {
			return ErrClosed
		}
		if pl.IsPlaying() {
			continue
		}
		if err := pl.Err(); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	}
}

// SetVolume sets the volume of this and later playbacks.
func (p *Player) SetVolume(v float64) error {
	o := p.opts
	o.Volume = v
	if err := o.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.Volume = v
	if p.player != nil {
		p.player.SetVolume(v)
	}
	return nil
}

// State returns the player state.
func (p *Player) State() State {
	return State(p.state.Load())
}

// Format returns the device format.
func (p *Player) Format() Format {
	return p.format
}

// Close stops any playback. The device itself stays open for the process.
func (p *Player) Close() error {
	p.state.Store(int32(StateClosed))
	return nil
}
