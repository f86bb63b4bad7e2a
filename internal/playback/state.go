package playback

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by a closed player
	ErrClosed = errors.New("player is closed")

	// ErrBusy is returned when Play is called during playback
	ErrBusy = errors.New("player is already playing")

	// ErrUnavailable is returned when the binary was built without audio
	// support
	ErrUnavailable = errors.New("audio not available in nocgo build")
)

// State is the player state.
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Player.
type Options struct {
	// Volume between 0 and 1
	Volume float64

	// Latency is the device buffer length
	Latency time.Duration
}

// DefaultOptions returns full volume and a 100ms device buffer.
func DefaultOptions() Options {
	return Options{Volume: 1, Latency: 100 * time.Millisecond}
}

func (o Options) validate() error {
	if o.Volume < 0 || o.Volume > 1 {
		return fmt.Errorf("volume must be between 0.0 and 1.0, got %f", o.Volume)
	}
	if o.Latency < 0 {
		return fmt.Errorf("latency must not be negative, got %s", o.Latency)
	}
	return nil
}
