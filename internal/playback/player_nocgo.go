//go:build nocgo
// +build nocgo

package playback

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
)

// Player is unavailable in nocgo builds.
type Player struct{}

// NewPlayer always fails in nocgo builds.
func NewPlayer(f Format, opts Options, logger *log.Logger) (*Player, error) {
	return nil, ErrUnavailable
}

func (p *Player) Play(ctx context.Context, r io.Reader) error { return ErrUnavailable }
func (p *Player) SetVolume(v float64) error                    { return ErrUnavailable }
func (p *Player) State() State                                 { return StateClosed }
func (p *Player) Format() Format                               { return Format{} }
func (p *Player) Close() error                                 { return nil }
