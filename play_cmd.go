package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/wavecache/internal/playback"
	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

var (
	playOpts    streamOptions
	playVolume  float64
	playLatency time.Duration

	playCmd = &cobra.Command{
		Use:   "play FILE",
		Short: "Play a 16-bit PCM wave file through a stream session",
		Long: paragraph(fmt.Sprintf("\n%s FILE on the default audio device, reading it through the stream buffers. "+
			"Starved reads play silence, or repeat the last frame when recover_from_exhausted_stream is set.", keyword("Play"))),
		Example: paragraph("wavecache play music/theme.wav\nwavecache play --loop 0 --buffers 4 ambience/wind.wav"),
		Args:    cobra.ExactArgs(1),
		RunE:    runPlay,
	}
)

func init() {
	playOpts.register(playCmd)
	d := playback.DefaultOptions()
	playCmd.Flags().Float64Var(&playVolume, "volume", d.Volume, "volume between 0 and 1")
	playCmd.Flags().DurationVar(&playLatency, "latency", d.Latency, "audio device buffer length")
}

func runPlay(cmd *cobra.Command, args []string) error {
	if playOpts.raw {
		return errors.New("play needs the wave header to know the sample format")
	}

	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	name := args[0]
	h, err := s.header(name, false)
	if err != nil {
		return err
	}

	p, err := playback.NewPlayer(h.Format, playback.Options{Volume: playVolume, Latency: playLatency}, s.logger)
	if err != nil {
		return err
	}
	defer p.Close() //nolint:errcheck

	r, serr := wavedata.NewStreamReader(cmd.Context(), s.cache,
		playOpts.params(name, h, cfg.Cache.StreamBufferSize),
		wavedata.ReaderOptions{FrameSize: h.FrameSize(), FillOnStarve: true})
	if serr != wavedata.StreamOK {
		return fmt.Errorf("unable to open stream for %s: %s", name, serr)
	}
	defer r.Close() //nolint:errcheck

	s.logger.Info("Playing", "file", name, "duration", h.Duration(h.DataSize), "sample_rate", h.SampleRate, "channels", h.Channels)
	err = p.Play(cmd.Context(), r)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Debug("Playback done", "starved", r.Starved())
	return nil
}
