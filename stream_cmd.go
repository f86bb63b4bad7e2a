package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

var (
	streamOpts   streamOptions
	streamReport bool

	streamCmd = &cobra.Command{
		Use:   "stream FILE",
		Short: "Stream the sample data of a wave file to stdout",
		Long: paragraph(fmt.Sprintf("\n%s the sample data of FILE through a stream session and write it to stdout. "+
			"FILE is relative to the sound directory under the root.", keyword("Stream"))),
		Example: paragraph("wavecache stream music/theme.wav > theme.pcm\nwavecache stream --raw --loop 0 ambience.raw | aplay -f cd"),
		Args:    cobra.ExactArgs(1),
		RunE:    runStream,
	}
)

func init() {
	streamOpts.register(streamCmd)
	streamCmd.Flags().BoolVar(&streamReport, "report", false, "print a memory report to stderr when done")
}

func runStream(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return errors.New("refusing to write sample data to a terminal, redirect stdout")
	}

	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	name := args[0]
	h, err := s.header(name, streamOpts.raw)
	if err != nil {
		return err
	}

	r, serr := wavedata.NewStreamReader(cmd.Context(), s.cache,
		streamOpts.params(name, h, cfg.Cache.StreamBufferSize),
		wavedata.ReaderOptions{FrameSize: max(h.FrameSize(), 1)})
	if serr != wavedata.StreamOK {
		return fmt.Errorf("unable to open stream for %s: %s", name, serr)
	}
	defer r.Close() //nolint:errcheck

	n, err := io.Copy(out, r)
	if err != nil {
		return fmt.Errorf("stream of %s failed after %s: %w", name, humanize.IBytes(uint64(n)), err)
	}
	s.logger.Debug("Stream finished", "file", name, "bytes", n, "starved", r.Starved())

	if streamReport {
		return renderUsage(cmd.ErrOrStderr(), s.cache.SpewMemoryUsage(wavedata.SpewAll))
	}
	return nil
}
