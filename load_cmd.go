package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/wavecache/internal/wavecache"
	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

var (
	loadSpew     string
	loadPrefetch bool
	loadRaw      bool

	loadCmd = &cobra.Command{
		Use:   "load FILE...",
		Short: "Load whole wave files into the cache and report memory usage",
		Long: paragraph(fmt.Sprintf("\n%s every FILE into the wave cache, wait for the reads and print the cache state. "+
			"Files that do not fit the budget evict the least recently used ones.", keyword("Load"))),
		Example: paragraph("wavecache load sfx/boom.wav music/theme.wav\nwavecache load --memory 2MiB --spew all *.wav"),
		Args:    cobra.MinimumNArgs(1),
		RunE:    runLoad,
	}
)

func init() {
	loadCmd.Flags().StringVar(&loadSpew, "spew", wavedata.SpewNonStreaming.String(), "report level: basic, music, nonstreaming or all")
	loadCmd.Flags().BoolVar(&loadPrefetch, "prefetch", false, "queue the reads at the lowest priority")
	loadCmd.Flags().BoolVar(&loadRaw, "raw", false, "treat the files as headerless sample data")
}

func runLoad(cmd *cobra.Command, args []string) error {
	level, err := wavedata.ParseSpewLevel(loadSpew)
	if err != nil {
		return err
	}

	s, err := openSession(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	type pending struct {
		req wavedata.LoadRequest
		h   wavecache.Handle
	}
	loads := make([]pending, 0, len(args))
	for _, name := range args {
		hdr, err := s.header(name, loadRaw)
		if err != nil {
			s.logger.Warn("Skipping file", "file", name, "err", err)
			continue
		}
		req := wavedata.LoadRequest{
			FileName: name,
			DataSize: hdr.DataSize,
			StartPos: hdr.DataStart,
		}
		loads = append(loads, pending{req: req, h: s.cache.AsyncLoadCache(req, loadPrefetch)})
	}

	out := cmd.OutOrStdout()
	for i := range loads {
		l := &loads[i]
		data, _, ok := s.cache.GetDataPointer(&l.h, l.req, 0)
		state := missingStyle.Render("missing")
		if ok {
			state = okStyle.Render(humanize.IBytes(uint64(len(data))))
		}
		fmt.Fprintln(out, row(state, l.req.FileName))
	}

	fmt.Fprintln(out)
	return renderUsage(out, s.cache.SpewMemoryUsage(level))
}
