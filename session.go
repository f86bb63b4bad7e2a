package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/config"
	"github.com/dgnsrekt/wavecache/internal/playback"
	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

// serviceInterval is how often the session runs queued loads, reclaims dead
// buffers and, without loader workers, pumps reads.
const serviceInterval = 5 * time.Millisecond

// session wires a loader and a cache over the configured root.
type session struct {
	cfg       config.Config
	fs        afero.Fs
	loader    *asyncio.Loader
	preloader *asyncio.Preloader
	cache     *wavedata.DataCache
	logger    *log.Logger

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func openSession(ctx context.Context, cfg config.Config) (*session, error) {
	logger := log.Default()
	root := afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), cfg.Root))

	loader := asyncio.NewLoader(cfg.Loader,
		asyncio.WithLogger(logger),
		asyncio.WithMount(cfg.Cache.PathID, root),
	)
	preloader := asyncio.NewPreloader(loader, max(cfg.Loader.Workers, 1))

	diag := wavedata.NewDiagnostics(cfg.Diagnostics)
	cache, err := wavedata.New(cfg.Cache, loader,
		wavedata.WithLogger(logger),
		wavedata.WithDiagnostics(diag),
		wavedata.WithQueuedLoader(preloader),
	)
	if err != nil {
		_ = loader.Close()
		return nil, err
	}
	if err := cache.Init(cfg.Cache.MemoryBytes); err != nil {
		_ = loader.Close()
		return nil, err
	}
	if v.ConfigFileUsed() != "" {
		config.Watch(v, diag, logger)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		cfg:       cfg,
		fs:        root,
		loader:    loader,
		preloader: preloader,
		cache:     cache,
		logger:    logger,
		cancel:    cancel,
	}
	s.wg.Go(func() { s.service(ctx) })

	logger.Debug("Session open", "root", cfg.Root, "path_id", cfg.Cache.PathID, "workers", cfg.Loader.Workers)
	return s, nil
}

func (s *session) service(ctx context.Context) {
	tick := time.NewTicker(serviceInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		if s.preloader.Len() > 0 {
			if err := s.preloader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Queued loads failed", "err", err)
			}
		}
		if s.cfg.Loader.Workers == 0 {
			s.loader.Pump(0)
		}
		s.cache.CleanupDeadBuffers(false)
	}
}

// path returns the mount relative path of a sound file.
func (s *session) path(name string) string {
	return path.Join(s.cfg.Cache.SoundDir, name)
}

// header locates the sample data of name. Raw files are all data.
func (s *session) header(name string, raw bool) (playback.Header, error) {
	if !raw {
		return playback.ReadHeader(s.loader, s.path(name), s.cfg.Cache.PathID)
	}
	st, err := s.fs.Stat(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return playback.Header{}, fmt.Errorf("%s: raw files cannot be compressed: %w", name, err)
	}
	if err != nil {
		return playback.Header{}, fmt.Errorf("unable to stat %s: %w", name, err)
	}
	return playback.Header{DataSize: int(st.Size())}, nil
}

func (s *session) Close() error {
	s.cancel()
	s.wg.Wait()
	s.cache.Shutdown()
	return s.loader.Close()
}
