package wavedata

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
)

// testConfig is small enough to exhaust the pools in a test.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinMemoryBytes = 0
	cfg.StreamBufferSize = 100
	cfg.StreamPoolBytes = 800
	cfg.StaticPoolBytes = 1000
	cfg.SectorSize = 4
	return cfg
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

type testEnv struct {
	cache  *DataCache
	loader *asyncio.Loader
	fs     afero.Fs
}

// newTestEnv creates an initialized cache over an in memory sound
// directory. With workers 0 nothing is read until the test pumps the loader.
func newTestEnv(t *testing.T, files map[string][]byte, workers int, mutate func(*Config), opts ...Option) *testEnv {
	t.Helper()

	fs := afero.NewMemMapFs()
	for name, data := range files {
		if err := afero.WriteFile(fs, "sound/"+name, data, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}

	quiet := log.New(io.Discard)
	loader := asyncio.NewLoader(asyncio.Config{Workers: workers}, asyncio.WithMount("GAME", fs), asyncio.WithLogger(quiet))
	t.Cleanup(func() { loader.Close() })

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	opts = append([]Option{WithLogger(quiet)}, opts...)
	c, err := New(cfg, loader, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Init(0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(c.Shutdown)

	return &testEnv{cache: c, loader: loader, fs: fs}
}

// checkCache verifies the buffer list against the wave cache.
func checkCache(t *testing.T, c *DataCache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, handles := range c.buffers {
		if len(handles) == 0 {
			t.Fatalf("empty buffer list entry for %+v", key)
		}
		for _, h := range handles {
			w, ok := c.waves.GetNoTouch(h)
			if !ok {
				t.Fatalf("buffer list holds stale handle %v", h)
			}
			if !w.listed || w.handle != h || w.key != key {
				t.Fatalf("buffer %v out of sync with the buffer list", h)
			}
		}
	}
}

// noChecker hides FileExists so opens succeed for absent files.
type noChecker struct {
	asyncio.FileSystem
}
