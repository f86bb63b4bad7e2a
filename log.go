package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"

	"github.com/dgnsrekt/wavecache/internal/config"
)

// logFileCache selects the log file in the user cache dir.
const logFileCache = "cache"

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, config.Name).CacheDir()
	if err != nil {
		return "", fmt.Errorf("could not find cache directory: %w", err)
	}
	return filepath.Join(dir, config.Name+".log"), nil
}

// setupLog configures the default logger from lc. Output goes to stderr
// unless a file is set; the returned func closes it.
func setupLog(lc config.LogConfig, debug bool) (func() error, error) {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	path := lc.File
	if path == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}
	if path == logFileCache {
		if path, err = getLogFilePath(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	return f.Close, nil
}
