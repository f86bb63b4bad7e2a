// Package main provides the entry point for the wavecache CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/wavecache/internal/config"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	debug      bool
	memory     string

	v        = config.New()
	cfg      config.Config
	logClose = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "wavecache",
		Short: "Stream and cache wave data from disk",
		Long: paragraph(
			fmt.Sprintf("\nStream and cache %s from disk, within a memory budget.", keyword("wave data")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmd)
		},
	}
)

// initConfig reads the config file, applies flags and sets up logging.
func initConfig(cmd *cobra.Command) error {
	dirs, err := config.Dirs()
	if err != nil {
		return err
	}
	used, err := config.ReadInConfig(v, configFile, dirs)
	if err != nil {
		return err
	}
	if configFile == "" {
		configFile = used
	}

	if cfg, err = config.Load(v); err != nil {
		return err
	}
	if cmd.Flags().Changed("memory") {
		n, err := humanize.ParseBytes(memory)
		if err != nil {
			return fmt.Errorf("invalid --memory: %w", err)
		}
		cfg.Cache.MemoryBytes = int64(n) //nolint:gosec
	}

	closer, err := setupLog(cfg.Log, debug)
	if err != nil {
		return err
	}
	_ = logClose()
	logClose = closer
	log.Debug("Using configuration", "file", v.ConfigFileUsed(), "root", cfg.Root)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logClose()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default searched in the user config dirs)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")
	rootCmd.PersistentFlags().StringVarP(&memory, "memory", "m", "", "wave cache budget, e.g. 20MiB (0 for unlimited)")
	rootCmd.PersistentFlags().StringP("root", "r", ".", "directory holding the sound directory")
	rootCmd.PersistentFlags().IntP("workers", "w", 2, "loader goroutines (0 runs reads on the service loop)")
	rootCmd.PersistentFlags().Int("throttle", 0, "emulate slow media, bytes per second (0 disables)")

	// Config bindings
	_ = v.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = v.BindPFlag("loader.workers", rootCmd.PersistentFlags().Lookup("workers"))
	_ = v.BindPFlag("loader.read_bytes_per_second", rootCmd.PersistentFlags().Lookup("throttle"))

	rootCmd.AddCommand(streamCmd, loadCmd, playCmd, configCmd, manCmd)
}
