// Package config loads the wavecache configuration from YAML files, the
// environment and command line flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/wavecache/internal/asyncio"
	"github.com/dgnsrekt/wavecache/internal/wavedata"
)

const (
	// Name is the application name used for config and cache directories
	Name = "wavecache"

	// EnvPrefix prefixes every environment override
	EnvPrefix = "WAVECACHE"

	// FileName is the config file name without extension
	FileName = "wavecache"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete configuration.
type Config struct {
	// Root is the directory mounted under the cache path id
	Root string `yaml:"root" mapstructure:"root"`

	Cache       wavedata.Config            `yaml:"cache" mapstructure:"cache"`
	Loader      asyncio.Config             `yaml:"loader" mapstructure:"loader"`
	Diagnostics wavedata.DiagnosticsConfig `yaml:"diagnostics" mapstructure:"diagnostics"`
	Log         LogConfig                  `yaml:"log" mapstructure:"log"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" mapstructure:"level"`

	// File receives the log instead of stderr when set
	File string `yaml:"file" mapstructure:"file"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Root:   ".",
		Cache:  wavedata.DefaultConfig(),
		Loader: asyncio.DefaultConfig(),
		Log:    LogConfig{Level: "info"},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if c.Loader.Workers < 0 {
		return fmt.Errorf("%w: loader.workers must not be negative, got %d", ErrInvalidConfig, c.Loader.Workers)
	}
	if c.Loader.ReadBytesPerSecond < 0 || c.Loader.ReadBurstBytes < 0 {
		return fmt.Errorf("%w: loader throttle must not be negative", ErrInvalidConfig)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalidConfig, err)
	}
	if c.Root == "" {
		return fmt.Errorf("%w: root must not be empty", ErrInvalidConfig)
	}
	return nil
}

// SetDefaults registers every key with its default so file values, env
// variables and flags can override it.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("root", d.Root)

	v.SetDefault("cache.memory_bytes", d.Cache.MemoryBytes)
	v.SetDefault("cache.min_memory_bytes", d.Cache.MinMemoryBytes)
	v.SetDefault("cache.stream_buffer_size", d.Cache.StreamBufferSize)
	v.SetDefault("cache.stream_pool_bytes", d.Cache.StreamPoolBytes)
	v.SetDefault("cache.static_pool_bytes", d.Cache.StaticPoolBytes)
	v.SetDefault("cache.sector_size", d.Cache.SectorSize)
	v.SetDefault("cache.read_alignment", d.Cache.ReadAlignment)
	v.SetDefault("cache.sound_dir", d.Cache.SoundDir)
	v.SetDefault("cache.path_id", d.Cache.PathID)
	v.SetDefault("cache.abort_on_destroy", d.Cache.AbortOnDestroy)

	v.SetDefault("loader.workers", d.Loader.Workers)
	v.SetDefault("loader.read_bytes_per_second", d.Loader.ReadBytesPerSecond)
	v.SetDefault("loader.read_burst_bytes", d.Loader.ReadBurstBytes)

	v.SetDefault("diagnostics.spew_blocking", 0)
	v.SetDefault("diagnostics.stream_spew", 0)
	v.SetDefault("diagnostics.stream_fail", false)
	v.SetDefault("diagnostics.stream_purges", false)
	v.SetDefault("diagnostics.static_alloc", false)
	v.SetDefault("diagnostics.recover_from_exhausted_stream", false)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
}

// New returns a viper instance with the defaults registered and
// WAVECACHE_SECTION_KEY environment overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load decodes v into a Config. Diagnostic toggles can additionally be
// flipped with short variables such as WAVECACHE_STREAM_SPEW.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unable to decode configuration: %w", err)
	}

	diag, err := diagnosticsFromEnv(cfg.Diagnostics)
	if err != nil {
		return cfg, err
	}
	cfg.Diagnostics = diag

	if cfg.Root, err = homedir.Expand(cfg.Root); err != nil {
		return cfg, fmt.Errorf("unable to expand root: %w", err)
	}
	if cfg.Log.File, err = homedir.Expand(cfg.Log.File); err != nil {
		return cfg, fmt.Errorf("unable to expand log file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func diagnosticsFromEnv(d wavedata.DiagnosticsConfig) (wavedata.DiagnosticsConfig, error) {
	if err := env.ParseWithOptions(&d, env.Options{Prefix: EnvPrefix + "_"}); err != nil {
		return d, fmt.Errorf("error parsing diagnostics environment: %w", err)
	}
	return d, nil
}

// Dirs returns the directories searched for the config file, most specific
// first.
func Dirs() ([]string, error) {
	scope := gap.NewScope(gap.User, Name)
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return nil, fmt.Errorf("could not find configuration directory: %w", err)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, Name)}, dirs...)
	}
	if c := os.Getenv(EnvPrefix + "_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	return dirs, nil
}

// ReadInConfig reads the config file from file, or searches dirs when file
// is empty. A missing file is not an error; the path a default file should
// be written to is returned instead.
func ReadInConfig(v *viper.Viper, file string, dirs []string) (string, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		for _, d := range dirs {
			v.AddConfigPath(d)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("could not parse configuration file: %w", err)
		}
	}

	if used := v.ConfigFileUsed(); used != "" {
		return used, nil
	}
	if file != "" {
		return file, nil
	}
	if len(dirs) == 0 {
		return "", nil
	}
	return filepath.Join(dirs[0], FileName+".yml"), nil
}

// DefaultYAML renders the default configuration as a commented YAML file.
func DefaultYAML() ([]byte, error) {
	body, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("unable to render default configuration: %w", err)
	}
	header := "# wavecache configuration\n" +
		"# Sizes are in bytes. Every key can be overridden with " + EnvPrefix + "_SECTION_KEY.\n"
	return append([]byte(header), body...), nil
}
