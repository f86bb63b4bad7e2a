package wavedata

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid wave cache configuration")

const (
	// DefaultMemoryBytes is the default budget for resident wave data
	DefaultMemoryBytes = 20 * 1024 * 1024

	// DefaultStreamBufferSize is the block size of the stream pool
	DefaultStreamBufferSize = 64 * 1024

	// DefaultStreamPoolBytes is the size of the stream pool
	DefaultStreamPoolBytes = 4 * 1024 * 1024

	// DefaultStaticPoolBytes is the size of the static (level lifetime) pool
	DefaultStaticPoolBytes = 9 * 1024 * 1024

	// DefaultSectorSize is the read alignment for slow media
	DefaultSectorSize = 2048

	// MaxStreamBuffers is the largest buffer window a stream may use
	MaxStreamBuffers = 4
)

// Config holds the cache configuration.
type Config struct {
	// MemoryBytes is the budget passed to Init by the CLI
	MemoryBytes int64 `yaml:"memory_bytes" mapstructure:"memory_bytes"`

	// MinMemoryBytes is the smallest budget Init accepts; smaller non-zero
	// budgets are raised to it
	MinMemoryBytes int64 `yaml:"min_memory_bytes" mapstructure:"min_memory_bytes"`

	// StreamBufferSize is the fixed block size of transient stream buffers
	StreamBufferSize int `yaml:"stream_buffer_size" mapstructure:"stream_buffer_size"`

	// StreamPoolBytes is the total size of the stream pool
	StreamPoolBytes int `yaml:"stream_pool_bytes" mapstructure:"stream_pool_bytes"`

	// StaticPoolBytes is the size of the static pool, 0 to disable it
	StaticPoolBytes int `yaml:"static_pool_bytes" mapstructure:"static_pool_bytes"`

	// SectorSize aligns reads of streams flagged as coming from slow media
	SectorSize int `yaml:"sector_size" mapstructure:"sector_size"`

	// ReadAlignment aligns whole file loads
	ReadAlignment int `yaml:"read_alignment" mapstructure:"read_alignment"`

	// SoundDir is prepended to every file name
	SoundDir string `yaml:"sound_dir" mapstructure:"sound_dir"`

	// PathID selects the loader mount
	PathID string `yaml:"path_id" mapstructure:"path_id"`

	// AbortOnDestroy aborts queued reads of destroyed buffers instead of
	// finishing them
	AbortOnDestroy bool `yaml:"abort_on_destroy" mapstructure:"abort_on_destroy"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MemoryBytes:      DefaultMemoryBytes,
		MinMemoryBytes:   DefaultMemoryBytes,
		StreamBufferSize: DefaultStreamBufferSize,
		StreamPoolBytes:  DefaultStreamPoolBytes,
		StaticPoolBytes:  DefaultStaticPoolBytes,
		SectorSize:       DefaultSectorSize,
		ReadAlignment:    1,
		SoundDir:         "sound",
		PathID:           "GAME",
		AbortOnDestroy:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.StreamBufferSize <= 0 {
		return fmt.Errorf("%w: stream_buffer_size must be positive, got %d", ErrInvalidConfig, c.StreamBufferSize)
	}
	if c.StreamPoolBytes < c.StreamBufferSize {
		return fmt.Errorf("%w: stream_pool_bytes (%d) must hold at least one %d byte block",
			ErrInvalidConfig, c.StreamPoolBytes, c.StreamBufferSize)
	}
	if c.StreamPoolBytes%c.StreamBufferSize != 0 {
		return fmt.Errorf("%w: stream_pool_bytes (%d) must be a multiple of stream_buffer_size (%d)",
			ErrInvalidConfig, c.StreamPoolBytes, c.StreamBufferSize)
	}
	if c.StaticPoolBytes < 0 {
		return fmt.Errorf("%w: static_pool_bytes must not be negative", ErrInvalidConfig)
	}
	if c.SectorSize <= 0 || c.ReadAlignment <= 0 {
		return fmt.Errorf("%w: sector_size and read_alignment must be positive", ErrInvalidConfig)
	}
	if c.StreamBufferSize%c.SectorSize != 0 {
		return fmt.Errorf("%w: stream_buffer_size (%d) must be a multiple of sector_size (%d)",
			ErrInvalidConfig, c.StreamBufferSize, c.SectorSize)
	}
	return nil
}

// DiagnosticsConfig holds the development toggles.
type DiagnosticsConfig struct {
	// SpewBlocking logs forced blocking reads (1) and every completed read (2)
	SpewBlocking int `yaml:"spew_blocking" mapstructure:"spew_blocking" env:"SPEW_BLOCKING"`

	// StreamSpew logs stream buffer timing (1) and shared buffer hits (2)
	StreamSpew int `yaml:"stream_spew" mapstructure:"stream_spew" env:"STREAM_SPEW"`

	// StreamFail logs stream pool exhaustion
	StreamFail bool `yaml:"stream_fail" mapstructure:"stream_fail" env:"STREAM_FAIL"`

	// StreamPurges logs every LRU eviction
	StreamPurges bool `yaml:"stream_purges" mapstructure:"stream_purges" env:"STREAM_PURGES"`

	// StaticAlloc logs static pool usage on every static allocation
	StaticAlloc bool `yaml:"static_alloc" mapstructure:"static_alloc" env:"STATIC_ALLOC"`

	// RecoverFromExhaustedStream repeats the last frame instead of
	// inserting silence when a stream reader starves
	RecoverFromExhaustedStream bool `yaml:"recover_from_exhausted_stream" mapstructure:"recover_from_exhausted_stream" env:"RECOVER_FROM_EXHAUSTED_STREAM"`
}

// Diagnostics holds the toggles so they can be changed while the cache runs.
type Diagnostics struct {
	spewBlocking atomic.Int32
	streamSpew   atomic.Int32
	streamFail   atomic.Bool
	streamPurges atomic.Bool
	staticAlloc  atomic.Bool
	recover      atomic.Bool
}

// NewDiagnostics creates toggles set from cfg.
func NewDiagnostics(cfg DiagnosticsConfig) *Diagnostics {
	d := &Diagnostics{}
	d.Set(cfg)
	return d
}

// Set replaces every toggle.
func (d *Diagnostics) Set(cfg DiagnosticsConfig) {
	d.spewBlocking.Store(int32(cfg.SpewBlocking))
	d.streamSpew.Store(int32(cfg.StreamSpew))
	d.streamFail.Store(cfg.StreamFail)
	d.streamPurges.Store(cfg.StreamPurges)
	d.staticAlloc.Store(cfg.StaticAlloc)
	d.recover.Store(cfg.RecoverFromExhaustedStream)
}

// Snapshot returns the current toggles.
func (d *Diagnostics) Snapshot() DiagnosticsConfig {
	return DiagnosticsConfig{
		SpewBlocking:               d.SpewBlocking(),
		StreamSpew:                 d.StreamSpew(),
		StreamFail:                 d.StreamFail(),
		StreamPurges:               d.StreamPurges(),
		StaticAlloc:                d.StaticAlloc(),
		RecoverFromExhaustedStream: d.RecoverFromExhaustedStream(),
	}
}

// SpewBlocking returns the blocking read log level.
func (d *Diagnostics) SpewBlocking() int { return int(d.spewBlocking.Load()) }

// StreamSpew returns the per copy stream log level.
func (d *Diagnostics) StreamSpew() int { return int(d.streamSpew.Load()) }

// StreamFail reports whether stream pool exhaustion is logged.
func (d *Diagnostics) StreamFail() bool { return d.streamFail.Load() }

// StreamPurges reports whether purged entries are logged.
func (d *Diagnostics) StreamPurges() bool { return d.streamPurges.Load() }

// StaticAlloc reports whether static pool allocations are logged.
func (d *Diagnostics) StaticAlloc() bool { return d.staticAlloc.Load() }

// RecoverFromExhaustedStream reports whether a starved stream reader repeats
// the last frame instead of inserting silence.
func (d *Diagnostics) RecoverFromExhaustedStream() bool { return d.recover.Load() }
