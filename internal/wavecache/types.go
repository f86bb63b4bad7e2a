package wavecache

import (
	"fmt"

	"github.com/charmbracelet/log"
)

// Unlimited disables the byte budget.
const Unlimited int64 = -1

// Flags modify Create.
type Flags int

const (
	// CreateLocked inserts the entry with a lock count of one
	CreateLocked Flags = 1 << iota
)

// Resource is anything the cache can own.
type Resource interface {
	// Size is the number of bytes charged against the budget. It is read
	// once at insertion.
	Size() int64

	// Destroy releases the resource. It is called with the cache locked.
	Destroy()
}

// Handle refers to a cache entry. The zero value never refers to an entry,
// and a handle goes stale once its entry is removed.
type Handle struct {
	index uint32
	gen   uint32
}

// IsValid reports whether h was issued by a cache. A valid handle may still
// be stale.
func (h Handle) IsValid() bool { return h.gen != 0 }

// String returns a printable form of the handle.
func (h Handle) String() string {
	if !h.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

// EntryInfo describes an entry during Range.
type EntryInfo struct {
	Handle Handle
	Size   int64
	Locks  int
	Age    uint64
}

// Stats holds cache metrics
type Stats struct {
	// Configuration
	MaxBytes int64 // Budget, Unlimited when not enforced

	// Current state
	Bytes    int64 // Bytes charged by live entries
	Entries  int   // Live entries
	Unlocked int   // Entries eligible for eviction

	// Performance metrics
	Hits           int64 // Successful lookups
	Misses         int64 // Lookups of stale or invalid handles
	Creates        int64 // Entries inserted
	CreateFailures int64 // Creates refused by budget or factory
	Evictions      int64 // Entries removed by Purge
	Purges         int64 // Purge passes
	BytesPurged    int64 // Bytes freed by Purge
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger     *log.Logger
	spewPurges func() bool
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPurgeSpew logs every eviction while enabled returns true.
func WithPurgeSpew(enabled func() bool) Option {
	return func(o *options) {
		o.spewPurges = enabled
	}
}
