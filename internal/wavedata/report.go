package wavedata

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/wavecache/internal/wavecache"
)

// SpewLevel selects how much SpewMemoryUsage reports.
type SpewLevel int

const (
	// SpewBasic reports totals only
	SpewBasic SpewLevel = iota

	// SpewMusicNonStreaming adds whole file entries with "music" in the name
	SpewMusicNonStreaming

	// SpewNonStreaming adds every whole file entry
	SpewNonStreaming

	// SpewAll adds the buffer list broken down by allocation
	SpewAll
)

// String returns the string representation of the spew level.
func (l SpewLevel) String() string {
	switch l {
	case SpewBasic:
		return "basic"
	case SpewMusicNonStreaming:
		return "music"
	case SpewNonStreaming:
		return "nonstreaming"
	case SpewAll:
		return "all"
	default:
		return "unknown"
	}
}

// ParseSpewLevel parses the string form of a spew level.
func ParseSpewLevel(s string) (SpewLevel, error) {
	for l := SpewBasic; l <= SpewAll; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return SpewBasic, fmt.Errorf("unknown spew level %q", s)
}

// FileUsage is one whole file entry.
type FileUsage struct {
	Name     string
	Bytes    int64
	Resident bool
}

// BufferUsage is one entry of the buffer list.
type BufferUsage struct {
	Name  string
	Start int
	Bytes int
	Locks int
	Age   uint64
}

// MemoryUsage is a snapshot of the cache memory.
type MemoryUsage struct {
	Level SpewLevel

	// Wave cache
	Entries  int
	Bytes    int64
	MaxBytes int64 // wavecache.Unlimited when unbounded
	Percent  float64
	Files    []FileUsage

	// Pools
	StaticUsed      int
	StaticSize      int
	StreamBlocks    int
	StreamBlockSize int
	StreamPoolSize  int
	DeadBuffers     int

	// Buffer list, SpewAll only
	Pooled    []BufferUsage
	Standard  []BufferUsage
	Streaming []BufferUsage
}

// StreamBytes returns the bytes held by stream pool blocks.
func (m MemoryUsage) StreamBytes() int { return m.StreamBlocks * m.StreamBlockSize }

// SpewMemoryUsage logs a memory report at level and returns it.
func (c *DataCache) SpewMemoryUsage(level SpewLevel) MemoryUsage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return MemoryUsage{Level: level}
	}
	return c.spewMemoryUsage(level)
}

func (c *DataCache) spewMemoryUsage(level SpewLevel) MemoryUsage {
	usage := c.memoryUsage(level)

	for _, f := range usage.Files {
		size := "not resident"
		if f.Resident {
			size = humanize.IBytes(uint64(f.Bytes))
		}
		c.logger.Info("file", "size", size, "name", f.Name)
	}

	for _, group := range []struct {
		title   string
		buffers []BufferUsage
	}{
		{"pooled", usage.Pooled},
		{"standard", usage.Standard},
		{"stream", usage.Streaming},
	} {
		total := 0
		for _, b := range group.buffers {
			c.logger.Info(group.title+" buffer", "start", b.Start, "size", b.Bytes, "locks", b.Locks, "age", b.Age, "name", b.Name)
			total += b.Bytes
		}
		if level == SpewAll {
			c.logger.Info(group.title+" buffers", "used", humanize.IBytes(uint64(total)))
		}
	}

	capacity := "unlimited"
	if usage.MaxBytes != wavecache.Unlimited {
		capacity = fmt.Sprintf("%.2f%%", usage.Percent)
	}
	c.logger.Info("memory usage",
		"files", usage.Entries,
		"used", humanize.IBytes(uint64(usage.Bytes)),
		"capacity", capacity,
		"static", humanize.IBytes(uint64(usage.StaticUsed))+" of "+humanize.IBytes(uint64(usage.StaticSize)),
		"stream", humanize.IBytes(uint64(usage.StreamBytes()))+" of "+humanize.IBytes(uint64(usage.StreamPoolSize)),
		"stream_blocks", usage.StreamBlocks,
		"dead", usage.DeadBuffers)
	return usage
}

func (c *DataCache) memoryUsage(level SpewLevel) MemoryUsage {
	bytes, maxBytes := c.waves.Status()
	usage := MemoryUsage{
		Level:           level,
		Entries:         len(c.entries),
		Bytes:           bytes,
		MaxBytes:        maxBytes,
		StreamBlocks:    c.streamPool.Count(),
		StreamBlockSize: c.streamPool.BlockSize(),
		StreamPoolSize:  c.streamPool.Size(),
		DeadBuffers:     c.dead.Len(),
	}
	if maxBytes > 0 {
		usage.Percent = 100 * float64(bytes) / float64(maxBytes)
	}
	if c.staticPool != nil {
		usage.StaticUsed = c.staticPool.Used()
		usage.StaticSize = c.staticPool.Size()
	}

	if level != SpewBasic {
		for name, h := range c.entries {
			file := c.names.String(name)
			if level == SpewMusicNonStreaming && !strings.Contains(strings.ToLower(file), "music") {
				continue
			}
			f := FileUsage{Name: file}
			if w, ok := c.waves.GetNoTouch(h); ok {
				f.Bytes, f.Resident = w.Size(), true
			}
			usage.Files = append(usage.Files, f)
		}
		slices.SortFunc(usage.Files, func(a, b FileUsage) int { return cmp.Compare(a.Name, b.Name) })
	}

	if level == SpewAll {
		for key, handles := range c.buffers {
			for _, h := range handles {
				w, ok := c.waves.GetNoTouch(h)
				if !ok {
					continue
				}
				b := BufferUsage{
					Name:  w.FileName(),
					Start: key.startPos,
					Bytes: w.BufferBytes(),
					Locks: c.waves.LockCount(h),
					Age:   c.waves.AgeStamp(h),
				}
				switch {
				case w.transient:
					usage.Streaming = append(usage.Streaming, b)
				case w.staticPooled:
					usage.Pooled = append(usage.Pooled, b)
				default:
					usage.Standard = append(usage.Standard, b)
				}
			}
		}
		for _, list := range [][]BufferUsage{usage.Pooled, usage.Standard, usage.Streaming} {
			slices.SortFunc(list, compareBuffers)
		}
	}
	return usage
}

func compareBuffers(a, b BufferUsage) int {
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Start, b.Start)
}
