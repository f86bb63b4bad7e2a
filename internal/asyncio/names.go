package asyncio

import (
	"path"
	"strings"
	"sync"
)

// FileName is an interned file name. The zero value is not a name.
type FileName uint32

// NameTable interns file names so they can be compared and stored as small
// integers.
type NameTable struct {
	mu    sync.RWMutex
	ids   map[string]FileName
	names []string
}

// NewNameTable creates an empty table.
func NewNameTable() *NameTable {
	return &NameTable{
		ids:   make(map[string]FileName),
		names: []string{""},
	}
}

// FindOrAdd returns the id for name, adding it when it is new.
func (t *NameTable) FindOrAdd(name string) FileName {
	name = normalizeName(name)
	if name == "" {
		return 0
	}

	t.mu.RLock()
	id, ok := t.ids[name]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Check again in case another goroutine added it
	if id, ok := t.ids[name]; ok {
		return id
	}
	id = FileName(len(t.names))
	t.names = append(t.names, name)
	t.ids[name] = id
	return id
}

// Find returns the id for name without adding it.
func (t *NameTable) Find(name string) (FileName, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[normalizeName(name)]
	return id, ok
}

// String returns the name for id, or "" for an unknown id.
func (t *NameTable) String(id FileName) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// Len returns the number of interned names.
func (t *NameTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names) - 1
}

func normalizeName(name string) string {
	if name == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(name, `\`, "/"))
}
