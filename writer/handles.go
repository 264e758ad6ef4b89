package writer

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ErrHandleClosed is returned when writing to a handle closed by shutdown.
var ErrHandleClosed = errors.New("file handle closed")

// Handle is the open segment file of one symbol stream.
type Handle struct {
	Symbol string
	Kind   string
	Suffix string
	Path   string
	Opened time.Time

	mu     sync.Mutex
	file   *os.File
	lines  int64
	closed bool
}

func openHandle(symbol, kind, suffix, path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	return &Handle{
		Symbol: symbol,
		Kind:   kind,
		Suffix: suffix,
		Path:   path,
		Opened: time.Now(),
		file:   f,
	}, nil
}

// WriteLine appends line plus a newline in a single write so every record
// reaches the file as soon as it is accepted.
func (h *Handle) WriteLine(line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if _, err := h.file.Write(buf); err != nil {
		return err
	}
	h.lines++
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	syncErr := h.file.Sync()
	if err := h.file.Close(); err != nil {
		return err
	}
	return syncErr
}

// Lines returns how many records were written through this handle.
func (h *Handle) Lines() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lines
}

// HandleInfo is a read-only view of an open handle.
type HandleInfo struct {
	Symbol string    `json:"symbol"`
	Kind   string    `json:"kind"`
	Suffix string    `json:"suffix"`
	Path   string    `json:"path"`
	Opened time.Time `json:"opened"`
	Lines  int64     `json:"lines"`
}

// HandleMap tracks the live handle of every persistence worker. Workers own
// their entries; the shutdown routine only reads and closes them.
type HandleMap struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewHandleMap() *HandleMap {
	return &HandleMap{handles: make(map[string]*Handle)}
}

func handleKey(kind, symbol string) string { return kind + "/" + symbol }

func (m *HandleMap) set(h *Handle) {
	m.mu.Lock()
	m.handles[handleKey(h.Kind, h.Symbol)] = h
	m.mu.Unlock()
}

func (m *HandleMap) remove(h *Handle) {
	m.mu.Lock()
	key := handleKey(h.Kind, h.Symbol)
	if m.handles[key] == h {
		delete(m.handles, key)
	}
	m.mu.Unlock()
}

// Get returns the live handle of a symbol stream, if any.
func (m *HandleMap) Get(kind, symbol string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleKey(kind, symbol)]
	return h, ok
}

// Snapshot lists open handles sorted by kind and symbol.
func (m *HandleMap) Snapshot() []HandleInfo {
	m.mu.Lock()
	list := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		list = append(list, h)
	}
	m.mu.Unlock()

	out := make([]HandleInfo, 0, len(list))
	for _, h := range list {
		out = append(out, HandleInfo{
			Symbol: h.Symbol,
			Kind:   h.Kind,
			Suffix: h.Suffix,
			Path:   h.Path,
			Opened: h.Opened,
			Lines:  h.Lines(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// CloseAll flushes and closes every live handle and returns the first error.
func (m *HandleMap) CloseAll() error {
	m.mu.Lock()
	list := make([]*Handle, 0, len(m.handles))
	for key, h := range m.handles {
		list = append(list, h)
		delete(m.handles, key)
	}
	m.mu.Unlock()

	var first error
	for _, h := range list {
		if err := h.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", h.Path, err)
		}
	}
	return first
}
