package pipeline

import (
	"fmt"
	"sync"
)

// ModelManager tracks loaded model resources by identity. Loading a whisper
// model or a vector index is expensive; the manager collapses concurrent
// loads and, with keep enabled, holds resources across pipeline runs so
// successive stages reuse them.
type ModelManager struct {
	mu      sync.Mutex
	keep    bool
	entries map[string]*modelEntry
}

type modelEntry struct {
	value any
	refs  int
	ready chan struct{}
	err   error
}

// NewModelManager returns a manager. With keep set, released resources stay
// resident until Evict or Close.
func NewModelManager(keep bool) *ModelManager {
	return &ModelManager{keep: keep, entries: make(map[string]*modelEntry)}
}

// Handle is a borrowed reference to a loaded resource.
type Handle struct {
	manager  *ModelManager
	identity string
	value    any
	once     sync.Once
}

// Value returns the loaded resource.
func (h *Handle) Value() any {
	return h.value
}

// Release returns the reference. Releasing twice is safe.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.manager.release(h.identity)
	})
}

// Acquire returns a handle to the resource, loading it with load on first
// use. Concurrent acquirers of the same identity share one load call.
func (m *ModelManager) Acquire(identity string, load func() (any, error)) (*Handle, error) {
	m.mu.Lock()
	entry, ok := m.entries[identity]
	if !ok {
		entry = &modelEntry{ready: make(chan struct{})}
		m.entries[identity] = entry
		entry.refs++
		m.mu.Unlock()

		value, err := load()
		entry.value, entry.err = value, err
		close(entry.ready)
		if err != nil {
			m.mu.Lock()
			delete(m.entries, identity)
			m.mu.Unlock()
			return nil, fmt.Errorf("load model %s: %w", identity, err)
		}
		return &Handle{manager: m, identity: identity, value: value}, nil
	}
	entry.refs++
	m.mu.Unlock()

	<-entry.ready
	if entry.err != nil {
		m.release(identity)
		return nil, fmt.Errorf("load model %s: %w", identity, entry.err)
	}
	return &Handle{manager: m, identity: identity, value: entry.value}, nil
}

func (m *ModelManager) release(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[identity]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 && !m.keep {
		delete(m.entries, identity)
	}
}

// Loaded returns the identities currently resident.
func (m *ModelManager) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for identity := range m.entries {
		out = append(out, identity)
	}
	return out
}

// Evict drops a resident resource regardless of the keep setting. In-flight
// handles keep their value; the next Acquire reloads.
func (m *ModelManager) Evict(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, identity)
}

// Close drops every resident resource.
func (m *ModelManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*modelEntry)
}
