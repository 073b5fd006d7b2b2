package pipeline

import (
	"maps"
	"sync"
)

// Meta is the per-run metadata shared by every stage of a pipeline. Stages may
// run on different goroutines, so all mutable fields sit behind accessors.
type Meta struct {
	// RunID and Pipeline are fixed when the run starts.
	RunID    string
	Pipeline string

	mu          sync.RWMutex
	source      string
	destination string
	digests     map[string]string
	tokens      int
	attrs       map[string]string
}

// NewMeta creates the metadata for one run.
func NewMeta(runID, pipeline string) *Meta {
	return &Meta{
		RunID:    runID,
		Pipeline: pipeline,
		digests:  make(map[string]string),
		attrs:    make(map[string]string),
	}
}

func (m *Meta) Source() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

func (m *Meta) SetSource(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = path
}

func (m *Meta) Destination() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destination
}

func (m *Meta) SetDestination(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destination = path
}

// SetDigest records the digest computed under name.
func (m *Meta) SetDigest(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.digests[name] = value
}

// Digests returns a copy of every recorded digest.
func (m *Meta) Digests() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.digests)
}

// AddTokens adds n to the run's token count.
func (m *Meta) AddTokens(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens += n
}

func (m *Meta) Tokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

// Set stores a free-form attribute.
func (m *Meta) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[key] = value
}

func (m *Meta) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.attrs[key]
	return v, ok
}

// Attrs returns a copy of every attribute.
func (m *Meta) Attrs() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.attrs)
}
