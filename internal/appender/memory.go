package appender

import (
	"sync"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// MemoryAppender keeps the most recent events in a ring. Used for the
// status page tail and in tests.
type MemoryAppender struct {
	name string

	mu       sync.Mutex
	ring     []*models.LoggingEvent
	next     int
	total    int
	closed   bool
	capacity int
}

// NewMemoryAppender creates a memory appender holding up to capacity events.
func NewMemoryAppender(name string, capacity int) *MemoryAppender {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryAppender{name: name, ring: make([]*models.LoggingEvent, capacity), capacity: capacity}
}

func newMemory(def models.Appender) (*MemoryAppender, error) {
	capacity, err := params(def.Params).integer("capacity", 1000)
	if err != nil {
		return nil, err
	}
	return NewMemoryAppender(def.Name, capacity), nil
}

// Name returns the appender name.
func (m *MemoryAppender) Name() string {
	return m.name
}

// Append stores ev, overwriting the oldest event when full.
func (m *MemoryAppender) Append(ev *models.LoggingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.ring[m.next] = ev
	m.next = (m.next + 1) % m.capacity
	m.total++
	return nil
}

// Events returns the retained events, oldest first.
func (m *MemoryAppender) Events() []*models.LoggingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.total
	if n > m.capacity {
		n = m.capacity
	}
	out := make([]*models.LoggingEvent, 0, n)
	start := (m.next - n + m.capacity) % m.capacity
	for i := 0; i < n; i++ {
		out = append(out, m.ring[(start+i)%m.capacity])
	}
	return out
}

// Total returns the number of events appended since creation.
func (m *MemoryAppender) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Closed reports whether Close was called.
func (m *MemoryAppender) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops accepting events.
func (m *MemoryAppender) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
