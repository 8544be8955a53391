package producer

import (
	"context"
	"errors"
	"sync"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// MockProducer records published notices in memory.
type MockProducer struct {
	mu      sync.Mutex
	notices []*models.ChangeNotice
	closed  bool

	// Sink, when set, receives every published notice. Used to wire a mock
	// producer straight into a mock consumer.
	Sink chan<- *models.ChangeNotice
}

// NewMockProducer creates an empty MockProducer.
func NewMockProducer() *MockProducer {
	return &MockProducer{}
}

// Publish records notice.
func (m *MockProducer) Publish(ctx context.Context, notice *models.ChangeNotice) error {
	return m.PublishBatch(ctx, []*models.ChangeNotice{notice})
}

// PublishBatch records notices.
func (m *MockProducer) PublishBatch(ctx context.Context, notices []*models.ChangeNotice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("producer closed")
	}
	m.notices = append(m.notices, notices...)
	for _, n := range notices {
		if m.Sink != nil {
			select {
			case m.Sink <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Notices returns a copy of everything published so far.
func (m *MockProducer) Notices() []*models.ChangeNotice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ChangeNotice(nil), m.notices...)
}

// Close marks the producer closed.
func (m *MockProducer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var _ Producer = (*MockProducer)(nil)
