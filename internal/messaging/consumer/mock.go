package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// MockConsumer delivers notices pushed through its channel.
type MockConsumer struct {
	notices chan *models.ChangeNotice

	mu    sync.Mutex
	acked map[string]bool
}

// NewMockConsumer creates a MockConsumer with the given buffer size.
func NewMockConsumer(buffer int) *MockConsumer {
	return &MockConsumer{
		notices: make(chan *models.ChangeNotice, buffer),
		acked:   make(map[string]bool),
	}
}

// Input returns the channel feeding Consume.
func (m *MockConsumer) Input() chan<- *models.ChangeNotice {
	return m.notices
}

// Consume returns the next pushed notice.
func (m *MockConsumer) Consume(ctx context.Context) (*models.ChangeNotice, func(success bool), error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case notice, ok := <-m.notices:
		if !ok {
			return nil, nil, errors.New("notice channel closed")
		}
		ack := func(success bool) {
			m.mu.Lock()
			m.acked[notice.ID] = success
			m.mu.Unlock()
		}
		return notice, ack, nil
	}
}

// Acked reports the acknowledgement recorded for a notice id.
func (m *MockConsumer) Acked(id string) (success, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	success, ok = m.acked[id]
	return success, ok
}

// Close closes the notice channel.
func (m *MockConsumer) Close() error {
	close(m.notices)
	return nil
}

var _ Consumer = (*MockConsumer)(nil)
