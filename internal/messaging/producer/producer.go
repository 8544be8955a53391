package producer

import (
	"context"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// Producer defines the interface for change notice producers
type Producer interface {
	// Publish sends a single change notice
	Publish(ctx context.Context, notice *models.ChangeNotice) error

	// PublishBatch sends change notices in one write
	PublishBatch(ctx context.Context, notices []*models.ChangeNotice) error

	// Close closes the producer connection
	Close() error
}
