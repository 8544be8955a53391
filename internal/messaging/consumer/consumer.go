package consumer

import (
	"context"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// Consumer defines the interface for change notice consumers.
type Consumer interface {
	// Consume blocks until a notice is received or the context is cancelled.
	// It returns the notice, an acknowledgement callback, and any error that occurred.
	// The ack callback: ack(true) once the notice was applied (offset is committed);
	// ack(false) for temporary failure (notice will be redelivered).
	Consume(ctx context.Context) (notice *models.ChangeNotice, ack func(success bool), err error)

	// Close gracefully shuts down the consumer connection.
	Close() error
}
