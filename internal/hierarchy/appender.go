package hierarchy

import "github.com/tusury/vt-middleware-sub006/internal/models"

// Appender is an output sink attached to one or more hierarchy nodes.
// Implementations must be safe for concurrent Append calls: several sessions
// of the same project dispatch through the same appenders.
type Appender interface {
	// Name returns the configured appender name, unique within a project.
	Name() string

	// Append writes one event. Errors are reported to the hierarchy's error
	// handler and never stop dispatch to other appenders.
	Append(ev *models.LoggingEvent) error

	// Close releases the appender's resources. Append after Close returns an error.
	Close() error
}
