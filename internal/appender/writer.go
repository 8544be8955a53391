package appender

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// WriterAppender renders events through a layout onto an io.Writer.
type WriterAppender struct {
	name   string
	layout *hierarchy.Layout

	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

// NewWriterAppender creates an appender writing to w. closer, when not nil,
// is closed with the appender.
func NewWriterAppender(name string, layout *hierarchy.Layout, w io.Writer, closer io.Closer) *WriterAppender {
	return &WriterAppender{name: name, layout: layout, w: w, closer: closer}
}

// Name returns the appender name.
func (a *WriterAppender) Name() string {
	return a.name
}

// Append writes the rendered event.
func (a *WriterAppender) Append(ev *models.LoggingEvent) error {
	line := a.layout.Format(ev)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	_, err := io.WriteString(a.w, line)
	return err
}

// Close closes the underlying writer if it owns one.
func (a *WriterAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func newConsole(def models.Appender, _ *zap.SugaredLogger) (hierarchy.Appender, error) {
	p := params(def.Params)
	layout, err := p.layout()
	if err != nil {
		return nil, err
	}
	var w io.Writer
	switch target := p.str("target", "stdout"); target {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		return nil, fmt.Errorf("parameter \"target\" must be stdout or stderr, got %q", target)
	}
	return NewWriterAppender(def.Name, layout, w, nil), nil
}

// newFile builds a size-rolled file appender.
func newFile(def models.Appender, _ *zap.SugaredLogger) (hierarchy.Appender, error) {
	p := params(def.Params)
	path, err := p.required("path")
	if err != nil {
		return nil, err
	}
	layout, err := p.layout()
	if err != nil {
		return nil, err
	}
	maxSize, err := p.integer("max_size_mb", 100)
	if err != nil {
		return nil, err
	}
	maxBackups, err := p.integer("max_backups", 0)
	if err != nil {
		return nil, err
	}
	maxAge, err := p.integer("max_age_days", 0)
	if err != nil {
		return nil, err
	}
	compress, err := p.boolean("compress", false)
	if err != nil {
		return nil, err
	}

	roller := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   compress,
	}
	return NewWriterAppender(def.Name, layout, roller, roller), nil
}
