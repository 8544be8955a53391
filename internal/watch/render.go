package watch

import (
	"bytes"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// renderSink is the only appender of a subscription's private hierarchy. It
// formats accepted events into buf for the feed to write out.
type renderSink struct {
	layout *hierarchy.Layout
	buf    bytes.Buffer
}

func (r *renderSink) Name() string { return "watch" }

func (r *renderSink) Append(ev *models.LoggingEvent) error {
	r.buf.WriteString(r.layout.Format(ev))
	return nil
}

func (r *renderSink) Close() error { return nil }

// filterEnv is what a filter expression sees.
type filterEnv struct {
	Logger  string         `expr:"logger"`
	Level   string         `expr:"level"`
	Message string         `expr:"message"`
	Thread  string         `expr:"thread"`
	Context map[string]any `expr:"ctx"`
}

func compileFilter(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return program, nil
}

func matches(program *vm.Program, ev *models.LoggingEvent) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, err := expr.Run(program, filterEnv{
		Logger:  ev.Logger,
		Level:   ev.Level.String(),
		Message: ev.Message,
		Thread:  ev.Thread,
		Context: ev.Context,
	})
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
