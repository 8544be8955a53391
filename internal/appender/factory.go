// Package appender builds concrete output handlers from persisted appender
// definitions.
package appender

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// Type names an appender implementation.
type Type string

const (
	Console Type = "console"
	File    Type = "file"
	Kafka   Type = "kafka"
	Memory  Type = "memory"
	Null    Type = "null"
)

// ErrUnsupportedType is returned for an appender type with no constructor.
var ErrUnsupportedType = errors.New("unsupported appender type")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("appender closed")

// Constructor builds an appender from its definition.
type Constructor func(def models.Appender, logger *zap.SugaredLogger) (hierarchy.Appender, error)

// Factory creates appenders by type.
type Factory interface {
	New(def models.Appender) (hierarchy.Appender, error)
}

// Registry is the default Factory: a table of constructors keyed by type.
type Registry struct {
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	ctors map[Type]Constructor
}

// NewRegistry returns a registry with every built-in type registered.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{logger: logger, ctors: make(map[Type]Constructor)}
	r.Register(Console, newConsole)
	r.Register(File, newFile)
	r.Register(Kafka, newKafka)
	r.Register(Memory, func(def models.Appender, _ *zap.SugaredLogger) (hierarchy.Appender, error) {
		return newMemory(def)
	})
	r.Register(Null, func(def models.Appender, _ *zap.SugaredLogger) (hierarchy.Appender, error) {
		return &NullAppender{name: def.Name}, nil
	})
	return r
}

// Register adds or replaces the constructor for t.
func (r *Registry) Register(t Type, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[t] = ctor
}

// New creates an appender for def.
func (r *Registry) New(def models.Appender) (hierarchy.Appender, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[Type(strings.ToLower(def.Type))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, def.Type)
	}
	a, err := ctor(def, r.logger.With("appender", def.Name))
	if err != nil {
		return nil, fmt.Errorf("appender %s (%s): %w", def.Name, def.Type, err)
	}
	return a, nil
}

var _ Factory = (*Registry)(nil)

// params wraps an appender's parameter bag with typed accessors.
type params map[string]string

func (p params) str(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

func (p params) required(key string) (string, error) {
	v := p[key]
	if v == "" {
		return "", fmt.Errorf("parameter %q is required", key)
	}
	return v, nil
}

func (p params) integer(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parameter %q must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func (p params) boolean(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parameter %q must be a boolean, got %q", key, v)
	}
	return b, nil
}

func (p params) layout() (*hierarchy.Layout, error) {
	return hierarchy.ParseLayout(p["layout"])
}

// NullAppender discards every event.
type NullAppender struct {
	name string
}

func (n *NullAppender) Name() string { return n.name }

func (n *NullAppender) Append(*models.LoggingEvent) error { return nil }

func (n *NullAppender) Close() error { return nil }
