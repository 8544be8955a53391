// Package configurator rebuilds a logger hierarchy from a persisted project.
package configurator

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/appender"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// ConfigurationError reports a project definition that cannot be applied.
type ConfigurationError struct {
	Project  string
	Category string
	Appender string
	Reason   string
	Err      error
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "project %s", e.Project)
	if e.Category != "" {
		fmt.Fprintf(&b, ", category %s", e.Category)
	}
	if e.Appender != "" {
		fmt.Fprintf(&b, ", appender %s", e.Appender)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Configurator (re)builds a hierarchy from a project.
type Configurator interface {
	Configure(project *models.Project, h *hierarchy.Hierarchy) error
}

// ProjectConfigurator is the default Configurator.
type ProjectConfigurator struct {
	factory appender.Factory
	logger  *zap.SugaredLogger
}

// New creates a ProjectConfigurator that builds appenders through factory.
func New(factory appender.Factory, logger *zap.SugaredLogger) *ProjectConfigurator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProjectConfigurator{factory: factory, logger: logger}
}

// Configure validates project, builds its appenders and applies the resulting
// node table to h in one step. On any error h keeps its previous state and
// every appender built by this call is closed.
func (c *ProjectConfigurator) Configure(project *models.Project, h *hierarchy.Hierarchy) error {
	if err := Validate(project); err != nil {
		return err
	}

	built := make(map[string]hierarchy.Appender, len(project.Appenders))
	release := func() {
		for _, a := range built {
			_ = a.Close()
		}
	}

	// Only appenders referenced by some category are instantiated: an unused
	// definition must not open files or broker connections.
	for _, cat := range project.Categories {
		for _, name := range cat.AppenderNames {
			if _, ok := built[name]; ok {
				continue
			}
			def, _ := project.AppenderByName(name)
			a, err := c.factory.New(def)
			if err != nil {
				release()
				return &ConfigurationError{Project: project.Name, Category: cat.Name, Appender: name, Reason: "malformed appender", Err: err}
			}
			built[name] = a
		}
	}

	var root hierarchy.NodeSpec
	nodes := make([]hierarchy.NodeSpec, 0, len(project.Categories))
	for _, cat := range project.Categories {
		spec := hierarchy.NodeSpec{Name: cat.Name, Additive: cat.Additivity}
		if cat.Level != "" {
			lvl, _ := models.ParseLevel(cat.Level)
			spec.Level = &lvl
		}
		for _, name := range cat.AppenderNames {
			spec.Appenders = append(spec.Appenders, built[name])
		}
		if cat.IsRoot() {
			root = spec
			continue
		}
		nodes = append(nodes, spec)
	}

	h.Apply(root, nodes)
	c.logger.Infof("Configured hierarchy %s: %d categories, %d appenders", project.Name, len(project.Categories), len(built))
	return nil
}

// Validate checks the structural invariants of a project: unique appender
// and category names, parseable levels, and category references that resolve
// to appenders of the same project.
func Validate(project *models.Project) error {
	if project == nil {
		return &ConfigurationError{Reason: "project is nil"}
	}

	appenders := make(map[string]struct{}, len(project.Appenders))
	for _, a := range project.Appenders {
		if a.Name == "" {
			return &ConfigurationError{Project: project.Name, Reason: "appender with empty name"}
		}
		if _, dup := appenders[a.Name]; dup {
			return &ConfigurationError{Project: project.Name, Appender: a.Name, Reason: "duplicate appender name"}
		}
		appenders[a.Name] = struct{}{}
	}

	categories := make(map[string]struct{}, len(project.Categories))
	for _, cat := range project.Categories {
		if cat.Name == "" {
			return &ConfigurationError{Project: project.Name, Reason: "category with empty name"}
		}
		if _, dup := categories[cat.Name]; dup {
			return &ConfigurationError{Project: project.Name, Category: cat.Name, Reason: "duplicate category name"}
		}
		categories[cat.Name] = struct{}{}

		if cat.Level != "" {
			if _, err := models.ParseLevel(cat.Level); err != nil {
				return &ConfigurationError{Project: project.Name, Category: cat.Name, Reason: "invalid level", Err: err}
			}
		}
		for _, name := range cat.AppenderNames {
			if _, ok := appenders[name]; !ok {
				return &ConfigurationError{Project: project.Name, Category: cat.Name, Appender: name, Reason: "references an appender missing from the project"}
			}
		}
	}
	return nil
}

var _ Configurator = (*ProjectConfigurator)(nil)
