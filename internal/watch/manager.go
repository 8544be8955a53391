package watch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// ErrInvalidRequest wraps every problem with a viewer's request.
var ErrInvalidRequest = errors.New("invalid watch request")

// Request selects what a viewer wants to see. Empty CategoryIDs means every
// category; an empty Level keeps each category's configured level.
type Request struct {
	Project     string
	CategoryIDs []int64
	Level       string
	Layout      string
	Filter      string
}

// ProjectFinder loads project definitions.
type ProjectFinder interface {
	FindProject(ctx context.Context, name string) (*models.Project, error)
}

// Source attaches subscriptions to the live sessions of a project.
type Source interface {
	// AttachWatch adds sub to every current session of project and returns
	// how many sessions it was added to.
	AttachWatch(project string, sub *Subscription) int
	// DetachWatch removes sub from every session holding it.
	DetachWatch(sub *Subscription)
}

// Manager creates and tears down subscriptions.
type Manager struct {
	finder  ProjectFinder
	source  Source
	cfg     config.WatchConfig
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

// NewManager creates a Manager. m may be nil.
func NewManager(finder ProjectFinder, source Source, cfg config.WatchConfig, logger *zap.SugaredLogger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{finder: finder, source: source, cfg: cfg, logger: logger, metrics: m}
}

// Attach validates req, builds the viewer's private hierarchy and registers a
// new subscription with every session of the project.
func (m *Manager) Attach(ctx context.Context, req Request) (*Subscription, error) {
	if req.Project == "" {
		return nil, fmt.Errorf("%w: project is required", ErrInvalidRequest)
	}
	project, err := m.finder.FindProject(ctx, req.Project)
	if err != nil {
		return nil, err
	}

	pattern := req.Layout
	if pattern == "" {
		pattern = m.cfg.DefaultLayout
	}
	layout, err := hierarchy.ParseLayout(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	var override *models.Level
	if req.Level != "" {
		lvl, err := models.ParseLevel(req.Level)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		override = &lvl
	}
	filter, err := compileFilter(req.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sink := &renderSink{layout: layout}
	root, nodes, err := routing(project, req.CategoryIDs, override, sink)
	if err != nil {
		return nil, err
	}
	router := hierarchy.New("watch:"+project.Name, m.logger)
	router.Apply(root, nodes)

	sub := newSubscription(uuid.NewString(), project.Name, m.cfg.QueueSize, m.metrics)
	sub.router = router
	sub.sink = sink
	sub.filter = filter

	n := m.source.AttachWatch(project.Name, sub)
	m.metrics.WatchSubscriptions.Inc()
	m.logger.Infof("Watch %s attached to %d sessions of project %s", sub.ID, n, project.Name)
	return sub, nil
}

// Detach removes sub from every session and ends it.
func (m *Manager) Detach(sub *Subscription) {
	m.source.DetachWatch(sub)
	sub.Close()
	m.metrics.WatchSubscriptions.Dec()
	m.logger.Infof("Watch %s detached, %d events dropped", sub.ID, sub.Dropped())
}

// NewFeed returns the render loop for sub.
func (m *Manager) NewFeed(sub *Subscription) *Feed {
	return &Feed{sub: sub, pollTimeout: m.cfg.PollTimeout, logger: m.logger}
}

// routing builds the private node table: every selected category, or the
// whole project when none is selected, routes to sink.
func routing(project *models.Project, ids []int64, override *models.Level, sink hierarchy.Appender) (hierarchy.NodeSpec, []hierarchy.NodeSpec, error) {
	levelOf := func(c models.Category) *models.Level {
		if override != nil {
			return override
		}
		if c.Level == "" {
			return nil
		}
		lvl, err := models.ParseLevel(c.Level)
		if err != nil {
			return nil
		}
		return &lvl
	}

	if len(ids) == 0 {
		root := hierarchy.NodeSpec{Additive: true, Appenders: []hierarchy.Appender{sink}}
		var nodes []hierarchy.NodeSpec
		for _, c := range project.Categories {
			if c.IsRoot() {
				root.Level = levelOf(c)
				continue
			}
			nodes = append(nodes, hierarchy.NodeSpec{Name: c.Name, Level: levelOf(c), Additive: true})
		}
		if override != nil {
			root.Level = override
		}
		return root, nodes, nil
	}

	// A selected category without a level keeps the level it inherits in
	// the project.
	levels := projectLevels(project)

	// Unselected loggers fall through to a silent root.
	off := models.LevelOff
	root := hierarchy.NodeSpec{Level: &off, Additive: true}
	var nodes []hierarchy.NodeSpec
	for _, id := range ids {
		c, ok := project.CategoryByID(id)
		if !ok {
			return root, nil, fmt.Errorf("%w: project %s has no category %d", ErrInvalidRequest, project.Name, id)
		}
		lvl := levelOf(c)
		if lvl == nil {
			inherited := levels.EffectiveLevel(c.Name)
			lvl = &inherited
		}
		if c.IsRoot() {
			root = hierarchy.NodeSpec{Level: lvl, Additive: true, Appenders: []hierarchy.Appender{sink}}
			continue
		}
		nodes = append(nodes, hierarchy.NodeSpec{Name: c.Name, Level: lvl, Additive: false, Appenders: []hierarchy.Appender{sink}})
	}
	return root, nodes, nil
}

// projectLevels mirrors the project's category levels in an appender-less
// hierarchy.
func projectLevels(project *models.Project) *hierarchy.Hierarchy {
	var root hierarchy.NodeSpec
	var nodes []hierarchy.NodeSpec
	for _, c := range project.Categories {
		var lvl *models.Level
		if parsed, err := models.ParseLevel(c.Level); c.Level != "" && err == nil {
			lvl = &parsed
		}
		if c.IsRoot() {
			root.Level = lvl
			continue
		}
		nodes = append(nodes, hierarchy.NodeSpec{Name: c.Name, Level: lvl, Additive: c.Additivity})
	}
	h := hierarchy.New(project.Name, nil)
	h.Apply(root, nodes)
	return h
}
