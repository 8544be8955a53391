// Package hierarchy implements the per-project logger tree used to filter and
// route events received from clients.
//
// A Hierarchy is shared between the sessions dispatching through it and the
// configurator rewriting it. Dispatch holds a read lock for the duration of a
// single event; Apply prepares the complete node table outside the lock and
// swaps it in under the write lock, so readers observe either the old or the
// new configuration, never a mix.
package hierarchy

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// DefaultRootLevel applies when the root category leaves its level unset.
const DefaultRootLevel = models.LevelDebug

// NodeSpec describes one node of a new configuration. A nil Level inherits
// from the nearest ancestor with a level.
type NodeSpec struct {
	Name      string
	Level     *models.Level
	Additive  bool
	Appenders []Appender
}

// NodeInfo is an immutable view of a node used by status pages and tests.
type NodeInfo struct {
	Level     string   `json:"level,omitempty"`
	Additive  bool     `json:"additive"`
	Appenders []string `json:"appenders,omitempty"`
}

type node struct {
	level     *models.Level
	additive  bool
	appenders []Appender
}

// Hierarchy is a named tree of logger nodes keyed by dotted logger name.
type Hierarchy struct {
	name   string
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	root      *node
	nodes     map[string]*node
	reclaimed bool
}

// New creates an empty hierarchy whose root logs at DefaultRootLevel with no appenders.
func New(name string, logger *zap.SugaredLogger) *Hierarchy {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hierarchy{
		name:   name,
		logger: logger,
		root:   newRoot(),
		nodes:  make(map[string]*node),
	}
}

func newRoot() *node {
	lvl := DefaultRootLevel
	return &node{level: &lvl, additive: true}
}

// Name returns the hierarchy name, normally the project name.
func (h *Hierarchy) Name() string {
	return h.name
}

// Apply replaces the node table with root and nodes. Appenders of the
// previous table that are not part of the new one are closed after the swap.
// Apply also clears the reclaimed mark set by Shutdown.
func (h *Hierarchy) Apply(root NodeSpec, nodes []NodeSpec) {
	newRootNode := newRoot()
	if root.Level != nil {
		lvl := *root.Level
		newRootNode.level = &lvl
	}
	newRootNode.appenders = dedupe(root.Appenders)

	table := make(map[string]*node, len(nodes))
	for _, spec := range nodes {
		n := &node{additive: spec.Additive, appenders: dedupe(spec.Appenders)}
		if spec.Level != nil {
			lvl := *spec.Level
			n.level = &lvl
		}
		table[spec.Name] = n
	}

	h.mu.Lock()
	old := h.collectAppendersLocked()
	h.root = newRootNode
	h.nodes = table
	h.reclaimed = false
	h.mu.Unlock()

	keep := make(map[Appender]struct{})
	for _, a := range newRootNode.appenders {
		keep[a] = struct{}{}
	}
	for _, n := range table {
		for _, a := range n.appenders {
			keep[a] = struct{}{}
		}
	}
	for _, a := range old {
		if _, ok := keep[a]; ok {
			continue
		}
		if err := a.Close(); err != nil {
			h.logger.Warnf("Hierarchy %s: closing replaced appender %s failed: %v", h.name, a.Name(), err)
		}
	}
}

// Dispatch routes ev to every appender reachable from ev.Logger while
// additivity holds, provided ev.Level is at or above the logger's effective
// level. Each appender fires at most once. Returns the number of appenders
// that accepted the event.
func (h *Hierarchy) Dispatch(ev *models.LoggingEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !ev.Level.Enabled(h.effectiveLevelLocked(ev.Logger)) {
		return 0
	}

	var fired []Appender
	n, name := h.lookupLocked(ev.Logger)
	for n != nil {
		for _, a := range n.appenders {
			if contains(fired, a) {
				continue
			}
			fired = append(fired, a)
			if err := a.Append(ev); err != nil {
				h.logger.Warnf("Hierarchy %s: appender %s failed: %v", h.name, a.Name(), err)
			}
		}
		if !n.additive {
			break
		}
		n, name = h.parentLocked(name)
	}
	return len(fired)
}

// EffectiveLevel returns the level governing events for logger.
func (h *Hierarchy) EffectiveLevel(logger string) models.Level {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.effectiveLevelLocked(logger)
}

// Shutdown closes every appender, clears all nodes and marks the hierarchy
// reclaimed. Events dispatched afterwards reach no appender.
func (h *Hierarchy) Shutdown() {
	h.mu.Lock()
	old := h.collectAppendersLocked()
	h.root = newRoot()
	h.nodes = make(map[string]*node)
	h.reclaimed = true
	h.mu.Unlock()

	for _, a := range old {
		if err := a.Close(); err != nil {
			h.logger.Warnf("Hierarchy %s: closing appender %s failed: %v", h.name, a.Name(), err)
		}
	}
}

// Reclaimed reports whether Shutdown has been called since the last Apply.
func (h *Hierarchy) Reclaimed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reclaimed
}

// Snapshot returns the current node table keyed by logger name; the root
// node is keyed by models.RootCategoryName.
func (h *Hierarchy) Snapshot() map[string]NodeInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]NodeInfo, len(h.nodes)+1)
	out[models.RootCategoryName] = info(h.root)
	for name, n := range h.nodes {
		out[name] = info(n)
	}
	return out
}

// AppenderNames returns the sorted names of all attached appenders.
func (h *Hierarchy) AppenderNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var names []string
	for _, a := range h.collectAppendersLocked() {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}

func info(n *node) NodeInfo {
	ni := NodeInfo{Additive: n.additive}
	if n.level != nil {
		ni.Level = n.level.String()
	}
	for _, a := range n.appenders {
		ni.Appenders = append(ni.Appenders, a.Name())
	}
	sort.Strings(ni.Appenders)
	return ni
}

func (h *Hierarchy) effectiveLevelLocked(logger string) models.Level {
	n, name := h.lookupLocked(logger)
	for n != nil {
		if n.level != nil {
			return *n.level
		}
		n, name = h.parentLocked(name)
	}
	return DefaultRootLevel
}

// lookupLocked returns the nearest configured node at or above name together
// with that node's name ("" for root).
func (h *Hierarchy) lookupLocked(name string) (*node, string) {
	for name != "" && name != models.RootCategoryName {
		if n, ok := h.nodes[name]; ok {
			return n, name
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return h.root, ""
}

func (h *Hierarchy) parentLocked(name string) (*node, string) {
	if name == "" {
		return nil, ""
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return h.root, ""
	}
	return h.lookupLocked(name[:i])
}

func (h *Hierarchy) collectAppendersLocked() []Appender {
	out := append([]Appender(nil), h.root.appenders...)
	for _, n := range h.nodes {
		for _, a := range n.appenders {
			if !contains(out, a) {
				out = append(out, a)
			}
		}
	}
	return out
}

func dedupe(in []Appender) []Appender {
	var out []Appender
	for _, a := range in {
		if a != nil && !contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func contains(list []Appender, a Appender) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}
