package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/models"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
	worker "github.com/tusury/vt-middleware-sub006/processing"
)

// hierarchyFor returns the cached hierarchy of project, creating and
// configuring it on first use. A reclaimed hierarchy is configured again. A
// hierarchy whose first configuration fails is not cached.
func (s *Server) hierarchyFor(project *models.Project) (*hierarchy.Hierarchy, error) {
	s.hierMu.Lock()
	defer s.hierMu.Unlock()

	h, cached := s.hierarchies[project.Name]
	if cached && !h.Reclaimed() {
		return h, nil
	}
	if !cached {
		h = hierarchy.New(project.Name, s.logger.Named("hierarchy"))
	}
	if err := s.configurator.Configure(project, h); err != nil {
		s.metrics.Reconfigurations.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.Reconfigurations.WithLabelValues("ok").Inc()
	s.hierarchies[project.Name] = h
	return h, nil
}

// deregister is the session OnClose hook. A session replaced by a newer one
// from the same address leaves the registry untouched.
func (s *Server) deregister(sess *worker.Session) {
	s.sessionsMu.Lock()
	if s.sessions[sess.Address()] == sess {
		delete(s.sessions, sess.Address())
	}
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	orphan := !s.holdsHierarchyLocked(sess.Hierarchy())
	s.sessionsMu.Unlock()

	if orphan {
		s.releaseOrphan(sess.Hierarchy())
	}
	s.logger.Infof("Session %s for %s ended", sess.ID(), sess.Address())
}

func (s *Server) holdsHierarchyLocked(h *hierarchy.Hierarchy) bool {
	for _, other := range s.sessions {
		if other.Hierarchy() == h {
			return true
		}
	}
	return false
}

// releaseOrphan shuts down h when it has been dropped from the registry and
// no session uses it any more.
func (s *Server) releaseOrphan(h *hierarchy.Hierarchy) {
	s.hierMu.Lock()
	cached := s.hierarchies[h.Name()] == h
	s.hierMu.Unlock()
	if !cached {
		h.Shutdown()
	}
}

func (s *Server) snapshot() []*worker.Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	out := make([]*worker.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// ActiveSessions lists the registered sessions ordered by address.
func (s *Server) ActiveSessions() []worker.Info {
	sessions := s.snapshot()
	out := make([]worker.Info, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.Info()
	}
	return out
}

// Session returns the session registered under address.
func (s *Server) Session(address string) (worker.Info, bool) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[address]
	s.sessionsMu.Unlock()
	if !ok {
		return worker.Info{}, false
	}
	return sess.Info(), true
}

// DisconnectSession closes the session registered under address.
func (s *Server) DisconnectSession(address string) error {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[address]
	s.sessionsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, address)
	}
	s.logger.Infof("Disconnecting session %s (%s) on request", sess.ID(), address)
	return sess.Close()
}

// StartTime returns the time of the last successful Start.
func (s *Server) StartTime() time.Time {
	if t := s.startTime.Load(); t != nil {
		return *t
	}
	return time.Time{}
}

func (s *Server) MaxClients() int { return s.cfg.MaxClients }

func (s *Server) RemovalPolicyName() string { return s.policy.Name() }

// Hierarchy returns the cached hierarchy of project.
func (s *Server) Hierarchy(project string) (*hierarchy.Hierarchy, bool) {
	s.hierMu.Lock()
	defer s.hierMu.Unlock()
	h, ok := s.hierarchies[project]
	return h, ok
}

// ProjectChanged reconfigures the cached hierarchy of project. On failure
// the hierarchy keeps its previous configuration.
func (s *Server) ProjectChanged(_ context.Context, project *models.Project) error {
	s.hierMu.Lock()
	defer s.hierMu.Unlock()

	h, ok := s.hierarchies[project.Name]
	if !ok {
		return nil
	}
	if err := s.configurator.Configure(project, h); err != nil {
		s.metrics.Reconfigurations.WithLabelValues("error").Inc()
		s.logger.Errorf("Reconfiguring %s failed, keeping previous configuration: %v", project.Name, err)
		return err
	}
	s.metrics.Reconfigurations.WithLabelValues("ok").Inc()
	s.logger.Infof("Reconfigured hierarchy %s", project.Name)
	return nil
}

// ProjectRemoved applies the removal policy to every session of project and
// drops its hierarchy from the registry.
func (s *Server) ProjectRemoved(_ context.Context, project *models.Project) error {
	s.hierMu.Lock()
	h, cached := s.hierarchies[project.Name]
	delete(s.hierarchies, project.Name)
	s.hierMu.Unlock()

	var errs []error
	for _, sess := range s.snapshot() {
		if sess.Project() != project.Name {
			continue
		}
		if err := s.policy.Apply(sess.Client(), sess); err != nil {
			errs = append(errs, err)
		}
	}

	if cached {
		s.sessionsMu.Lock()
		held := s.holdsHierarchyLocked(h)
		s.sessionsMu.Unlock()
		if !held {
			h.Shutdown()
		}
	}
	s.logger.Infof("Project %s removed; applied %s policy", project.Name, s.policy.Name())
	return errors.Join(errs...)
}

// ClientRemoved applies the removal policy to sessions of project opened by
// client.
func (s *Server) ClientRemoved(_ context.Context, project *models.Project, client string) error {
	var errs []error
	for _, sess := range s.snapshot() {
		if sess.Project() != project.Name {
			continue
		}
		if sess.Client() != client && sess.Address() != client {
			continue
		}
		s.logger.Infof("Client %s removed from %s; applying %s policy", client, project.Name, s.policy.Name())
		if err := s.policy.Apply(client, sess); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AttachWatch attaches sub to every live session of project.
func (s *Server) AttachWatch(project string, sub *watch.Subscription) int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Project() == project && sess.Attach(sub) {
			n++
		}
	}
	return n
}

// DetachWatch detaches sub from every session.
func (s *Server) DetachWatch(sub *watch.Subscription) {
	for _, sess := range s.snapshot() {
		sess.Detach(sub)
	}
}
