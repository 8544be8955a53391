// Package removal decides what happens to a live session when its client is
// removed from the project it connected under.
package removal

import (
	"fmt"

	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
)

// Policy names, matching server.removal_policy.
const (
	NameNoOp              = "noop"
	NameSocketClose       = "socket-close"
	NameRepositoryReclaim = "repository-reclaim"
)

// Session is the part of a client session a policy may act on.
type Session interface {
	Close() error
	Hierarchy() *hierarchy.Hierarchy
}

// Policy handles a removed client's session.
type Policy interface {
	Name() string
	Apply(client string, s Session) error
}

// New returns the policy registered under name.
func New(name string) (Policy, error) {
	switch name {
	case NameNoOp, "":
		return NoOp{}, nil
	case NameSocketClose:
		return SocketClose{}, nil
	case NameRepositoryReclaim:
		return RepositoryReclaim{}, nil
	}
	return nil, fmt.Errorf("unknown removal policy %q", name)
}

// NoOp leaves the session running until the client disconnects.
type NoOp struct{}

func (NoOp) Name() string { return NameNoOp }

func (NoOp) Apply(string, Session) error { return nil }

// SocketClose terminates the session.
type SocketClose struct{}

func (SocketClose) Name() string { return NameSocketClose }

func (SocketClose) Apply(client string, s Session) error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("close session of %s: %w", client, err)
	}
	return nil
}

// RepositoryReclaim shuts down the session's hierarchy, releasing every
// appender, then terminates the session. The acceptor rebuilds a reclaimed
// hierarchy on the next admitted connection.
type RepositoryReclaim struct{}

func (RepositoryReclaim) Name() string { return NameRepositoryReclaim }

func (RepositoryReclaim) Apply(client string, s Session) error {
	if h := s.Hierarchy(); h != nil {
		h.Shutdown()
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close session of %s: %w", client, err)
	}
	return nil
}
