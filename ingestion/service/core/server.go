package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
	"github.com/tusury/vt-middleware-sub006/internal/removal"
	worker "github.com/tusury/vt-middleware-sub006/processing"
)

var (
	ErrAlreadyRunning     = errors.New("server already running")
	ErrNotRunning         = errors.New("server not running")
	ErrUnknownClient      = errors.New("unknown client")
	ErrUnauthorizedClient = errors.New("unauthorized client: connection limit reached")
	ErrDuplicateClient    = errors.New("client already connected")
	ErrSessionNotFound    = errors.New("session not found")
)

// State is the acceptor lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ProjectLookup is the part of the project store the acceptor reads.
type ProjectLookup interface {
	FindProjectsByClient(ctx context.Context, identity string) ([]*models.Project, error)
}

// Resolver performs reverse address lookups. *net.Resolver satisfies it.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// StateObserver is told about every state transition.
type StateObserver interface {
	ServerStateChanged(State)
}

// Options holds the collaborators of a Server
type Options struct {
	Config       config.ServerConfig
	Projects     ProjectLookup
	Configurator configurator.Configurator
	Policy       removal.Policy
	Resolver     Resolver // nil disables hostname lookup
	Observer     StateObserver
	Logger       *zap.SugaredLogger
	Metrics      *metrics.Metrics
}

// run holds everything that lives for one Start/Stop cycle. Sessions
// abandoned by a timed-out Stop keep a reference to their own run.
type run struct {
	listener   net.Listener
	acceptDone chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopping   atomic.Bool
}

// Server is the connection acceptor. It owns the listening socket, the
// address to session registry and the project to hierarchy registry.
type Server struct {
	cfg          config.ServerConfig
	projects     ProjectLookup
	configurator configurator.Configurator
	policy       removal.Policy
	resolver     Resolver
	observer     StateObserver
	logger       *zap.SugaredLogger
	metrics      *metrics.Metrics

	lifecycle sync.Mutex // serialises Start and Stop
	state     atomic.Int32
	run       *run
	startTime atomic.Pointer[time.Time]

	sessionsMu sync.Mutex
	sessions   map[string]*worker.Session

	hierMu      sync.Mutex
	hierarchies map[string]*hierarchy.Hierarchy
}

// NewServer creates a stopped Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Policy == nil {
		opts.Policy = removal.NoOp{}
	}
	return &Server{
		cfg:          opts.Config,
		projects:     opts.Projects,
		configurator: opts.Configurator,
		policy:       opts.Policy,
		resolver:     opts.Resolver,
		observer:     opts.Observer,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		sessions:     make(map[string]*worker.Session),
		hierarchies:  make(map[string]*hierarchy.Hierarchy),
	}
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Infof("Server %s", st)
	if s.observer != nil {
		s.observer.ServerStateChanged(st)
	}
}

// Start binds the configured address and begins accepting clients.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateStopped {
		return ErrAlreadyRunning
	}
	s.setState(StateStarting)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address())
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("listen on %s: %w", s.cfg.Address(), err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		listener:   ln,
		acceptDone: make(chan struct{}),
		ctx:        runCtx,
		cancel:     cancel,
	}
	s.run = r
	now := time.Now()
	s.startTime.Store(&now)

	go s.acceptLoop(r)
	s.logger.Infof("Accepting clients on %s (max %d, removal policy %s)", ln.Addr(), s.cfg.MaxClients, s.policy.Name())
	s.setState(StateRunning)
	return nil
}

// Stop closes the listener, ends every session and clears both registries.
// Waits are bounded by the configured shutdown timeout and ctx; sessions
// still running at the deadline are abandoned.
func (s *Server) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != StateRunning {
		return ErrNotRunning
	}
	s.setState(StateStopping)
	r := s.run

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	r.stopping.Store(true)
	if err := r.listener.Close(); err != nil {
		s.logger.Warnf("Closing listener: %v", err)
	}
	select {
	case <-r.acceptDone:
	case <-waitCtx.Done():
		s.logger.Errorf("Accept loop did not exit within %v", s.cfg.ShutdownTimeout)
	}

	r.cancel()
	s.sessionsMu.Lock()
	live := make([]*worker.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range live {
		_ = sess.Close()
	}

	joined := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-waitCtx.Done():
		abandoned := 0
		for _, sess := range live {
			select {
			case <-sess.Done():
			default:
				abandoned++
				s.logger.Warnf("Abandoning session %s (%s) after shutdown timeout", sess.ID(), sess.Address())
			}
		}
		s.logger.Errorf("%d sessions did not terminate within %v", abandoned, s.cfg.ShutdownTimeout)
	}

	s.sessionsMu.Lock()
	s.sessions = make(map[string]*worker.Session)
	s.sessionsMu.Unlock()
	s.metrics.SessionsActive.Set(0)

	s.hierMu.Lock()
	for name, h := range s.hierarchies {
		h.Shutdown()
		delete(s.hierarchies, name)
	}
	s.hierMu.Unlock()

	s.run = nil
	s.setState(StateStopped)
	return nil
}

// Addr returns the bound listener address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.listener.Addr()
}

func (s *Server) acceptLoop(r *run) {
	defer close(r.acceptDone)

	var delay time.Duration
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.stopping.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Errorf("Listener closed unexpectedly: %v", err)
				return
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.logger.Warnf("Accept error: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				return
			}
			continue
		}
		delay = 0
		s.admit(r, conn)
	}
}

// admit runs the admission steps for one connection. Every rejection closes
// the connection and returns; none of them stops the accept loop.
func (s *Server) admit(r *run, conn net.Conn) {
	host := hostOf(conn.RemoteAddr())

	project, identity, err := s.resolve(r.ctx, host)
	if err != nil {
		s.reject(conn, metrics.RejectUnknownClient, err)
		return
	}

	if reason, err := s.checkCapacity(host); err != nil {
		s.reject(conn, reason, err)
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetKeepAlive(true); err == nil && s.cfg.KeepAlive > 0 {
			_ = tc.SetKeepAlivePeriod(s.cfg.KeepAlive)
		}
	}

	h, err := s.hierarchyFor(project)
	if err != nil {
		s.reject(conn, metrics.RejectConfiguration, err)
		return
	}

	sess, err := worker.New(worker.Options{
		Address:    host,
		Client:     identity,
		Project:    project.Name,
		Conn:       conn,
		Hierarchy:  h,
		WireFormat: s.cfg.WireFormat,
		OnClose:    s.deregister,
		Logger:     s.logger.Named("session"),
		Metrics:    s.metrics,
	})
	if err != nil {
		s.reject(conn, metrics.RejectConfiguration, err)
		return
	}

	s.sessionsMu.Lock()
	prev := s.sessions[host]
	s.sessions[host] = sess
	s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()
	if prev != nil {
		s.logger.Warnf("Client %s reconnected; closing previous session %s", host, prev.ID())
		_ = prev.Close()
	}

	s.metrics.ConnectionsAccepted.Inc()
	s.logger.Infof("Accepted client %s as %s for project %s", conn.RemoteAddr(), identity, project.Name)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		sess.Run(r.ctx)
	}()
}

// resolve finds the project of host, trying its reverse-DNS names before the
// raw address. The first project returned for the first matching identity
// wins.
func (s *Server) resolve(ctx context.Context, host string) (*models.Project, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	defer cancel()

	var identities []string
	if s.resolver != nil {
		names, err := s.resolver.LookupAddr(ctx, host)
		if err != nil {
			s.logger.Debugf("Reverse lookup of %s failed: %v", host, err)
		}
		for _, name := range names {
			identities = append(identities, strings.TrimSuffix(name, "."))
		}
	}
	identities = append(identities, host)

	for _, identity := range identities {
		projects, err := s.projects.FindProjectsByClient(ctx, identity)
		if err != nil {
			return nil, "", fmt.Errorf("lookup projects of %s: %w", identity, err)
		}
		if len(projects) > 0 {
			if len(projects) > 1 {
				s.logger.Warnf("Client %s belongs to %d projects; using %s", identity, len(projects), projects[0].Name)
			}
			return projects[0], identity, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownClient, host)
}

// checkCapacity applies the connection limit and duplicate policy. Only the
// accept loop inserts sessions, so the registry cannot grow between this
// check and registration.
func (s *Server) checkCapacity(host string) (string, error) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	active := len(s.sessions)
	if _, dup := s.sessions[host]; dup {
		if s.cfg.DuplicatePolicy == config.DuplicatePolicyReject {
			return metrics.RejectDuplicate, fmt.Errorf("%w: %s", ErrDuplicateClient, host)
		}
		active--
	}
	if active >= s.cfg.MaxClients {
		return metrics.RejectCapacity, fmt.Errorf("%w (%d)", ErrUnauthorizedClient, s.cfg.MaxClients)
	}
	return "", nil
}

func (s *Server) reject(conn net.Conn, reason string, err error) {
	s.metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	s.logger.Warnf("Rejected connection from %s: %v", conn.RemoteAddr(), err)
	_ = conn.Close()
}

func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
