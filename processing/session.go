package worker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tusury/vt-middleware-sub006/internal/codec"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
)

// Options configures a new Session
type Options struct {
	Address    string // remote address, the registry key
	Client     string // client identity the project was resolved by
	Project    string
	Conn       net.Conn
	Hierarchy  *hierarchy.Hierarchy
	WireFormat string

	// OnClose runs once during teardown, before subscriptions are released.
	OnClose func(*Session)

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// Info is a point-in-time view of a session for status pages
type Info struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Client        string    `json:"client"`
	Project       string    `json:"project"`
	StartTime     time.Time `json:"start_time"`
	Received      uint64    `json:"received"`
	Dispatched    uint64    `json:"dispatched"`
	Subscriptions int       `json:"subscriptions"`
}

// Session pumps events from one client socket through the project hierarchy
// and out to attached live watch subscriptions.
type Session struct {
	id        string
	address   string
	client    string
	project   string
	conn      net.Conn
	hierarchy *hierarchy.Hierarchy
	decoder   codec.Decoder
	startTime time.Time
	onClose   func(*Session)
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics

	received   atomic.Uint64
	dispatched atomic.Uint64

	// subs is replaced wholesale under subsMu and read lock-free by Run.
	subs     atomic.Pointer[[]*watch.Subscription]
	subsMu   sync.Mutex
	released bool

	closing   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session. The session does nothing until Run is called.
func New(opts Options) (*Session, error) {
	dec, err := codec.NewDecoder(opts.WireFormat, opts.Conn)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	s := &Session{
		id:        uuid.NewString(),
		address:   opts.Address,
		client:    opts.Client,
		project:   opts.Project,
		conn:      opts.Conn,
		hierarchy: opts.Hierarchy,
		decoder:   dec,
		startTime: time.Now(),
		onClose:   opts.OnClose,
		logger:    opts.Logger.With("client", opts.Address, "project", opts.Project),
		metrics:   opts.Metrics,
		done:      make(chan struct{}),
	}
	s.subs.Store(&[]*watch.Subscription{})
	return s, nil
}

// Run reads and dispatches events until the peer disconnects, a record
// cannot be decoded, Close is called or ctx is cancelled. Teardown always
// runs before Run returns.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Infof("Session %s started", s.id)
	for {
		ev, err := s.decoder.Decode()
		if err != nil {
			switch {
			case s.closing.Load():
				s.logger.Infof("Session %s closed after %d events", s.id, s.received.Load())
			case codec.IsDisconnect(err) || errors.Is(err, net.ErrClosed):
				s.logger.Infof("Client disconnected after %d events", s.received.Load())
			default:
				s.metrics.SessionErrors.Inc()
				s.logger.Warnf("Session %s terminated: %v", s.id, err)
			}
			return
		}

		s.received.Add(1)
		s.metrics.EventsReceived.Inc()
		if n := s.hierarchy.Dispatch(ev); n > 0 {
			s.dispatched.Add(uint64(n))
			s.metrics.EventsDispatched.Add(float64(n))
		}
		for _, sub := range *s.subs.Load() {
			sub.Publish(ev)
		}
	}
}

// Close terminates the session. Safe to call more than once and from any
// goroutine.
func (s *Session) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.onClose != nil {
			s.onClose(s)
		}

		s.subsMu.Lock()
		s.released = true
		subs := *s.subs.Load()
		s.subs.Store(&[]*watch.Subscription{})
		s.subsMu.Unlock()
		for _, sub := range subs {
			sub.Release()
		}

		_ = s.conn.Close()
		close(s.done)
	})
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Attach starts publishing events to sub. It reports false once the session
// has ended.
func (s *Session) Attach(sub *watch.Subscription) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.released {
		return false
	}
	cur := *s.subs.Load()
	for _, x := range cur {
		if x == sub {
			return true
		}
	}
	next := make([]*watch.Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, sub)
	s.subs.Store(&next)
	sub.Acquire()
	return true
}

// Detach stops publishing events to sub.
func (s *Session) Detach(sub *watch.Subscription) {
	s.subsMu.Lock()
	cur := *s.subs.Load()
	next := make([]*watch.Subscription, 0, len(cur))
	found := false
	for _, x := range cur {
		if x == sub {
			found = true
			continue
		}
		next = append(next, x)
	}
	if found {
		s.subs.Store(&next)
	}
	s.subsMu.Unlock()
	if found {
		sub.Release()
	}
}

func (s *Session) ID() string { return s.id }
func (s *Session) Address() string { return s.address }
func (s *Session) Client() string { return s.client }
func (s *Session) Project() string { return s.project }
func (s *Session) StartTime() time.Time { return s.startTime }
func (s *Session) Received() uint64 { return s.received.Load() }
func (s *Session) Hierarchy() *hierarchy.Hierarchy { return s.hierarchy }

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:            s.id,
		Address:       s.address,
		Client:        s.client,
		Project:       s.project,
		StartTime:     s.startTime,
		Received:      s.received.Load(),
		Dispatched:    s.dispatched.Load(),
		Subscriptions: len(*s.subs.Load()),
	}
}
