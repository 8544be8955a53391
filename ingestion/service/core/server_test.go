package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/appender"
	"github.com/tusury/vt-middleware-sub006/internal/codec"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
	"github.com/tusury/vt-middleware-sub006/internal/removal"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
	"github.com/tusury/vt-middleware-sub006/storage/store"
)

// memoryFactory builds memory appenders and keeps the latest one per name.
type memoryFactory struct {
	mu    sync.Mutex
	built map[string]*appender.MemoryAppender
}

func (f *memoryFactory) New(def models.Appender) (hierarchy.Appender, error) {
	if def.Type != string(appender.Memory) {
		return nil, appender.ErrUnsupportedType
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := appender.NewMemoryAppender(def.Name, 64)
	f.built[def.Name] = m
	return m, nil
}

func (f *memoryFactory) get(name string) *appender.MemoryAppender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[name]
}

// resolver answers reverse lookups from a fixed table.
type resolver map[string][]string

func (r resolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if names, ok := r[addr]; ok {
		return names, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: addr, IsNotFound: true}
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) ServerStateChanged(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type fixture struct {
	server   *Server
	store    *store.MemoryStore
	factory  *memoryFactory
	metrics  *metrics.Metrics
	observer *stateRecorder
}

func billing() *models.Project {
	return &models.Project{
		Name:      "billing",
		Appenders: []models.Appender{{Name: "console", Type: "memory"}},
		Categories: []models.Category{
			{Name: models.RootCategoryName, Level: "INFO", Additivity: true, AppenderNames: []string{"console"}},
		},
		Clients: []models.Client{{Name: "billing-host.example"}, {Name: "127.0.0.1"}},
	}
}

func newFixture(t *testing.T, tweak func(*config.ServerConfig, *Options), projects ...*models.Project) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		factory:  &memoryFactory{built: make(map[string]*appender.MemoryAppender)},
		metrics:  metrics.New(nil),
		observer: &stateRecorder{},
	}
	for _, p := range projects {
		_, err := f.store.SaveProject(context.Background(), p)
		require.NoError(t, err)
	}

	cfg := config.Default().Server
	cfg.Port = 0
	cfg.ShutdownTimeout = 2 * time.Second
	logger := zaptest.NewLogger(t).Sugar()
	opts := Options{
		Projects:     f.store,
		Configurator: configurator.New(f.factory, logger),
		Policy:       removal.NoOp{},
		Resolver:     resolver{},
		Observer:     f.observer,
		Logger:       logger,
		Metrics:      f.metrics,
	}
	if tweak != nil {
		tweak(&cfg, &opts)
	}
	opts.Config = cfg
	f.server = NewServer(opts)

	require.NoError(t, f.server.Start(context.Background()))
	t.Cleanup(func() {
		if f.server.State() == StateRunning {
			_ = f.server.Stop(context.Background())
		}
	})
	return f
}

func (f *fixture) dial(t *testing.T) net.Conn {
	return f.dialFrom(t, "127.0.0.1")
}

func (f *fixture) dialFrom(t *testing.T, ip string) net.Conn {
	t.Helper()
	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.ParseIP(ip)}, Timeout: 2 * time.Second}
	conn, err := d.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) waitSessions(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.server.ActiveSessions()) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func send(t *testing.T, conn net.Conn, events ...*models.LoggingEvent) {
	t.Helper()
	enc, err := codec.NewEncoder("protobuf", conn)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}
}

// assertClosedByServer waits for the server side to close conn.
func assertClosedByServer(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not closed")
	}
}

func event(logger string, level models.Level, msg string) *models.LoggingEvent {
	return &models.LoggingEvent{Logger: logger, Level: level, Message: msg, Timestamp: time.Now()}
}

func TestAdmitsClientByAddressWhenHostnameLookupFails(t *testing.T) {
	f := newFixture(t, nil, billing())
	conn := f.dial(t)
	f.waitSessions(t, 1)

	info, ok := f.server.Session("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "billing", info.Project)
	assert.Equal(t, "127.0.0.1", info.Client)

	send(t, conn,
		event("billing.invoice", models.LevelInfo, "created"),
		event("billing.invoice", models.LevelDebug, "filtered"),
		event("billing.invoice", models.LevelError, "failed"),
	)
	require.Eventually(t, func() bool {
		m := f.factory.get("console")
		return m != nil && m.Total() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsAccepted))
}

func TestAdmitsClientByHostnameFirst(t *testing.T) {
	byHost := &models.Project{
		Name:       "frontend",
		Appenders:  []models.Appender{{Name: "web", Type: "memory"}},
		Categories: []models.Category{{Name: models.RootCategoryName, Level: "DEBUG", Additivity: true, AppenderNames: []string{"web"}}},
		Clients:    []models.Client{{Name: "app1.example"}},
	}
	f := newFixture(t, func(_ *config.ServerConfig, o *Options) {
		o.Resolver = resolver{"127.0.0.1": {"app1.example."}}
	}, billing(), byHost)

	f.dial(t)
	f.waitSessions(t, 1)
	info, ok := f.server.Session("127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "frontend", info.Project)
	assert.Equal(t, "app1.example", info.Client)
}

func TestRejectsUnknownClient(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.dial(t)

	assertClosedByServer(t, conn)
	assert.Empty(t, f.server.ActiveSessions())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsRejected.WithLabelValues(metrics.RejectUnknownClient)))
}

func TestRejectsBeyondMaxClients(t *testing.T) {
	p := billing()
	p.Clients = append(p.Clients, models.Client{Name: "127.0.0.2"})
	f := newFixture(t, func(c *config.ServerConfig, _ *Options) { c.MaxClients = 1 }, p)

	f.dial(t)
	f.waitSessions(t, 1)

	second := f.dialFrom(t, "127.0.0.2")
	assertClosedByServer(t, second)
	assert.Len(t, f.server.ActiveSessions(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsRejected.WithLabelValues(metrics.RejectCapacity)))
}

func TestDuplicatePolicies(t *testing.T) {
	t.Run("replace", func(t *testing.T) {
		f := newFixture(t, nil, billing())
		first := f.dial(t)
		f.waitSessions(t, 1)
		before, _ := f.server.Session("127.0.0.1")

		f.dial(t)
		assertClosedByServer(t, first)
		require.Eventually(t, func() bool {
			after, ok := f.server.Session("127.0.0.1")
			return ok && after.ID != before.ID
		}, 2*time.Second, 10*time.Millisecond)
		assert.Len(t, f.server.ActiveSessions(), 1)
	})

	t.Run("reject", func(t *testing.T) {
		f := newFixture(t, func(c *config.ServerConfig, _ *Options) {
			c.DuplicatePolicy = config.DuplicatePolicyReject
		}, billing())
		f.dial(t)
		f.waitSessions(t, 1)

		second := f.dial(t)
		assertClosedByServer(t, second)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsRejected.WithLabelValues(metrics.RejectDuplicate)))
	})
}

func TestConfigurationFailureRejectsAndDoesNotCache(t *testing.T) {
	p := billing()
	p.Appenders[0].Type = "smtp"
	f := newFixture(t, nil, p)

	conn := f.dial(t)
	assertClosedByServer(t, conn)
	_, cached := f.server.Hierarchy("billing")
	assert.False(t, cached)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ConnectionsRejected.WithLabelValues(metrics.RejectConfiguration)))
}

func TestStartStopRestart(t *testing.T) {
	f := newFixture(t, nil, billing())
	assert.ErrorIs(t, f.server.Start(context.Background()), ErrAlreadyRunning)

	conn := f.dial(t)
	f.waitSessions(t, 1)
	started := f.server.StartTime()

	require.NoError(t, f.server.Stop(context.Background()))
	assertClosedByServer(t, conn)
	assert.Equal(t, StateStopped, f.server.State())
	assert.Nil(t, f.server.Addr())
	assert.Empty(t, f.server.ActiveSessions())
	_, cached := f.server.Hierarchy("billing")
	assert.False(t, cached)
	assert.ErrorIs(t, f.server.Stop(context.Background()), ErrNotRunning)

	require.NoError(t, f.server.Start(context.Background()))
	assert.False(t, f.server.StartTime().Before(started))
	f.dial(t)
	f.waitSessions(t, 1)

	assert.Equal(t, []State{
		StateStarting, StateRunning,
		StateStopping, StateStopped,
		StateStarting, StateRunning,
	}, f.observer.all())
}

func TestStartFailsOnBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.Default().Server
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	s := NewServer(Options{Config: cfg, Projects: store.NewMemoryStore()})
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, StateStopped, s.State())
}

func TestProjectRemovedWithSocketClose(t *testing.T) {
	f := newFixture(t, func(_ *config.ServerConfig, o *Options) { o.Policy = removal.SocketClose{} }, billing())
	conn := f.dial(t)
	f.waitSessions(t, 1)
	assert.Equal(t, removal.NameSocketClose, f.server.RemovalPolicyName())

	p, err := f.store.DeleteProject(context.Background(), "billing")
	require.NoError(t, err)
	require.NoError(t, f.server.ProjectRemoved(context.Background(), p))

	assertClosedByServer(t, conn)
	f.waitSessions(t, 0)
	_, cached := f.server.Hierarchy("billing")
	assert.False(t, cached)
	require.Eventually(t, func() bool { return f.factory.get("console").Closed() }, 2*time.Second, 10*time.Millisecond)

	// The project is gone, so a reconnect is refused.
	again := f.dial(t)
	assertClosedByServer(t, again)
}

func TestClientRemovedWithRepositoryReclaim(t *testing.T) {
	f := newFixture(t, func(_ *config.ServerConfig, o *Options) { o.Policy = removal.RepositoryReclaim{} }, billing())
	conn := f.dial(t)
	f.waitSessions(t, 1)
	h, ok := f.server.Hierarchy("billing")
	require.True(t, ok)

	require.NoError(t, f.server.ClientRemoved(context.Background(), billing(), "127.0.0.1"))
	assertClosedByServer(t, conn)
	assert.True(t, h.Reclaimed())

	// A later connection rebuilds the reclaimed hierarchy in place.
	f.dial(t)
	f.waitSessions(t, 1)
	rebuilt, ok := f.server.Hierarchy("billing")
	require.True(t, ok)
	assert.Same(t, h, rebuilt)
	assert.False(t, rebuilt.Reclaimed())
}

func TestClientRemovedIgnoresOtherClients(t *testing.T) {
	f := newFixture(t, func(_ *config.ServerConfig, o *Options) { o.Policy = removal.SocketClose{} }, billing())
	f.dial(t)
	f.waitSessions(t, 1)

	require.NoError(t, f.server.ClientRemoved(context.Background(), billing(), "billing-host.example"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.server.ActiveSessions(), 1)
}

func TestProjectChangedReconfiguresCachedHierarchy(t *testing.T) {
	f := newFixture(t, nil, billing())
	f.dial(t)
	f.waitSessions(t, 1)
	h, _ := f.server.Hierarchy("billing")

	changed := billing()
	changed.Categories = append(changed.Categories, models.Category{
		Name: "billing.audit", Level: "ERROR", Additivity: true, AppenderNames: []string{"console"},
	})
	require.NoError(t, f.server.ProjectChanged(context.Background(), changed))
	assert.Equal(t, models.LevelError, h.EffectiveLevel("billing.audit.trail"))

	broken := billing()
	broken.Categories[0].AppenderNames = []string{"missing"}
	assert.Error(t, f.server.ProjectChanged(context.Background(), broken))
	assert.Equal(t, models.LevelError, h.EffectiveLevel("billing.audit.trail"), "last good configuration kept")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reconfigurations.WithLabelValues("error")))

	// Projects without a cached hierarchy are ignored.
	other := billing()
	other.Name = "shipping"
	assert.NoError(t, f.server.ProjectChanged(context.Background(), other))
	_, cached := f.server.Hierarchy("shipping")
	assert.False(t, cached)
}

func TestDisconnectSession(t *testing.T) {
	f := newFixture(t, nil, billing())
	conn := f.dial(t)
	f.waitSessions(t, 1)

	assert.ErrorIs(t, f.server.DisconnectSession("10.9.9.9"), ErrSessionNotFound)
	require.NoError(t, f.server.DisconnectSession("127.0.0.1"))
	assertClosedByServer(t, conn)
	f.waitSessions(t, 0)
}

func TestWatchReceivesSessionEvents(t *testing.T) {
	f := newFixture(t, nil, billing())
	conn := f.dial(t)
	f.waitSessions(t, 1)

	wcfg := config.Default().Watch
	mgr := watch.NewManager(f.store, f.server, wcfg, zaptest.NewLogger(t).Sugar(), f.metrics)
	sub, err := mgr.Attach(context.Background(), watch.Request{Project: "billing"})
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Sessions())

	send(t, conn, event("billing", models.LevelWarn, "low balance"))
	ev, err := sub.Next(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "low balance", ev.Message)

	mgr.Detach(sub)
	info, _ := f.server.Session("127.0.0.1")
	assert.Zero(t, info.Subscriptions)

	_, err = sub.Next(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, watch.ErrClosed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "State(9)", State(9).String())
}
