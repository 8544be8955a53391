package worker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tusury/vt-middleware-sub006/config"
	"github.com/tusury/vt-middleware-sub006/internal/appender"
	"github.com/tusury/vt-middleware-sub006/internal/codec"
	"github.com/tusury/vt-middleware-sub006/internal/hierarchy"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
)

type sessionFixture struct {
	session *Session
	client  net.Conn
	mem     *appender.MemoryAppender
	metrics *metrics.Metrics
	closed  chan *Session
}

func newFixture(t *testing.T) *sessionFixture {
	server, client := net.Pipe()
	mem := appender.NewMemoryAppender("console", 16)
	warn := models.LevelWarn
	h := hierarchy.New("billing", nil)
	h.Apply(hierarchy.NodeSpec{Additive: true}, []hierarchy.NodeSpec{
		{Name: "billing", Level: &warn, Additive: true, Appenders: []hierarchy.Appender{mem}},
	})

	f := &sessionFixture{client: client, mem: mem, metrics: metrics.New(nil), closed: make(chan *Session, 1)}
	s, err := New(Options{
		Address:    "10.0.0.5:40000",
		Client:     "10.0.0.5",
		Project:    "billing",
		Conn:       server,
		Hierarchy:  h,
		WireFormat: "protobuf",
		OnClose:    func(s *Session) { f.closed <- s },
		Logger:     zaptest.NewLogger(t).Sugar(),
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	f.session = s
	return f
}

func (f *sessionFixture) send(t *testing.T, events ...*models.LoggingEvent) {
	enc, err := codec.NewEncoder("protobuf", f.client)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}
}

type nopSource struct{}

func (nopSource) AttachWatch(string, *watch.Subscription) int { return 0 }
func (nopSource) DetachWatch(*watch.Subscription) {}

type oneProject struct{}

func (oneProject) FindProject(context.Context, string) (*models.Project, error) {
	return &models.Project{Name: "billing"}, nil
}

func newSubscription(t *testing.T) *watch.Subscription {
	m := watch.NewManager(oneProject{}, nopSource{}, config.WatchConfig{QueueSize: 8, PollTimeout: time.Second}, nil, nil)
	sub, err := m.Attach(context.Background(), watch.Request{Project: "billing"})
	require.NoError(t, err)
	return sub
}

func TestSessionDispatchesAndPublishes(t *testing.T) {
	f := newFixture(t)
	sub := newSubscription(t)
	require.True(t, f.session.Attach(sub))

	done := make(chan struct{})
	go func() {
		f.session.Run(context.Background())
		close(done)
	}()

	f.send(t,
		&models.LoggingEvent{Logger: "billing.invoice", Level: models.LevelError, Message: "overdue"},
		&models.LoggingEvent{Logger: "billing.invoice", Level: models.LevelInfo, Message: "quiet"},
		&models.LoggingEvent{Logger: "shipping", Level: models.LevelError, Message: "elsewhere"},
	)
	require.NoError(t, f.client.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after peer closed")
	}

	assert.Equal(t, uint64(3), f.session.Received())
	require.Len(t, f.mem.Events(), 1)
	assert.Equal(t, "overdue", f.mem.Events()[0].Message)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.EventsReceived))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.SessionErrors))

	// viewers get every raw event and then end-of-stream
	for _, want := range []string{"overdue", "quiet", "elsewhere"} {
		ev, err := sub.Next(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, ev.Message)
	}
	_, err := sub.Next(context.Background(), time.Second)
	assert.ErrorIs(t, err, watch.ErrClosed)

	assert.Same(t, f.session, <-f.closed)
	assert.False(t, f.session.Attach(newSubscription(t)), "ended session refuses new subscriptions")
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	go f.session.Run(context.Background())

	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close())
	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not end the session")
	}
	assert.Len(t, f.closed, 1)
}

func TestSessionEndsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	go f.session.Run(ctx)
	cancel()
	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not end the session")
	}
}

func TestSessionMalformedRecordCountsError(t *testing.T) {
	f := newFixture(t)
	go f.session.Run(context.Background())

	// length 2 followed by a field tag with field number zero
	_, err := f.client.Write([]byte{0x02, 0x00, 0x00})
	require.NoError(t, err)

	select {
	case <-f.session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("malformed record did not end the session")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionErrors))
}

func TestSessionDetach(t *testing.T) {
	f := newFixture(t)
	sub := newSubscription(t)
	require.True(t, f.session.Attach(sub))
	require.True(t, f.session.Attach(sub))
	assert.Equal(t, 1, sub.Sessions())
	assert.Equal(t, 1, f.session.Info().Subscriptions)

	f.session.Detach(sub)
	assert.Equal(t, 0, f.session.Info().Subscriptions)
	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should end when its only session detaches")
	}
	_ = f.session.Close()
}
