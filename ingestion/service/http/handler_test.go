package http

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tusury/vt-middleware-sub006/config"
	core "github.com/tusury/vt-middleware-sub006/ingestion/service/core"
	"github.com/tusury/vt-middleware-sub006/internal/appender"
	"github.com/tusury/vt-middleware-sub006/internal/changebus"
	"github.com/tusury/vt-middleware-sub006/internal/codec"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/metrics"
	"github.com/tusury/vt-middleware-sub006/internal/models"
	"github.com/tusury/vt-middleware-sub006/internal/removal"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
	"github.com/tusury/vt-middleware-sub006/storage/store"
)

const billingJSON = `{
  "name": "billing",
  "appenders": [{"name": "mem", "type": "memory"}],
  "categories": [
    {"name": "root", "level": "INFO", "additivity": true, "appenders": ["mem"]},
    {"name": "billing.audit", "level": "WARN", "additivity": true, "appenders": []}
  ],
  "clients": [{"name": "127.0.0.1"}]
}`

type fixture struct {
	http   *httptest.Server
	server *core.Server
	store  *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s := store.NewMemoryStore()
	bus := changebus.New(logger, m)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Watch.PollTimeout = 50 * time.Millisecond

	server := core.NewServer(core.Options{
		Config:       cfg.Server,
		Projects:     s,
		Configurator: configurator.New(appender.NewRegistry(logger), logger),
		Policy:       removal.SocketClose{},
		Logger:       logger,
		Metrics:      m,
	})
	require.NoError(t, bus.Subscribe(server))
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		if server.State() == core.StateRunning {
			_ = server.Stop(context.Background())
		}
	})

	h := NewHandler(Options{
		Server:   server,
		Store:    s,
		Admin:    store.NewAdmin(s, bus, logger),
		Watch:    watch.NewManager(s, server, cfg.Watch, logger, m),
		Gatherer: reg,
		Logger:   logger,
	})
	ts := httptest.NewServer(h.Routes())
	t.Cleanup(ts.Close)
	return &fixture{http: ts, server: server, store: s}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) putBilling(t *testing.T) {
	t.Helper()
	resp, body := f.do(t, http.MethodPut, "/api/projects/billing", billingJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

// dial opens a client socket and waits until it is registered.
func (f *fixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool {
		_, ok := f.server.Session("127.0.0.1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (f *fixture) connect(t *testing.T) codec.Encoder {
	t.Helper()
	enc, err := codec.NewEncoder(config.WireFormatProtobuf, f.dial(t))
	require.NoError(t, err)
	return enc
}

// assertDropped waits for the session to leave the registry and for the
// server to close the socket.
func (f *fixture) assertDropped(t *testing.T, conn net.Conn) {
	t.Helper()
	assert.Eventually(t, func() bool {
		_, ok := f.server.Session("127.0.0.1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		assert.False(t, ne.Timeout(), "connection was not closed")
	}
}

func TestHealthAndServerStatus(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"acceptor":"running"`)

	resp, body = f.do(t, http.MethodGet, "/api/server", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st serverStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "running", st.State)
	assert.Equal(t, 100, st.MaxClients)
	assert.Equal(t, removal.NameSocketClose, st.RemovalPolicy)
	assert.NotEmpty(t, st.Address)
	assert.NotNil(t, st.StartTime)
}

func TestStartStopEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/server/stop", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"stopped"`)

	resp, _ = f.do(t, http.MethodPost, "/api/server/stop", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/server/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"state":"running"`)

	resp, _ = f.do(t, http.MethodPost, "/api/server/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/server/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProjectEndpoints(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)

	resp, body := f.do(t, http.MethodGet, "/api/projects/billing", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p models.Project
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Len(t, p.Categories, 2)
	assert.Equal(t, []string{"127.0.0.1"}, p.ClientNames())

	resp, body = f.do(t, http.MethodGet, "/api/projects", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"billing"`)

	dangling := strings.Replace(billingJSON, `"appenders": []`, `"appenders": ["nowhere"]`, 1)
	resp, _ = f.do(t, http.MethodPut, "/api/projects/billing", dangling)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPut, "/api/projects/shipping", billingJSON)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "name mismatch")

	resp, _ = f.do(t, http.MethodPut, "/api/projects/billing", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/projects/billing", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/projects/billing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/projects/billing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteProjectDropsConnectedClient(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	conn := f.dial(t)

	resp, _ := f.do(t, http.MethodDelete, "/api/projects/billing", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.assertDropped(t, conn)
	assert.Empty(t, f.server.ActiveSessions())
}

func TestSaveWithoutClientDropsConnectedClient(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	conn := f.dial(t)

	revoked := strings.Replace(billingJSON, `[{"name": "127.0.0.1"}]`, `[{"name": "10.9.9.9"}]`, 1)
	resp, body := f.do(t, http.MethodPut, "/api/projects/billing", revoked)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	f.assertDropped(t, conn)

	// The address is no longer permitted, so a new connection is refused.
	again, err := net.Dial("tcp", f.server.Addr().String())
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = again.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, f.server.ActiveSessions())
}

func TestPermissionEndpoints(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)

	resp, body := f.do(t, http.MethodPut, "/api/projects/billing/permissions", `{"principal":"alice","bits":3}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perms []models.Permission
	require.NoError(t, json.Unmarshal(body, &perms))
	require.Len(t, perms, 1)
	assert.True(t, perms[0].Has(models.PermRead|models.PermWrite))

	resp, _ = f.do(t, http.MethodPut, "/api/projects/billing/permissions", `{"bits":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/projects/billing/permissions/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/projects/billing/permissions/999", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	path := "/api/projects/billing/permissions/" + strconv.FormatInt(perms[0].ID, 10)
	resp, _ = f.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"project":"billing"`)

	resp, _ = f.do(t, http.MethodGet, "/api/sessions/127.0.0.1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/projects/billing/hierarchy", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"billing.audit"`)

	resp, _ = f.do(t, http.MethodDelete, "/api/sessions/127.0.0.1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/sessions/10.1.1.1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/projects/shipping/hierarchy", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchStreamsRenderedEvents(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	enc := f.connect(t)

	q := url.Values{"project": {"billing"}, "layout": {"%p %c - %m%n"}}
	resp, err := http.Get(f.http.URL + "/watch?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	require.NoError(t, enc.Encode(&models.LoggingEvent{Logger: "billing.audit", Level: models.LevelError, Message: "refund denied"}))

	lines := bufio.NewScanner(resp.Body)
	var got string
	for lines.Scan() {
		if line := lines.Text(); !strings.HasPrefix(line, "#") {
			got = line
			break
		}
	}
	assert.Equal(t, "ERROR billing.audit - refund denied", got)

	// Ending the only session ends the stream.
	require.NoError(t, f.server.DisconnectSession("127.0.0.1"))
	var last string
	for lines.Scan() {
		last = lines.Text() + "\n"
	}
	assert.Equal(t, watch.EndOfStreamMarker, last)
}

func TestWatchRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)

	for query, code := range map[string]int{
		"":                                     http.StatusBadRequest,
		"project=billing&category=x":           http.StatusBadRequest,
		"project=billing&level=LOUD":           http.StatusBadRequest,
		"project=billing&layout=%25200000000m": http.StatusBadRequest,
		"project=nope":                         http.StatusNotFound,
	} {
		resp, _ := f.do(t, http.MethodGet, "/watch?"+query, "")
		assert.Equal(t, code, resp.StatusCode, query)
	}
}

func TestWatchSocket(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	enc := f.connect(t)

	q := url.Values{"project": {"billing"}, "layout": {"%m"}}
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/watch/ws?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, enc.Encode(&models.LoggingEvent{Logger: "billing", Level: models.LevelInfo, Message: "paid"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(msg) == watch.HeartbeatMarker {
			continue
		}
		assert.Equal(t, "paid", string(msg))
		break
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.putBilling(t)
	f.connect(t)

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "logserver_sessions_active 1")
	assert.Contains(t, string(body), "logserver_connections_accepted_total 1")
}
