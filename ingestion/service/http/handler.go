package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	core "github.com/tusury/vt-middleware-sub006/ingestion/service/core"
	"github.com/tusury/vt-middleware-sub006/internal/configurator"
	"github.com/tusury/vt-middleware-sub006/internal/watch"
	"github.com/tusury/vt-middleware-sub006/storage/store"
)

// Options holds the collaborators behind the HTTP surface
type Options struct {
	Server   *core.Server
	Store    store.Store
	Admin    *store.Admin
	Watch    *watch.Manager
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer

	// WriteTimeout bounds a single websocket frame write.
	WriteTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Handler serves the control, project and live watch endpoints
type Handler struct {
	server       *core.Server
	store        store.Store
	admin        *store.Admin
	watch        *watch.Manager
	gatherer     prometheus.Gatherer
	writeTimeout time.Duration
	logger       *zap.SugaredLogger
}

// NewHandler creates a new Handler
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		server:       opts.Server,
		store:        opts.Store,
		admin:        opts.Admin,
		watch:        opts.Watch,
		gatherer:     opts.Gatherer,
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger,
	}
}

// Routes registers every endpoint on a new mux
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/server", h.ServerStatus)
	mux.HandleFunc("POST /api/server/start", h.StartServer)
	mux.HandleFunc("POST /api/server/stop", h.StopServer)
	mux.HandleFunc("GET /api/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/sessions/{addr}", h.GetSession)
	mux.HandleFunc("DELETE /api/sessions/{addr}", h.DisconnectSession)

	mux.HandleFunc("GET /api/projects", h.ListProjects)
	mux.HandleFunc("GET /api/projects/{name}", h.GetProject)
	mux.HandleFunc("PUT /api/projects/{name}", h.PutProject)
	mux.HandleFunc("DELETE /api/projects/{name}", h.DeleteProject)
	mux.HandleFunc("GET /api/projects/{name}/hierarchy", h.GetHierarchy)
	mux.HandleFunc("PUT /api/projects/{name}/permissions", h.PutPermission)
	mux.HandleFunc("DELETE /api/projects/{name}/permissions/{id}", h.DeletePermission)

	mux.HandleFunc("GET /watch", h.Watch)
	mux.HandleFunc("GET /watch/ws", h.WatchSocket)
	return mux
}

// HealthCheck handles GET /health requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"service":   "logserver",
		"acceptor":  h.server.State().String(),
	}
	h.respondJSON(w, resp, http.StatusOK)
}

type serverStatus struct {
	State          string     `json:"state"`
	Address        string     `json:"address,omitempty"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	MaxClients     int        `json:"max_clients"`
	ActiveSessions int        `json:"active_sessions"`
	RemovalPolicy  string     `json:"removal_policy"`
}

func (h *Handler) status() serverStatus {
	st := serverStatus{
		State:          h.server.State().String(),
		MaxClients:     h.server.MaxClients(),
		ActiveSessions: len(h.server.ActiveSessions()),
		RemovalPolicy:  h.server.RemovalPolicyName(),
	}
	if addr := h.server.Addr(); addr != nil {
		st.Address = addr.String()
	}
	if t := h.server.StartTime(); !t.IsZero() && h.server.State() == core.StateRunning {
		st.StartTime = &t
	}
	return st
}

// ServerStatus handles GET /api/server
func (h *Handler) ServerStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.status(), http.StatusOK)
}

// StartServer handles POST /api/server/start
func (h *Handler) StartServer(w http.ResponseWriter, r *http.Request) {
	if err := h.server.Start(r.Context()); err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, h.status(), http.StatusOK)
}

// StopServer handles POST /api/server/stop
func (h *Handler) StopServer(w http.ResponseWriter, r *http.Request) {
	if err := h.server.Stop(r.Context()); err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, h.status(), http.StatusOK)
}

// ListSessions handles GET /api/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, h.server.ActiveSessions(), http.StatusOK)
}

// GetSession handles GET /api/sessions/{addr}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := h.server.Session(r.PathValue("addr"))
	if !ok {
		h.respondError(w, "session not found", http.StatusNotFound)
		return
	}
	h.respondJSON(w, info, http.StatusOK)
}

// DisconnectSession handles DELETE /api/sessions/{addr}
func (h *Handler) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := h.server.DisconnectSession(r.PathValue("addr")); err != nil {
		h.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *configurator.ConfigurationError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, watch.ErrInvalidRequest), errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrAlreadyRunning), errors.Is(err, core.ErrNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondFailure(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Errorf("HTTP Handler: request failed: %v", err)
	}
	h.respondError(w, err.Error(), code)
}

// respondJSON sends JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnf("HTTP Handler: Failed to encode JSON response: %v", err)
	}
}

// respondError sends error response
func (h *Handler) respondError(w http.ResponseWriter, message string, statusCode int) {
	errorResp := map[string]interface{}{
		"error":   message,
		"status":  statusCode,
		"message": http.StatusText(statusCode),
	}

	h.respondJSON(w, errorResp, statusCode)
}
