package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tusury/vt-middleware-sub006/internal/watch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// watchRequest reads a viewer request from the query string:
// project, category (repeatable id), level, layout and filter.
func watchRequest(r *http.Request) (watch.Request, error) {
	q := r.URL.Query()
	req := watch.Request{
		Project: q.Get("project"),
		Level:   q.Get("level"),
		Layout:  q.Get("layout"),
		Filter:  q.Get("filter"),
	}
	for _, raw := range q["category"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return req, watch.ErrInvalidRequest
		}
		req.CategoryIDs = append(req.CategoryIDs, id)
	}
	return req, nil
}

func (h *Handler) attach(w http.ResponseWriter, r *http.Request) (*watch.Subscription, bool) {
	req, err := watchRequest(r)
	if err == nil {
		var sub *watch.Subscription
		if sub, err = h.watch.Attach(r.Context(), req); err == nil {
			return sub, true
		}
	}
	h.respondFailure(w, err)
	return nil, false
}

// Watch handles GET /watch. Rendered events stream as a chunked plain text
// response until the viewer goes away or the project's sessions end.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.attach(w, r)
	if !ok {
		return
	}
	defer h.watch.Detach(sub)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if err := h.watch.NewFeed(sub).Run(r.Context(), w); err != nil {
		h.logger.Infof("Watch %s ended: %v", sub.ID, err)
	}
}

// wsWriter sends every write as one text frame.
type wsWriter struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (w wsWriter) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WatchSocket handles GET /watch/ws, the websocket flavour of Watch.
func (h *Handler) WatchSocket(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.attach(w, r)
	if !ok {
		return
	}
	defer h.watch.Detach(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Watch %s: websocket upgrade failed: %v", sub.ID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Drain control frames; any read error means the viewer is gone.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.watch.NewFeed(sub).Run(ctx, wsWriter{conn: conn, timeout: h.writeTimeout}); err != nil {
		h.logger.Infof("Watch %s ended: %v", sub.ID, err)
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}
