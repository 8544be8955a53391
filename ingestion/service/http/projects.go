package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tusury/vt-middleware-sub006/internal/models"
)

// maxBodyBytes limits project and permission documents.
const maxBodyBytes = 1 << 20

// ListProjects handles GET /api/projects
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, projects, http.StatusOK)
}

// GetProject handles GET /api/projects/{name}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.FindProject(r.Context(), r.PathValue("name"))
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, p, http.StatusOK)
}

// PutProject handles PUT /api/projects/{name}. The body is the complete new
// project definition.
func (h *Handler) PutProject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var p models.Project
	if !h.decodeBody(w, r, &p) {
		return
	}
	if p.Name != "" && p.Name != name {
		h.respondError(w, "project name does not match path", http.StatusBadRequest)
		return
	}
	p.Name = name

	saved, err := h.admin.Save(r.Context(), &p)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, saved, http.StatusOK)
}

// DeleteProject handles DELETE /api/projects/{name}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.Delete(r.Context(), r.PathValue("name")); err != nil {
		h.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHierarchy handles GET /api/projects/{name}/hierarchy. Only projects with
// a connected client have a hierarchy.
func (h *Handler) GetHierarchy(w http.ResponseWriter, r *http.Request) {
	hier, ok := h.server.Hierarchy(r.PathValue("name"))
	if !ok {
		h.respondError(w, "no active hierarchy for project", http.StatusNotFound)
		return
	}
	h.respondJSON(w, hier.Snapshot(), http.StatusOK)
}

// PutPermission handles PUT /api/projects/{name}/permissions
func (h *Handler) PutPermission(w http.ResponseWriter, r *http.Request) {
	var perm models.Permission
	if !h.decodeBody(w, r, &perm) {
		return
	}
	if perm.Principal == "" {
		h.respondError(w, "principal is required", http.StatusBadRequest)
		return
	}
	p, err := h.admin.SetPermission(r.Context(), r.PathValue("name"), perm)
	if err != nil {
		h.respondFailure(w, err)
		return
	}
	h.respondJSON(w, p.Permissions, http.StatusOK)
}

// DeletePermission handles DELETE /api/projects/{name}/permissions/{id}
func (h *Handler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.respondError(w, "invalid permission id", http.StatusBadRequest)
		return
	}
	if _, err := h.admin.RemovePermission(r.Context(), r.PathValue("name"), id); err != nil {
		h.respondFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Header.Get("Content-Type") != "application/json" {
		h.respondError(w, "Content-Type must be application/json", http.StatusBadRequest)
		return false
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.logger.Debugf("HTTP Handler: Failed to parse JSON request: %v", err)
		h.respondError(w, "Bad Request: Invalid JSON format", http.StatusBadRequest)
		return false
	}
	return true
}
