package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"classes-api/internal/classes"
	"classes-api/internal/models"
	"classes-api/internal/observability/logging"
	"classes-api/internal/storage"
)

type batchDeleteRequest struct {
	IDs []string `json:"ids"`
}

// Classes serves /api/tenants/{tenant}/classes.
func (h *Handler) Classes(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	r = r.WithContext(logging.ContextWithTenant(r.Context(), tenant))
	switch r.Method {
	case http.MethodGet:
		h.listClasses(w, r, tenant)
	case http.MethodPost:
		h.createClass(w, r, tenant)
	case http.MethodDelete:
		h.batchDeleteClasses(w, r, tenant)
	default:
		writeMethodNotAllowed(w, r, "GET, POST, DELETE")
	}
}

// ClassByID serves /api/tenants/{tenant}/classes/{id}.
func (h *Handler) ClassByID(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	id := r.PathValue("id")
	r = r.WithContext(logging.ContextWithTenant(r.Context(), tenant))
	switch r.Method {
	case http.MethodGet:
		class, err := h.Service.Get(r.Context(), tenant, id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeClass(w, http.StatusOK, class)
	case http.MethodPut:
		h.replaceClass(w, r, tenant, id)
	case http.MethodDelete:
		if err := h.Service.Delete(r.Context(), tenant, id, ifMatch(r)); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, r, "GET, PUT, DELETE")
	}
}

func (h *Handler) listClasses(w http.ResponseWriter, r *http.Request, tenant string) {
	query := r.URL.Query()
	skip, err := queryInt(query, "skip")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	limit, err := queryInt(query, "limit")
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	result, err := h.Service.List(r.Context(), tenant, storage.ListOptions{Skip: skip, Limit: limit})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) createClass(w http.ResponseWriter, r *http.Request, tenant string) {
	doc, err := readDocument(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	class, err := h.Service.Create(r.Context(), tenant, doc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", classLocation(class))
	writeClass(w, http.StatusCreated, class)
}

func (h *Handler) replaceClass(w http.ResponseWriter, r *http.Request, tenant, id string) {
	doc, err := readDocument(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	class, err := h.Service.Replace(r.Context(), tenant, id, ifMatch(r), doc)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeClass(w, http.StatusOK, class)
}

func (h *Handler) batchDeleteClasses(w http.ResponseWriter, r *http.Request, tenant string) {
	raw, err := readBody(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if raw == nil {
		h.writeServiceError(w, r, fmt.Errorf("%w: missing request body", classes.ErrBadRequest))
		return
	}
	var req batchDeleteRequest
	if err := decodeJSON(raw, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	job, err := h.Service.SubmitBatchDelete(r.Context(), tenant, req.IDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", jobLocation(job))
	writeJSON(w, http.StatusAccepted, job)
}

// readDocument decodes a class document. A missing body yields a nil
// document so the service can reject it with its own message.
func readDocument(w http.ResponseWriter, r *http.Request) (*classes.Document, error) {
	raw, err := readBody(w, r)
	if err != nil || raw == nil {
		return nil, err
	}
	var doc classes.Document
	if err := decodeJSON(raw, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func writeClass(w http.ResponseWriter, status int, class models.Class) {
	if class.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(class.ETag))
	}
	writeJSON(w, status, class)
}

// ifMatch returns the entity tag from If-Match with weak prefix and quotes
// removed. "*" is passed through.
func ifMatch(r *http.Request) string {
	value := strings.TrimSpace(r.Header.Get("If-Match"))
	value = strings.TrimPrefix(value, "W/")
	if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
		value = value[1 : len(value)-1]
	}
	return value
}

func queryInt(query url.Values, key string) (int, error) {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", classes.ErrBadRequest, key)
	}
	return value, nil
}

func classLocation(class models.Class) string {
	return "/api/tenants/" + url.PathEscape(class.TenantID) + "/classes/" + url.PathEscape(class.ID)
}

func jobLocation(job models.Job) string {
	return "/api/tenants/" + url.PathEscape(job.TenantID) + "/jobs/" + url.PathEscape(job.ID)
}
