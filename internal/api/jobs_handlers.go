package api

import (
	"net/http"

	"classes-api/internal/observability/logging"
)

// JobByID serves /api/tenants/{tenant}/jobs/{job}. Polling is read only and
// returns the latest stored snapshot.
func (h *Handler) JobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, "GET")
		return
	}
	tenant := r.PathValue("tenant")
	r = r.WithContext(logging.ContextWithTenant(r.Context(), tenant))
	job, err := h.Service.Job(r.Context(), tenant, r.PathValue("job"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, job)
}
