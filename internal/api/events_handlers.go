package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"classes-api/internal/observability/logging"
)

const defaultKeepAlive = 15 * time.Second

// Events streams the tenant's notifications as Server-Sent Events until the
// client disconnects or the bus closes the subscription.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, "GET")
		return
	}
	tenant := r.PathValue("tenant")
	ctx := logging.ContextWithTenant(r.Context(), tenant)
	r = r.WithContext(ctx)

	sub, err := h.Service.Subscribe(tenant)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logging.WithContext(ctx, h.logger()).Warn("event stream not flushable", "error", err)
		return
	}

	keepAlive := h.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Closing:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				logging.WithContext(ctx, h.logger()).Error("failed to encode event", "event", event.Name, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Name, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
