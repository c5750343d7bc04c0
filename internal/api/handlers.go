package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"classes-api/internal/classes"
)

// HealthChecker is implemented by dependencies reported on /healthz.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// ActiveJobCounter reports how many batch jobs are still running.
type ActiveJobCounter interface {
	Active() int
}

type Handler struct {
	Service     *classes.Service
	RateLimiter HealthChecker
	Bus         HealthChecker
	Jobs        ActiveJobCounter
	Logger      *slog.Logger
	// KeepAlive is the interval between SSE comment frames.
	KeepAlive time.Duration
	// Closing ends open event streams when it is closed.
	Closing <-chan struct{}
}

func NewHandler(service *classes.Service, logger *slog.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r, "GET, HEAD")
		return
	}
	components, status, code := h.componentHealth(r.Context())
	payload := map[string]interface{}{
		"status":     status,
		"components": components,
	}
	if h.Jobs != nil {
		payload["activeJobs"] = h.Jobs.Active()
	}
	writeJSON(w, code, payload)
}
