package api

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type healthCheck struct {
	component string
	checker   HealthChecker
}

func (h *Handler) healthChecks() []healthCheck {
	checks := make([]healthCheck, 0, 3)
	if h.Service != nil {
		checks = append(checks, healthCheck{component: "datastore", checker: h.Service})
	}
	if h.RateLimiter != nil {
		checks = append(checks, healthCheck{component: "rate_limiter", checker: h.RateLimiter})
	}
	if h.Bus != nil {
		checks = append(checks, healthCheck{component: "event_bus", checker: h.Bus})
	}
	return checks
}

// componentHealth pings every dependency concurrently under one shared
// timeout. Any failure degrades the overall status to 503.
func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	checks := h.healthChecks()
	results := make([]componentStatus, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.checker.Ping(ctx)
			results[i] = componentStatus{
				Component: check.component,
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				results[i].Status = "degraded"
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range results {
		if result.Status != "ok" {
			return results, "degraded", http.StatusServiceUnavailable
		}
	}
	return results, "ok", http.StatusOK
}
