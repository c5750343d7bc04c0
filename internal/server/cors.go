package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// CORSConfig lists the browser origins allowed to call the API. "*" admits
// any origin; the API never sends credentials so this is only a reach
// decision. With no entries only same-origin requests pass.
type CORSConfig struct {
	AllowedOrigins []string
}

const (
	corsAllowMethods   = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders   = "Content-Type, If-Match, X-Request-Id"
	corsExposeHeaders  = "ETag, Location, Retry-After, X-Request-Id"
	corsPreflightCache = "600"
)

var corsMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

type corsPolicy struct {
	anyOrigin bool
	allowed   map[string]struct{}
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	policy := corsPolicy{allowed: make(map[string]struct{})}
	for _, origin := range cfg.AllowedOrigins {
		if strings.TrimSpace(origin) == "*" {
			policy.anyOrigin = true
			continue
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return corsPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			policy.allowed[normalized] = struct{}{}
		}
	}
	return policy, nil
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := w.Header()
		header.Add("Vary", "Origin")
		if !policy.allows(origin, requestOrigin(r)) {
			loggerWithRequestContext(r.Context(), logger).Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		requested := r.Header.Get("Access-Control-Request-Method")
		if r.Method != http.MethodOptions || requested == "" {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := corsMethods[strings.ToUpper(requested)]; !ok {
			header.Set("Allow", corsAllowMethods)
			writeMiddlewareError(w, http.StatusMethodNotAllowed, "method "+requested+" not allowed")
			return
		}
		header.Set("Access-Control-Allow-Methods", corsAllowMethods)
		header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		header.Set("Access-Control-Max-Age", corsPreflightCache)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (p corsPolicy) allows(origin, sameOrigin string) bool {
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	if p.anyOrigin {
		return true
	}
	if _, ok := p.allowed[normalized]; ok {
		return true
	}
	return sameOrigin != "" && normalized == sameOrigin
}

// requestOrigin is the origin the request was addressed to, used to let
// same-origin browser calls through without configuration.
func requestOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}
