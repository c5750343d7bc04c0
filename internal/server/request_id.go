package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"classes-api/internal/observability/logging"
)

const maxRequestIDLength = 128

// requestIDMiddleware adopts the caller's X-Request-Id when it is a short,
// printable token and otherwise mints a ULID. The id, the tenant named in the
// path and a logger carrying both are stored on the request context.
func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, generate func() string, next http.Handler) http.Handler {
	if generate == nil {
		generate = newRequestID
	}
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if !validRequestID(requestID) {
			requestID = generate()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.ContextWithTenant(ctx, tenantFromPath(r.URL.Path))
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	return ulid.Make().String()
}

// validRequestID rejects ids that would let a caller inject separators or
// control characters into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return false
		}
	}
	return true
}

// loggerWithRequestContext returns the logger stored by requestIDMiddleware,
// or base annotated with whatever the context carries.
func loggerWithRequestContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, base)
}
