// Package logging builds the service's slog loggers and carries request
// scoped fields (request id, tenant) through contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"classes-api/internal/observability/metrics"
)

type Config struct {
	Level  string
	Format string
	Writer io.Writer
}

const (
	FormatJSON = "json"
	FormatText = "text"
)

// Init builds a logger from cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to cfg.Writer, or stdout. Unknown levels fall
// back to info; Validate config with ParseLevel and ParseFormat first.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	options := &slog.HandlerOptions{Level: level}
	if format, _ := ParseFormat(cfg.Format); format == FormatText {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

// ParseLevel accepts debug, info, warn (or warning) and error in any case,
// including slog offsets such as "warn+2". Blank means info.
func ParseLevel(value string) (slog.Level, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return slog.LevelInfo, nil
	}
	if strings.EqualFold(trimmed, "warning") {
		trimmed = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(trimmed)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
	return level, nil
}

// ParseFormat returns FormatJSON or FormatText. Blank means json.
func ParseFormat(value string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatText:
		return FormatText, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format %q", value)
	}
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// WithJob annotates logger with the fields every batch job log line carries.
func WithJob(logger *slog.Logger, jobID, tenant, kind string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("job_id", jobID, "tenant", tenant, "kind", kind)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	tenantKey    contextKey = "tenant"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID stores id on ctx. Blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withValue(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// ContextWithTenant stores the tenant a request operates on. Blank tenants are
// ignored.
func ContextWithTenant(ctx context.Context, tenant string) context.Context {
	return withValue(ctx, tenantKey, tenant)
}

func TenantFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, tenantKey)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext adds the request id and tenant found on ctx to logger.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if tenant, ok := TenantFromContext(ctx); ok {
		logger = logger.With("tenant", tenant)
	}
	return logger
}

type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// QuietPaths are logged at debug level unless they fail with a 5xx.
	// Health probes and metric scrapes belong here.
	QuietPaths       []string
	AdditionalFields func(*http.Request, int, time.Duration) []any
}

// RequestLogger logs one "request completed" line per request. 5xx responses
// are logged at error level.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	quiet := make(map[string]struct{}, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			duration := time.Since(start)
			status := recorder.Status()
			level := slog.LevelInfo
			if _, ok := quiet[r.URL.Path]; ok {
				level = slog.LevelDebug
			}
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			requestLogger := WithContext(r.Context(), baseLogger)
			if !requestLogger.Enabled(r.Context(), level) {
				return
			}

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", duration.Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, cfg.AdditionalFields(r, status, duration)...)
			}
			requestLogger.Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
