package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"classes-api/internal/api"
	"classes-api/internal/observability/logging"
	"classes-api/internal/observability/metrics"
	"classes-api/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	// Redis, when set, shares tenant rate limit windows across replicas.
	Redis       redis.UniversalClient
	RedisPrefix string
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
	closing     chan struct{}
	closeOnce   sync.Once
	shutdown    time.Duration
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	var store windowStore
	if cfg.Redis != nil {
		store = newRedisWindowStore(cfg.Redis, cfg.RedisPrefix)
	}
	rl := newRateLimiter(cfg.RateLimit, store)
	if handler.RateLimiter == nil {
		handler.RateLimiter = rl
	}
	closing := make(chan struct{})
	if handler.Closing == nil {
		handler.Closing = closing
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("/api/tenants/{tenant}/classes", handler.Classes)
	mux.HandleFunc("/api/tenants/{tenant}/classes/{id}", handler.ClassByID)
	mux.HandleFunc("/api/tenants/{tenant}/jobs/{job}", handler.JobByID)
	mux.HandleFunc("/api/tenants/{tenant}/events", handler.Events)

	tlsEnabled := strings.TrimSpace(cfg.TLS.CertFile) != "" && strings.TrimSpace(cfg.TLS.KeyFile) != ""
	security := cfg.Security
	security.HSTS = security.HSTS || tlsEnabled

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, recorder, handlerChain)
	handlerChain = securityHeadersMiddleware(security, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", extractClientIP(r)}
		},
		DisableRemoteAddr: true,
		QuietPaths:        []string{"/healthz", "/metrics"},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		closing:     closing,
		shutdown:    cfg.ShutdownTimeout,
	}
	if tlsEnabled {
		srv.tlsCertFile = strings.TrimSpace(cfg.TLS.CertFile)
		srv.tlsKeyFile = strings.TrimSpace(cfg.TLS.KeyFile)
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open event
// streams are released as soon as shutdown begins. ready, when non-nil, is
// closed once the listener is bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile},
		ShutdownTimeout: s.shutdown,
		Ready:           ready,
		OnShutdown:      []func(){s.closeStreams},
		Logger:          s.logger,
	})
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func rateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.ObserveRateLimited("global")
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		tenant := tenantFromPath(r.URL.Path)
		if tenant == "" {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter, err := rl.AllowTenant(r.Context(), tenant)
		if err != nil {
			loggerWithRequestContext(r.Context(), nil).Error("rate limiter failure", "tenant", tenant, "error", err)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			recorder.ObserveRateLimited("tenant")
			if retryAfter > 0 {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "tenant rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tenantFromPath extracts the tenant segment of /api/tenants/{tenant}/...
// routes. Other paths yield an empty string.
func tenantFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/tenants/")
	if !ok {
		return ""
	}
	segment, _, _ := strings.Cut(rest, "/")
	tenant, err := url.PathUnescape(segment)
	if err != nil {
		return segment
	}
	return strings.TrimSpace(tenant)
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(rr, r)
		if !shouldAudit(r) {
			return
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if tenant := tenantFromPath(r.URL.Path); tenant != "" {
			fields = append(fields, "tenant", tenant)
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// writeMiddlewareError answers with the same {"error": msg} body the handlers
// use.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
