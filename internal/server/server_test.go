package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"classes-api/internal/api"
	"classes-api/internal/classes"
	"classes-api/internal/jobs"
	"classes-api/internal/notify"
	"classes-api/internal/observability/metrics"
	"classes-api/internal/storage"
)

type testServer struct {
	server   *Server
	handler  *api.Handler
	recorder *metrics.Recorder
	bus      notify.Bus
}

func newTestHandler(t *testing.T) (*api.Handler, notify.Bus) {
	t.Helper()
	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "classes.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}
	registry := jobs.NewMemoryRegistry(jobs.MemoryRegistryConfig{})
	executor, err := jobs.NewExecutor(jobs.ExecutorConfig{Registry: registry, Concurrency: 2})
	if err != nil {
		t.Fatalf("NewExecutor error: %v", err)
	}
	bus := notify.NewMemoryBus(16)
	service, err := classes.NewService(classes.Config{
		Store:    store,
		Runner:   executor,
		Registry: registry,
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = executor.Shutdown(ctx)
		_ = bus.Close()
	})
	handler := api.NewHandler(service, nil)
	handler.Jobs = executor
	handler.KeepAlive = 50 * time.Millisecond
	return handler, bus
}

func newTestServer(t *testing.T, cfg Config) testServer {
	t.Helper()
	handler, bus := newTestHandler(t)
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return testServer{server: srv, handler: handler, recorder: cfg.Metrics, bus: bus}
}

func (env testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsMalformedCORSOrigin(t *testing.T) {
	handler, _ := newTestHandler(t)
	if _, err := New(handler, Config{CORS: CORSConfig{AllowedOrigins: []string{"::bad"}}}); err == nil {
		t.Fatal("expected error for malformed origin")
	}
}

func TestServerRoutesClassLifecycle(t *testing.T) {
	env := newTestServer(t, Config{})

	created := env.do(t, http.MethodPost, "/api/tenants/acme/classes", `{"name":"Algebra"}`, map[string]string{"X-Request-Id": "req-1"})
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	if created.Header().Get("X-Request-Id") != "req-1" {
		t.Fatalf("expected request id echoed, got %q", created.Header().Get("X-Request-Id"))
	}
	location := created.Header().Get("Location")
	etag := created.Header().Get("ETag")
	if location == "" || etag == "" {
		t.Fatalf("expected Location and ETag, got %q %q", location, etag)
	}

	fetched := env.do(t, http.MethodGet, location, "", nil)
	if fetched.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", fetched.Code)
	}

	missing := env.do(t, http.MethodPut, location, `{"name":"Geometry"}`, nil)
	if missing.Code != http.StatusPreconditionRequired {
		t.Fatalf("expected 428, got %d", missing.Code)
	}

	replaced := env.do(t, http.MethodPut, location, `{"name":"Geometry"}`, map[string]string{"If-Match": etag})
	if replaced.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", replaced.Code, replaced.Body.String())
	}

	stale := env.do(t, http.MethodDelete, location, "", map[string]string{"If-Match": etag})
	if stale.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412 for stale etag, got %d", stale.Code)
	}

	deleted := env.do(t, http.MethodDelete, location, "", map[string]string{"If-Match": replaced.Header().Get("ETag")})
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", deleted.Code)
	}

	if count := env.recorder.ActiveJobs(); count != 0 {
		t.Fatalf("expected no active jobs, got %d", count)
	}
}

func TestServerBatchDeleteAndPoll(t *testing.T) {
	env := newTestServer(t, Config{})

	accepted := env.do(t, http.MethodDelete, "/api/tenants/acme/classes", `{"ids":["a","b"]}`, nil)
	if accepted.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", accepted.Code, accepted.Body.String())
	}
	location := accepted.Header().Get("Location")
	if !strings.HasPrefix(location, "/api/tenants/acme/jobs/") {
		t.Fatalf("unexpected job location %q", location)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := env.do(t, http.MethodGet, location, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200 polling job, got %d", rec.Code)
		}
		var job struct {
			Status string `json:"status"`
			Error  int    `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == "complete" {
			if job.Error != 2 {
				t.Fatalf("expected both missing ids to fail, got %d", job.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not complete, last status %q", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	otherTenant := env.do(t, http.MethodGet, strings.Replace(location, "/acme/", "/globex/", 1), "", nil)
	if otherTenant.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another tenant's job, got %d", otherTenant.Code)
	}
}

func TestServerHealthReportsRateLimiter(t *testing.T) {
	env := newTestServer(t, Config{})
	if env.handler.RateLimiter == nil {
		t.Fatal("expected server to register its rate limiter for health checks")
	}

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Status     string `json:"status"`
		Components []struct {
			Component string `json:"component"`
			Status    string `json:"status"`
		} `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	found := false
	for _, component := range payload.Components {
		if component.Component == "rate_limiter" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected rate_limiter component, got %+v", payload.Components)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	env := newTestServer(t, Config{})

	env.do(t, http.MethodGet, "/api/tenants/acme/classes", "", nil)
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "classes_http_requests_total") {
		t.Fatalf("expected request counter in output:\n%s", rec.Body.String())
	}

	post := env.do(t, http.MethodPost, "/metrics", "", nil)
	if post.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /metrics, got %d", post.Code)
	}
}

func TestServerTenantRateLimit(t *testing.T) {
	env := newTestServer(t, Config{RateLimit: RateLimitConfig{TenantRPS: 0.001, TenantBurst: 1}})

	first := env.do(t, http.MethodGet, "/api/tenants/acme/classes", "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}
	second := env.do(t, http.MethodGet, "/api/tenants/acme/classes", "", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	other := env.do(t, http.MethodGet, "/api/tenants/globex/classes", "", nil)
	if other.Code != http.StatusOK {
		t.Fatalf("expected other tenant unaffected, got %d", other.Code)
	}
}

func TestAuditMiddlewareLogsMutations(t *testing.T) {
	var buf bytes.Buffer
	audit := slog.New(slog.NewJSONHandler(&buf, nil))
	env := newTestServer(t, Config{AuditLogger: audit})

	env.do(t, http.MethodGet, "/api/tenants/acme/classes", "", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected reads to skip audit, got %s", buf.String())
	}

	env.do(t, http.MethodPost, "/api/tenants/acme/classes", `{"name":"Audit"}`, map[string]string{"X-Request-Id": "audit-1"})
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode audit entry: %v (%s)", err, buf.String())
	}
	if entry["tenant"] != "acme" || entry["request_id"] != "audit-1" {
		t.Fatalf("unexpected audit entry %v", entry)
	}
	if entry["status"] != float64(http.StatusCreated) {
		t.Fatalf("expected audited status 201, got %v", entry["status"])
	}
}

func TestServerStreamsEventsThroughMiddleware(t *testing.T) {
	env := newTestServer(t, Config{AuditLogger: slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))})
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/tenants/acme/events", nil)
	if err != nil {
		t.Fatalf("NewRequest error: %v", err)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("stream request error: %v", err)
	}
	defer res.Body.Close()
	if got := res.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	reader := bufio.NewReader(res.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	created := env.do(t, http.MethodPost, "/api/tenants/acme/classes", `{"name":"Streamed"}`, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.Code)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if name := strings.TrimSpace(strings.TrimPrefix(line, "event: ")); name != "create" {
				t.Fatalf("unexpected event %q", name)
			}
			return
		}
	}
}

func TestExtractClientIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	if got := extractClientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Real-IP", "192.0.2.7")
	if got := extractClientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected X-Real-IP, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.2, 10.0.0.1")
	if got := extractClientIP(req); got != "198.51.100.2" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}

func TestServerRunClosesStreamsOnShutdown(t *testing.T) {
	env := newTestServer(t, Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- env.server.Run(ctx, ready)
	}()
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case <-env.handler.Closing:
	default:
		t.Fatal("expected event streams to be released")
	}
}
