package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "warn", Format: "TEXT"})
	logger.Info("dropped")
	logger.Warn("kept", "tenant", "acme")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info entry to be filtered, got %q", out)
	}
	if !strings.Contains(out, "msg=kept") || !strings.Contains(out, "tenant=acme") {
		t.Fatalf("expected text entry, got %q", out)
	}
}

func TestNewFallsBackOnUnknownValues(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Level: "chatty", Format: "xml"})
	logger.Info("json entry")

	payload := decodeEntry(t, &buf)
	if payload["msg"] != "json entry" {
		t.Fatalf("expected json fallback at info, got %v", payload)
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "debug", expected: slog.LevelDebug},
		{input: "warning", expected: slog.LevelWarn},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "", expected: slog.LevelInfo},
		{input: " DeBuG ", expected: slog.LevelDebug},
		{input: "info+2", expected: slog.LevelInfo + 2},
		{input: "verbose", expected: slog.LevelInfo, wantErr: true},
	}

	for _, tc := range testCases {
		got, err := ParseLevel(tc.input)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
		}
		if got != tc.expected {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if format, err := ParseFormat(""); err != nil || format != FormatJSON {
		t.Fatalf("expected blank format to mean json, got %q %v", format, err)
	}
	if format, err := ParseFormat(" Text "); err != nil || format != FormatText {
		t.Fatalf("expected text format, got %q %v", format, err)
	}
	if _, err := ParseFormat("logfmt"); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}

func TestWithComponentAndJob(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithJob(WithComponent(logger, "jobs"), "01HX", "acme", "class.batch_delete").Info("batch finished")

	payload := decodeEntry(t, &buf)
	for key, want := range map[string]string{
		"component": "jobs",
		"job_id":    "01HX",
		"tenant":    "acme",
		"kind":      "class.batch_delete",
	} {
		if payload[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, payload[key])
		}
	}
	if got := WithComponent(nil, "anything"); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}
}

func TestContextWithRequestIDAndTenant(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-123")
	ctx = ContextWithTenant(ctx, " acme ")

	if id, ok := RequestIDFromContext(ctx); !ok || id != "req-123" {
		t.Fatalf("expected request id req-123, got %q", id)
	}
	if tenant, ok := TenantFromContext(ctx); !ok || tenant != "acme" {
		t.Fatalf("expected tenant acme, got %q", tenant)
	}
	if _, ok := TenantFromContext(ContextWithTenant(context.Background(), "  ")); ok {
		t.Fatalf("expected blank tenant to be ignored")
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithTenant(ContextWithRequestID(context.Background(), "req-1"), "tenant-1")

	var buf bytes.Buffer
	WithContext(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	payload := decodeEntry(t, &buf)
	if payload["request_id"] != "req-1" || payload["tenant"] != "tenant-1" {
		t.Fatalf("expected request_id and tenant, got %v", payload)
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: FormatText, Level: "debug"})
	if logger != slog.Default() {
		t.Fatalf("expected Init to replace the default logger")
	}

	slog.Debug("hello world")

	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected text output to include message, got %q", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	middleware := RequestLogger(RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
			return []any{"route_status", status}
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/api/tenants/acme/classes", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req = req.WithContext(ContextWithTenant(req.Context(), "acme"))

	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeEntry(t, &buf)
	if payload["status"] != float64(http.StatusCreated) || payload["route_status"] != float64(http.StatusCreated) {
		t.Fatalf("expected status %d, got %v", http.StatusCreated, payload)
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("expected remote_addr to be recorded, got %v", payload["remote_addr"])
	}
	if payload["tenant"] != "acme" || payload["level"] != "INFO" {
		t.Fatalf("expected info entry with tenant, got %v", payload)
	}
}

func TestRequestLoggerQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, QuietPaths: []string{"/healthz"}})

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	middleware(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected healthy probe to log at debug only, got %q", buf.String())
	}

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	middleware(failing).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if payload := decodeEntry(t, &buf); payload["level"] != "ERROR" {
		t.Fatalf("expected failing probe at error level, got %v", payload)
	}
}

func TestRequestLoggerErrorsOnServerErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, DisableRemoteAddr: true})

	req := httptest.NewRequest(http.MethodGet, "/api/tenants/acme/jobs/01HX", nil)
	middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})).ServeHTTP(httptest.NewRecorder(), req)

	payload := decodeEntry(t, &buf)
	if payload["level"] != "ERROR" {
		t.Fatalf("expected ERROR level, got %v", payload["level"])
	}
	if _, ok := payload["remote_addr"]; ok {
		t.Fatalf("expected remote_addr to be omitted")
	}
}
