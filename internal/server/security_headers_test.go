package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSecurityHeadersMiddleware(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	middleware := securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	middleware.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tenants/acme/classes", nil))

	res := rec.Result()
	assertAPISecurityHeaders(t, res)
	if got := res.Header.Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("expected no HSTS by default, got %q", got)
	}
}

func TestSecurityHeadersHSTSMaxAge(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg  SecurityConfig
		want string
	}{
		{cfg: SecurityConfig{HSTS: true}, want: "max-age=31536000; includeSubDomains"},
		{cfg: SecurityConfig{HSTS: true, HSTSMaxAge: 48 * time.Hour}, want: "max-age=172800; includeSubDomains"},
		{cfg: SecurityConfig{HSTSMaxAge: time.Hour}, want: ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		securityHeadersMiddleware(tc.cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assertHeaderEquals(t, rec.Result(), "Strict-Transport-Security", tc.want)
	}
}

func TestServerAppliesSecurityHeadersToEveryRoute(t *testing.T) {
	env := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/metrics", "/api/tenants/acme/classes", "/missing"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)

			env.server.Handler().ServeHTTP(rec, req)

			res := rec.Result()
			assertAPISecurityHeaders(t, res)
			if got := res.Header.Get("Strict-Transport-Security"); got != "" {
				t.Fatalf("expected no HSTS without TLS, got %q", got)
			}
		})
	}
}

func assertAPISecurityHeaders(t *testing.T, res *http.Response) {
	t.Helper()
	assertHeaderEquals(t, res, "Content-Security-Policy", apiContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", "DENY")
	assertHeaderEquals(t, res, "Referrer-Policy", "no-referrer")
	assertHeaderEquals(t, res, "X-Content-Type-Options", "nosniff")
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
