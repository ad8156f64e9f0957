package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeadersMiddlewareUsesDefaults(t *testing.T) {
	handler := securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/uploads", nil))

	expected := map[string]string{
		"Content-Security-Policy": defaultContentSecurityPolicy,
		"X-Frame-Options":         defaultFrameOptions,
		"X-Content-Type-Options":  defaultContentTypeOptions,
		"Referrer-Policy":         defaultReferrerPolicy,
		"Cache-Control":           defaultCacheControl,
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	cfg := SecurityConfig{
		ContentSecurityPolicy: "default-src 'self'",
		FrameOptions:          "SAMEORIGIN",
	}
	handler := securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("Content-Security-Policy"); got != "default-src 'self'" {
		t.Fatalf("unexpected CSP %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("unexpected frame options %q", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != defaultReferrerPolicy {
		t.Fatalf("expected default referrer policy, got %q", got)
	}
}

func TestServerAppliesSecurityHeadersToErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/uploads", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != defaultContentTypeOptions {
		t.Fatal("expected security headers on rejected requests")
	}
}
