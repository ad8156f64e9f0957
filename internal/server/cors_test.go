package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.CORS = CORSConfig{AllowedOrigins: []string{"https://Console.Example.com/"}}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/uploads", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code >= 300 {
		t.Fatalf("expected successful preflight without a token, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("expected allow origin header, got %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("expected allow methods header")
	}
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.CORS = CORSConfig{AllowedOrigins: []string{"https://console.example.com"}}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin header, got %q", got)
	}
}

func TestCORSWithoutOriginsAllowsNone(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin header, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected request to be served, got %d", rec.Code)
	}
}

func TestNormalizeOrigin(t *testing.T) {
	got, err := normalizeOrigin(" HTTPS://Admin.Example.com:8443/path ")
	if err != nil {
		t.Fatalf("normalizeOrigin: %v", err)
	}
	if got != "https://admin.example.com:8443" {
		t.Fatalf("unexpected origin %q", got)
	}
	if _, err := normalizeOrigin("admin.example.com"); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
	if _, err := newCORSHandler(CORSConfig{AllowedOrigins: []string{"not a url"}}); err == nil {
		t.Fatal("expected invalid origin to be rejected")
	}
}
