package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"reelhouse/internal/api"
	"reelhouse/internal/ingest"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/queue"
	"reelhouse/internal/storage"
)

const testToken = "s3cret-token"

type testServer struct {
	handler http.Handler
	gateway *objectstore.Memory
	logs    *bytes.Buffer
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAPI(t *testing.T, gateway *objectstore.Memory) *api.Handler {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	jobs := queue.NewMemory(8, queue.DefaultRetryPolicy(), quietLogger())
	t.Cleanup(func() { jobs.Close() })
	service, err := ingest.NewService(ingest.ServiceConfig{
		Store:    store,
		Gateway:  gateway,
		Queue:    jobs,
		PartSize: 4,
		Logger:   quietLogger(),
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	return api.NewHandler(service, quietLogger(), api.HealthCheck{Component: "store", Ping: store.Ping})
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	gateway := objectstore.NewMemory("http://reelhouse.test/storage")
	var logs bytes.Buffer
	cfg := Config{
		Auth:    AuthConfig{Token: testToken},
		Mounts:  []Mount{{Prefix: "/storage", Handler: gateway.Handler()}},
		Logger:  slog.New(slog.NewJSONHandler(&logs, nil)),
		Metrics: metrics.New(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(newTestAPI(t, gateway), cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return &testServer{handler: srv.Handler(), gateway: gateway, logs: &logs}
}

func (ts *testServer) do(t *testing.T, method, target, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func initBody() map[string]interface{} {
	return map[string]interface{}{
		"kind":       "MOVIE",
		"titleName":  "Harbour Lights",
		"fileName":   "harbour.mp4",
		"bytesTotal": 10,
	}
}

func TestNewReturnsErrorWhenHandlerNil(t *testing.T) {
	t.Parallel()

	srv, err := New(nil, Config{})
	if err == nil {
		t.Fatalf("expected error when handler is nil, got server: %#v", srv)
	}
}

func TestNewRejectsMalformedTokenHash(t *testing.T) {
	gateway := objectstore.NewMemory("http://reelhouse.test")
	if _, err := New(newTestAPI(t, gateway), Config{Auth: AuthConfig{TokenHash: "not-a-bcrypt-hash"}, Logger: quietLogger()}); err == nil {
		t.Fatal("expected error for malformed token hash")
	}
}

func TestUploadRoutesRequireBearerToken(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/uploads", "", initBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] == "" {
		t.Fatal("expected error message in response")
	}

	rec = ts.do(t, http.MethodPost, "/api/uploads", "wrong", initBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for wrong token, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/uploads", testToken, initBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open healthz, got %d", rec.Code)
	}
	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected open metrics, got %d", rec.Code)
	}
}

func TestBcryptTokenHash(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	ts := newTestServer(t, func(cfg *Config) {
		cfg.Auth = AuthConfig{Token: "ignored", TokenHash: string(hash)}
	})

	if rec := ts.do(t, http.MethodGet, "/api/uploads", "ignored", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected hash to take precedence, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/uploads", testToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestRouterScopesMethods(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPut, "/api/uploads", testToken, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("expected JSON error body, got %q", rec.Header().Get("Content-Type"))
	}

	rec = ts.do(t, http.MethodGet, "/api/nothing-here", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/uploads/unknown-job", testToken, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown job, got %d", rec.Code)
	}
}

func TestMountedStorageAcceptsPresignedParts(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/uploads", testToken, initBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var plan ingest.UploadPlan
	if err := json.Unmarshal(rec.Body.Bytes(), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(plan.PresignedParts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(plan.PresignedParts))
	}

	partURL, err := url.Parse(plan.PresignedParts[0].URL)
	if err != nil {
		t.Fatalf("parse part url: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, partURL.RequestURI(), strings.NewReader("abcd"))
	put := httptest.NewRecorder()
	ts.handler.ServeHTTP(put, req)
	if put.Code != http.StatusOK {
		t.Fatalf("expected part PUT status 200, got %d: %s", put.Code, put.Body.String())
	}
	if put.Header().Get("ETag") == "" {
		t.Fatal("expected ETag on part upload")
	}
}

func TestRequestsAreLoggedWithRequestID(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") != "req-42" {
		t.Fatalf("expected request id echoed, got %q", rec.Header().Get("X-Request-Id"))
	}
	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(ts.logs.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["msg"] == "request completed" {
			break
		}
	}
	if entry["msg"] != "request completed" {
		t.Fatalf("expected request log, got %s", ts.logs.String())
	}
	if entry["request_id"] != "req-42" || entry["path"] != "/healthz" {
		t.Fatalf("unexpected request log fields: %v", entry)
	}
}

func TestInitRateLimitPerClient(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{InitLimit: 1, InitWindow: time.Hour}
	})

	send := func(remote string) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(initBody())
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", bytes.NewReader(raw))
		req.RemoteAddr = remote
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("10.0.0.1:5000"); rec.Code != http.StatusCreated {
		t.Fatalf("expected first init to pass, got %d", rec.Code)
	}
	rec := send("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if rec := send("10.0.0.2:5000"); rec.Code != http.StatusCreated {
		t.Fatalf("expected other client to pass, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	req.RemoteAddr = "10.0.0.1:5002"
	req.Header.Set("Authorization", "Bearer "+testToken)
	list := httptest.NewRecorder()
	ts.handler.ServeHTTP(list, req)
	if list.Code != http.StatusOK {
		t.Fatalf("expected listing to be unaffected, got %d", list.Code)
	}
}

func TestTokenBucketRefills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	bucket := newTokenBucket(1, 2, func() time.Time { return now })

	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("expected burst of 2 to pass")
	}
	if bucket.Allow() {
		t.Fatal("expected third request to be limited")
	}
	if wait := bucket.wait(); wait != time.Second {
		t.Fatalf("expected 1s wait, got %v", wait)
	}
	now = now.Add(time.Second)
	if !bucket.Allow() {
		t.Fatal("expected refill after one second")
	}
}

func TestGlobalRateLimitRejectsWithJSON(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}
	})
	if rec := ts.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "global rate limit exceeded") {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestClientIPResolver(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	req.Header.Set("X-Real-IP", "203.0.113.9")

	if ip := (clientIPResolver{}).resolve(req); ip != "192.0.2.10" {
		t.Fatalf("expected forwarded headers to be ignored, got %q", ip)
	}
	if ip := (clientIPResolver{trustForwarded: true}).resolve(req); ip != "203.0.113.5" {
		t.Fatalf("expected first forwarded address, got %q", ip)
	}
	req.Header.Del("X-Forwarded-For")
	if ip := (clientIPResolver{trustForwarded: true}).resolve(req); ip != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP, got %q", ip)
	}
}

func TestExtendWriteDeadlineOutlivesServerWriteTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, "completed")
	})
	cases := []struct {
		name    string
		handler http.Handler
		wantOK  bool
	}{
		{name: "server timeout", handler: slow, wantOK: false},
		{name: "extended", handler: extendWriteDeadline(2*time.Second, slow), wantOK: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// The recorder sits between the server and the handler the same
			// way it does in the real chain.
			ts := httptest.NewUnstartedServer(metrics.HTTPMiddleware(metrics.New(), tc.handler))
			ts.Config.WriteTimeout = 50 * time.Millisecond
			ts.Start()
			defer ts.Close()

			resp, err := ts.Client().Post(ts.URL+"/api/uploads/job-1/complete", "application/json", strings.NewReader("{}"))
			var body []byte
			if err == nil {
				body, err = io.ReadAll(resp.Body)
				resp.Body.Close()
			}
			got := err == nil && string(body) == "completed"
			if got != tc.wantOK {
				t.Fatalf("completed=%v (body %q, err %v), want %v", got, body, err, tc.wantOK)
			}
		})
	}
}
