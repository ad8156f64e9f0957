package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/queue"
	"reelhouse/internal/storage"
)

const testPartSize = 8

type testEnv struct {
	handler *Handler
	store   *storage.Storage
	gateway *objectstore.Memory
	queue   *queue.Memory
	logs    *bytes.Buffer
}

func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	gateway := objectstore.NewMemory("http://storage.test")
	jobs := queue.NewMemory(16, queue.DefaultRetryPolicy(), nil)
	t.Cleanup(func() { jobs.Close() })

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	service, err := ingest.NewService(ingest.ServiceConfig{
		Store:    store,
		Gateway:  gateway,
		Queue:    jobs,
		PartSize: testPartSize,
		Logger:   logger,
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	handler := NewHandler(service, logger,
		HealthCheck{Component: "store", Ping: store.Ping},
		HealthCheck{Component: "objectStorage", Ping: gateway.Ping},
	)
	return &testEnv{handler: handler, store: store, gateway: gateway, queue: jobs, logs: &logs}
}

func jsonRequest(t *testing.T, method, target string, payload interface{}) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	return httptest.NewRequest(method, target, body)
}

func withID(req *http.Request, id string) *http.Request {
	return mux.SetURLVars(req, map[string]string{"id": id})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, rec, &body)
	return body["error"]
}

type failingUploads struct {
	UploadService
	err error
}

func (f failingUploads) GetUpload(context.Context, string) (models.UploadJob, error) {
	return models.UploadJob{}, f.err
}

func TestHealthReportsDegradedComponent(t *testing.T) {
	env := newTestHandler(t)

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	env.handler.Checks = append(env.handler.Checks, HealthCheck{
		Component: "queue",
		Ping:      func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Services []componentStatus `json:"services"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", body.Status)
	}
	if len(body.Services) != 3 {
		t.Fatalf("expected 3 components, got %d", len(body.Services))
	}
	if body.Services[2].Error != "connection refused" {
		t.Fatalf("expected queue error to be reported, got %+v", body.Services[2])
	}
}

func TestHealthHeadOmitsBody(t *testing.T) {
	env := newTestHandler(t)
	env.handler.Checks = append(env.handler.Checks, HealthCheck{
		Component: "queue",
		Ping:      func(context.Context) error { return errors.New("timeout") },
	})

	rec := httptest.NewRecorder()
	env.handler.Health(rec, httptest.NewRequest(http.MethodHead, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body for HEAD, got %q", rec.Body.String())
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ingest.ErrInvalidRequest, http.StatusBadRequest},
		{ingest.ErrNotFound, http.StatusNotFound},
		{ingest.ErrConflict, http.StatusConflict},
		{ingest.ErrStorageSession, http.StatusBadGateway},
		{ingest.ErrEnqueue, http.StatusServiceUnavailable},
		{RequestError{Status: http.StatusTooManyRequests, Message: "slow down"}, http.StatusTooManyRequests},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestUnexpectedErrorsAreHiddenAndLogged(t *testing.T) {
	env := newTestHandler(t)
	env.handler.Uploads = failingUploads{err: errors.New("pool exhausted")}

	rec := httptest.NewRecorder()
	env.handler.GetUpload(rec, withID(httptest.NewRequest(http.MethodGet, "/api/uploads/job-1", nil), "job-1"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "internal error" {
		t.Fatalf("expected generic message, got %q", msg)
	}
	if !strings.Contains(env.logs.String(), "pool exhausted") {
		t.Fatalf("expected cause to be logged, got %q", env.logs.String())
	}
}
