package uploadclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
}

func sample(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('A' + i%23)
	}
	return data
}

type storageFixture struct {
	gateway   *objectstore.Memory
	server    *httptest.Server
	intercept func(w http.ResponseWriter, r *http.Request) bool
	mu        sync.Mutex
	puts      map[string]int
}

// newStorage serves the memory gateway over HTTP. intercept may answer a
// request itself by returning true.
func newStorage(t *testing.T, intercept func(w http.ResponseWriter, r *http.Request) bool) *storageFixture {
	t.Helper()
	f := &storageFixture{gateway: objectstore.NewMemory("http://placeholder"), intercept: intercept, puts: make(map[string]int)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.puts[r.URL.Path]++
		f.mu.Unlock()
		if f.intercept != nil && f.intercept(w, r) {
			return
		}
		f.gateway.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)
	f.gateway.SetBaseURL(f.server.URL)
	return f
}

func (f *storageFixture) attempts(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[path]
}

func (f *storageFixture) plan(t *testing.T, size, partSize int64) (PartPlan, string, string) {
	t.Helper()
	ctx := context.Background()
	key := "uploads/job-1/source.mp4"
	uploadID, err := f.gateway.BeginMultipart(ctx, key, "video/mp4")
	require.NoError(t, err)
	count := int((size + partSize - 1) / partSize)
	numbers := make([]int, 0, count)
	for n := 1; n <= count; n++ {
		numbers = append(numbers, n)
	}
	presigned, err := f.gateway.PresignParts(ctx, key, uploadID, numbers, time.Hour)
	require.NoError(t, err)
	return PartPlan{JobID: "job-1", PartSize: partSize, PartCount: count, Presigned: presigned}, key, uploadID
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []report
	fail    atomic.Bool
}

type report struct {
	bytes int64
	parts []int
}

func (r *recordingReporter) ReportProgress(_ context.Context, jobID string, bytesUploaded int64, parts []int) error {
	if r.fail.Load() {
		return errors.New("api unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{bytes: bytesUploaded, parts: parts})
	return nil
}

func (r *recordingReporter) last() (report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reports) == 0 {
		return report{}, false
	}
	return r.reports[len(r.reports)-1], true
}

func TestUploadPushesEveryPart(t *testing.T) {
	storage := newStorage(t, nil)
	data := sample(23)
	plan, key, uploadID := storage.plan(t, int64(len(data)), 5)
	reporter := &recordingReporter{}

	uploader := NewUploader(UploaderConfig{
		Concurrency: 3,
		Retry:       fastRetry(2),
		Reporter:    reporter,
		Logger:      quietLogger(),
		Metrics:     metrics.New(),
	})
	parts, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.NoError(t, err)
	require.Len(t, parts, 5)
	for i, part := range parts {
		assert.Equal(t, i+1, part.PartNumber)
		assert.NotEmpty(t, part.ETag)
	}

	last, ok := reporter.last()
	require.True(t, ok, "a final progress report is always sent")
	assert.Equal(t, int64(len(data)), last.bytes)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, last.parts)

	require.NoError(t, storage.gateway.CompleteMultipart(context.Background(), key, uploadID, parts))
	stored, ok := storage.gateway.Object(key)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	storage := newStorage(t, func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/2") && failures.Add(1) <= 2 {
			http.Error(w, "slow down", http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	data := sample(12)
	plan, _, uploadID := storage.plan(t, int64(len(data)), 4)

	uploader := NewUploader(UploaderConfig{Retry: fastRetry(3), Logger: quietLogger(), Metrics: metrics.New()})
	parts, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.NoError(t, err)
	assert.Len(t, parts, 3)
	assert.Equal(t, 3, storage.attempts("/parts/"+uploadID+"/2"))
	assert.Equal(t, 1, storage.attempts("/parts/"+uploadID+"/1"))
}

func TestUploadGivesUpAfterMaxAttempts(t *testing.T) {
	storage := newStorage(t, func(w http.ResponseWriter, r *http.Request) bool {
		if strings.HasSuffix(r.URL.Path, "/1") {
			http.Error(w, "broken", http.StatusInternalServerError)
			return true
		}
		return false
	})
	data := sample(8)
	plan, _, uploadID := storage.plan(t, int64(len(data)), 4)

	uploader := NewUploader(UploaderConfig{Retry: fastRetry(3), Logger: quietLogger(), Metrics: metrics.New()})
	_, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, 3, storage.attempts("/parts/"+uploadID+"/1"))
	assert.Equal(t, 1, storage.gateway.OpenUploads(), "the session stays open for resume")
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	storage := newStorage(t, func(w http.ResponseWriter, r *http.Request) bool {
		http.Error(w, "signature expired", http.StatusForbidden)
		return true
	})
	data := sample(4)
	plan, _, uploadID := storage.plan(t, int64(len(data)), 4)

	uploader := NewUploader(UploaderConfig{Retry: fastRetry(5), Logger: quietLogger(), Metrics: metrics.New()})
	_, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature expired")
	assert.Equal(t, 1, storage.attempts("/parts/"+uploadID+"/1"))
}

func TestUploadRequiresETag(t *testing.T) {
	storage := newStorage(t, func(w http.ResponseWriter, r *http.Request) bool {
		w.WriteHeader(http.StatusOK)
		return true
	})
	data := sample(4)
	plan, _, _ := storage.plan(t, int64(len(data)), 4)

	uploader := NewUploader(UploaderConfig{Retry: fastRetry(2), Logger: quietLogger(), Metrics: metrics.New()})
	_, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	assert.ErrorContains(t, err, "no ETag")
}

func TestUploadSkipsConfirmedParts(t *testing.T) {
	storage := newStorage(t, nil)
	data := sample(10)
	full, key, uploadID := storage.plan(t, int64(len(data)), 4)

	etag, err := storage.gateway.PutPart(uploadID, 1, data[:4])
	require.NoError(t, err)
	plan := full
	plan.Completed = []objectstore.CompletedPart{{PartNumber: 1, ETag: etag}}
	plan.Presigned = full.Presigned[1:]
	reporter := &recordingReporter{}

	uploader := NewUploader(UploaderConfig{Retry: fastRetry(1), Reporter: reporter, Logger: quietLogger(), Metrics: metrics.New()})
	parts, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, etag, parts[0].ETag)
	assert.Equal(t, 0, storage.attempts("/parts/"+uploadID+"/1"))

	last, ok := reporter.last()
	require.True(t, ok)
	assert.Equal(t, int64(10), last.bytes)

	require.NoError(t, storage.gateway.CompleteMultipart(context.Background(), key, uploadID, parts))
	stored, _ := storage.gateway.Object(key)
	assert.Equal(t, data, stored)
}

func TestUploadSurvivesReporterFailures(t *testing.T) {
	storage := newStorage(t, nil)
	data := sample(8)
	plan, _, _ := storage.plan(t, int64(len(data)), 4)
	reporter := &recordingReporter{}
	reporter.fail.Store(true)

	uploader := NewUploader(UploaderConfig{Reporter: reporter, ProgressInterval: time.Millisecond, Logger: quietLogger(), Metrics: metrics.New()})
	parts, err := uploader.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), plan)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestCheckPlan(t *testing.T) {
	presigned := func(numbers ...int) []objectstore.PresignedPart {
		parts := make([]objectstore.PresignedPart, 0, len(numbers))
		for _, n := range numbers {
			parts = append(parts, objectstore.PresignedPart{PartNumber: n, URL: "http://storage.test/part"})
		}
		return parts
	}

	_, err := checkPlan(10, PartPlan{PartSize: 4, PartCount: 3, Presigned: presigned(1, 2, 3)})
	require.NoError(t, err)

	cases := map[string]PartPlan{
		"wrong count":    {PartSize: 4, PartCount: 2, Presigned: presigned(1, 2)},
		"missing part":   {PartSize: 4, PartCount: 3, Presigned: presigned(1, 3)},
		"duplicate part": {PartSize: 4, PartCount: 3, Presigned: presigned(1, 2, 2)},
		"out of range":   {PartSize: 4, PartCount: 3, Presigned: presigned(1, 2, 4)},
		"zero part size": {PartCount: 3, Presigned: presigned(1, 2, 3)},
		"overlap": {PartSize: 4, PartCount: 3, Presigned: presigned(1, 2, 3),
			Completed: []objectstore.CompletedPart{{PartNumber: 2, ETag: "x"}}},
	}
	for name, plan := range cases {
		_, err := checkPlan(10, plan)
		assert.ErrorIs(t, err, ErrPlanMismatch, name)
	}
	_, err = checkPlan(0, PartPlan{PartSize: 4})
	assert.ErrorIs(t, err, ErrPlanMismatch)
}

func TestNewUploaderClampsConcurrency(t *testing.T) {
	assert.Equal(t, DefaultConcurrency, NewUploader(UploaderConfig{}).concurrency)
	assert.Equal(t, MaxConcurrency, NewUploader(UploaderConfig{Concurrency: 64}).concurrency)
	assert.Equal(t, 2, NewUploader(UploaderConfig{Concurrency: 2}).concurrency)
}
