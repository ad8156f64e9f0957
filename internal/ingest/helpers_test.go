package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/storage"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []models.TranscodeJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job models.TranscodeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) fail(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *recordingQueue) enqueued() []models.TranscodeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.TranscodeJob(nil), q.jobs...)
}

type fixture struct {
	store   *storage.Storage
	gateway *objectstore.Memory
	queue   *recordingQueue
	service *Service
}

const testPartSize = 10

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, opts ...storage.Option) *fixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	require.NoError(t, err)
	gateway := objectstore.NewMemory("http://storage.test")
	q := &recordingQueue{}
	service, err := NewService(ServiceConfig{
		Store:    store,
		Gateway:  gateway,
		Queue:    q,
		PartSize: testPartSize,
		Logger:   quietLogger(),
		Metrics:  metrics.New(),
	})
	require.NoError(t, err)
	return &fixture{store: store, gateway: gateway, queue: q, service: service}
}

func int64Ptr(v int64) *int64 {
	return &v
}

// uploadAll pushes data through the plan's session and returns the parts a
// client would send to CompleteUpload.
func (f *fixture) uploadAll(t *testing.T, plan UploadPlan, data []byte) []objectstore.CompletedPart {
	t.Helper()
	parts := make([]objectstore.CompletedPart, 0, plan.PartCount)
	for _, r := range models.PartRanges(int64(len(data)), plan.PartSize) {
		etag, err := f.gateway.PutPart(plan.UploadID, r.PartNumber, data[r.Start:r.End])
		require.NoError(t, err)
		parts = append(parts, objectstore.CompletedPart{PartNumber: r.PartNumber, ETag: etag})
	}
	return parts
}

func (f *fixture) initMovie(t *testing.T, size int64, renditions ...string) UploadPlan {
	t.Helper()
	plan, err := f.service.InitUpload(context.Background(), InitRequest{
		Kind:       models.UploadKindMovie,
		TitleName:  "Feature",
		FileName:   "feature.mp4",
		BytesTotal: size,
		Renditions: renditions,
	})
	require.NoError(t, err)
	return plan
}

func payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

var errQueueDown = errors.New("queue unavailable")

func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}
