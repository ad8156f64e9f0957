package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/queue"
	"reelhouse/internal/storage"
)

type fakeProber struct {
	mu    sync.Mutex
	info  MediaInfo
	err   error
	calls int
}

func (p *fakeProber) Probe(_ context.Context, path string) (MediaInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if _, err := os.Stat(path); err != nil {
		return MediaInfo{}, err
	}
	if p.err != nil {
		return MediaInfo{}, p.err
	}
	return p.info, nil
}

type fakeEncoder struct {
	mu     sync.Mutex
	failOn map[models.Rendition]error
	calls  []models.Rendition
}

func (e *fakeEncoder) Encode(_ context.Context, req EncodeRequest) error {
	e.mu.Lock()
	e.calls = append(e.calls, req.Rendition)
	err := e.failOn[req.Rendition]
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(req.Output, []byte("encoded-"+string(req.Rendition)), 0o644)
}

func (e *fakeEncoder) setFailure(rendition models.Rendition, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOn == nil {
		e.failOn = map[models.Rendition]error{}
	}
	if err == nil {
		delete(e.failOn, rendition)
		return
	}
	e.failOn[rendition] = err
}

func (e *fakeEncoder) encoded() []models.Rendition {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Rendition(nil), e.calls...)
}

type fixture struct {
	store   *storage.Storage
	gateway *objectstore.Memory
	prober  *fakeProber
	encoder *fakeEncoder
	workDir string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)
	return &fixture{
		store:   store,
		gateway: objectstore.NewMemory("http://storage.test"),
		prober:  &fakeProber{info: MediaInfo{DurationSec: 93.5, Width: 3840, Height: 2160, VideoCodec: "h264"}},
		encoder: &fakeEncoder{},
		workDir: t.TempDir(),
	}
}

func (f *fixture) worker(t *testing.T, isolate bool) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerConfig{
		Store:             f.store,
		Gateway:           f.gateway,
		Prober:            f.prober,
		Encoder:           f.encoder,
		WorkDir:           f.workDir,
		IsolateRenditions: isolate,
		Logger:            quietLogger(),
		Metrics:           metrics.New(),
	})
	require.NoError(t, err)
	return w
}

// seed creates a finalized movie upload with PROCESSING placeholders, the
// state upload completion leaves behind.
func (f *fixture) seed(t *testing.T, renditions ...models.Rendition) models.TranscodeJob {
	t.Helper()
	ctx := context.Background()
	title, err := f.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: models.TitleKindMovie, Name: "Feature", Archived: true})
	require.NoError(t, err)
	jobID := fmt.Sprintf("job-%d", title.ID)
	key := "uploads/" + jobID + "/source/feature.MP4"
	_, err = f.store.CreateUploadJob(ctx, storage.CreateUploadJobParams{
		ID:         jobID,
		BytesTotal: 6,
		Payload: models.UploadPayload{
			Key:        key,
			UploadID:   "session-1",
			FileName:   "feature.MP4",
			Renditions: renditions,
			PartSize:   6,
			PartCount:  1,
		},
		TitleID: &title.ID,
	})
	require.NoError(t, err)
	f.gateway.PutObject(key, []byte("master"), "video/mp4")

	placeholders := make([]storage.AssetPlaceholder, 0, len(renditions))
	for _, rendition := range renditions {
		placeholders = append(placeholders, storage.AssetPlaceholder{Rendition: rendition, SourceURL: f.gateway.ObjectURL(key)})
	}
	_, _, err = f.store.BeginProcessing(ctx, jobID, placeholders)
	require.NoError(t, err)
	return models.TranscodeJob{UploadJobID: jobID, Key: key, Renditions: renditions, TitleID: &title.ID}
}

func (f *fixture) job(t *testing.T, id string) models.UploadJob {
	t.Helper()
	job, err := f.store.GetUploadJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) version(t *testing.T, tj models.TranscodeJob, rendition models.Rendition) models.AssetVersion {
	t.Helper()
	version, err := f.store.GetAssetVersion(context.Background(), tj.Owner(), rendition)
	require.NoError(t, err)
	return version
}

func (f *fixture) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directories must be removed")
}

func TestProcessTranscodesEveryRendition(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition1080p, models.Rendition720p, models.Rendition360p)

	require.NoError(t, f.worker(t, false).Process(context.Background(), tj))

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, tj.Renditions, f.encoder.encoded())

	for _, rendition := range tj.Renditions {
		version := f.version(t, tj, rendition)
		assert.Equal(t, models.AssetStatusReady, version.Status)
		key := RenditionKey(tj.UploadJobID, rendition)
		assert.Equal(t, f.gateway.ObjectURL(key), version.URL)
		assert.Equal(t, int64(len("encoded-"+string(rendition))), version.SizeBytes)
		assert.Equal(t, 93.5, version.DurationSec)
		assert.Equal(t, tj.UploadJobID, version.UploadJobID)

		data, ok := f.gateway.Object(key)
		require.True(t, ok)
		assert.Equal(t, "encoded-"+string(rendition), string(data))
	}
	f.assertWorkDirEmpty(t)
}

func TestProcessStopsAtFirstFailedRendition(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition1080p, models.Rendition720p)
	f.encoder.setFailure(models.Rendition1080p, errors.New("exit status 1"))

	err := f.worker(t, false).Process(context.Background(), tj)
	require.Error(t, err)

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Contains(t, job.Error, "transcode 1080p")
	assert.Contains(t, job.Error, "exit status 1")

	assert.Equal(t, models.AssetStatusFailed, f.version(t, tj, models.Rendition1080p).Status)
	pending := f.version(t, tj, models.Rendition720p)
	assert.Equal(t, models.AssetStatusProcessing, pending.Status)
	assert.Empty(t, pending.URL)
	assert.Equal(t, []models.Rendition{models.Rendition1080p}, f.encoder.encoded(), "720p is never attempted")
	f.assertWorkDirEmpty(t)
}

func TestProcessIsolateRenditionsKeepsGoing(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition1080p, models.Rendition720p)
	f.encoder.setFailure(models.Rendition1080p, errors.New("exit status 1"))

	err := f.worker(t, true).Process(context.Background(), tj)
	require.Error(t, err)

	assert.Equal(t, models.UploadStatusFailed, f.job(t, tj.UploadJobID).Status)
	assert.Equal(t, models.AssetStatusFailed, f.version(t, tj, models.Rendition1080p).Status)
	assert.Equal(t, models.AssetStatusReady, f.version(t, tj, models.Rendition720p).Status)
}

func TestProcessInvalidSourceFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	f.prober.err = fmt.Errorf("%w: duration unknown", ErrInvalidMedia)

	require.NoError(t, f.worker(t, false).Process(context.Background(), tj), "undecodable sources are acknowledged")

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Contains(t, job.Error, "probe source")
	assert.Empty(t, f.encoder.encoded())
	assert.Equal(t, models.AssetStatusProcessing, f.version(t, tj, models.Rendition720p).Status)
	f.assertWorkDirEmpty(t)
}

func TestProcessProbeErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	f.prober.err = errors.New("ffprobe failed: signal: killed")

	err := f.worker(t, false).Process(context.Background(), tj)
	require.Error(t, err)
	assert.Equal(t, models.UploadStatusFailed, f.job(t, tj.UploadJobID).Status)
}

func TestProcessMissingSourceFailsJob(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	tj.Key = "uploads/elsewhere/source/missing.mp4"

	err := f.worker(t, false).Process(context.Background(), tj)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Contains(t, job.Error, "download source")
	assert.Zero(t, f.prober.calls)
}

func TestProcessRedeliveryOfCompletedJobIsNoop(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	w := f.worker(t, false)
	require.NoError(t, w.Process(context.Background(), tj))
	require.NoError(t, w.Process(context.Background(), tj))

	assert.Equal(t, []models.Rendition{models.Rendition720p}, f.encoder.encoded())
	assert.Equal(t, models.UploadStatusCompleted, f.job(t, tj.UploadJobID).Status)
}

func TestProcessRetrySkipsReadyRenditions(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition1080p, models.Rendition720p)
	w := f.worker(t, false)
	f.encoder.setFailure(models.Rendition720p, errors.New("exit status 1"))
	require.Error(t, w.Process(context.Background(), tj))
	require.Equal(t, models.UploadStatusFailed, f.job(t, tj.UploadJobID).Status)

	f.encoder.setFailure(models.Rendition720p, nil)
	require.NoError(t, w.Process(context.Background(), tj))

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, []models.Rendition{models.Rendition1080p, models.Rendition720p, models.Rendition720p}, f.encoder.encoded())
	assert.Equal(t, models.AssetStatusReady, f.version(t, tj, models.Rendition720p).Status)
}

func TestProcessDropsUnknownAndUnfinalizedJobs(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, false)
	ctx := context.Background()
	require.NoError(t, w.Process(ctx, models.TranscodeJob{UploadJobID: "ghost", Key: "uploads/ghost/source/x.mp4", Renditions: []models.Rendition{models.Rendition720p}}))

	title, err := f.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: models.TitleKindMovie, Name: "Open"})
	require.NoError(t, err)
	_, err = f.store.CreateUploadJob(ctx, storage.CreateUploadJobParams{
		ID:         "open",
		BytesTotal: 10,
		Payload:    models.UploadPayload{Key: "uploads/open/source/x.mp4", Renditions: []models.Rendition{models.Rendition720p}},
		TitleID:    &title.ID,
	})
	require.NoError(t, err)
	require.NoError(t, w.Process(ctx, models.TranscodeJob{UploadJobID: "open", Key: "uploads/open/source/x.mp4", Renditions: []models.Rendition{models.Rendition720p}}))

	assert.Equal(t, models.UploadStatusUploading, f.job(t, "open").Status)
	assert.Empty(t, f.encoder.encoded())
}

func TestExhaustedFailsJob(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	w := f.worker(t, false)

	w.Exhausted(context.Background(), queue.Delivery{ID: "d1", Job: tj, Attempt: 3}, errors.New("job timeout"))

	job := f.job(t, tj.UploadJobID)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Equal(t, "transcode gave up after 3 attempts: job timeout", job.Error)
}

func TestExhaustedLeavesCompletedJobAlone(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p)
	w := f.worker(t, false)
	require.NoError(t, w.Process(context.Background(), tj))

	w.Exhausted(context.Background(), queue.Delivery{ID: "d1", Job: tj, Attempt: 3}, errors.New("late"))
	assert.Equal(t, models.UploadStatusCompleted, f.job(t, tj.UploadJobID).Status)
}

func TestRunnerConsumesQueue(t *testing.T) {
	f := newFixture(t)
	tj := f.seed(t, models.Rendition720p, models.Rendition360p)
	q := queue.NewMemory(4, queue.RetryPolicy{MaxAttempts: 2, InitialBackoff: 10 * time.Millisecond}, quietLogger())
	defer q.Close()

	runner, err := NewRunner(RunnerConfig{Queue: q, Worker: f.worker(t, false), Logger: quietLogger()})
	require.NoError(t, err)
	runner.Start()

	require.NoError(t, q.Enqueue(context.Background(), tj))
	require.Eventually(t, func() bool {
		job, err := f.store.GetUploadJob(context.Background(), tj.UploadJobID)
		return err == nil && job.Status == models.UploadStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runner.Shutdown(ctx))
}

func TestNewWorkerRequiresCollaborators(t *testing.T) {
	_, err := NewWorker(WorkerConfig{})
	assert.Error(t, err)
	_, err = NewRunner(RunnerConfig{})
	assert.Error(t, err)
}
