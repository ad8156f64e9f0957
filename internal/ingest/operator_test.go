package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/storage"
)

func TestResumeUploadPresignsOnlyMissingParts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := payload(25)
	plan := f.initMovie(t, int64(len(data)))

	etag, err := f.gateway.PutPart(plan.UploadID, 2, data[10:20])
	require.NoError(t, err)

	resume, err := f.service.ResumeUpload(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, plan.Key, resume.Key)
	assert.Equal(t, 3, resume.PartCount)
	require.Len(t, resume.PresignedParts, 2)
	assert.Equal(t, 1, resume.PresignedParts[0].PartNumber)
	assert.Equal(t, 3, resume.PresignedParts[1].PartNumber)
	require.Len(t, resume.CompletedParts, 1)
	assert.Equal(t, 2, resume.CompletedParts[0].PartNumber)
	assert.Equal(t, etag, `"`+resume.CompletedParts[0].ETag+`"`)
	assert.Equal(t, int64(10), resume.BytesUploaded)

	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, job.Payload.ConfirmedParts)
}

func TestResumeUploadLostSessionFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.initMovie(t, 25)
	require.NoError(t, f.gateway.AbortMultipart(ctx, plan.Key, plan.UploadID))

	_, err := f.service.ResumeUpload(ctx, plan.JobID)
	require.ErrorIs(t, err, ErrStorageSession)

	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
}

func TestAbortUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.initMovie(t, 25)

	job, err := f.service.AbortUpload(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Equal(t, "upload aborted", job.Error)
	assert.Zero(t, f.gateway.OpenUploads())

	_, err = f.service.AbortUpload(ctx, plan.JobID)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = f.service.RequeueUpload(ctx, plan.JobID)
	assert.ErrorIs(t, err, ErrConflict, "an upload that never finalized has nothing to transcode")
}

func TestListUploadsFilters(t *testing.T) {
	f := newFixture(t, storage.WithClock(steppingClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	ctx := context.Background()
	first := f.initMovie(t, 5)
	second := f.initMovie(t, 5)
	_, err := f.service.AbortUpload(ctx, first.JobID)
	require.NoError(t, err)

	jobs, err := f.service.ListUploads(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.JobID, jobs[0].ID)

	jobs, err = f.service.ListUploads(ctx, ListFilter{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.JobID, jobs[0].ID)

	jobs, err = f.service.ListUploads(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	_, err = f.service.ListUploads(ctx, ListFilter{Status: "DONE"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.service.ListUploads(ctx, ListFilter{Limit: -3})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	got, err := f.service.GetUpload(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, second.Key, got.Payload.Key)
	_, err = f.service.GetUpload(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAssetsRanksRenditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := payload(5)
	plan := f.initMovie(t, int64(len(data)), "360p", "4K", "720p")
	_, err := f.service.CompleteUpload(ctx, plan.JobID, CompleteRequest{Parts: f.uploadAll(t, plan, data)})
	require.NoError(t, err)
	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)

	versions, err := f.service.ListAssets(ctx, job.Owner())
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, models.Rendition4K, versions[0].Rendition)
	assert.Equal(t, models.Rendition720p, versions[1].Rendition)
	assert.Equal(t, models.Rendition360p, versions[2].Rendition)

	_, err = f.service.ListAssets(ctx, models.AssetOwner{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.service.ListAssets(ctx, models.AssetOwner{TitleID: 1, EpisodeID: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequeueSkipsReadyRenditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := payload(5)
	plan := f.initMovie(t, int64(len(data)), "1080p", "720p")
	job, err := f.service.CompleteUpload(ctx, plan.JobID, CompleteRequest{Parts: f.uploadAll(t, plan, data)})
	require.NoError(t, err)

	_, err = f.store.MarkAssetVersionReady(ctx, storage.AssetReadyParams{
		Owner:       job.Owner(),
		Rendition:   models.Rendition1080p,
		UploadJobID: job.ID,
		URL:         "http://storage.test/objects/renditions/x/1080p.mp4",
		SizeBytes:   100,
		DurationSec: 12,
	})
	require.NoError(t, err)
	_, err = f.store.FailUploadJob(ctx, job.ID, "encode 720p: exit status 1")
	require.NoError(t, err)

	_, err = f.service.RequeueUpload(ctx, job.ID)
	require.NoError(t, err)
	enqueued := f.queue.enqueued()
	require.Len(t, enqueued, 2)
	assert.Equal(t, []models.Rendition{models.Rendition720p}, enqueued[1].Renditions)

	_, err = f.service.RequeueUpload(ctx, job.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSweeperAbortsAbandonedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.gateway.SetClock(func() time.Time { return base.Add(-48 * time.Hour) })
	stale := f.initMovie(t, 25)
	orphanID, err := f.gateway.BeginMultipart(ctx, "uploads/ghost/source/x.mp4", "video/mp4")
	require.NoError(t, err)
	f.gateway.SetClock(func() time.Time { return base.Add(-time.Hour) })
	fresh := f.initMovie(t, 25)
	_, err = f.gateway.BeginMultipart(ctx, "other/prefix.bin", "application/octet-stream")
	require.NoError(t, err)

	sweeper, err := NewSweeper(SweeperConfig{
		Store:   f.store,
		Gateway: f.gateway,
		Age:     24 * time.Hour,
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		Now:     func() time.Time { return base },
	})
	require.NoError(t, err)

	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Aborted)
	assert.Zero(t, result.Pruned)

	sessions, err := f.gateway.ListMultipartUploads(ctx, "")
	require.NoError(t, err)
	remaining := map[string]bool{}
	for _, session := range sessions {
		remaining[session.UploadID] = true
	}
	assert.True(t, remaining[fresh.UploadID])
	assert.False(t, remaining[stale.UploadID])
	assert.False(t, remaining[orphanID])
	assert.Len(t, sessions, 2)

	job, err := f.store.GetUploadJob(ctx, stale.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, job.Status)
	assert.Equal(t, "upload abandoned", job.Error)

	job, err = f.store.GetUploadJob(ctx, fresh.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusUploading, job.Status)
}

func TestSweeperPrunesTerminalJobs(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, storage.WithClock(steppingClock(start)))
	ctx := context.Background()
	done := f.initMovie(t, 5)
	_, err := f.service.AbortUpload(ctx, done.JobID)
	require.NoError(t, err)
	open := f.initMovie(t, 5)

	sweeper, err := NewSweeper(SweeperConfig{
		Store:     f.store,
		Gateway:   objectstore.NewMemory("http://storage.test"),
		Retention: 24 * time.Hour,
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
		Now:       func() time.Time { return start.Add(72 * time.Hour) },
	})
	require.NoError(t, err)

	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pruned)

	_, err = f.store.GetUploadJob(ctx, done.JobID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.store.GetUploadJob(ctx, open.JobID)
	assert.NoError(t, err)
}
