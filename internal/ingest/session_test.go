package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/storage"
)

func TestInitUploadBuildsPartPlan(t *testing.T) {
	f := newFixture(t)
	f.service.partSize = models.DefaultPartSize

	plan, err := f.service.InitUpload(context.Background(), InitRequest{
		Kind:       models.UploadKindMovie,
		FileName:   "The Movie.mp4",
		BytesTotal: 25_000_000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(10_485_760), plan.PartSize)
	assert.Equal(t, 3, plan.PartCount)
	require.Len(t, plan.PresignedParts, 3)
	for i, part := range plan.PresignedParts {
		assert.Equal(t, i+1, part.PartNumber)
		assert.Contains(t, part.URL, plan.UploadID)
	}
	assert.Equal(t, "uploads/"+plan.JobID+"/source/The-Movie.mp4", plan.Key)
	assert.Equal(t, models.AllRenditions(), plan.Renditions)

	job, err := f.store.GetUploadJob(context.Background(), plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusUploading, job.Status)
	assert.Zero(t, job.BytesUploaded)
	assert.Equal(t, int64(25_000_000), job.BytesTotal)
	assert.Equal(t, plan.UploadID, job.Payload.UploadID)
	assert.Equal(t, "video/mp4", job.Payload.ContentType)
	require.NotNil(t, job.TitleID)
	assert.Nil(t, job.EpisodeID)

	title, err := f.store.GetTitle(context.Background(), *job.TitleID)
	require.NoError(t, err)
	assert.True(t, title.Archived)
	assert.Equal(t, models.TitleKindMovie, title.Kind)
	assert.Equal(t, "The Movie", title.Name)
	assert.Equal(t, 1, f.gateway.OpenUploads())
}

func TestInitUploadEpisodeCreatesSeriesAndEpisode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.service.InitUpload(ctx, InitRequest{
		Kind:          models.UploadKindEpisode,
		TitleID:       int64Ptr(999),
		TitleName:     "New Show",
		SeasonNumber:  1,
		EpisodeNumber: 3,
		FileName:      "pilot.mkv",
		BytesTotal:    42,
		Renditions:    []string{"720p", "1080p"},
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Rendition{models.Rendition1080p, models.Rendition720p}, plan.Renditions)

	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Nil(t, job.TitleID)
	require.NotNil(t, job.EpisodeID)

	episode, err := f.store.GetEpisode(ctx, *job.EpisodeID)
	require.NoError(t, err)
	assert.True(t, episode.Archived)
	assert.Equal(t, 1, episode.SeasonNumber)
	assert.Equal(t, 3, episode.EpisodeNumber)

	series, err := f.store.GetTitle(ctx, episode.TitleID)
	require.NoError(t, err)
	assert.Equal(t, models.TitleKindSeries, series.Kind)
	assert.Equal(t, "New Show", series.Name)
	assert.True(t, series.Archived)
}

func TestInitUploadEpisodeReusesSeriesByName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing, err := f.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: models.TitleKindSeries, Name: "Night Shift"})
	require.NoError(t, err)

	plan, err := f.service.InitUpload(ctx, InitRequest{
		Kind:       models.UploadKindEpisode,
		TitleName:  "night shift",
		FileName:   "e01.mp4",
		BytesTotal: 10,
	})
	require.NoError(t, err)

	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)
	episode, err := f.store.GetEpisode(ctx, *job.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, episode.TitleID)
}

func TestInitUploadReferencesExistingEpisode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	series, err := f.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: models.TitleKindSeries, Name: "Show"})
	require.NoError(t, err)
	episode, err := f.store.CreateEpisode(ctx, storage.CreateEpisodeParams{TitleID: series.ID, SeasonNumber: 2, EpisodeNumber: 1})
	require.NoError(t, err)

	plan, err := f.service.InitUpload(ctx, InitRequest{
		Kind:       models.UploadKindEpisode,
		EpisodeID:  &episode.ID,
		FileName:   "s02e01.mp4",
		BytesTotal: 10,
	})
	require.NoError(t, err)
	job, err := f.store.GetUploadJob(ctx, plan.JobID)
	require.NoError(t, err)
	assert.Equal(t, episode.ID, *job.EpisodeID)

	_, err = f.service.InitUpload(ctx, InitRequest{
		Kind:       models.UploadKindEpisode,
		EpisodeID:  int64Ptr(episode.ID + 50),
		FileName:   "missing.mp4",
		BytesTotal: 10,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitUploadRejectsInvalidInput(t *testing.T) {
	cases := map[string]InitRequest{
		"missing kind":        {FileName: "a.mp4", BytesTotal: 1},
		"unknown kind":        {Kind: "TRAILER", FileName: "a.mp4", BytesTotal: 1},
		"missing file name":   {Kind: models.UploadKindMovie, BytesTotal: 1},
		"zero bytes":          {Kind: models.UploadKindMovie, FileName: "a.mp4"},
		"negative season":     {Kind: models.UploadKindEpisode, TitleName: "Show", FileName: "a.mp4", BytesTotal: 1, SeasonNumber: -1},
		"unknown rendition":   {Kind: models.UploadKindMovie, FileName: "a.mp4", BytesTotal: 1, Renditions: []string{"8K"}},
		"episode without ref": {Kind: models.UploadKindEpisode, FileName: "a.mp4", BytesTotal: 1},
		"one part too many":   {Kind: models.UploadKindMovie, TitleName: "Big", FileName: "a.mp4", BytesTotal: testPartSize*objectstore.MaxParts + 1},
		"absurd size":         {Kind: models.UploadKindMovie, TitleName: "Big", FileName: "a.mp4", BytesTotal: 1 << 62},
	}
	for name, req := range cases {
		req := req
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.service.InitUpload(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, f.gateway.OpenUploads())
			jobs, err := f.store.ListUploadJobs(context.Background(), storage.UploadJobFilter{})
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestInitUploadAcceptsMaxParts(t *testing.T) {
	f := newFixture(t)
	plan := f.initMovie(t, testPartSize*objectstore.MaxParts)
	assert.Equal(t, objectstore.MaxParts, plan.PartCount)
	assert.Len(t, plan.PresignedParts, objectstore.MaxParts)
}

func TestInitUploadMissingTitleWithoutName(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.InitUpload(context.Background(), InitRequest{
		Kind:       models.UploadKindMovie,
		TitleID:    int64Ptr(404),
		FileName:   "a.mp4",
		BytesTotal: 1,
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, f.gateway.OpenUploads())
}

func TestInitUploadRejectsKindMismatch(t *testing.T) {
	f := newFixture(t)
	series, err := f.store.CreateTitle(context.Background(), storage.CreateTitleParams{Kind: models.TitleKindSeries, Name: "Show"})
	require.NoError(t, err)
	_, err = f.service.InitUpload(context.Background(), InitRequest{
		Kind:       models.UploadKindMovie,
		TitleID:    &series.ID,
		FileName:   "a.mp4",
		BytesTotal: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitUploadStorageFailureCreatesNoJob(t *testing.T) {
	f := newFixture(t)
	f.gateway.InjectFailure(objectstore.OpBegin, errors.New("bucket unreachable"))

	_, err := f.service.InitUpload(context.Background(), InitRequest{Kind: models.UploadKindMovie, FileName: "a.mp4", BytesTotal: 5})
	require.ErrorIs(t, err, ErrStorageSession)

	jobs, err := f.store.ListUploadJobs(context.Background(), storage.UploadJobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestInitUploadPresignFailureAbortsSession(t *testing.T) {
	f := newFixture(t)
	f.gateway.InjectFailure(objectstore.OpPresign, errors.New("signer broken"))

	_, err := f.service.InitUpload(context.Background(), InitRequest{Kind: models.UploadKindMovie, FileName: "a.mp4", BytesTotal: 5})
	require.ErrorIs(t, err, ErrStorageSession)
	assert.Zero(t, f.gateway.OpenUploads())
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":              "movie.mp4",
		"Crème brûlée.MOV":       "Creme-brulee.MOV",
		`C:\videos\clip 01.mkv`:  "clip-01.mkv",
		"../../etc/passwd":       "passwd",
		"   ":                    "source",
		"***":                    "source",
		"my_file-final (v2).mp4": "my_file-final-v2-.mp4",
	}
	for input, want := range cases {
		got := sanitizeFileName(input)
		assert.Equal(t, want, got, "input %q", input)
		assert.False(t, strings.Contains(got, "/"))
	}
}
