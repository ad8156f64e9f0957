package storage

import (
	"context"
	"errors"
	"time"

	"reelhouse/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid upload job transition")
	ErrProgressOutOfRange = errors.New("bytes uploaded out of range")
)

// Repository is the catalog store shared by the API server and the transcode
// workers. Implementations must be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateTitle(ctx context.Context, params CreateTitleParams) (models.Title, error)
	GetTitle(ctx context.Context, id int64) (models.Title, error)
	// FindTitleByName matches names case-insensitively after Unicode folding.
	FindTitleByName(ctx context.Context, kind models.TitleKind, name string) (models.Title, error)
	CreateEpisode(ctx context.Context, params CreateEpisodeParams) (models.Episode, error)
	GetEpisode(ctx context.Context, id int64) (models.Episode, error)

	CreateUploadJob(ctx context.Context, params CreateUploadJobParams) (models.UploadJob, error)
	GetUploadJob(ctx context.Context, id string) (models.UploadJob, error)
	FindUploadJobByKey(ctx context.Context, key string) (models.UploadJob, error)
	ListUploadJobs(ctx context.Context, filter UploadJobFilter) ([]models.UploadJob, error)
	// RecordUploadProgress stores the high-water mark of bytes uploaded and
	// merges the confirmed part numbers. Reports for jobs that already left
	// UPLOADING leave the job untouched.
	RecordUploadProgress(ctx context.Context, id string, bytesUploaded int64, parts []int) (models.UploadJob, error)
	// BeginProcessing upserts the PROCESSING placeholders and moves the job to
	// PROCESSING in a single transaction.
	BeginProcessing(ctx context.Context, id string, placeholders []AssetPlaceholder) (models.UploadJob, []models.AssetVersion, error)
	// RetryProcessing moves a FAILED job whose master object is finalized back
	// to PROCESSING. A job already PROCESSING is returned unchanged.
	RetryProcessing(ctx context.Context, id string) (models.UploadJob, error)
	CompleteUploadJob(ctx context.Context, id string) (models.UploadJob, error)
	FailUploadJob(ctx context.Context, id string, message string) (models.UploadJob, error)
	// PruneUploadJobs deletes COMPLETED and FAILED jobs last updated before the
	// cutoff and returns how many were removed.
	PruneUploadJobs(ctx context.Context, before time.Time) (int, error)

	ListAssetVersions(ctx context.Context, owner models.AssetOwner) ([]models.AssetVersion, error)
	GetAssetVersion(ctx context.Context, owner models.AssetOwner, rendition models.Rendition) (models.AssetVersion, error)
	MarkAssetVersionReady(ctx context.Context, params AssetReadyParams) (models.AssetVersion, error)
	MarkAssetVersionFailed(ctx context.Context, owner models.AssetOwner, rendition models.Rendition, uploadJobID string) (models.AssetVersion, error)
}
