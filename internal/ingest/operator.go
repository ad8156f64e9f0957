package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type ListFilter struct {
	Status string
	Limit  int
}

// ListUploads returns recent jobs, newest first.
func (s *Service) ListUploads(ctx context.Context, filter ListFilter) ([]models.UploadJob, error) {
	status := models.UploadStatus(strings.ToUpper(strings.TrimSpace(filter.Status)))
	if status != "" && !status.Valid() {
		return nil, invalidf("unknown status %q", filter.Status)
	}
	limit := filter.Limit
	switch {
	case limit < 0:
		return nil, invalidf("limit must be non-negative")
	case limit == 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	jobs, err := s.store.ListUploadJobs(ctx, storage.UploadJobFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list upload jobs: %w", err)
	}
	return jobs, nil
}

func (s *Service) GetUpload(ctx context.Context, id string) (models.UploadJob, error) {
	return s.loadJob(ctx, id)
}

// ResumePlan extends an upload plan with the parts storage already holds.
// PresignedParts only covers the parts still missing.
type ResumePlan struct {
	UploadPlan
	CompletedParts []objectstore.CompletedPart `json:"completedParts"`
	BytesUploaded  int64                       `json:"bytesUploaded"`
}

// ResumeUpload rebuilds the plan for an interrupted upload from the storage
// session's own part listing. The confirmed parts are also recorded on the job.
func (s *Service) ResumeUpload(ctx context.Context, id string) (ResumePlan, error) {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return ResumePlan{}, err
	}
	if job.Status != models.UploadStatusUploading {
		return ResumePlan{}, conflictf("upload %s is %s", job.ID, job.Status)
	}
	payload := job.Payload
	logger := s.log(ctx, job.ID)

	listed, err := s.gateway.ListParts(ctx, payload.Key, payload.UploadID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNoSuchUpload) {
			if _, failErr := s.store.FailUploadJob(ctx, job.ID, "multipart session no longer exists"); failErr != nil {
				logger.Error("failed to record lost session", "error", failErr)
			}
		}
		return ResumePlan{}, fmt.Errorf("%w: list parts: %w", ErrStorageSession, err)
	}

	confirmed := make(map[int]struct{}, len(listed))
	completed := make([]objectstore.CompletedPart, 0, len(listed))
	numbers := make([]int, 0, len(listed))
	var bytesUploaded int64
	for _, part := range listed {
		if part.PartNumber < 1 || part.PartNumber > payload.PartCount {
			continue
		}
		confirmed[part.PartNumber] = struct{}{}
		completed = append(completed, objectstore.CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag})
		numbers = append(numbers, part.PartNumber)
		bytesUploaded += part.Size
	}
	if bytesUploaded > job.BytesTotal {
		bytesUploaded = job.BytesTotal
	}

	missing := make([]int, 0, payload.PartCount-len(confirmed))
	for n := 1; n <= payload.PartCount; n++ {
		if _, ok := confirmed[n]; !ok {
			missing = append(missing, n)
		}
	}

	var presigned []objectstore.PresignedPart
	if len(missing) > 0 {
		presigned, err = s.gateway.PresignParts(ctx, payload.Key, payload.UploadID, missing, s.presignTTL)
		if err != nil {
			return ResumePlan{}, fmt.Errorf("%w: presign parts: %w", ErrStorageSession, err)
		}
	}

	if len(numbers) > 0 {
		if updated, err := s.store.RecordUploadProgress(ctx, job.ID, bytesUploaded, numbers); err != nil {
			logger.Warn("failed to record resumed progress", "error", err)
		} else {
			job = updated
		}
	}

	logger.Info("upload resumed", "confirmed_parts", len(completed), "missing_parts", len(missing))
	return ResumePlan{
		UploadPlan: UploadPlan{
			JobID:          job.ID,
			UploadID:       payload.UploadID,
			Key:            payload.Key,
			PartSize:       payload.PartSize,
			PartCount:      payload.PartCount,
			PresignedParts: presigned,
			Renditions:     payload.Renditions,
		},
		CompletedParts: completed,
		BytesUploaded:  job.BytesUploaded,
	}, nil
}

// AbortUpload cancels an upload that is still in flight.
func (s *Service) AbortUpload(ctx context.Context, id string) (models.UploadJob, error) {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, err
	}
	if job.Status != models.UploadStatusUploading {
		return models.UploadJob{}, conflictf("upload %s is %s", job.ID, job.Status)
	}
	if err := s.gateway.AbortMultipart(ctx, job.Payload.Key, job.Payload.UploadID); err != nil && !errors.Is(err, objectstore.ErrNoSuchUpload) {
		return models.UploadJob{}, fmt.Errorf("%w: abort multipart upload: %w", ErrStorageSession, err)
	}
	failed, err := s.store.FailUploadJob(ctx, job.ID, "upload aborted")
	if err != nil {
		return models.UploadJob{}, mapStoreError(err)
	}
	s.log(ctx, job.ID).Info("upload aborted")
	return failed, nil
}

// RequeueUpload moves a FAILED job whose master object exists back to
// PROCESSING and enqueues one transcode job for its unfinished renditions.
func (s *Service) RequeueUpload(ctx context.Context, id string) (models.UploadJob, error) {
	job, err := s.loadJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, err
	}
	if job.Status != models.UploadStatusFailed || !job.Payload.Finalized {
		return models.UploadJob{}, conflictf("upload %s is %s and cannot be requeued", job.ID, job.Status)
	}
	logger := s.log(ctx, job.ID)

	renditions, err := s.pendingRenditions(ctx, job)
	if err != nil {
		return models.UploadJob{}, err
	}

	processing, err := s.store.RetryProcessing(ctx, job.ID)
	if err != nil {
		return models.UploadJob{}, mapStoreError(err)
	}
	if err := s.queue.Enqueue(ctx, transcodeJobFor(processing, renditions)); err != nil {
		if _, failErr := s.store.FailUploadJob(ctx, job.ID, fmt.Sprintf("enqueue transcode job: %v", err)); failErr != nil {
			logger.Error("failed to record enqueue failure", "error", failErr)
		}
		return models.UploadJob{}, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	logger.Info("upload requeued", "renditions", models.RenditionStrings(renditions))
	return processing, nil
}

// pendingRenditions lists the renditions placeholdered for this job that are
// not READY yet, falling back to the planned list.
func (s *Service) pendingRenditions(ctx context.Context, job models.UploadJob) ([]models.Rendition, error) {
	versions, err := s.store.ListAssetVersions(ctx, job.Owner())
	if err != nil {
		return nil, fmt.Errorf("list asset versions: %w", err)
	}
	var pending []models.Rendition
	owned := 0
	for _, version := range versions {
		if version.UploadJobID != job.ID {
			continue
		}
		owned++
		if version.Status != models.AssetStatusReady {
			pending = append(pending, version.Rendition)
		}
	}
	if owned == 0 {
		return append([]models.Rendition(nil), job.Payload.Renditions...), nil
	}
	if len(pending) == 0 {
		// Everything is READY; rerun the whole set so the job can complete.
		for _, version := range versions {
			if version.UploadJobID == job.ID {
				pending = append(pending, version.Rendition)
			}
		}
	}
	models.SortRenditions(pending)
	return pending, nil
}

// ListAssets returns the owner's renditions ranked from the highest
// resolution to the lowest.
func (s *Service) ListAssets(ctx context.Context, owner models.AssetOwner) ([]models.AssetVersion, error) {
	if !owner.Valid() {
		return nil, invalidf("exactly one of titleId or episodeId is required")
	}
	versions, err := s.store.ListAssetVersions(ctx, owner)
	if err != nil {
		return nil, mapStoreError(err)
	}
	models.SortAssetVersions(versions)
	return versions, nil
}
