package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/storage"
)

// CompleteRequest is the body of POST /api/uploads/{id}/complete. Part entries
// decode from either {"ETag","PartNumber"} or {"etag","partNumber"}.
type CompleteRequest struct {
	UploadID   string                      `json:"uploadId"`
	Key        string                      `json:"key"`
	Parts      []objectstore.CompletedPart `json:"parts"`
	Renditions []string                    `json:"renditions,omitempty"`
}

// CompleteUpload finalizes the multipart session and fans the job out to the
// transcode queue. A storage failure marks the job FAILED before anything is
// placeholdered; an enqueue failure marks it FAILED after the placeholders
// exist so operators can requeue it.
func (s *Service) CompleteUpload(ctx context.Context, id string, req CompleteRequest) (models.UploadJob, error) {
	job, outcome, err := s.completeUpload(ctx, id, req)
	s.metrics.UploadCompleted(outcome)
	return job, err
}

func (s *Service) completeUpload(ctx context.Context, id string, req CompleteRequest) (models.UploadJob, string, error) {
	release, ok := s.claimCompletion(id)
	if !ok {
		return models.UploadJob{}, "conflict", conflictf("upload %s is already being completed", id)
	}
	defer release()

	job, err := s.loadJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, "invalid", err
	}
	if job.Status != models.UploadStatusUploading {
		return models.UploadJob{}, "conflict", conflictf("upload %s is %s", job.ID, job.Status)
	}
	parts, renditions, err := validateCompletion(job, req)
	if err != nil {
		return models.UploadJob{}, "invalid", err
	}
	logger := s.log(ctx, job.ID)

	if err := s.gateway.CompleteMultipart(ctx, job.Payload.Key, job.Payload.UploadID, parts); err != nil {
		if errors.Is(err, objectstore.ErrNoSuchUpload) {
			// Another replica may have finalized the session first; its
			// job state wins.
			if current, readErr := s.store.GetUploadJob(ctx, job.ID); readErr == nil &&
				(current.Status != models.UploadStatusUploading || current.Payload.Finalized) {
				logger.Warn("multipart session already finalized elsewhere", "status", current.Status)
				return models.UploadJob{}, "conflict", conflictf("upload %s is %s", job.ID, current.Status)
			}
		}
		message := fmt.Sprintf("complete multipart upload: %v", err)
		if _, failErr := s.store.FailUploadJob(ctx, job.ID, message); failErr != nil {
			logger.Error("failed to record storage failure", "error", failErr)
		}
		logger.Error("multipart completion failed", "error", err)
		return models.UploadJob{}, "storage_error", fmt.Errorf("%w: %w", ErrStorageSession, err)
	}

	sourceURL := s.gateway.ObjectURL(job.Payload.Key)
	placeholders := make([]storage.AssetPlaceholder, 0, len(renditions))
	for _, rendition := range renditions {
		placeholders = append(placeholders, storage.AssetPlaceholder{Rendition: rendition, SourceURL: sourceURL})
	}
	processing, _, err := s.store.BeginProcessing(ctx, job.ID, placeholders)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			return models.UploadJob{}, "conflict", mapStoreError(err)
		}
		if _, failErr := s.store.FailUploadJob(ctx, job.ID, fmt.Sprintf("record processing state: %v", err)); failErr != nil {
			logger.Error("failed to record catalog failure", "error", failErr)
		}
		return models.UploadJob{}, "error", fmt.Errorf("begin processing: %w", err)
	}

	if err := s.queue.Enqueue(ctx, transcodeJobFor(processing, renditions)); err != nil {
		failed, failErr := s.store.FailUploadJob(ctx, job.ID, fmt.Sprintf("enqueue transcode job: %v", err))
		if failErr != nil {
			logger.Error("failed to record enqueue failure", "error", failErr)
		} else {
			processing = failed
		}
		logger.Error("enqueue transcode job failed", "error", err)
		return processing, "enqueue_error", fmt.Errorf("%w: %w", ErrEnqueue, err)
	}

	logger.Info("upload completed", "key", job.Payload.Key, "renditions", models.RenditionStrings(renditions))
	return processing, "success", nil
}

// validateCompletion checks the request against the stored session and
// returns the parts sorted by number plus the renditions to transcode.
func validateCompletion(job models.UploadJob, req CompleteRequest) ([]objectstore.CompletedPart, []models.Rendition, error) {
	if uploadID := strings.TrimSpace(req.UploadID); uploadID != "" && uploadID != job.Payload.UploadID {
		return nil, nil, invalidf("uploadId does not match upload %s", job.ID)
	}
	if key := strings.TrimSpace(req.Key); key != "" && key != job.Payload.Key {
		return nil, nil, invalidf("key does not match upload %s", job.ID)
	}
	if len(req.Parts) == 0 {
		return nil, nil, invalidf("parts required")
	}

	partCount := job.Payload.PartCount
	seen := make(map[int]struct{}, len(req.Parts))
	parts := make([]objectstore.CompletedPart, 0, len(req.Parts))
	for _, part := range req.Parts {
		if part.PartNumber < 1 || (partCount > 0 && part.PartNumber > partCount) {
			return nil, nil, invalidf("part number %d outside 1..%d", part.PartNumber, partCount)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return nil, nil, invalidf("part number %d listed twice", part.PartNumber)
		}
		if strings.TrimSpace(part.ETag) == "" {
			return nil, nil, invalidf("part %d is missing its ETag", part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
		parts = append(parts, objectstore.CompletedPart{PartNumber: part.PartNumber, ETag: strings.TrimSpace(part.ETag)})
	}
	if partCount > 0 && len(parts) != partCount {
		missing := make([]int, 0)
		for n := 1; n <= partCount; n++ {
			if _, ok := seen[n]; !ok {
				missing = append(missing, n)
			}
		}
		return nil, nil, invalidf("missing parts %v", missing)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	renditions := job.Payload.Renditions
	if len(req.Renditions) > 0 {
		requested, err := models.NormalizeRenditions(req.Renditions)
		if err != nil {
			return nil, nil, invalidf("%v", err)
		}
		planned := make(map[models.Rendition]struct{}, len(renditions))
		for _, r := range renditions {
			planned[r] = struct{}{}
		}
		for _, r := range requested {
			if _, ok := planned[r]; !ok {
				return nil, nil, invalidf("rendition %s was not planned for upload %s", r, job.ID)
			}
		}
		renditions = requested
	}
	if len(renditions) == 0 {
		renditions = models.AllRenditions()
	}
	return parts, renditions, nil
}
