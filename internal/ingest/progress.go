package ingest

import (
	"context"

	"reelhouse/internal/models"
)

// ProgressReport is the body of PATCH /api/uploads/{id}/progress.
type ProgressReport struct {
	BytesUploaded int64 `json:"bytesUploaded"`
	// Parts lists part numbers the client has seen succeed.
	Parts []int `json:"parts,omitempty"`
}

// UpdateProgress stores the byte high-water mark. Lower values than the one
// stored are accepted and ignored, so repeated reports are harmless.
func (s *Service) UpdateProgress(ctx context.Context, id string, report ProgressReport) (models.UploadJob, error) {
	if report.BytesUploaded < 0 {
		return models.UploadJob{}, invalidf("bytesUploaded must be non-negative")
	}
	for _, part := range report.Parts {
		if part < 1 {
			return models.UploadJob{}, invalidf("part numbers start at 1")
		}
	}
	if id == "" {
		return models.UploadJob{}, invalidf("upload job id required")
	}
	job, err := s.store.RecordUploadProgress(ctx, id, report.BytesUploaded, report.Parts)
	if err != nil {
		return models.UploadJob{}, mapStoreError(err)
	}
	s.metrics.ProgressReported()
	s.log(ctx, id).Debug("upload progress", "bytes_uploaded", job.BytesUploaded, "bytes_total", job.BytesTotal)
	return job, nil
}
