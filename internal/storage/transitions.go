package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"reelhouse/internal/models"
)

// The helpers below hold the upload job state rules shared by every
// Repository implementation. Each returns whether the job changed so callers
// can skip the write.

func validateCreateUploadJob(params CreateUploadJobParams) error {
	if strings.TrimSpace(params.ID) == "" {
		return fmt.Errorf("upload job id required")
	}
	if params.BytesTotal <= 0 {
		return fmt.Errorf("bytes total must be positive")
	}
	if strings.TrimSpace(params.Payload.Key) == "" {
		return fmt.Errorf("storage key required")
	}
	if !models.OwnerOf(params.TitleID, params.EpisodeID).Valid() {
		return fmt.Errorf("upload job must reference exactly one of title or episode")
	}
	return nil
}

func newUploadJob(params CreateUploadJobParams, now time.Time) models.UploadJob {
	payload := clonePayload(params.Payload)
	if payload.Renditions == nil {
		payload.Renditions = models.AllRenditions()
	}
	return models.UploadJob{
		ID:         params.ID,
		Status:     models.UploadStatusUploading,
		BytesTotal: params.BytesTotal,
		Payload:    payload,
		TitleID:    cloneInt64(params.TitleID),
		EpisodeID:  cloneInt64(params.EpisodeID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func applyProgress(job *models.UploadJob, bytesUploaded int64, parts []int, now time.Time) (bool, error) {
	if bytesUploaded < 0 || bytesUploaded > job.BytesTotal {
		return false, fmt.Errorf("%w: %d of %d", ErrProgressOutOfRange, bytesUploaded, job.BytesTotal)
	}
	if job.Status != models.UploadStatusUploading {
		return false, nil
	}
	changed := false
	if bytesUploaded > job.BytesUploaded {
		job.BytesUploaded = bytesUploaded
		changed = true
	}
	if merged, ok := mergeParts(job.Payload.ConfirmedParts, parts, job.Payload.PartCount); ok {
		job.Payload.ConfirmedParts = merged
		changed = true
	}
	if changed {
		job.UpdatedAt = now
	}
	return changed, nil
}

// mergeParts adds part numbers within 1..partCount to the sorted confirmed
// list. The bool reports whether anything was added.
func mergeParts(existing, incoming []int, partCount int) ([]int, bool) {
	if len(incoming) == 0 {
		return existing, false
	}
	seen := make(map[int]struct{}, len(existing)+len(incoming))
	for _, part := range existing {
		seen[part] = struct{}{}
	}
	merged := append([]int(nil), existing...)
	added := false
	for _, part := range incoming {
		if part < 1 || (partCount > 0 && part > partCount) {
			continue
		}
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		merged = append(merged, part)
		added = true
	}
	if !added {
		return existing, false
	}
	sort.Ints(merged)
	return merged, true
}

func applyBeginProcessing(job *models.UploadJob, now time.Time) error {
	if !job.Status.CanTransition(models.UploadStatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, models.UploadStatusProcessing)
	}
	job.Status = models.UploadStatusProcessing
	job.BytesUploaded = job.BytesTotal
	job.Error = ""
	job.Payload.Finalized = true
	job.UpdatedAt = now
	return nil
}

func applyRetry(job *models.UploadJob, now time.Time) (bool, error) {
	switch job.Status {
	case models.UploadStatusProcessing:
		return false, nil
	case models.UploadStatusFailed:
		if !job.Payload.Finalized {
			return false, fmt.Errorf("%w: upload %s never finalized", ErrInvalidTransition, job.ID)
		}
		job.Status = models.UploadStatusProcessing
		job.Error = ""
		job.UpdatedAt = now
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, models.UploadStatusProcessing)
	}
}

func applyComplete(job *models.UploadJob, now time.Time) (bool, error) {
	if job.Status == models.UploadStatusCompleted {
		return false, nil
	}
	if !job.Status.CanTransition(models.UploadStatusCompleted) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, models.UploadStatusCompleted)
	}
	job.Status = models.UploadStatusCompleted
	job.Error = ""
	job.UpdatedAt = now
	completed := now
	job.CompletedAt = &completed
	return true, nil
}

func applyFail(job *models.UploadJob, message string, now time.Time) bool {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "upload failed"
	}
	if job.Status == models.UploadStatusFailed && job.Error == message {
		return false
	}
	job.Status = models.UploadStatusFailed
	job.Error = message
	job.UpdatedAt = now
	return true
}

func placeholderVersion(existing *models.AssetVersion, owner models.AssetOwner, placeholder AssetPlaceholder, jobID string, now time.Time) (models.AssetVersion, error) {
	version := models.AssetVersion{
		TitleID:   owner.TitleRef(),
		EpisodeID: owner.EpisodeRef(),
		Rendition: placeholder.Rendition,
		CreatedAt: now,
	}
	if existing != nil {
		version = cloneAssetVersion(*existing)
	} else {
		id, err := generateID()
		if err != nil {
			return models.AssetVersion{}, err
		}
		version.ID = id
	}
	version.Status = models.AssetStatusProcessing
	version.URL = ""
	version.SourceURL = placeholder.SourceURL
	version.SizeBytes = 0
	version.DurationSec = 0
	version.UploadJobID = jobID
	version.UpdatedAt = now
	return version, nil
}

func clonePayload(payload models.UploadPayload) models.UploadPayload {
	cloned := payload
	if payload.Renditions != nil {
		cloned.Renditions = append([]models.Rendition(nil), payload.Renditions...)
	}
	if payload.ConfirmedParts != nil {
		cloned.ConfirmedParts = append([]int(nil), payload.ConfirmedParts...)
	}
	return cloned
}

func cloneUploadJob(job models.UploadJob) models.UploadJob {
	cloned := job
	cloned.Payload = clonePayload(job.Payload)
	cloned.TitleID = cloneInt64(job.TitleID)
	cloned.EpisodeID = cloneInt64(job.EpisodeID)
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func cloneAssetVersion(version models.AssetVersion) models.AssetVersion {
	cloned := version
	cloned.TitleID = cloneInt64(version.TitleID)
	cloned.EpisodeID = cloneInt64(version.EpisodeID)
	return cloned
}

func cloneInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func validateOwner(owner models.AssetOwner) error {
	if !owner.Valid() {
		return fmt.Errorf("asset owner must reference exactly one of title or episode")
	}
	return nil
}

func validateReady(params AssetReadyParams) error {
	if err := validateOwner(params.Owner); err != nil {
		return err
	}
	if !params.Rendition.Valid() {
		return fmt.Errorf("unknown rendition %q", params.Rendition)
	}
	if strings.TrimSpace(params.URL) == "" {
		return fmt.Errorf("ready asset version requires a url")
	}
	if params.SizeBytes <= 0 {
		return fmt.Errorf("ready asset version requires a positive size")
	}
	if params.DurationSec <= 0 {
		return fmt.Errorf("ready asset version requires a positive duration")
	}
	return nil
}
