package uploadclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
)

// Client runs whole uploads: init, part upload and completion.
type Client struct {
	api      *APIClient
	uploader *Uploader
	logger   *slog.Logger
}

func NewClient(api *APIClient, uploader *Uploader, logger *slog.Logger) (*Client, error) {
	if api == nil {
		return nil, errors.New("uploadclient: api client is required")
	}
	if uploader == nil {
		return nil, errors.New("uploadclient: uploader is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{api: api, uploader: uploader, logger: logger}, nil
}

// Run uploads the file at path. FileName, BytesTotal and ContentType are
// filled from the file when unset. On a part failure the returned error
// carries the job id so the upload can be resumed.
func (c *Client) Run(ctx context.Context, path string, req ingest.InitRequest) (models.UploadJob, error) {
	file, size, err := openSource(path)
	if err != nil {
		return models.UploadJob{}, err
	}
	defer file.Close()

	if req.FileName == "" {
		req.FileName = filepath.Base(path)
	}
	if req.ContentType == "" {
		req.ContentType = objectstore.ContentTypeFor(req.FileName)
	}
	req.BytesTotal = size

	plan, err := c.api.InitUpload(ctx, req)
	if err != nil {
		return models.UploadJob{}, fmt.Errorf("init upload: %w", err)
	}
	logger := c.logger.With("upload_job_id", plan.JobID)
	logger.Info("upload started", "key", plan.Key, "parts", plan.PartCount, "part_size", plan.PartSize)

	parts, err := c.uploader.Upload(ctx, file, size, PartPlan{
		JobID:     plan.JobID,
		PartSize:  plan.PartSize,
		PartCount: plan.PartCount,
		Presigned: plan.PresignedParts,
	})
	if err != nil {
		return models.UploadJob{ID: plan.JobID, Status: models.UploadStatusUploading}, &IncompleteError{JobID: plan.JobID, Err: err}
	}
	return c.complete(ctx, logger, plan, parts)
}

// Resume finishes an interrupted upload, pushing only the parts storage has
// not confirmed.
func (c *Client) Resume(ctx context.Context, jobID, path string) (models.UploadJob, error) {
	file, size, err := openSource(path)
	if err != nil {
		return models.UploadJob{}, err
	}
	defer file.Close()

	plan, err := c.api.ResumeUpload(ctx, jobID)
	if err != nil {
		return models.UploadJob{}, fmt.Errorf("resume upload: %w", err)
	}
	logger := c.logger.With("upload_job_id", jobID)
	logger.Info("resuming upload", "confirmed_parts", len(plan.CompletedParts), "missing_parts", len(plan.PresignedParts))

	parts, err := c.uploader.Upload(ctx, file, size, PartPlan{
		JobID:     jobID,
		PartSize:  plan.PartSize,
		PartCount: plan.PartCount,
		Presigned: plan.PresignedParts,
		Completed: plan.CompletedParts,
	})
	if err != nil {
		return models.UploadJob{ID: jobID, Status: models.UploadStatusUploading}, &IncompleteError{JobID: jobID, Err: err}
	}
	return c.complete(ctx, logger, plan.UploadPlan, parts)
}

func (c *Client) complete(ctx context.Context, logger *slog.Logger, plan ingest.UploadPlan, parts []objectstore.CompletedPart) (models.UploadJob, error) {
	job, err := c.api.CompleteUpload(ctx, plan.JobID, ingest.CompleteRequest{
		UploadID:   plan.UploadID,
		Key:        plan.Key,
		Parts:      parts,
		Renditions: models.RenditionStrings(plan.Renditions),
	})
	if err != nil {
		return models.UploadJob{}, fmt.Errorf("complete upload %s: %w", plan.JobID, err)
	}
	logger.Info("upload completed", "status", job.Status)
	return job, nil
}

func openSource(path string) (*os.File, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open source: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, 0, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() == 0 {
		file.Close()
		return nil, 0, fmt.Errorf("%s is empty", path)
	}
	return file, info.Size(), nil
}

// IncompleteError reports an upload whose parts did not all reach storage.
// The job stays UPLOADING and can be resumed.
type IncompleteError struct {
	JobID string
	Err   error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload %s incomplete: %v", e.JobID, e.Err)
}

func (e *IncompleteError) Unwrap() error {
	return e.Err
}
