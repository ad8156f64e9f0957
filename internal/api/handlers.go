package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
	"reelhouse/internal/observability/logging"
)

// UploadService is the upload pipeline surface the handlers drive.
// *ingest.Service implements it.
type UploadService interface {
	InitUpload(ctx context.Context, req ingest.InitRequest) (ingest.UploadPlan, error)
	UpdateProgress(ctx context.Context, id string, report ingest.ProgressReport) (models.UploadJob, error)
	CompleteUpload(ctx context.Context, id string, req ingest.CompleteRequest) (models.UploadJob, error)
	ListUploads(ctx context.Context, filter ingest.ListFilter) ([]models.UploadJob, error)
	GetUpload(ctx context.Context, id string) (models.UploadJob, error)
	ResumeUpload(ctx context.Context, id string) (ingest.ResumePlan, error)
	AbortUpload(ctx context.Context, id string) (models.UploadJob, error)
	RequeueUpload(ctx context.Context, id string) (models.UploadJob, error)
	ListAssets(ctx context.Context, owner models.AssetOwner) ([]models.AssetVersion, error)
}

// HealthCheck reports on one dependency for /healthz.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

type Handler struct {
	Uploads UploadService
	Checks  []HealthCheck
	Logger  *slog.Logger
}

func NewHandler(uploads UploadService, logger *slog.Logger, checks ...HealthCheck) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Uploads: uploads, Checks: checks, Logger: logger}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return logging.WithContext(r.Context(), h.Logger)
	}
	return slog.Default()
}

// writeServiceError maps ingest sentinels onto status codes. Unexpected
// errors are logged and answered with an opaque message.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, errors.New("internal error"))
		return
	}
	writeError(w, status, err)
}

func statusForError(err error) int {
	var reqErr RequestError
	switch {
	case errors.As(err, &reqErr):
		return reqErr.Status
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ingest.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ingest.ErrStorageSession):
		return http.StatusBadGateway
	case errors.Is(err, ingest.ErrEnqueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
