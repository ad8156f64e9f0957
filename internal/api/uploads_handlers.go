package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"reelhouse/internal/ingest"
	"reelhouse/internal/models"
)

type jobResponse struct {
	Job models.UploadJob `json:"job"`
}

type uploadsResponse struct {
	Uploads []models.UploadJob `json:"uploads"`
}

type assetsResponse struct {
	Assets []models.AssetVersion `json:"assets"`
}

func uploadID(r *http.Request) string {
	return strings.TrimSpace(mux.Vars(r)["id"])
}

// InitUpload opens a multipart session and answers with the part plan.
func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	var req ingest.InitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	plan, err := h.Uploads.InitUpload(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ingest.ListFilter{Status: query.Get("status")}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		filter.Limit = limit
	}
	jobs, err := h.Uploads.ListUploads(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.UploadJob{}
	}
	writeJSON(w, http.StatusOK, uploadsResponse{Uploads: jobs})
}

func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	job, err := h.Uploads.GetUpload(r.Context(), uploadID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

// UpdateProgress records the client's upload high-water mark.
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	var report ingest.ProgressReport
	if err := decodeJSON(w, r, &report); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	job, err := h.Uploads.UpdateProgress(r.Context(), uploadID(r), report)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

// CompleteUpload finalizes the object and queues the transcode. The job is
// PROCESSING when this answers, hence 202.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req ingest.CompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	job, err := h.Uploads.CompleteUpload(r.Context(), uploadID(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

func (h *Handler) ResumeUpload(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Uploads.ResumeUpload(r.Context(), uploadID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) RequeueUpload(w http.ResponseWriter, r *http.Request) {
	job, err := h.Uploads.RequeueUpload(r.Context(), uploadID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{Job: job})
}

func (h *Handler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	job, err := h.Uploads.AbortUpload(r.Context(), uploadID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{Job: job})
}

// ListAssets returns the playable renditions of a title or an episode,
// best first.
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var owner models.AssetOwner
	for _, param := range []struct {
		name string
		dest *int64
	}{
		{"titleId", &owner.TitleID},
		{"episodeId", &owner.EpisodeID},
	} {
		raw := strings.TrimSpace(query.Get(param.name))
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be a positive integer", param.name))
			return
		}
		*param.dest = id
	}
	versions, err := h.Uploads.ListAssets(r.Context(), owner)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if versions == nil {
		versions = []models.AssetVersion{}
	}
	writeJSON(w, http.StatusOK, assetsResponse{Assets: versions})
}
