package ingest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/storage"
)

// InitRequest is the body of POST /api/uploads.
type InitRequest struct {
	Kind          models.UploadKind `json:"kind"`
	TitleID       *int64            `json:"titleId,omitempty"`
	TitleName     string            `json:"titleName,omitempty"`
	EpisodeID     *int64            `json:"episodeId,omitempty"`
	EpisodeName   string            `json:"episodeName,omitempty"`
	SeasonNumber  int               `json:"seasonNumber,omitempty"`
	EpisodeNumber int               `json:"episodeNumber,omitempty"`
	FileName      string            `json:"fileName"`
	BytesTotal    int64             `json:"bytesTotal"`
	ContentType   string            `json:"contentType,omitempty"`
	Renditions    []string          `json:"renditions,omitempty"`
}

// UploadPlan is what a client needs to push parts straight to storage.
type UploadPlan struct {
	JobID          string                      `json:"jobId"`
	UploadID       string                      `json:"uploadId"`
	Key            string                      `json:"key"`
	PartSize       int64                       `json:"partSize"`
	PartCount      int                         `json:"partCount"`
	PresignedParts []objectstore.PresignedPart `json:"presignedParts"`
	Renditions     []models.Rendition          `json:"renditions"`
}

type initInput struct {
	kind        models.UploadKind
	fileName    string
	contentType string
	renditions  []models.Rendition
}

func validateInit(req InitRequest, partSize int64) (initInput, error) {
	kind := models.UploadKind(strings.ToUpper(strings.TrimSpace(string(req.Kind))))
	if !kind.Valid() {
		return initInput{}, invalidf("kind must be one of MOVIE, SERIES or EPISODE")
	}
	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return initInput{}, invalidf("fileName required")
	}
	if req.BytesTotal <= 0 {
		return initInput{}, invalidf("bytesTotal must be positive")
	}
	if models.PartCount(req.BytesTotal, partSize) > objectstore.MaxParts {
		return initInput{}, invalidf("bytesTotal %d needs more than %d parts of %d bytes", req.BytesTotal, objectstore.MaxParts, partSize)
	}
	if req.SeasonNumber < 0 || req.EpisodeNumber < 0 {
		return initInput{}, invalidf("season and episode numbers must be non-negative")
	}
	if kind == models.UploadKindEpisode && req.EpisodeID == nil && req.TitleID == nil && strings.TrimSpace(req.TitleName) == "" {
		return initInput{}, invalidf("episode uploads need episodeId, titleId or titleName")
	}
	renditions, err := models.NormalizeRenditions(req.Renditions)
	if err != nil {
		return initInput{}, invalidf("%v", err)
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = objectstore.ContentTypeFor(fileName)
	}
	return initInput{kind: kind, fileName: fileName, contentType: contentType, renditions: renditions}, nil
}

// InitUpload creates the upload job and its multipart session. It is not
// idempotent: every call begins a new session.
func (s *Service) InitUpload(ctx context.Context, req InitRequest) (UploadPlan, error) {
	plan, err := s.initUpload(ctx, req)
	outcome := "success"
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNotFound):
		outcome = "invalid"
	case errors.Is(err, ErrStorageSession):
		outcome = "storage_error"
	case err != nil:
		outcome = "error"
	}
	s.metrics.UploadInitiated(outcome)
	return plan, err
}

func (s *Service) initUpload(ctx context.Context, req InitRequest) (UploadPlan, error) {
	input, err := validateInit(req, s.partSize)
	if err != nil {
		return UploadPlan{}, err
	}

	titleID, episodeID, err := s.resolveOwner(ctx, input.kind, req)
	if err != nil {
		return UploadPlan{}, err
	}

	jobID := s.newID()
	key := sourceKey(jobID, input.fileName)
	logger := s.log(ctx, jobID)

	uploadID, err := s.gateway.BeginMultipart(ctx, key, input.contentType)
	if err != nil {
		return UploadPlan{}, fmt.Errorf("%w: begin multipart upload: %w", ErrStorageSession, err)
	}

	partCount := models.PartCount(req.BytesTotal, s.partSize)
	presigned, err := s.gateway.PresignParts(ctx, key, uploadID, partNumbers(1, partCount), s.presignTTL)
	if err != nil {
		s.abortSession(ctx, key, uploadID)
		return UploadPlan{}, fmt.Errorf("%w: presign parts: %w", ErrStorageSession, err)
	}

	job, err := s.store.CreateUploadJob(ctx, storage.CreateUploadJobParams{
		ID:         jobID,
		BytesTotal: req.BytesTotal,
		Payload: models.UploadPayload{
			Key:         key,
			UploadID:    uploadID,
			FileName:    input.fileName,
			ContentType: input.contentType,
			Renditions:  input.renditions,
			PartSize:    s.partSize,
			PartCount:   partCount,
		},
		TitleID:   titleID,
		EpisodeID: episodeID,
	})
	if err != nil {
		s.abortSession(ctx, key, uploadID)
		return UploadPlan{}, fmt.Errorf("create upload job: %w", mapStoreError(err))
	}

	logger.Info("upload initiated", "key", key, "bytes_total", job.BytesTotal, "part_count", partCount)
	return UploadPlan{
		JobID:          job.ID,
		UploadID:       uploadID,
		Key:            key,
		PartSize:       s.partSize,
		PartCount:      partCount,
		PresignedParts: presigned,
		Renditions:     job.Payload.Renditions,
	}, nil
}

// abortSession releases a multipart session we began but could not hand out.
func (s *Service) abortSession(ctx context.Context, key, uploadID string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.gateway.AbortMultipart(abortCtx, key, uploadID); err != nil && !errors.Is(err, objectstore.ErrNoSuchUpload) {
		s.logger.Warn("failed to abort multipart session", "key", key, "upload_id", uploadID, "error", err)
	}
}

// resolveOwner returns exactly one of titleID or episodeID, creating archived
// catalog rows when the request names content that does not exist yet.
func (s *Service) resolveOwner(ctx context.Context, kind models.UploadKind, req InitRequest) (*int64, *int64, error) {
	if kind == models.UploadKindEpisode {
		episodeID, err := s.resolveEpisode(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		return nil, &episodeID, nil
	}

	titleKind := kind.TitleKind()
	if req.TitleID != nil {
		title, err := s.store.GetTitle(ctx, *req.TitleID)
		switch {
		case err == nil:
			if title.Kind != titleKind {
				return nil, nil, invalidf("title %d is a %s, not a %s", title.ID, title.Kind, titleKind)
			}
			return &title.ID, nil, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, nil, err
		case strings.TrimSpace(req.TitleName) == "":
			return nil, nil, mapStoreError(err)
		}
	}

	name := strings.TrimSpace(req.TitleName)
	if name == "" {
		name = titleFromFileName(req.FileName)
	}
	title, err := s.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: titleKind, Name: name, Archived: true})
	if err != nil {
		return nil, nil, fmt.Errorf("create title: %w", err)
	}
	s.logger.Info("created pending title", "title_id", title.ID, "kind", title.Kind)
	return &title.ID, nil, nil
}

func (s *Service) resolveEpisode(ctx context.Context, req InitRequest) (int64, error) {
	if req.EpisodeID != nil {
		episode, err := s.store.GetEpisode(ctx, *req.EpisodeID)
		if err != nil {
			return 0, mapStoreError(err)
		}
		return episode.ID, nil
	}

	series, err := s.resolveSeries(ctx, req)
	if err != nil {
		return 0, err
	}
	episode, err := s.store.CreateEpisode(ctx, storage.CreateEpisodeParams{
		TitleID:       series.ID,
		Name:          strings.TrimSpace(req.EpisodeName),
		SeasonNumber:  req.SeasonNumber,
		EpisodeNumber: req.EpisodeNumber,
		Archived:      true,
	})
	if err != nil {
		return 0, fmt.Errorf("create episode: %w", err)
	}
	s.logger.Info("created pending episode", "episode_id", episode.ID, "title_id", series.ID)
	return episode.ID, nil
}

// resolveSeries looks the parent up by id, then by folded name, and creates an
// archived SERIES as the last resort.
func (s *Service) resolveSeries(ctx context.Context, req InitRequest) (models.Title, error) {
	if req.TitleID != nil {
		title, err := s.store.GetTitle(ctx, *req.TitleID)
		if err == nil {
			if title.Kind != models.TitleKindSeries {
				return models.Title{}, invalidf("title %d is not a series", title.ID)
			}
			return title, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return models.Title{}, err
		}
	}

	name := strings.TrimSpace(req.TitleName)
	if name == "" {
		return models.Title{}, invalidf("episode upload could not resolve a series: titleId not found and titleName empty")
	}
	title, err := s.store.FindTitleByName(ctx, models.TitleKindSeries, name)
	if err == nil {
		return title, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.Title{}, err
	}
	title, err = s.store.CreateTitle(ctx, storage.CreateTitleParams{Kind: models.TitleKindSeries, Name: name, Archived: true})
	if err != nil {
		return models.Title{}, fmt.Errorf("create series: %w", err)
	}
	s.logger.Info("created pending series", "title_id", title.ID)
	return title, nil
}

func sourceKey(jobID, fileName string) string {
	return uploadPrefix + jobID + "/source/" + sanitizeFileName(fileName)
}

// sanitizeFileName keeps the base name as ASCII letters, digits, dots, dashes
// and underscores. Accents are stripped after NFKD decomposition.
func sanitizeFileName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	decomposed := norm.NFKD.String(base)

	var b strings.Builder
	lastDash := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	cleaned := strings.Trim(b.String(), "-.")
	if cleaned == "" {
		return "source"
	}
	return cleaned
}

func titleFromFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	base = strings.TrimSpace(strings.NewReplacer("_", " ", ".", " ").Replace(base))
	if base == "" {
		return "Untitled upload"
	}
	return base
}
