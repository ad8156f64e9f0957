package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/storage"
)

const (
	DefaultPresignTTL = time.Hour
	// uploadPrefix is the key prefix every source master lives under. The
	// sweeper only looks at sessions below it.
	uploadPrefix = "uploads/"
)

// Enqueuer is the part of the job queue the upload service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.TranscodeJob) error
}

// ServiceConfig wires the upload service to its collaborators.
type ServiceConfig struct {
	Store   storage.Repository
	Gateway objectstore.Gateway
	Queue   Enqueuer
	// PartSize defaults to models.DefaultPartSize.
	PartSize   int64
	PresignTTL time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	NewID      func() string
}

// Service implements the upload session, progress, completion and operator
// operations on top of the catalog store, object storage and the job queue.
type Service struct {
	store      storage.Repository
	gateway    objectstore.Gateway
	queue      Enqueuer
	partSize   int64
	presignTTL time.Duration
	logger     *slog.Logger
	metrics    *metrics.Recorder
	newID      func() string

	// completing holds the ids of jobs with a completion in flight.
	completingMu sync.Mutex
	completing   map[string]struct{}
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("ingest: object storage gateway is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("ingest: job queue is required")
	}
	partSize := cfg.PartSize
	if partSize <= 0 {
		partSize = models.DefaultPartSize
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Service{
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		queue:      cfg.Queue,
		partSize:   partSize,
		presignTTL: ttl,
		logger:     logging.WithComponent(logger, "ingest"),
		metrics:    recorder,
		newID:      newID,
		completing: make(map[string]struct{}),
	}, nil
}

// claimCompletion marks id as being completed. It reports false when another
// completion of the same job is already running in this process.
func (s *Service) claimCompletion(id string) (release func(), ok bool) {
	s.completingMu.Lock()
	defer s.completingMu.Unlock()
	if _, busy := s.completing[id]; busy {
		return nil, false
	}
	s.completing[id] = struct{}{}
	return func() {
		s.completingMu.Lock()
		delete(s.completing, id)
		s.completingMu.Unlock()
	}, true
}

// PartSize reports the part size handed out in new upload plans.
func (s *Service) PartSize() int64 {
	return s.partSize
}

func (s *Service) log(ctx context.Context, jobID string) *slog.Logger {
	return logging.WithContext(logging.ContextWithUploadJobID(ctx, jobID), s.logger)
}

func (s *Service) loadJob(ctx context.Context, id string) (models.UploadJob, error) {
	if id == "" {
		return models.UploadJob{}, invalidf("upload job id required")
	}
	job, err := s.store.GetUploadJob(ctx, id)
	if err != nil {
		return models.UploadJob{}, mapStoreError(err)
	}
	return job, nil
}

func transcodeJobFor(job models.UploadJob, renditions []models.Rendition) models.TranscodeJob {
	return models.TranscodeJob{
		UploadJobID: job.ID,
		Key:         job.Payload.Key,
		Renditions:  append([]models.Rendition(nil), renditions...),
		TitleID:     job.TitleID,
		EpisodeID:   job.EpisodeID,
	}
}

func partNumbers(from, to int) []int {
	if to < from {
		return nil
	}
	out := make([]int, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}
