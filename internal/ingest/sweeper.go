package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reelhouse/internal/models"
	"reelhouse/internal/objectstore"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/storage"
)

const DefaultSweepAge = 24 * time.Hour

type SweeperConfig struct {
	Store   storage.Repository
	Gateway objectstore.Gateway
	// Age is how long a multipart session may stay open before it counts as
	// abandoned.
	Age time.Duration
	// Retention prunes COMPLETED and FAILED jobs older than this. Zero keeps
	// every job.
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Now       func() time.Time
}

// Sweeper reconciles open multipart sessions against upload jobs.
type Sweeper struct {
	store     storage.Repository
	gateway   objectstore.Gateway
	age       time.Duration
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

type SweepResult struct {
	Aborted int
	Pruned  int
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil || cfg.Gateway == nil {
		return nil, errors.New("ingest: sweeper needs a store and a gateway")
	}
	age := cfg.Age
	if age <= 0 {
		age = DefaultSweepAge
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		age:       age,
		retention: cfg.Retention,
		logger:    logging.WithComponent(logger, "sweeper"),
		metrics:   recorder,
		now:       now,
	}, nil
}

// Sweep aborts sessions older than the configured age whose job is missing,
// FAILED, or still UPLOADING. Abandoned UPLOADING jobs are marked FAILED.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	sessions, err := s.gateway.ListMultipartUploads(ctx, uploadPrefix)
	if err != nil {
		return result, fmt.Errorf("list multipart uploads: %w", err)
	}
	cutoff := now.Add(-s.age)
	for _, session := range sessions {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if session.Initiated.IsZero() || session.Initiated.After(cutoff) {
			continue
		}
		aborted, err := s.sweepSession(ctx, session)
		if err != nil {
			s.logger.Warn("failed to sweep multipart session", "key", session.Key, "upload_id", session.UploadID, "error", err)
			continue
		}
		if aborted {
			result.Aborted++
		}
	}
	s.metrics.SessionsAborted(result.Aborted)

	if s.retention > 0 {
		pruned, err := s.store.PruneUploadJobs(ctx, now.Add(-s.retention))
		if err != nil {
			return result, fmt.Errorf("prune upload jobs: %w", err)
		}
		result.Pruned = pruned
		s.metrics.JobsPruned(pruned)
	}
	if result.Aborted > 0 || result.Pruned > 0 {
		s.logger.Info("sweep finished", "aborted_sessions", result.Aborted, "pruned_jobs", result.Pruned)
	}
	return result, nil
}

func (s *Sweeper) sweepSession(ctx context.Context, session objectstore.MultipartSession) (bool, error) {
	job, err := s.store.FindUploadJobByKey(ctx, session.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s.abort(ctx, session)
	case err != nil:
		return false, err
	}

	if job.Payload.UploadID != session.UploadID {
		// A session on our key that the job never handed out.
		return s.abort(ctx, session)
	}
	switch job.Status {
	case models.UploadStatusFailed:
		return s.abort(ctx, session)
	case models.UploadStatusUploading:
		aborted, err := s.abort(ctx, session)
		if err != nil {
			return false, err
		}
		if _, err := s.store.FailUploadJob(ctx, job.ID, "upload abandoned"); err != nil {
			return aborted, fmt.Errorf("mark job failed: %w", err)
		}
		return aborted, nil
	default:
		return false, nil
	}
}

func (s *Sweeper) abort(ctx context.Context, session objectstore.MultipartSession) (bool, error) {
	err := s.gateway.AbortMultipart(ctx, session.Key, session.UploadID)
	if errors.Is(err, objectstore.ErrNoSuchUpload) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("aborted orphaned multipart session", "key", session.Key, "upload_id", session.UploadID)
	return true, nil
}
