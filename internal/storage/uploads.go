package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"reelhouse/internal/models"
)

func (s *Storage) CreateUploadJob(ctx context.Context, params CreateUploadJobParams) (models.UploadJob, error) {
	if err := validateCreateUploadJob(params); err != nil {
		return models.UploadJob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.init()

	if _, exists := s.data.UploadJobs[params.ID]; exists {
		return models.UploadJob{}, fmt.Errorf("upload job %s already exists", params.ID)
	}
	if params.TitleID != nil {
		if _, ok := s.data.Titles[*params.TitleID]; !ok {
			return models.UploadJob{}, fmt.Errorf("title %d: %w", *params.TitleID, ErrNotFound)
		}
	}
	if params.EpisodeID != nil {
		if _, ok := s.data.Episodes[*params.EpisodeID]; !ok {
			return models.UploadJob{}, fmt.Errorf("episode %d: %w", *params.EpisodeID, ErrNotFound)
		}
	}

	job := newUploadJob(params, s.now())
	s.data.UploadJobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.data.UploadJobs, job.ID)
		return models.UploadJob{}, err
	}
	return cloneUploadJob(job), nil
}

func (s *Storage) GetUploadJob(ctx context.Context, id string) (models.UploadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.data.UploadJobs[id]
	if !ok {
		return models.UploadJob{}, fmt.Errorf("upload job %s: %w", id, ErrNotFound)
	}
	return cloneUploadJob(job), nil
}

func (s *Storage) FindUploadJobByKey(ctx context.Context, key string) (models.UploadJob, error) {
	key = strings.TrimSpace(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, job := range s.data.UploadJobs {
		if job.Payload.Key == key {
			return cloneUploadJob(job), nil
		}
	}
	return models.UploadJob{}, fmt.Errorf("upload job for key %q: %w", key, ErrNotFound)
}

func (s *Storage) ListUploadJobs(ctx context.Context, filter UploadJobFilter) ([]models.UploadJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.UploadJob, 0, len(s.data.UploadJobs))
	for _, job := range s.data.UploadJobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobs = append(jobs, cloneUploadJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// mutateUploadJob applies fn to a copy of the job and persists it when fn
// reports a change.
func (s *Storage) mutateUploadJob(id string, fn func(job *models.UploadJob, now time.Time) (bool, error)) (models.UploadJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.data.UploadJobs[id]
	if !ok {
		return models.UploadJob{}, fmt.Errorf("upload job %s: %w", id, ErrNotFound)
	}
	job := cloneUploadJob(original)
	changed, err := fn(&job, s.now())
	if err != nil {
		return models.UploadJob{}, err
	}
	if !changed {
		return job, nil
	}
	s.data.UploadJobs[id] = job
	if err := s.persist(); err != nil {
		s.data.UploadJobs[id] = original
		return models.UploadJob{}, err
	}
	return cloneUploadJob(job), nil
}

func (s *Storage) RecordUploadProgress(ctx context.Context, id string, bytesUploaded int64, parts []int) (models.UploadJob, error) {
	return s.mutateUploadJob(id, func(job *models.UploadJob, now time.Time) (bool, error) {
		return applyProgress(job, bytesUploaded, parts, now)
	})
}

func (s *Storage) BeginProcessing(ctx context.Context, id string, placeholders []AssetPlaceholder) (models.UploadJob, []models.AssetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.init()

	original, ok := s.data.UploadJobs[id]
	if !ok {
		return models.UploadJob{}, nil, fmt.Errorf("upload job %s: %w", id, ErrNotFound)
	}
	owner := original.Owner()
	if err := validateOwner(owner); err != nil {
		return models.UploadJob{}, nil, err
	}

	snapshot := cloneDataset(s.data)
	now := s.now()

	versions := make([]models.AssetVersion, 0, len(placeholders))
	for _, placeholder := range placeholders {
		key := assetKey(owner, placeholder.Rendition)
		var existing *models.AssetVersion
		if current, ok := s.data.Assets[key]; ok {
			existing = &current
		}
		version, err := placeholderVersion(existing, owner, placeholder, id, now)
		if err != nil {
			s.data = snapshot
			return models.UploadJob{}, nil, err
		}
		s.data.Assets[key] = version
		versions = append(versions, cloneAssetVersion(version))
	}

	job := cloneUploadJob(original)
	if err := applyBeginProcessing(&job, now); err != nil {
		s.data = snapshot
		return models.UploadJob{}, nil, err
	}
	s.data.UploadJobs[id] = job

	if err := s.persist(); err != nil {
		s.data = snapshot
		return models.UploadJob{}, nil, err
	}
	return cloneUploadJob(job), versions, nil
}

func (s *Storage) RetryProcessing(ctx context.Context, id string) (models.UploadJob, error) {
	return s.mutateUploadJob(id, applyRetry)
}

func (s *Storage) CompleteUploadJob(ctx context.Context, id string) (models.UploadJob, error) {
	return s.mutateUploadJob(id, applyComplete)
}

func (s *Storage) FailUploadJob(ctx context.Context, id string, message string) (models.UploadJob, error) {
	return s.mutateUploadJob(id, func(job *models.UploadJob, now time.Time) (bool, error) {
		return applyFail(job, message, now), nil
	})
}

func (s *Storage) PruneUploadJobs(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := cloneDataset(s.data)
	removed := 0
	for id, job := range s.data.UploadJobs {
		if !job.Status.Terminal() || !job.UpdatedAt.Before(before) {
			continue
		}
		delete(s.data.UploadJobs, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		s.data = snapshot
		return 0, err
	}
	return removed, nil
}
