package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"reelhouse/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uploadJobColumns = `id, status, bytes_uploaded, bytes_total, error, payload, title_id, episode_id, created_at, updated_at, completed_at`

func scanUploadJob(row pgx.Row) (models.UploadJob, error) {
	var (
		job     models.UploadJob
		status  string
		payload []byte
	)
	err := row.Scan(
		&job.ID,
		&status,
		&job.BytesUploaded,
		&job.BytesTotal,
		&job.Error,
		&payload,
		&job.TitleID,
		&job.EpisodeID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return models.UploadJob{}, err
	}
	job.Status = models.UploadStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return models.UploadJob{}, fmt.Errorf("decode upload payload: %w", err)
		}
	}
	return job, nil
}

func (r *postgresRepository) CreateUploadJob(ctx context.Context, params CreateUploadJobParams) (models.UploadJob, error) {
	if err := validateCreateUploadJob(params); err != nil {
		return models.UploadJob{}, err
	}
	job := newUploadJob(params, r.now())
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return models.UploadJob{}, fmt.Errorf("encode upload payload: %w", err)
	}

	var created models.UploadJob
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx,
			`INSERT INTO upload_jobs (id, status, bytes_uploaded, bytes_total, error, storage_key, payload, title_id, episode_id, created_at, updated_at)
			 VALUES ($1, $2, 0, $3, '', $4, $5, $6, $7, $8, $8)
			 RETURNING `+uploadJobColumns,
			job.ID, string(job.Status), job.BytesTotal, job.Payload.Key, payload, job.TitleID, job.EpisodeID, job.CreatedAt,
		)
		var err error
		created, err = scanUploadJob(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return fmt.Errorf("upload job owner: %w", ErrNotFound)
			}
			return fmt.Errorf("insert upload job: %w", err)
		}
		return nil
	})
	return created, err
}

func (r *postgresRepository) GetUploadJob(ctx context.Context, id string) (models.UploadJob, error) {
	var job models.UploadJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		job, err = scanUploadJob(conn.QueryRow(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE id = $1`, id))
		return mapNoRows(err, "upload job %s", id)
	})
	return job, err
}

func (r *postgresRepository) FindUploadJobByKey(ctx context.Context, key string) (models.UploadJob, error) {
	key = strings.TrimSpace(key)
	var job models.UploadJob
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		job, err = scanUploadJob(conn.QueryRow(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE storage_key = $1`, key))
		return mapNoRows(err, "upload job for key %q", key)
	})
	return job, err
}

func (r *postgresRepository) ListUploadJobs(ctx context.Context, filter UploadJobFilter) ([]models.UploadJob, error) {
	query := `SELECT ` + uploadJobColumns + ` FROM upload_jobs`
	args := make([]any, 0, 2)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	jobs := make([]models.UploadJob, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list upload jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			job, err := scanUploadJob(rows)
			if err != nil {
				return fmt.Errorf("scan upload job: %w", err)
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// lockUploadJob loads the job row with FOR UPDATE inside tx.
func lockUploadJob(ctx context.Context, tx pgx.Tx, id string) (models.UploadJob, error) {
	job, err := scanUploadJob(tx.QueryRow(ctx, `SELECT `+uploadJobColumns+` FROM upload_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return models.UploadJob{}, mapNoRows(err, "upload job %s", id)
	}
	return job, nil
}

func saveUploadJob(ctx context.Context, tx pgx.Tx, job models.UploadJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode upload payload: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE upload_jobs
		 SET status = $2, bytes_uploaded = $3, error = $4, payload = $5, updated_at = $6, completed_at = $7
		 WHERE id = $1`,
		job.ID, string(job.Status), job.BytesUploaded, job.Error, payload, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update upload job: %w", err)
	}
	return nil
}

func (r *postgresRepository) mutateUploadJob(ctx context.Context, id string, fn func(job *models.UploadJob, now time.Time) (bool, error)) (models.UploadJob, error) {
	var job models.UploadJob
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		job, err = lockUploadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := fn(&job, r.now())
		if err != nil || !changed {
			return err
		}
		return saveUploadJob(ctx, tx, job)
	})
	if err != nil {
		return models.UploadJob{}, err
	}
	return job, nil
}

func (r *postgresRepository) RecordUploadProgress(ctx context.Context, id string, bytesUploaded int64, parts []int) (models.UploadJob, error) {
	return r.mutateUploadJob(ctx, id, func(job *models.UploadJob, now time.Time) (bool, error) {
		return applyProgress(job, bytesUploaded, parts, now)
	})
}

func (r *postgresRepository) BeginProcessing(ctx context.Context, id string, placeholders []AssetPlaceholder) (models.UploadJob, []models.AssetVersion, error) {
	var (
		job      models.UploadJob
		versions []models.AssetVersion
	)
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		job, err = lockUploadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		owner := job.Owner()
		if err := validateOwner(owner); err != nil {
			return err
		}
		now := r.now()

		versions = make([]models.AssetVersion, 0, len(placeholders))
		for _, placeholder := range placeholders {
			existing, err := lockAssetVersion(ctx, tx, owner, placeholder.Rendition)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			version, err := placeholderVersion(existing, owner, placeholder, id, now)
			if err != nil {
				return err
			}
			if err := upsertAssetVersion(ctx, tx, version); err != nil {
				return err
			}
			versions = append(versions, version)
		}

		if err := applyBeginProcessing(&job, now); err != nil {
			return err
		}
		return saveUploadJob(ctx, tx, job)
	})
	if err != nil {
		return models.UploadJob{}, nil, err
	}
	return job, versions, nil
}

func (r *postgresRepository) RetryProcessing(ctx context.Context, id string) (models.UploadJob, error) {
	return r.mutateUploadJob(ctx, id, applyRetry)
}

func (r *postgresRepository) CompleteUploadJob(ctx context.Context, id string) (models.UploadJob, error) {
	return r.mutateUploadJob(ctx, id, applyComplete)
}

func (r *postgresRepository) FailUploadJob(ctx context.Context, id string, message string) (models.UploadJob, error) {
	return r.mutateUploadJob(ctx, id, func(job *models.UploadJob, now time.Time) (bool, error) {
		return applyFail(job, message, now), nil
	})
}

func (r *postgresRepository) PruneUploadJobs(ctx context.Context, before time.Time) (int, error) {
	var removed int
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx,
			`DELETE FROM upload_jobs WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < $1`,
			before,
		)
		if err != nil {
			return fmt.Errorf("prune upload jobs: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}
