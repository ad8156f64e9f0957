package storage

import (
	"context"
	"errors"
	"fmt"

	"reelhouse/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const assetVersionColumns = `id, title_id, episode_id, rendition, status, url, source_url, size_bytes, duration_sec, upload_job_id, created_at, updated_at`

func scanAssetVersion(row pgx.Row) (models.AssetVersion, error) {
	var (
		version   models.AssetVersion
		titleID   int64
		episodeID int64
		rendition string
		status    string
		url       *string
	)
	err := row.Scan(
		&version.ID,
		&titleID,
		&episodeID,
		&rendition,
		&status,
		&url,
		&version.SourceURL,
		&version.SizeBytes,
		&version.DurationSec,
		&version.UploadJobID,
		&version.CreatedAt,
		&version.UpdatedAt,
	)
	if err != nil {
		return models.AssetVersion{}, err
	}
	owner := models.AssetOwner{TitleID: titleID, EpisodeID: episodeID}
	version.TitleID = owner.TitleRef()
	version.EpisodeID = owner.EpisodeRef()
	version.Rendition = models.Rendition(rendition)
	version.Status = models.AssetStatus(status)
	if url != nil {
		version.URL = *url
	}
	return version, nil
}

func lockAssetVersion(ctx context.Context, tx pgx.Tx, owner models.AssetOwner, rendition models.Rendition) (*models.AssetVersion, error) {
	version, err := scanAssetVersion(tx.QueryRow(ctx,
		`SELECT `+assetVersionColumns+` FROM asset_versions
		 WHERE title_id = $1 AND episode_id = $2 AND rendition = $3
		 FOR UPDATE`,
		owner.TitleID, owner.EpisodeID, string(rendition),
	))
	if err != nil {
		return nil, mapNoRows(err, "asset version %s", rendition)
	}
	return &version, nil
}

func upsertAssetVersion(ctx context.Context, tx pgx.Tx, version models.AssetVersion) error {
	owner := version.Owner()
	var url *string
	if version.URL != "" {
		value := version.URL
		url = &value
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO asset_versions (id, title_id, episode_id, rendition, status, url, source_url, size_bytes, duration_sec, upload_job_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (title_id, episode_id, rendition) DO UPDATE SET
			status = EXCLUDED.status,
			url = EXCLUDED.url,
			source_url = EXCLUDED.source_url,
			size_bytes = EXCLUDED.size_bytes,
			duration_sec = EXCLUDED.duration_sec,
			upload_job_id = EXCLUDED.upload_job_id,
			updated_at = EXCLUDED.updated_at`,
		version.ID,
		owner.TitleID,
		owner.EpisodeID,
		string(version.Rendition),
		string(version.Status),
		url,
		version.SourceURL,
		version.SizeBytes,
		version.DurationSec,
		version.UploadJobID,
		version.CreatedAt,
		version.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert asset version %s: %w", version.Rendition, err)
	}
	return nil
}

func (r *postgresRepository) ListAssetVersions(ctx context.Context, owner models.AssetOwner) ([]models.AssetVersion, error) {
	if err := validateOwner(owner); err != nil {
		return nil, err
	}
	versions := make([]models.AssetVersion, 0, len(models.AllRenditions()))
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx,
			`SELECT `+assetVersionColumns+` FROM asset_versions WHERE title_id = $1 AND episode_id = $2`,
			owner.TitleID, owner.EpisodeID,
		)
		if err != nil {
			return fmt.Errorf("list asset versions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			version, err := scanAssetVersion(rows)
			if err != nil {
				return fmt.Errorf("scan asset version: %w", err)
			}
			versions = append(versions, version)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	models.SortAssetVersions(versions)
	return versions, nil
}

func (r *postgresRepository) GetAssetVersion(ctx context.Context, owner models.AssetOwner, rendition models.Rendition) (models.AssetVersion, error) {
	var version models.AssetVersion
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		version, err = scanAssetVersion(conn.QueryRow(ctx,
			`SELECT `+assetVersionColumns+` FROM asset_versions
			 WHERE title_id = $1 AND episode_id = $2 AND rendition = $3`,
			owner.TitleID, owner.EpisodeID, string(rendition),
		))
		return mapNoRows(err, "asset version %s", rendition)
	})
	return version, err
}

func (r *postgresRepository) mutateAssetVersion(ctx context.Context, owner models.AssetOwner, rendition models.Rendition, fn func(*models.AssetVersion)) (models.AssetVersion, error) {
	var version models.AssetVersion
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now := r.now()
		existing, err := lockAssetVersion(ctx, tx, owner, rendition)
		switch {
		case err == nil:
			version = *existing
		case errors.Is(err, ErrNotFound):
			id, err := generateID()
			if err != nil {
				return err
			}
			version = models.AssetVersion{
				ID:        id,
				TitleID:   owner.TitleRef(),
				EpisodeID: owner.EpisodeRef(),
				Rendition: rendition,
				CreatedAt: now,
			}
		default:
			return err
		}
		fn(&version)
		version.UpdatedAt = now
		return upsertAssetVersion(ctx, tx, version)
	})
	if err != nil {
		return models.AssetVersion{}, err
	}
	return version, nil
}

func (r *postgresRepository) MarkAssetVersionReady(ctx context.Context, params AssetReadyParams) (models.AssetVersion, error) {
	if err := validateReady(params); err != nil {
		return models.AssetVersion{}, err
	}
	return r.mutateAssetVersion(ctx, params.Owner, params.Rendition, func(version *models.AssetVersion) {
		version.Status = models.AssetStatusReady
		version.URL = params.URL
		version.SizeBytes = params.SizeBytes
		version.DurationSec = params.DurationSec
		version.UploadJobID = params.UploadJobID
	})
}

func (r *postgresRepository) MarkAssetVersionFailed(ctx context.Context, owner models.AssetOwner, rendition models.Rendition, uploadJobID string) (models.AssetVersion, error) {
	if err := validateOwner(owner); err != nil {
		return models.AssetVersion{}, err
	}
	return r.mutateAssetVersion(ctx, owner, rendition, func(version *models.AssetVersion) {
		version.Status = models.AssetStatusFailed
		version.URL = ""
		version.UploadJobID = uploadJobID
	})
}
