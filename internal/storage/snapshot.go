package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"reelhouse/internal/models"

	"github.com/jackc/pgx/v5"
)

// Snapshot is the on-disk layout of the JSON datastore, loaded so it can be
// replayed into Postgres.
type Snapshot struct {
	Titles     map[int64]models.Title         `json:"titles"`
	Episodes   map[int64]models.Episode       `json:"episodes"`
	UploadJobs map[string]models.UploadJob    `json:"uploadJobs"`
	Assets     map[string]models.AssetVersion `json:"assetVersions"`
}

type SnapshotCounts struct {
	Titles        int
	Episodes      int
	UploadJobs    int
	AssetVersions int
}

// LoadSnapshotFromJSON reads a JSON datastore file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if errors.Is(err, io.EOF) {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Titles == nil {
		s.Titles = make(map[int64]models.Title)
	}
	if s.Episodes == nil {
		s.Episodes = make(map[int64]models.Episode)
	}
	if s.UploadJobs == nil {
		s.UploadJobs = make(map[string]models.UploadJob)
	}
	if s.Assets == nil {
		s.Assets = make(map[string]models.AssetVersion)
	}
}

func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Titles:        len(s.Titles),
		Episodes:      len(s.Episodes),
		UploadJobs:    len(s.UploadJobs),
		AssetVersions: len(s.Assets),
	}
}

// ImportSnapshotToPostgres bulk-loads a Snapshot into a Postgres repository in
// one transaction, keeping the original identifiers.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	snapshot.ensureInitialized()
	return pgRepo.importSnapshot(ctx, snapshot)
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	return r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, title := range snapshot.Titles {
			if _, err := tx.Exec(ctx,
				`INSERT INTO titles (id, kind, name, name_folded, archived, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (id) DO NOTHING`,
				title.ID, string(title.Kind), title.Name, foldName(title.Name), title.Archived, title.CreatedAt, title.UpdatedAt,
			); err != nil {
				return fmt.Errorf("import title %d: %w", title.ID, err)
			}
		}
		for _, episode := range snapshot.Episodes {
			if _, err := tx.Exec(ctx,
				`INSERT INTO episodes (id, title_id, name, season_number, episode_number, archived, created_at, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				 ON CONFLICT (id) DO NOTHING`,
				episode.ID, episode.TitleID, episode.Name, episode.SeasonNumber, episode.EpisodeNumber, episode.Archived, episode.CreatedAt, episode.UpdatedAt,
			); err != nil {
				return fmt.Errorf("import episode %d: %w", episode.ID, err)
			}
		}
		for _, job := range snapshot.UploadJobs {
			payload, err := json.Marshal(job.Payload)
			if err != nil {
				return fmt.Errorf("encode upload payload %s: %w", job.ID, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO upload_jobs (id, status, bytes_uploaded, bytes_total, error, storage_key, payload, title_id, episode_id, created_at, updated_at, completed_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				 ON CONFLICT (id) DO NOTHING`,
				job.ID, string(job.Status), job.BytesUploaded, job.BytesTotal, job.Error, job.Payload.Key, payload,
				job.TitleID, job.EpisodeID, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
			); err != nil {
				return fmt.Errorf("import upload job %s: %w", job.ID, err)
			}
		}
		for _, version := range snapshot.Assets {
			if err := upsertAssetVersion(ctx, tx, version); err != nil {
				return err
			}
		}
		// Keep BIGSERIAL sequences ahead of the imported identifiers.
		for _, table := range []string{"titles", "episodes"} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(
				`SELECT setval(pg_get_serial_sequence('%s', 'id'), GREATEST((SELECT COALESCE(MAX(id), 0) FROM %s), 1))`,
				table, table,
			)); err != nil {
				return fmt.Errorf("advance %s sequence: %w", table, err)
			}
		}
		return nil
	})
}
