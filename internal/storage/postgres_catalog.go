package storage

import (
	"context"
	"fmt"
	"strings"

	"reelhouse/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const titleColumns = `id, kind, name, archived, created_at, updated_at`

const episodeColumns = `id, title_id, name, season_number, episode_number, archived, created_at, updated_at`

func scanTitle(row pgx.Row) (models.Title, error) {
	var (
		title models.Title
		kind  string
	)
	if err := row.Scan(&title.ID, &kind, &title.Name, &title.Archived, &title.CreatedAt, &title.UpdatedAt); err != nil {
		return models.Title{}, err
	}
	title.Kind = models.TitleKind(kind)
	return title, nil
}

func scanEpisode(row pgx.Row) (models.Episode, error) {
	var episode models.Episode
	err := row.Scan(
		&episode.ID,
		&episode.TitleID,
		&episode.Name,
		&episode.SeasonNumber,
		&episode.EpisodeNumber,
		&episode.Archived,
		&episode.CreatedAt,
		&episode.UpdatedAt,
	)
	return episode, err
}

func (r *postgresRepository) CreateTitle(ctx context.Context, params CreateTitleParams) (models.Title, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Title{}, fmt.Errorf("title name required")
	}
	if params.Kind != models.TitleKindMovie && params.Kind != models.TitleKindSeries {
		return models.Title{}, fmt.Errorf("invalid title kind %q", params.Kind)
	}

	var title models.Title
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		now := r.now()
		row := conn.QueryRow(ctx,
			`INSERT INTO titles (kind, name, name_folded, archived, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 RETURNING `+titleColumns,
			string(params.Kind), name, foldName(name), params.Archived, now,
		)
		var err error
		title, err = scanTitle(row)
		if err != nil {
			return fmt.Errorf("insert title: %w", err)
		}
		return nil
	})
	return title, err
}

func (r *postgresRepository) GetTitle(ctx context.Context, id int64) (models.Title, error) {
	var title models.Title
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		title, err = scanTitle(conn.QueryRow(ctx, `SELECT `+titleColumns+` FROM titles WHERE id = $1`, id))
		return mapNoRows(err, "title %d", id)
	})
	return title, err
}

func (r *postgresRepository) FindTitleByName(ctx context.Context, kind models.TitleKind, name string) (models.Title, error) {
	folded := foldName(name)
	if folded == "" {
		return models.Title{}, fmt.Errorf("title %q: %w", name, ErrNotFound)
	}
	var title models.Title
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		title, err = scanTitle(conn.QueryRow(ctx,
			`SELECT `+titleColumns+` FROM titles
			 WHERE kind = $1 AND name_folded = $2
			 ORDER BY id ASC
			 LIMIT 1`,
			string(kind), folded,
		))
		return mapNoRows(err, "title %q", name)
	})
	return title, err
}

func (r *postgresRepository) CreateEpisode(ctx context.Context, params CreateEpisodeParams) (models.Episode, error) {
	if params.SeasonNumber < 0 || params.EpisodeNumber < 0 {
		return models.Episode{}, fmt.Errorf("season and episode numbers must be non-negative")
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = fmt.Sprintf("S%02dE%02d", params.SeasonNumber, params.EpisodeNumber)
	}

	var episode models.Episode
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var kind string
		if err := tx.QueryRow(ctx, `SELECT kind FROM titles WHERE id = $1 FOR SHARE`, params.TitleID).Scan(&kind); err != nil {
			return mapNoRows(err, "title %d", params.TitleID)
		}
		if models.TitleKind(kind) != models.TitleKindSeries {
			return fmt.Errorf("title %d is not a series", params.TitleID)
		}
		now := r.now()
		var err error
		episode, err = scanEpisode(tx.QueryRow(ctx,
			`INSERT INTO episodes (title_id, name, season_number, episode_number, archived, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6)
			 RETURNING `+episodeColumns,
			params.TitleID, name, params.SeasonNumber, params.EpisodeNumber, params.Archived, now,
		))
		if err != nil {
			return fmt.Errorf("insert episode: %w", err)
		}
		return nil
	})
	return episode, err
}

func (r *postgresRepository) GetEpisode(ctx context.Context, id int64) (models.Episode, error) {
	var episode models.Episode
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		episode, err = scanEpisode(conn.QueryRow(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = $1`, id))
		return mapNoRows(err, "episode %d", id)
	})
	return episode, err
}
