package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Schema is the catalog DDL. Every statement is idempotent so Migrate can run
// on each deploy.
const Schema = `
CREATE TABLE IF NOT EXISTS titles (
	id BIGSERIAL PRIMARY KEY,
	kind TEXT NOT NULL CHECK (kind IN ('MOVIE', 'SERIES')),
	name TEXT NOT NULL,
	name_folded TEXT NOT NULL,
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS titles_kind_name_idx ON titles (kind, name_folded);

CREATE TABLE IF NOT EXISTS episodes (
	id BIGSERIAL PRIMARY KEY,
	title_id BIGINT NOT NULL REFERENCES titles (id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	season_number INTEGER NOT NULL DEFAULT 0 CHECK (season_number >= 0),
	episode_number INTEGER NOT NULL DEFAULT 0 CHECK (episode_number >= 0),
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS episodes_title_idx ON episodes (title_id);

CREATE TABLE IF NOT EXISTS upload_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('UPLOADING', 'PROCESSING', 'COMPLETED', 'FAILED')),
	bytes_uploaded BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL CHECK (bytes_total > 0),
	error TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL,
	payload JSONB NOT NULL,
	title_id BIGINT REFERENCES titles (id) ON DELETE SET NULL,
	episode_id BIGINT REFERENCES episodes (id) ON DELETE SET NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	CHECK (bytes_uploaded >= 0 AND bytes_uploaded <= bytes_total)
);

CREATE UNIQUE INDEX IF NOT EXISTS upload_jobs_storage_key_idx ON upload_jobs (storage_key);
CREATE INDEX IF NOT EXISTS upload_jobs_status_created_idx ON upload_jobs (status, created_at DESC);

CREATE TABLE IF NOT EXISTS asset_versions (
	id TEXT PRIMARY KEY,
	title_id BIGINT NOT NULL DEFAULT 0,
	episode_id BIGINT NOT NULL DEFAULT 0,
	rendition TEXT NOT NULL CHECK (rendition IN ('4K', '2K', '1080p', '720p', '360p')),
	status TEXT NOT NULL CHECK (status IN ('PROCESSING', 'READY', 'FAILED')),
	url TEXT,
	source_url TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
	upload_job_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK ((status = 'READY') = (url IS NOT NULL)),
	UNIQUE (title_id, episode_id, rendition)
);
`

// Migrate applies Schema inside a single transaction.
func Migrate(ctx context.Context, conn interface {
	Begin(context.Context) (pgx.Tx, error)
}) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer rollbackTx(ctx, tx)

	for _, stmt := range SplitStatements(Schema) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration statement: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

// SplitStatements breaks a script on semicolons. The schema carries no
// function bodies, so no quoting rules are needed.
func SplitStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// Migrate applies the schema using the repository's own pool.
func (r *postgresRepository) Migrate(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return Migrate(ctx, r.pool)
}

// MigrateRepository applies the schema when repo is Postgres backed and is a
// no-op for the JSON store.
func MigrateRepository(ctx context.Context, repo Repository) error {
	if migrator, ok := repo.(interface{ Migrate(context.Context) error }); ok {
		return migrator.Migrate(ctx)
	}
	return nil
}
