// Command migrate-json-to-postgres copies a JSON catalog into Postgres.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"reelhouse/internal/config"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/reelhouse.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string (default $REELHOUSE_POSTGRES_DSN or $DATABASE_URL)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text", Service: "reelhouse-migrate"})
	if err := run(context.Background(), logger, *jsonPath, *postgresDSN); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, jsonPath, dsn string) error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	dsn = firstNonEmpty(dsn, os.Getenv("REELHOUSE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("postgres DSN required: set --postgres-dsn, REELHOUSE_POSTGRES_DSN, or DATABASE_URL")
	}

	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "titles", counts.Titles, "episodes", counts.Episodes, "upload_jobs", counts.UploadJobs)

	repo, err := storage.NewPostgresRepository(dsn, storage.WithPostgresApplicationName("reelhouse-migrate"))
	if err != nil {
		return fmt.Errorf("open postgres repository: %w", err)
	}
	defer repo.Close(ctx)

	if err := storage.MigrateRepository(ctx, repo); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, dsn, counts); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	logger.Info("migration completed", "titles", counts.Titles, "episodes", counts.Episodes, "upload_jobs", counts.UploadJobs, "asset_versions", counts.AssetVersions)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// verifyCounts checks the target holds at least the imported rows. Rows that
// already existed are kept, so counts may exceed the snapshot.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open verification pool: %w", err)
	}
	defer pool.Close()

	want := map[string]int{
		"titles":         counts.Titles,
		"episodes":       counts.Episodes,
		"upload_jobs":    counts.UploadJobs,
		"asset_versions": counts.AssetVersions,
	}
	for table, expected := range want {
		var actual int
		// table names come from the fixed map above
		if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&actual); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		if actual < expected {
			return fmt.Errorf("%s: expected at least %d rows, got %d", table, expected, actual)
		}
	}
	return nil
}
