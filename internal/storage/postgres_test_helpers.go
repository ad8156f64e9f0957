//go:build postgres

package storage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const testDSNEnv = "REELHOUSE_TEST_POSTGRES_DSN"

// One container serves every test in the package run; its DSN is exported
// through testDSNEnv so later tests reuse it.
var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  string
)

func testEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func testPostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := strings.TrimSpace(os.Getenv(testDSNEnv)); dsn != "" {
		return dsn
	}
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skipf("%s not set and docker unavailable", testDSNEnv)
	}
	containerOnce.Do(func() {
		containerDSN, containerErr = runPostgresContainer()
		if containerErr == "" {
			_ = os.Setenv(testDSNEnv, containerDSN)
		}
	})
	if containerErr != "" {
		t.Skip(containerErr)
	}
	return containerDSN
}

// runPostgresContainer starts a throwaway postgres with --rm and waits for
// its health check. The container is removed when docker stops it.
func runPostgresContainer() (string, string) {
	user := testEnv("REELHOUSE_TEST_POSTGRES_USER", "reelhouse")
	password := testEnv("REELHOUSE_TEST_POSTGRES_PASSWORD", "reelhouse")
	db := testEnv("REELHOUSE_TEST_POSTGRES_DB", "reelhouse_test")
	port := testEnv("REELHOUSE_TEST_POSTGRES_PORT", "54329")
	name := fmt.Sprintf("reelhouse-pg-%d", time.Now().UnixNano())

	run := exec.Command("docker", "run", "--rm", "-d",
		"--name", name,
		"-p", port+":5432",
		"-e", "POSTGRES_USER="+user,
		"-e", "POSTGRES_PASSWORD="+password,
		"-e", "POSTGRES_DB="+db,
		"--health-cmd", "pg_isready -U "+user+" -d "+db,
		"--health-interval", "2s",
		"--health-retries", "30",
		testEnv("REELHOUSE_TEST_POSTGRES_IMAGE", "postgres:16-alpine"),
	)
	if out, err := run.CombinedOutput(); err != nil {
		return "", fmt.Sprintf("docker run postgres: %v: %s", err, out)
	}

	var health string
	for deadline := time.Now().Add(time.Minute); time.Now().Before(deadline); time.Sleep(time.Second) {
		out, _ := exec.Command("docker", "inspect", "-f", "{{.State.Health.Status}}", name).Output()
		health = strings.TrimSpace(string(out))
		if health == "healthy" {
			return fmt.Sprintf("postgres://%s:%s@127.0.0.1:%s/%s?sslmode=disable", user, password, port, db), ""
		}
		if health == "unhealthy" {
			break
		}
	}
	logs, _ := exec.Command("docker", "logs", name).CombinedOutput()
	_ = exec.Command("docker", "rm", "-f", name).Run()
	return "", fmt.Sprintf("postgres container %s (%s): %s", name, health, logs)
}

func resetPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE asset_versions, upload_jobs, episodes, titles RESTART IDENTITY CASCADE")
	return err
}

// postgresRepositoryFactory hands each test a migrated, empty database.
func postgresRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	dsn := testPostgresDSN(t)

	ctx := context.Background()
	admin, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open admin pool: %v", err)
	}
	if err := Migrate(ctx, admin); err != nil {
		admin.Close()
		t.Fatalf("migrate: %v", err)
	}
	if err := resetPostgres(ctx, admin); err != nil {
		admin.Close()
		t.Fatalf("reset tables: %v", err)
	}

	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		admin.Close()
		return nil, nil, err
	}
	return repo, func() {
		defer admin.Close()
		if err := repo.Close(context.Background()); err != nil {
			t.Errorf("close repository: %v", err)
		}
		if err := resetPostgres(context.Background(), admin); err != nil {
			t.Errorf("reset tables: %v", err)
		}
	}, nil
}
