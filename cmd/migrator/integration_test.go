//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestRunMigrationsWithRealPostgres applies the real container schema against
// a disposable PostgreSQL instance.
// Run with: go test -tags=integration -timeout 120s -run TestRunMigrationsWithRealPostgres ./cmd/migrator/...
func TestRunMigrationsWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("contain"),
		postgres.WithUsername("contain"),
		postgres.WithPassword("contain"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	dir := migrationsDir(t)

	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='001_containers.sql')").Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("migration not recorded: exists=%v err=%v", exists, err)
	}

	// The first migration seeds the default container.
	var name string
	if err := pool.QueryRow(ctx, "SELECT name FROM containers WHERE id='default'").Scan(&name); err != nil {
		t.Fatalf("default container not seeded: %v", err)
	}
	if name != "Default" {
		t.Fatalf("unexpected default container name: %q", name)
	}

	// Rules reference containers; an insert against the seeded row must work.
	if _, err := pool.Exec(ctx, "INSERT INTO rules (domain, container_id) VALUES ('example.com', 'default')"); err != nil {
		t.Fatalf("rules table not usable: %v", err)
	}

	// Second run is a no-op.
	if err := runMigrations(ctx, pool, dir, nil, nil, log.Printf); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
}

// migrationsDir locates the repository migrations directory relative to this
// package.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations dir missing: %v", err)
	}
	return dir
}
