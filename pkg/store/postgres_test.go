package store

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestDefaultPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")
	t.Setenv("DATABASE_HOST", "")
	t.Setenv("DATABASE_PORT", "")
	t.Setenv("DATABASE_NAME", "")
	t.Setenv("DATABASE_SSLMODE", "")

	dsn := defaultPostgresURL()
	parsed, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse default dsn: %v", err)
	}
	if parsed.Host != "localhost:5432" || parsed.Path != "/contain" {
		t.Fatalf("unexpected default dsn: %s", dsn)
	}
	if parsed.User.Username() != "contain" {
		t.Fatalf("unexpected default user: %s", dsn)
	}
	if parsed.Query().Get("sslmode") != "disable" {
		t.Fatalf("unexpected default sslmode: %s", dsn)
	}
}

func TestDefaultPostgresURLOverridesAndBadPort(t *testing.T) {
	t.Setenv("DATABASE_USER", "svc")
	t.Setenv("POSTGRES_PASSWORD", "p@ss")
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("DATABASE_PORT", "not-a-port")
	t.Setenv("DATABASE_NAME", "decisions")
	t.Setenv("DATABASE_SSLMODE", "require")

	dsn := defaultPostgresURL()
	parsed, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("parse dsn: %v", err)
	}
	if parsed.Host != "db.internal:5432" {
		t.Fatalf("bad port must fall back to 5432: %s", dsn)
	}
	if parsed.Path != "/decisions" {
		t.Fatalf("unexpected database name: %s", dsn)
	}
	if pw, _ := parsed.User.Password(); pw != "p@ss" {
		t.Fatalf("expected password in dsn, got %s", dsn)
	}
}

func TestValidatePostgresTLS(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{"require", "verify-ca", "verify-full"} {
		if err := validatePostgresTLS("postgres://u@h:5432/d?sslmode=" + mode); err != nil {
			t.Fatalf("sslmode=%s should pass, got %v", mode, err)
		}
	}
	for _, mode := range []string{"disable", "allow", "prefer", ""} {
		if err := validatePostgresTLS("postgres://u@h:5432/d?sslmode=" + mode); err == nil {
			t.Fatalf("sslmode=%q must be rejected", mode)
		}
	}
}

func TestNewPostgresPoolRequireTLSRejectsInsecureDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@h:5432/d?sslmode=disable")
	t.Setenv("DATABASE_REQUIRE_TLS", "true")

	if _, err := NewPostgresPool(context.Background()); err == nil {
		t.Fatal("expected TLS validation error")
	}
}

func TestNewPostgresPoolRetriesExhausted(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u@localhost:5432/d?sslmode=disable")
	t.Setenv("DATABASE_REQUIRE_TLS", "")

	origNew := pgxPoolNewWithConfig
	origRetries := postgresConnectRetries
	origSleep := postgresSleep
	defer func() {
		pgxPoolNewWithConfig = origNew
		postgresConnectRetries = origRetries
		postgresSleep = origSleep
	}()

	attempts := 0
	pgxPoolNewWithConfig = func(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
		attempts++
		return nil, errors.New("connect refused")
	}
	postgresConnectRetries = 3
	postgresSleep = func(time.Duration) {}

	_, err := NewPostgresPool(context.Background())
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected retries exhausted error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
