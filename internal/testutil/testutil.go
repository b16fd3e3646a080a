// Package testutil provides shared test infrastructure for integration
// tests that need a real Postgres or Redis backend.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), logger)
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lumenic/factsheet/internal/storage"
	"github.com/lumenic/factsheet/migrations"
)

// PostgresContainer wraps a testcontainers Postgres module instance.
type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	DSN       string
}

// MustStartPostgres starts a disposable Postgres container. Calls
// os.Exit(1) on failure (suitable for TestMain).
func MustStartPostgres() *PostgresContainer {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:17-alpine",
		tcpostgres.WithDatabase("factsheet"),
		tcpostgres.WithUsername("factsheet"),
		tcpostgres.WithPassword("factsheet"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	return &PostgresContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *PostgresContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, "", logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *PostgresContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// RedisContainer wraps a testcontainers Redis module instance.
type RedisContainer struct {
	Container *tcredis.RedisContainer
	URL       string
}

// MustStartRedis starts a disposable Redis container. Calls os.Exit(1) on
// failure (suitable for TestMain).
func MustStartRedis() *RedisContainer {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start redis: %v\n", err)
		os.Exit(1)
	}

	connURL, err := container.ConnectionString(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to get connection string: %v\n", err)
		os.Exit(1)
	}

	return &RedisContainer{Container: container, URL: connURL}
}

// Terminate stops and removes the container.
func (tc *RedisContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
