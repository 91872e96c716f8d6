// Package testutil provides shared infrastructure for integration tests that
// need a real PostgreSQL or Qdrant, started through testcontainers.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/perculacms/pagecontext/internal/storage"
	"github.com/perculacms/pagecontext/migrations"
)

// TestContainer wraps a running container with a DSN for connecting.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a PostgreSQL container. Calls os.Exit(1) on
// failure, which suits TestMain.
func MustStartPostgres() *TestContainer {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pagecontext",
				"POSTGRES_PASSWORD": "pagecontext",
				"POSTGRES_DB":       "pagecontext",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	host, port, err := hostPort(ctx, container, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %v\n", err)
		os.Exit(1)
	}
	dsn := fmt.Sprintf("postgres://pagecontext:pagecontext@%s:%s/pagecontext?sslmode=disable", host, port)
	return &TestContainer{Container: container, DSN: dsn}
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container.
func (tc *TestContainer) Terminate() {
	_ = tc.Container.Terminate(context.Background())
}

// QdrantContainer is a running Qdrant with its mapped REST and gRPC ports.
type QdrantContainer struct {
	Container testcontainers.Container
	Host      string
	HTTPPort  string
	GRPCPort  string
}

// StartQdrant starts a Qdrant container and waits for its readiness probe.
func StartQdrant(ctx context.Context) (*QdrantContainer, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.16.2",
			ExposedPorts: []string{"6333/tcp", "6334/tcp"},
			WaitingFor: wait.ForHTTP("/readyz").
				WithPort("6333/tcp").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start qdrant: %w", err)
	}
	host, httpPort, err := hostPort(ctx, container, "6333")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	_, grpcPort, err := hostPort(ctx, container, "6334")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	return &QdrantContainer{Container: container, Host: host, HTTPPort: httpPort, GRPCPort: grpcPort}, nil
}

// Terminate stops and removes the container.
func (qc *QdrantContainer) Terminate() {
	_ = qc.Container.Terminate(context.Background())
}

func hostPort(ctx context.Context, c testcontainers.Container, port nat.Port) (string, string, error) {
	host, err := c.Host(ctx)
	if err != nil {
		return "", "", fmt.Errorf("get container host: %w", err)
	}
	mapped, err := c.MappedPort(ctx, port)
	if err != nil {
		return "", "", fmt.Errorf("get container port %s: %w", port, err)
	}
	return host, mapped.Port(), nil
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
