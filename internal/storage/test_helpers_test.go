package storage

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// startPostgres runs a throwaway Postgres container for the test and returns
// its connection string. The test is skipped without Docker.
func startPostgres(t *testing.T) string {
	t.Helper()
	if err := testcontainers.SkipIfDockerNotAvailable(); err != nil {
		t.Skip("docker not available for testcontainers")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "groupjoin",
				"POSTGRES_PASSWORD": "groupjoin",
				"POSTGRES_DB":       "groupjoin",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://groupjoin:groupjoin@%s:%s/groupjoin?sslmode=disable", host, port.Port())
	waitForPostgres(t, conn)
	return conn
}

func waitForPostgres(t *testing.T, conn string) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for {
		db, err := sql.Open("pgx", conn)
		if err == nil {
			err = db.PingContext(context.Background())
		}
		if db != nil {
			_ = db.Close()
		}
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("wait for postgres: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, startPostgres(t))
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}
