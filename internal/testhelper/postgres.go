package testhelper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/ory/dockertest"
	"github.com/ory/dockertest/docker"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobq/internal/storage/migrations"
)

const (
	postgresDefaultPassword = "password"
	postgresDefaultUser     = "jobq"
	postgresDefaultDB       = "jobq"

	tag = "17"
)

// Postgres runs a throwaway postgres container with the jobs schema applied. The test is
// skipped in -short mode or when no Docker daemon is reachable.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in -short mode")
	}
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        tag,
		Env: []string{
			"POSTGRES_PASSWORD=" + postgresDefaultPassword,
			"POSTGRES_USER=" + postgresDefaultUser,
			"POSTGRES_DB=" + postgresDefaultDB,
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresDefaultUser,
		postgresDefaultPassword,
		resource.GetBoundIP("5432/tcp"),
		resource.GetPort("5432/tcp"),
		postgresDefaultDB,
	)

	pool.MaxWait = 30 * time.Second
	var db *pgxpool.Pool
	require.NoError(t, pool.Retry(func() error {
		var err error
		db, err = pgxpool.New(context.Background(), dsn)
		if err != nil {
			return err
		}
		if err := db.Ping(context.Background()); err != nil {
			db.Close()
			return err
		}
		return nil
	}))
	t.Cleanup(db.Close)

	require.NoError(t, migrations.Up(stdlib.OpenDBFromPool(db)))

	return db
}
