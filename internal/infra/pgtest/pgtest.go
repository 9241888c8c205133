//go:build itest

// Package pgtest starts a shared PostgreSQL container for integration tests
// and hands every test its own migrated database.
package pgtest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/congo-pay/btcvault/internal/infra"
)

const (
	image       = "postgres:16-alpine"
	initTimeout = 2 * time.Minute
)

var (
	container     *postgres.PostgresContainer
	containerOnce sync.Once
	containerErr  error

	invalidName = regexp.MustCompile(`[^a-z0-9_]`)
)

func sharedContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	containerOnce.Do(func() {
		container, containerErr = postgres.Run(ctx, image,
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategyAndDeadline(initTimeout, wait.ForListeningPort("5432/tcp")),
		)
	})
	return container, containerErr
}

// Terminate stops the shared container. Call it from TestMain.
func Terminate() {
	if container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := container.Terminate(ctx); err != nil {
		fmt.Printf("terminate postgres container: %v\n", err)
	}
}

// NewPool creates a database named after the test, applies migrations and
// returns a pool closed on cleanup.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	c, err := sharedContainer(ctx)
	require.NoError(t, err, "start postgres container")

	connStr, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	admin, err := pgx.Connect(ctx, connStr)
	require.NoError(t, err)
	defer admin.Close(ctx)

	name := invalidName.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(name) > 63 {
		name = name[:63]
	}
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err, "create test database")

	pool, err := infra.NewPostgresPool(ctx, strings.Replace(connStr, "/postgres?", "/"+name+"?", 1))
	require.NoError(t, err, "open test database")
	t.Cleanup(pool.Close)

	return pool
}
