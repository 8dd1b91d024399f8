// Package dbtest starts a disposable PostgreSQL container with the medstock
// schema applied. It is used by tests built with the integration tag.
package dbtest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/medstock/internal/platform/db"
)

var seq atomic.Int64

// New returns a pool connected to a fresh, migrated database. The container
// is terminated when the test ends.
func New(t testing.TB) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container skipped in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("medstock_test"),
		tcpostgres.WithUsername("medstock"),
		tcpostgres.WithPassword("medstock"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(dsn, slog.New(slog.DiscardHandler)))

	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// Location inserts an active location of the given kind.
func Location(t testing.TB, pool *pgxpool.Pool, kind string) int64 {
	t.Helper()
	n := seq.Add(1)
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO locations (code, name, kind) VALUES ($1, $2, $3) RETURNING id`,
		fmt.Sprintf("LOC-%03d", n), fmt.Sprintf("%s %d", kind, n), kind).Scan(&id)
	require.NoError(t, err)
	return id
}

// Product inserts an active product.
func Product(t testing.TB, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	n := seq.Add(1)
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO products (sku, name) VALUES ($1, $2) RETURNING id`,
		fmt.Sprintf("SKU-%03d", n), name).Scan(&id)
	require.NoError(t, err)
	return id
}

// Employee inserts an active employee.
func Employee(t testing.TB, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	n := seq.Add(1)
	var id int64
	err := pool.QueryRow(context.Background(),
		`INSERT INTO employees (code, name) VALUES ($1, $2) RETURNING id`,
		fmt.Sprintf("EMP-%03d", n), name).Scan(&id)
	require.NoError(t, err)
	return id
}
