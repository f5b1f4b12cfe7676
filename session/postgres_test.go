//go:build integration

package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Requires AUTHGATE_TEST_DATABASE_URL pointing at a disposable database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("AUTHGATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AUTHGATE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := OpenMigrationDB(dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(ctx, db, "reset"))
	require.NoError(t, Migrate(ctx, db, "up"))

	pool, err := OpenPool(ctx, PostgresConfig{URL: dsn, MaxConns: 16})
	require.NoError(t, err)
	defer pool.Close()

	runStoreSuite(t, func(t *testing.T) Store {
		_, err := pool.Exec(ctx, "TRUNCATE sessions")
		require.NoError(t, err)
		return NewPostgresStore(pool, 5*time.Second, nil)
	})
}
