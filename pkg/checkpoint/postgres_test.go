package checkpoint

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newPostgresStore connects to CI_DATABASE_URL when set, otherwise spins up a
// testcontainer. Skips when neither is available.
func newPostgresStore(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("maestro"),
			postgres.WithUsername("maestro"),
			postgres.WithPassword("maestro"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			t.Skipf("postgres container unavailable: %v", err)
		}
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	cp, err := NewPostgres(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cp.Close() })
	return cp
}

func TestPostgresCheckpointer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres checkpoint test in short mode")
	}
	runContractTests(t, newPostgresStore(t))
}
