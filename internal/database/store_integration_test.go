//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

// postgresDSN starts one container per test and returns its connection string.
func postgresDSN(t *testing.T) string {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("bolagate_test"),
		postgres.WithUsername("bolagate_test"),
		postgres.WithPassword("bolagate_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return connStr
}

func newPostgresStore(driver string) func(t *testing.T) *Store {
	return func(t *testing.T) *Store {
		store, err := NewStore(config.DatabaseConfig{
			Driver:         driver,
			DSN:            postgresDSN(t),
			MaxConnections: 5,
			MaxIdleConns:   2,
		}, logger.NewNop())
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	}
}

func TestPostgresStoreLibPQ(t *testing.T) {
	storeSuite(t, newPostgresStore("postgres"))
}

func TestPostgresStorePGX(t *testing.T) {
	storeSuite(t, newPostgresStore("pgx"))
}
