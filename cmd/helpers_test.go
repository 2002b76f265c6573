package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/database"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

// setupTestDatabase creates a PostgreSQL testcontainer and returns its DSN
// with a migrated store.
func setupTestDatabase(t *testing.T) (string, *database.Store, func()) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL container in short mode")
	}
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
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

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	store, err := database.NewStore(config.DatabaseConfig{
		Driver: "postgres",
		DSN:    connStr,
	}, setupTestLogger(t))
	if err != nil {
		postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		store.Close()
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
	return connStr, store, cleanup
}

// setupSQLiteDatabase returns a DSN for an on-disk SQLite database and a
// store open on it for seeding. Close the store before running commands.
func setupSQLiteDatabase(t *testing.T) (string, *database.Store) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "bolagate.db")
	store, err := database.NewStore(sqliteConfig(dsn), setupTestLogger(t))
	require.NoError(t, err)
	return dsn, store
}

func sqliteConfig(dsn string) config.DatabaseConfig {
	return config.DatabaseConfig{Driver: "sqlite", DSN: dsn}
}

// setupTestLogger creates a test logger with error level (quiet)
func setupTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.New(config.LoggerConfig{
		Level:       "error",
		Format:      "console",
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// executeCommand runs the root command against the given database and
// returns what it wrote to stdout.
func executeCommand(t *testing.T, driver, dsn string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--db-driver", driver,
		"--db-dsn", dsn,
		"--log-level", "error",
	}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

// resetFlags restores every flag to its default; cobra keeps parsed values
// between Execute calls in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// verifyDatabaseSchema checks that the document tables exist
func verifyDatabaseSchema(t *testing.T, store *database.Store) {
	status, err := store.Migrations().GetMigrationStatus(context.Background())
	require.NoError(t, err)
	require.True(t, status.UpToDate, "pending migrations: %d", status.PendingCount)

	for _, table := range database.AllTables {
		var counts []int
		require.NoError(t, store.Raw(context.Background(), &counts, "SELECT COUNT(*) FROM "+string(table)), "table %s", table)
	}
}
