package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the bolagate database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Apply every pending migration in version order.

Opening the store already migrates, so this mostly confirms the schema
version. The connection is configured with --db-driver and --db-dsn or
BOLAGATE_DATABASE_DRIVER and BOLAGATE_DATABASE_DSN.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Rollback a specific migration",
	Long: `Rollback a specific migration version.

Warning: this drops the tables the migration created, with their rows.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)

	dbRollbackCmd.Flags().Bool("yes", false, "skip the confirmation prompt")
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	applied, err := store.Migrations().RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Infow("Database migration completed",
		"component", "db_migrate",
		"applied", applied,
	)
	color.Green("Applied %d migration(s)\n", applied)
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	status, err := store.Migrations().GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Database Migration Status")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintf(out, "Driver:           %s\n", cfg.Database.Driver)
	fmt.Fprintf(out, "Current Version:  %d\n", status.CurrentVersion)
	fmt.Fprintf(out, "Latest Version:   %d\n", status.LatestVersion)
	fmt.Fprintf(out, "Applied:          %d migrations\n", status.AppliedCount)
	fmt.Fprintf(out, "Pending:          %d migrations\n", status.PendingCount)

	if status.UpToDate {
		fmt.Fprintln(out, "\nStatus: Database is up to date")
	} else {
		fmt.Fprintln(out, "\nStatus: Pending migrations need to be applied")
		fmt.Fprintln(out, "\nRun 'bolagate db migrate' to apply pending migrations")
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %s", args[0])
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		fmt.Fprintf(cmd.OutOrStdout(), "WARNING: You are about to rollback migration version %d\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "\nPress Enter to continue or Ctrl+C to cancel...")
		fmt.Fscanln(cmd.InOrStdin())
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := store.Migrations().RollbackMigration(ctx, version); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	color.Green("Migration %d rolled back successfully\n", version)
	return nil
}
