package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
)

// Migration is one schema change. Statements run in order inside a single
// transaction.
type Migration struct {
	Version     int
	Description string
	Up          []string
	Down        []string
}

type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{db: db, log: log}
}

// documentTable is the shared row shape: indexed columns the repositories
// filter and sort on, plus the JSON document.
func documentTable(name string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		sort_key BIGINT NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`, name)
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	var create, drop []string
	for _, t := range AllTables {
		create = append(create, documentTable(string(t)))
		drop = append(drop, "DROP TABLE IF EXISTS "+string(t))
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create document tables",
			Up:          create,
			Down:        drop,
		},
		{
			Version:     2,
			Description: "Index parent and sort columns",
			Up: []string{
				"CREATE INDEX IF NOT EXISTS idx_workflow_steps_parent ON workflow_steps (parent_id, sort_key)",
				"CREATE INDEX IF NOT EXISTS idx_variable_configs_parent ON variable_configs (parent_id)",
				"CREATE INDEX IF NOT EXISTS idx_context_extractors_parent ON context_extractors (parent_id, sort_key)",
				"CREATE INDEX IF NOT EXISTS idx_workflow_variables_parent ON workflow_variables (parent_id)",
				"CREATE INDEX IF NOT EXISTS idx_workflow_mappings_parent ON workflow_mappings (parent_id)",
				"CREATE INDEX IF NOT EXISTS idx_findings_parent ON findings (parent_id, created_at)",
			},
			Down: []string{
				"DROP INDEX IF EXISTS idx_workflow_steps_parent",
				"DROP INDEX IF EXISTS idx_variable_configs_parent",
				"DROP INDEX IF EXISTS idx_context_extractors_parent",
				"DROP INDEX IF EXISTS idx_workflow_variables_parent",
				"DROP INDEX IF EXISTS idx_workflow_mappings_parent",
				"DROP INDEX IF EXISTS idx_findings_parent",
			},
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) (int, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	allMigrations := GetAllMigrations()
	sort.Slice(allMigrations, func(i, j int) bool {
		return allMigrations[i].Version < allMigrations[j].Version
	})

	applied := 0
	for _, migration := range allMigrations {
		if appliedMigrations[migration.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, migration); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
		applied++
	}

	if applied == 0 {
		mr.log.Debugw("Database schema is up to date",
			"component", "migrations",
			"latest_version", allMigrations[len(allMigrations)-1].Version,
		)
		return 0, nil
	}

	mr.log.Infow("All migrations applied successfully",
		"component", "migrations",
		"migrations_applied", applied,
	)
	return applied, nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, migration Migration) error {
	mr.log.Infow("Applying migration",
		"component", "migrations",
		"version", migration.Version,
		"description", migration.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			mr.log.Errorw("Migration failed",
				"component", "migrations",
				"version", migration.Version,
				"error", err,
			)
			return fmt.Errorf("failed to execute migration SQL: %w", err)
		}
	}

	recordQuery := tx.Rebind(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, recordQuery, migration.Version, migration.Description, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

type MigrationStatus struct {
	CurrentVersion int  `json:"current_version"`
	LatestVersion  int  `json:"latest_version"`
	PendingCount   int  `json:"pending_count"`
	AppliedCount   int  `json:"applied_count"`
	UpToDate       bool `json:"is_up_to_date"`
}

func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) (MigrationStatus, error) {
	var status MigrationStatus
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return status, err
	}

	appliedMigrations, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return status, err
	}

	for _, migration := range GetAllMigrations() {
		if migration.Version > status.LatestVersion {
			status.LatestVersion = migration.Version
		}
		if !appliedMigrations[migration.Version] {
			status.PendingCount++
		}
	}
	for version := range appliedMigrations {
		if version > status.CurrentVersion {
			status.CurrentVersion = version
		}
	}
	status.AppliedCount = len(appliedMigrations)
	status.UpToDate = status.PendingCount == 0
	return status, nil
}

// RollbackMigration reverts one applied migration.
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	mr.log.Warnw("Rolling back migration",
		"component", "migrations",
		"version", version,
	)

	var migration *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			migration = &m
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration version %d not found", version)
	}
	if len(migration.Down) == 0 {
		return fmt.Errorf("migration version %d has no rollback SQL", version)
	}

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range migration.Down {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute rollback SQL: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	mr.log.Infow("Migration rolled back successfully",
		"component", "migrations",
		"version", version,
	)
	return nil
}
