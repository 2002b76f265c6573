package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store owns the connection and one typed repository per table.
type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger

	Accounts          *Repository[types.Account]
	Environments      *Repository[types.Environment]
	Checklists        *Repository[types.Checklist]
	SecurityRules     *Repository[types.SecurityRule]
	Templates         *Repository[types.RequestTemplate]
	Workflows         *Repository[types.Workflow]
	Steps             *Repository[types.Step]
	VariableConfigs   *Repository[types.VariableConfig]
	Extractors        *Repository[types.ContextExtractor]
	WorkflowVariables *Repository[types.WorkflowVariable]
	WorkflowMappings  *Repository[types.WorkflowMapping]
	TestRuns          *Repository[types.TestRun]
	Findings          *Repository[types.Finding]
}

// NewStore connects, configures the pool and applies pending migrations.
func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (store *Store, err error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")

	ctx := context.Background()
	start := time.Now()
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", MaskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.LogDuration(ctx, "database.Connect", start, "driver", cfg.Driver)

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.Driver == "sqlite" {
		// One writer keeps SQLite from returning SQLITE_BUSY under the
		// progress reporter's frequent updates.
		db.SetMaxOpenConns(1)
	}

	store = NewStoreFromDB(db, cfg, log)

	migrateStart := time.Now()
	if _, err = NewMigrationRunner(db, log).RunMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart)

	log.WithContext(ctx).Infow("Database store initialized",
		"driver", cfg.Driver,
		"total_init_duration_ms", time.Since(start).Milliseconds(),
	)
	return store, nil
}

// NewStoreFromDB wraps an open connection without migrating it.
func NewStoreFromDB(db *sqlx.DB, cfg config.DatabaseConfig, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{
		db:                db,
		cfg:               cfg,
		logger:            log,
		Accounts:          newRepository(db, TableAccounts, accountMeta, log),
		Environments:      newRepository(db, TableEnvironments, environmentMeta, log),
		Checklists:        newRepository(db, TableChecklists, checklistMeta, log),
		SecurityRules:     newRepository(db, TableSecurityRules, securityRuleMeta, log),
		Templates:         newRepository(db, TableRequestTemplates, templateMeta, log),
		Workflows:         newRepository(db, TableWorkflows, workflowMeta, log),
		Steps:             newRepository(db, TableWorkflowSteps, stepMeta, log),
		VariableConfigs:   newRepository(db, TableVariableConfigs, variableConfigMeta, log),
		Extractors:        newRepository(db, TableContextExtractors, extractorMeta, log),
		WorkflowVariables: newRepository(db, TableWorkflowVariables, variableMeta, log),
		WorkflowMappings:  newRepository(db, TableWorkflowMappings, mappingMeta, log),
		TestRuns:          newRepository(db, TableTestRuns, testRunMeta, log),
		Findings:          newRepository(db, TableFindings, findingMeta, log),
	}
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrations() *MigrationRunner { return NewMigrationRunner(s.db, s.logger) }

// Raw runs a parameterized query written with ? placeholders and scans the
// rows into dest.
func (s *Store) Raw(ctx context.Context, dest any, query string, args ...any) error {
	start := time.Now()
	if err := s.db.SelectContext(ctx, dest, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("raw query failed: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "raw", "", 0, time.Since(start))
	return nil
}

// MaskDSN hides credentials before a DSN is logged or printed.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	return s.Workflows.FindByID(ctx, id)
}

func (s *Store) ListSteps(ctx context.Context, workflowID string) ([]types.Step, error) {
	return s.Steps.FindAll(ctx, Filter{ParentID: workflowID})
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*types.RequestTemplate, error) {
	return s.Templates.FindByID(ctx, id)
}

// ListTemplates returns the named templates in the order requested. Unknown
// IDs are an error.
func (s *Store) ListTemplates(ctx context.Context, ids []string) ([]types.RequestTemplate, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.Templates.FindAll(ctx, Filter{IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.RequestTemplate, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]types.RequestTemplate, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%s %s: %w", TableRequestTemplates, id, ErrNotFound)
		}
		out = append(out, t)
	}
	return out, nil
}

// ListVariableConfigs returns configs owned by a workflow or template.
func (s *Store) ListVariableConfigs(ctx context.Context, ownerID string) ([]types.VariableConfig, error) {
	return s.VariableConfigs.FindAll(ctx, Filter{ParentID: ownerID})
}

func (s *Store) ListExtractors(ctx context.Context, workflowID string) ([]types.ContextExtractor, error) {
	return s.Extractors.FindAll(ctx, Filter{ParentID: workflowID})
}

// ListAccounts loads the requested accounts. An empty ID list yields none.
func (s *Store) ListAccounts(ctx context.Context, ids []string) ([]types.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.Accounts.FindAll(ctx, Filter{IDs: ids})
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*types.Environment, error) {
	return s.Environments.FindByID(ctx, id)
}

func (s *Store) ListChecklists(ctx context.Context) ([]types.Checklist, error) {
	return s.Checklists.FindAll(ctx, Filter{})
}

func (s *Store) ListSecurityRules(ctx context.Context) ([]types.SecurityRule, error) {
	return s.SecurityRules.FindAll(ctx, Filter{})
}

func (s *Store) ListVariables(ctx context.Context, workflowID string) ([]types.WorkflowVariable, error) {
	return s.WorkflowVariables.FindAll(ctx, Filter{ParentID: workflowID})
}

func (s *Store) ListMappings(ctx context.Context, workflowID string) ([]types.WorkflowMapping, error) {
	return s.WorkflowMappings.FindAll(ctx, Filter{ParentID: workflowID})
}

func (s *Store) SaveVariable(ctx context.Context, v *types.WorkflowVariable) error {
	return s.WorkflowVariables.Save(ctx, v)
}

func (s *Store) SaveMapping(ctx context.Context, m *types.WorkflowMapping) error {
	return s.WorkflowMappings.Save(ctx, m)
}

func (s *Store) DeleteVariable(ctx context.Context, id string) error {
	return s.WorkflowVariables.Delete(ctx, id)
}

func (s *Store) DeleteMapping(ctx context.Context, id string) error {
	return s.WorkflowMappings.Delete(ctx, id)
}

func (s *Store) CreateFinding(ctx context.Context, f *types.Finding) error {
	return s.Findings.Create(ctx, f)
}

func (s *Store) ListFindings(ctx context.Context, testRunID string) ([]types.Finding, error) {
	return s.Findings.FindAll(ctx, Filter{ParentID: testRunID})
}

func (s *Store) GetTestRun(ctx context.Context, id string) (*types.TestRun, error) {
	return s.TestRuns.FindByID(ctx, id)
}

func (s *Store) CreateTestRun(ctx context.Context, run *types.TestRun) error {
	return s.TestRuns.Create(ctx, run)
}

// UpdateTestRun persists progress, creating the run row on first report.
func (s *Store) UpdateTestRun(ctx context.Context, run *types.TestRun) error {
	err := s.TestRuns.Update(ctx, run)
	if errors.Is(err, ErrNotFound) {
		return s.TestRuns.Create(ctx, run)
	}
	return err
}
