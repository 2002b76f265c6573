package database

import (
	"context"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

const BundleVersion = 1

// Bundle is a portable YAML snapshot of configuration and, optionally, run
// history.
type Bundle struct {
	Version           int                      `yaml:"version"`
	ExportedAt        time.Time                `yaml:"exported_at"`
	Accounts          []types.Account          `yaml:"accounts,omitempty"`
	Environments      []types.Environment      `yaml:"environments,omitempty"`
	Checklists        []types.Checklist        `yaml:"checklists,omitempty"`
	SecurityRules     []types.SecurityRule     `yaml:"security_rules,omitempty"`
	RequestTemplates  []types.RequestTemplate  `yaml:"request_templates,omitempty"`
	Workflows         []types.Workflow         `yaml:"workflows,omitempty"`
	WorkflowSteps     []types.Step             `yaml:"workflow_steps,omitempty"`
	VariableConfigs   []types.VariableConfig   `yaml:"variable_configs,omitempty"`
	ContextExtractors []types.ContextExtractor `yaml:"context_extractors,omitempty"`
	WorkflowVariables []types.WorkflowVariable `yaml:"workflow_variables,omitempty"`
	WorkflowMappings  []types.WorkflowMapping  `yaml:"workflow_mappings,omitempty"`
	TestRuns          []types.TestRun          `yaml:"test_runs,omitempty"`
	Findings          []types.Finding          `yaml:"findings,omitempty"`
}

// ConfigTables are exported by default; run history is opt-in.
var ConfigTables = AllTables[: len(AllTables)-2 : len(AllTables)-2]

// Export reads the given tables into a bundle.
func (s *Store) Export(ctx context.Context, tables ...Table) (*Bundle, error) {
	if len(tables) == 0 {
		tables = ConfigTables
	}
	b := &Bundle{Version: BundleVersion, ExportedAt: time.Now().UTC()}
	for _, t := range tables {
		var err error
		switch t {
		case TableAccounts:
			b.Accounts, err = s.Accounts.FindAll(ctx, Filter{})
		case TableEnvironments:
			b.Environments, err = s.Environments.FindAll(ctx, Filter{})
		case TableChecklists:
			b.Checklists, err = s.Checklists.FindAll(ctx, Filter{})
		case TableSecurityRules:
			b.SecurityRules, err = s.SecurityRules.FindAll(ctx, Filter{})
		case TableRequestTemplates:
			b.RequestTemplates, err = s.Templates.FindAll(ctx, Filter{})
		case TableWorkflows:
			b.Workflows, err = s.Workflows.FindAll(ctx, Filter{})
		case TableWorkflowSteps:
			b.WorkflowSteps, err = s.Steps.FindAll(ctx, Filter{})
		case TableVariableConfigs:
			b.VariableConfigs, err = s.VariableConfigs.FindAll(ctx, Filter{})
		case TableContextExtractors:
			b.ContextExtractors, err = s.Extractors.FindAll(ctx, Filter{})
		case TableWorkflowVariables:
			b.WorkflowVariables, err = s.WorkflowVariables.FindAll(ctx, Filter{})
		case TableWorkflowMappings:
			b.WorkflowMappings, err = s.WorkflowMappings.FindAll(ctx, Filter{})
		case TableTestRuns:
			b.TestRuns, err = s.TestRuns.FindAll(ctx, Filter{})
		case TableFindings:
			b.Findings, err = s.Findings.FindAll(ctx, Filter{})
		default:
			err = fmt.Errorf("unknown table %q", t)
		}
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", t, err)
		}
	}
	return b, nil
}

// Import upserts every section of b in AllTables order and returns the row
// count per table.
func (s *Store) Import(ctx context.Context, b *Bundle) (map[Table]int, error) {
	if b.Version > BundleVersion {
		return nil, fmt.Errorf("bundle version %d is newer than supported version %d", b.Version, BundleVersion)
	}
	counts := make(map[Table]int)
	for _, t := range AllTables {
		var n int
		var err error
		switch t {
		case TableAccounts:
			n, err = saveAll(ctx, s.Accounts, b.Accounts)
		case TableEnvironments:
			n, err = saveAll(ctx, s.Environments, b.Environments)
		case TableChecklists:
			n, err = saveAll(ctx, s.Checklists, b.Checklists)
		case TableSecurityRules:
			n, err = saveAll(ctx, s.SecurityRules, b.SecurityRules)
		case TableRequestTemplates:
			n, err = saveAll(ctx, s.Templates, b.RequestTemplates)
		case TableWorkflows:
			n, err = saveAll(ctx, s.Workflows, b.Workflows)
		case TableWorkflowSteps:
			n, err = saveAll(ctx, s.Steps, b.WorkflowSteps)
		case TableVariableConfigs:
			n, err = saveAll(ctx, s.VariableConfigs, b.VariableConfigs)
		case TableContextExtractors:
			n, err = saveAll(ctx, s.Extractors, b.ContextExtractors)
		case TableWorkflowVariables:
			n, err = saveAll(ctx, s.WorkflowVariables, b.WorkflowVariables)
		case TableWorkflowMappings:
			n, err = saveAll(ctx, s.WorkflowMappings, b.WorkflowMappings)
		case TableTestRuns:
			n, err = saveAll(ctx, s.TestRuns, b.TestRuns)
		case TableFindings:
			n, err = saveAll(ctx, s.Findings, b.Findings)
		}
		if err != nil {
			return counts, fmt.Errorf("import %s: %w", t, err)
		}
		if n > 0 {
			counts[t] = n
		}
	}
	s.logger.Infow("Bundle imported", "tables", len(counts))
	return counts, nil
}

func saveAll[T any](ctx context.Context, repo *Repository[T], rows []T) (int, error) {
	for i := range rows {
		if err := repo.Save(ctx, &rows[i]); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}

func (b *Bundle) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("failed to encode bundle: %w", err)
	}
	return enc.Close()
}

func ReadBundle(r io.Reader) (*Bundle, error) {
	var b Bundle
	if err := yaml.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if b.Version == 0 {
		b.Version = BundleVersion
	}
	return &b, nil
}
