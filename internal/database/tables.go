package database

import (
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Table names a document table. AllTables is the import/export order:
// parents before children.
type Table string

const (
	TableAccounts          Table = "accounts"
	TableEnvironments      Table = "environments"
	TableChecklists        Table = "checklists"
	TableSecurityRules     Table = "security_rules"
	TableRequestTemplates  Table = "request_templates"
	TableWorkflows         Table = "workflows"
	TableWorkflowSteps     Table = "workflow_steps"
	TableVariableConfigs   Table = "variable_configs"
	TableContextExtractors Table = "context_extractors"
	TableWorkflowVariables Table = "workflow_variables"
	TableWorkflowMappings  Table = "workflow_mappings"
	TableTestRuns          Table = "test_runs"
	TableFindings          Table = "findings"
)

var AllTables = []Table{
	TableAccounts,
	TableEnvironments,
	TableChecklists,
	TableSecurityRules,
	TableRequestTemplates,
	TableWorkflows,
	TableWorkflowSteps,
	TableVariableConfigs,
	TableContextExtractors,
	TableWorkflowVariables,
	TableWorkflowMappings,
	TableTestRuns,
	TableFindings,
}

func ParseTable(name string) (Table, bool) {
	for _, t := range AllTables {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

func noParent[T any](*T) string { return "" }

var accountMeta = meta[types.Account]{
	id:      func(v *types.Account) string { return v.ID },
	setID:   func(v *types.Account, id string) { v.ID = id },
	parent:  noParent[types.Account],
	created: func(v *types.Account) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Account, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var environmentMeta = meta[types.Environment]{
	id:      func(v *types.Environment) string { return v.ID },
	setID:   func(v *types.Environment, id string) { v.ID = id },
	parent:  noParent[types.Environment],
	created: func(v *types.Environment) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Environment, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var checklistMeta = meta[types.Checklist]{
	id:      func(v *types.Checklist) string { return v.ID },
	setID:   func(v *types.Checklist, id string) { v.ID = id },
	parent:  noParent[types.Checklist],
	created: func(v *types.Checklist) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Checklist, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var securityRuleMeta = meta[types.SecurityRule]{
	id:      func(v *types.SecurityRule) string { return v.ID },
	setID:   func(v *types.SecurityRule, id string) { v.ID = id },
	parent:  noParent[types.SecurityRule],
	created: func(v *types.SecurityRule) time.Time { return v.CreatedAt },
	stamp:   func(v *types.SecurityRule, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var templateMeta = meta[types.RequestTemplate]{
	id:      func(v *types.RequestTemplate) string { return v.ID },
	setID:   func(v *types.RequestTemplate, id string) { v.ID = id },
	parent:  noParent[types.RequestTemplate],
	created: func(v *types.RequestTemplate) time.Time { return v.CreatedAt },
	stamp:   func(v *types.RequestTemplate, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var workflowMeta = meta[types.Workflow]{
	id:      func(v *types.Workflow) string { return v.ID },
	setID:   func(v *types.Workflow, id string) { v.ID = id },
	parent:  func(v *types.Workflow) string { return v.BaseWorkflowID },
	created: func(v *types.Workflow) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Workflow, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var stepMeta = meta[types.Step]{
	id:      func(v *types.Step) string { return v.ID },
	setID:   func(v *types.Step, id string) { v.ID = id },
	parent:  func(v *types.Step) string { return v.WorkflowID },
	sortKey: func(v *types.Step) int64 { return int64(v.StepOrder) },
	created: func(v *types.Step) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Step, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

// Variable configs belong to a workflow or, failing that, a template.
var variableConfigMeta = meta[types.VariableConfig]{
	id:    func(v *types.VariableConfig) string { return v.ID },
	setID: func(v *types.VariableConfig, id string) { v.ID = id },
	parent: func(v *types.VariableConfig) string {
		if v.WorkflowID != "" {
			return v.WorkflowID
		}
		return v.TemplateID
	},
	created: func(v *types.VariableConfig) time.Time { return v.CreatedAt },
	stamp:   func(v *types.VariableConfig, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var extractorMeta = meta[types.ContextExtractor]{
	id:      func(v *types.ContextExtractor) string { return v.ID },
	setID:   func(v *types.ContextExtractor, id string) { v.ID = id },
	parent:  func(v *types.ContextExtractor) string { return v.WorkflowID },
	sortKey: func(v *types.ContextExtractor) int64 { return int64(v.StepOrder) },
	created: func(v *types.ContextExtractor) time.Time { return v.CreatedAt },
	stamp:   func(v *types.ContextExtractor, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var variableMeta = meta[types.WorkflowVariable]{
	id:      func(v *types.WorkflowVariable) string { return v.ID },
	setID:   func(v *types.WorkflowVariable, id string) { v.ID = id },
	parent:  func(v *types.WorkflowVariable) string { return v.WorkflowID },
	created: func(v *types.WorkflowVariable) time.Time { return v.CreatedAt },
	stamp:   func(v *types.WorkflowVariable, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var mappingMeta = meta[types.WorkflowMapping]{
	id:      func(v *types.WorkflowMapping) string { return v.ID },
	setID:   func(v *types.WorkflowMapping, id string) { v.ID = id },
	parent:  func(v *types.WorkflowMapping) string { return v.WorkflowID },
	sortKey: func(v *types.WorkflowMapping) int64 { return int64(v.ToStepOrder) },
	created: func(v *types.WorkflowMapping) time.Time { return v.CreatedAt },
	stamp:   func(v *types.WorkflowMapping, c, u time.Time) { v.CreatedAt, v.UpdatedAt = c, u },
}

var testRunMeta = meta[types.TestRun]{
	id:      func(v *types.TestRun) string { return v.ID },
	setID:   func(v *types.TestRun, id string) { v.ID = id },
	parent:  func(v *types.TestRun) string { return v.WorkflowID },
	created: func(v *types.TestRun) time.Time { return v.CreatedAt },
	// UpdatedAt is owned by the progress reporter.
	stamp: func(v *types.TestRun, c, u time.Time) {
		v.CreatedAt = c
		if v.UpdatedAt.IsZero() {
			v.UpdatedAt = u
		}
	},
}

var findingMeta = meta[types.Finding]{
	id:      func(v *types.Finding) string { return v.ID },
	setID:   func(v *types.Finding, id string) { v.ID = id },
	parent:  func(v *types.Finding) string { return v.TestRunID },
	created: func(v *types.Finding) time.Time { return v.CreatedAt },
	stamp:   func(v *types.Finding, c, _ time.Time) { v.CreatedAt = c },
}
