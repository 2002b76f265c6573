package types

import (
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

type RunStatus string

const (
	RunStatusPending             RunStatus = "pending"
	RunStatusRunning             RunStatus = "running"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
	RunStatusValidationFailed    RunStatus = "validation_failed"
)

// Terminal reports whether no further progress updates are expected.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCompletedWithErrors, RunStatusFailed, RunStatusValidationFailed:
		return true
	}
	return false
}

type RunKind string

const (
	RunKindWorkflow RunKind = "workflow"
	RunKindTemplate RunKind = "template"
)

// RunProgress is the polled progress document. Field names are part of the
// external contract.
type RunProgress struct {
	Total           int    `json:"total" yaml:"total"`
	Completed       int    `json:"completed" yaml:"completed"`
	Findings        int    `json:"findings" yaml:"findings"`
	ErrorsCount     int    `json:"errors_count" yaml:"errors_count"`
	CurrentTemplate string `json:"current_template,omitempty" yaml:"current_template,omitempty"`
}

type TestRun struct {
	ID                     string      `json:"id" yaml:"id"`
	Kind                   RunKind     `json:"kind" yaml:"kind"`
	WorkflowID             string      `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	TemplateIDs            []string    `json:"template_ids,omitempty" yaml:"template_ids,omitempty"`
	AccountIDs             []string    `json:"account_ids,omitempty" yaml:"account_ids,omitempty"`
	EnvironmentID          string      `json:"environment_id,omitempty" yaml:"environment_id,omitempty"`
	SecurityRunID          string      `json:"security_run_id,omitempty" yaml:"security_run_id,omitempty"`
	Status                 RunStatus   `json:"status" yaml:"status"`
	Progress               RunProgress `json:"progress" yaml:"progress"`
	ProgressPercent        int         `json:"progress_percent" yaml:"progress_percent"`
	DroppedCount           int         `json:"dropped_count" yaml:"dropped_count"`
	FindingsCountEffective int         `json:"findings_count_effective" yaml:"findings_count_effective"`
	SuppressedCountRule    int         `json:"suppressed_count_rule" yaml:"suppressed_count_rule"`
	NearMissCount          int         `json:"near_miss_count" yaml:"near_miss_count"`
	Errors                 []string    `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings               []string    `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	ErrorMessage           string      `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	StartedAt              *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt             *time.Time  `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	CreatedAt              time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt              time.Time   `json:"updated_at" yaml:"updated_at"`
}

// Percent recomputes ProgressPercent from the progress counters.
func (r *TestRun) Percent() int {
	if r.Progress.Total <= 0 {
		return 0
	}
	p := r.Progress.Completed * 100 / r.Progress.Total
	if p > 100 {
		p = 100
	}
	return p
}

type Finding struct {
	ID                string            `json:"id" yaml:"id"`
	TestRunID         string            `json:"test_run_id" yaml:"test_run_id"`
	SecurityRunID     string            `json:"security_run_id,omitempty" yaml:"security_run_id,omitempty"`
	WorkflowID        string            `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	TemplateID        string            `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Title             string            `json:"title" yaml:"title"`
	Description       string            `json:"description,omitempty" yaml:"description,omitempty"`
	Severity          Severity          `json:"severity" yaml:"severity"`
	IsSuppressed      bool              `json:"is_suppressed" yaml:"is_suppressed"`
	SuppressionRuleID string            `json:"suppression_rule_id,omitempty" yaml:"suppression_rule_id,omitempty"`
	AttackerID        string            `json:"attacker_id,omitempty" yaml:"attacker_id,omitempty"`
	VictimIDs         []string          `json:"victim_ids,omitempty" yaml:"victim_ids,omitempty"`
	Values            map[string]string `json:"values,omitempty" yaml:"values,omitempty"`
	Evidence          []StepExecution   `json:"evidence" yaml:"evidence"`
	DiffSummary       string            `json:"diff_summary,omitempty" yaml:"diff_summary,omitempty"`
	Fingerprint       string            `json:"fingerprint" yaml:"fingerprint"`
	CreatedAt         time.Time         `json:"created_at" yaml:"created_at"`
}
