// Package engine drives workflow and template runs: it expands combinations,
// replays steps through the variable pool, judges the outcome and persists
// findings and progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/progress"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/telemetry"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/combination"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrInvalidWorkflow  = errors.New("invalid workflow")
	ErrInvalidMutation  = errors.New("invalid mutation workflow")
	ErrSnapshotMissing  = errors.New("request snapshot missing")
	ErrValidation       = errors.New("run validation failed")
)

// Store is the persistence the engine reads configuration from and writes
// findings, learned mappings and progress to.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	ListSteps(ctx context.Context, workflowID string) ([]types.Step, error)
	GetTemplate(ctx context.Context, id string) (*types.RequestTemplate, error)
	ListTemplates(ctx context.Context, ids []string) ([]types.RequestTemplate, error)
	ListVariableConfigs(ctx context.Context, ownerID string) ([]types.VariableConfig, error)
	ListExtractors(ctx context.Context, workflowID string) ([]types.ContextExtractor, error)
	ListAccounts(ctx context.Context, ids []string) ([]types.Account, error)
	GetEnvironment(ctx context.Context, id string) (*types.Environment, error)
	ListChecklists(ctx context.Context) ([]types.Checklist, error)
	ListSecurityRules(ctx context.Context) ([]types.SecurityRule, error)

	ListVariables(ctx context.Context, workflowID string) ([]types.WorkflowVariable, error)
	ListMappings(ctx context.Context, workflowID string) ([]types.WorkflowMapping, error)
	SaveVariable(ctx context.Context, v *types.WorkflowVariable) error
	SaveMapping(ctx context.Context, m *types.WorkflowMapping) error
	DeleteVariable(ctx context.Context, id string) error
	DeleteMapping(ctx context.Context, id string) error

	CreateFinding(ctx context.Context, f *types.Finding) error
	GetTestRun(ctx context.Context, id string) (*types.TestRun, error)
	UpdateTestRun(ctx context.Context, run *types.TestRun) error
}

// Dispatcher sends assembled requests. Do may retry; DoOnce must not.
type Dispatcher interface {
	Do(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error)
	DoOnce(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error)
}

type Engine struct {
	store      Store
	dispatcher Dispatcher
	gate       FindingGate
	reporter   *progress.Reporter
	metrics    telemetry.Telemetry
	logger     *logger.Logger
	cfg        config.EngineConfig
}

type Option func(*Engine)

// WithGate installs the drop/suppress decision for candidate findings.
func WithGate(g FindingGate) Option {
	return func(e *Engine) { e.gate = g }
}

// WithReporter replaces the default store-only progress reporter.
func WithReporter(r *progress.Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

func WithTelemetry(t telemetry.Telemetry) Option {
	return func(e *Engine) { e.metrics = t }
}

func New(store Store, dispatcher Dispatcher, cfg config.EngineConfig, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		gate:       KeepAll{},
		metrics:    telemetry.Noop(),
		logger:     log.WithComponent("engine"),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reporter == nil {
		e.reporter = progress.NewReporter(store, log)
	}
	if e.cfg.MaxRunErrors <= 0 {
		e.cfg.MaxRunErrors = 10
	}
	if e.cfg.MaxCombinations <= 0 {
		e.cfg.MaxCombinations = combination.DefaultMax
	}
	return e
}

// RunOutcome is what callers of a run receive.
type RunOutcome struct {
	TestRunID         string          `json:"test_run_id"`
	Status            types.RunStatus `json:"status"`
	Success           bool            `json:"success"`
	FindingsCount     int             `json:"findings_count"`
	ErrorsCount       int             `json:"errors_count"`
	HasExecutionError bool            `json:"has_execution_error"`
	Warnings          []string        `json:"warnings,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// runState tracks one test run's counters and persists them.
type runState struct {
	e          *Engine
	run        *types.TestRun
	started    time.Time
	succeeded  int
	errorTotal int
}

func (e *Engine) startRun(ctx context.Context, id string, kind types.RunKind) *runState {
	run, err := e.store.GetTestRun(ctx, id)
	if err != nil || run == nil {
		run = &types.TestRun{ID: id}
	}
	now := time.Now().UTC()
	run.Kind = kind
	run.Status = types.RunStatusRunning
	run.StartedAt = &now
	run.FinishedAt = nil
	run.Progress = types.RunProgress{}
	run.Errors, run.Warnings, run.ErrorMessage = nil, nil, ""
	run.DroppedCount, run.SuppressedCountRule, run.FindingsCountEffective, run.NearMissCount = 0, 0, 0, 0
	return &runState{e: e, run: run, started: time.Now()}
}

func (s *runState) report(ctx context.Context) {
	if err := s.e.reporter.Report(ctx, s.run); err != nil {
		s.e.logger.Warnw("Failed to persist run progress", "test_run_id", s.run.ID, "error", err)
	}
}

func (s *runState) warn(msg string) {
	s.run.Warnings = append(s.run.Warnings, msg)
	s.e.logger.Warnw("Run warning", "test_run_id", s.run.ID, "warning", msg)
}

// combinationError records a per-combination failure. The stored list is
// capped; the count is not.
func (s *runState) combinationError(index int, err error) {
	s.errorTotal++
	s.run.Progress.ErrorsCount = s.errorTotal
	if len(s.run.Errors) < s.e.cfg.MaxRunErrors {
		s.run.Errors = append(s.run.Errors, fmt.Sprintf("combination %d: %v", index, err))
	}
	s.e.logger.Warnw("Combination failed", "test_run_id", s.run.ID, "combination", index, "error", err)
	s.e.metrics.RecordCombination("error")
}

// fail ends the run before any combination ran.
func (s *runState) fail(ctx context.Context, status types.RunStatus, err error) (RunOutcome, error) {
	s.run.Status = status
	s.run.ErrorMessage = err.Error()
	s.finish(ctx)
	return s.outcome(), err
}

func (s *runState) complete(ctx context.Context) RunOutcome {
	switch {
	case s.errorTotal == 0:
		s.run.Status = types.RunStatusCompleted
	case s.succeeded == 0:
		s.run.Status = types.RunStatusFailed
		if s.run.ErrorMessage == "" {
			s.run.ErrorMessage = "no combination completed"
		}
	default:
		s.run.Status = types.RunStatusCompletedWithErrors
	}
	s.finish(ctx)
	return s.outcome()
}

func (s *runState) finish(ctx context.Context) {
	now := time.Now().UTC()
	s.run.FinishedAt = &now
	s.report(ctx)
	s.e.metrics.RecordRun(string(s.run.Kind), string(s.run.Status), time.Since(s.started))
}

func (s *runState) outcome() RunOutcome {
	return RunOutcome{
		TestRunID:         s.run.ID,
		Status:            s.run.Status,
		Success:           s.run.Status == types.RunStatusCompleted,
		FindingsCount:     s.run.FindingsCountEffective,
		ErrorsCount:       s.run.Progress.ErrorsCount,
		HasExecutionError: s.errorTotal > 0 || s.run.Status == types.RunStatusFailed,
		Warnings:          s.run.Warnings,
		Error:             s.run.ErrorMessage,
	}
}

// catalog loads checklists and security rules only when a config needs them.
func (e *Engine) catalog(ctx context.Context, configs []types.VariableConfig) (combination.Catalog, error) {
	cat := combination.Catalog{
		Checklists:    map[string]types.Checklist{},
		SecurityRules: map[string]types.SecurityRule{},
	}
	var needChecklists, needRules bool
	for _, c := range configs {
		needChecklists = needChecklists || c.DataSource == types.SourceChecklist
		needRules = needRules || c.DataSource == types.SourceSecurityRule
	}
	if needChecklists {
		lists, err := e.store.ListChecklists(ctx)
		if err != nil {
			return cat, fmt.Errorf("load checklists: %w", err)
		}
		for _, l := range lists {
			cat.Checklists[l.ID] = l
		}
	}
	if needRules {
		rules, err := e.store.ListSecurityRules(ctx)
		if err != nil {
			return cat, fmt.Errorf("load security rules: %w", err)
		}
		for _, r := range rules {
			cat.SecurityRules[r.ID] = r
		}
	}
	return cat, nil
}

// loadAccounts returns the requested accounts, rejecting unknown IDs.
func (e *Engine) loadAccounts(ctx context.Context, ids []string) ([]types.Account, error) {
	ids = unique(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	accounts, err := e.store.ListAccounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	found := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		found[a.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: unknown account(s) %v", ErrValidation, missing)
	}
	return accounts, nil
}

func (e *Engine) loadEnvironment(ctx context.Context, id string) (*types.Environment, error) {
	if id == "" {
		return nil, nil
	}
	env, err := e.store.GetEnvironment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: environment %s: %v", ErrValidation, id, err)
	}
	return env, nil
}

// validateConfigs checks value sources and targets before anything runs.
// stepOrders is nil for template runs, where every target must use order 0.
func validateConfigs(configs []types.VariableConfig, stepOrders map[int]bool, cat combination.Catalog) error {
	var problems []string
	for _, c := range configs {
		switch c.DataSource {
		case types.SourceAccountField:
			if c.AccountField == "" {
				problems = append(problems, fmt.Sprintf("%s: account_field is required", c.Name))
			}
		case types.SourceChecklist:
			if _, ok := cat.Checklists[c.ChecklistID]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown checklist %q", c.Name, c.ChecklistID))
			}
		case types.SourceSecurityRule:
			if _, ok := cat.SecurityRules[c.SecurityRuleID]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown security rule %q", c.Name, c.SecurityRuleID))
			}
		}
		for _, t := range c.Targets {
			if t.Location.IsZero() {
				problems = append(problems, fmt.Sprintf("%s: target without location", c.Name))
				continue
			}
			if stepOrders == nil {
				if t.StepOrder != 0 {
					problems = append(problems, fmt.Sprintf("%s: template targets must use step order 0", c.Name))
				}
			} else if !stepOrders[t.StepOrder] {
				problems = append(problems, fmt.Sprintf("%s: target step %d does not exist", c.Name, t.StepOrder))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrValidation, problems)
	}
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
