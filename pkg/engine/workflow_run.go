package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/combination"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/diff"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/pool"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// WorkflowRequest names what ExecuteWorkflowRun should run.
type WorkflowRequest struct {
	TestRunID     string
	WorkflowID    string
	AccountIDs    []string
	EnvironmentID string
	SecurityRunID string
}

// workflowPlan is everything loaded before the combination loop starts.
type workflowPlan struct {
	workflow   *types.Workflow
	steps      []plannedStep
	effective  []plannedStep
	configs    []types.VariableConfig
	extractors map[int][]types.ContextExtractor
	accounts   map[string]*types.Account
	env        *types.Environment
	vars       []types.WorkflowVariable
	mappings   []types.WorkflowMapping
	templates  map[string]*types.RequestTemplate
	catalog    combination.Catalog
	diffCfg    diff.Config
}

// ExecuteWorkflowRun replays a workflow once per combination and persists
// any findings. Configuration problems end the run with failed or
// validation_failed and are also returned as errors; per-combination
// problems are recorded and never abort the run.
func (e *Engine) ExecuteWorkflowRun(ctx context.Context, req WorkflowRequest) (outcome RunOutcome, err error) {
	start := time.Now()
	ctx, span := e.logger.StartOperation(ctx, "engine.ExecuteWorkflowRun",
		"test_run_id", req.TestRunID,
		"workflow_id", req.WorkflowID,
	)
	defer func() {
		e.logger.FinishOperation(ctx, span, "engine.ExecuteWorkflowRun", start, err,
			"status", outcome.Status,
			"findings", outcome.FindingsCount,
		)
	}()
	log := e.logger.WithRunID(req.TestRunID).WithWorkflowID(req.WorkflowID)

	state := e.startRun(ctx, req.TestRunID, types.RunKindWorkflow)
	state.run.WorkflowID = req.WorkflowID
	state.run.AccountIDs = req.AccountIDs
	state.run.EnvironmentID = req.EnvironmentID
	state.run.SecurityRunID = req.SecurityRunID
	state.report(ctx)

	plan, err := e.loadWorkflowPlan(ctx, req)
	if err != nil {
		status := types.RunStatusFailed
		if errors.Is(err, ErrValidation) {
			status = types.RunStatusValidationFailed
		}
		return state.fail(ctx, status, err)
	}
	wf := plan.workflow

	accounts := make([]types.Account, 0, len(plan.accounts))
	for _, id := range unique(req.AccountIDs) {
		if a, ok := plan.accounts[id]; ok {
			accounts = append(accounts, *a)
		}
	}
	gen := combination.Generate(plan.configs, accounts, wf.AccountBindingStrategy, combination.Options{
		AttackerAccountID: wf.AttackerAccountID,
		Max:               e.cfg.MaxCombinations,
		Catalog:           plan.catalog,
	})
	for _, w := range gen.Warnings {
		state.warn(w)
	}
	if gen.FallbackReason != "" {
		state.warn("anchor_attacker fell back to independent: " + gen.FallbackReason)
	}
	if gen.Truncated {
		state.warn(fmt.Sprintf("combinations capped at %d", e.cfg.MaxCombinations))
	}

	baselineWanted := wf.IsMutation() && wf.EnableBaseline && gen.Strategy == types.BindingAnchorAttacker
	if wf.BaselineComparison.Enabled && !baselineWanted {
		state.warn("baseline comparison needs a baseline pass; findings are not diffed")
	}

	log.Infow("Workflow run started",
		"combinations", len(gen.Combinations),
		"strategy", gen.Strategy,
		"steps", len(plan.effective),
		"baseline_pass", baselineWanted,
	)

	state.run.Progress.Total = len(gen.Combinations)
	state.report(ctx)

	mainPool := pool.New(e.logger)
	mainPool.Configure(wf.StepOwnerID(), plan.vars, plan.mappings)
	var basePool *pool.Pool
	if baselineWanted {
		basePool = pool.New(e.logger)
		basePool.Configure(wf.StepOwnerID(), plan.vars, plan.mappings)
	}

	for _, combo := range gen.Combinations {
		if ctx.Err() != nil {
			state.combinationError(combo.Index, ctx.Err())
			break
		}
		cerr := e.runCombination(ctx, state, plan, combo, mainPool, basePool, baselineWanted)
		state.run.Progress.Completed++
		if cerr != nil {
			state.combinationError(combo.Index, cerr)
		} else {
			state.succeeded++
		}
		state.report(ctx)
	}

	if ctx.Err() != nil {
		outcome, err = state.fail(context.WithoutCancel(ctx), types.RunStatusFailed, ctx.Err())
		log.Warnw("Workflow run cancelled", "completed", state.run.Progress.Completed, "error", err)
		return outcome, err
	}
	outcome = state.complete(ctx)
	log.Infow("Workflow run finished",
		"status", outcome.Status,
		"findings", outcome.FindingsCount,
		"errors", outcome.ErrorsCount,
		"near_misses", state.run.NearMissCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (e *Engine) loadWorkflowPlan(ctx context.Context, req WorkflowRequest) (*workflowPlan, error) {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWorkflowNotFound, req.WorkflowID, err)
	}
	plan := &workflowPlan{workflow: wf, templates: map[string]*types.RequestTemplate{}}

	ownerID := wf.ID
	if wf.IsMutation() {
		if wf.BaseWorkflowID == "" {
			return nil, fmt.Errorf("%w: %s has no base workflow", ErrInvalidMutation, wf.ID)
		}
		base, err := e.store.GetWorkflow(ctx, wf.BaseWorkflowID)
		if err != nil {
			return nil, fmt.Errorf("%w: base workflow %s: %v", ErrInvalidMutation, wf.BaseWorkflowID, err)
		}
		if base.IsMutation() {
			return nil, fmt.Errorf("%w: base workflow %s is itself a mutation", ErrInvalidMutation, base.ID)
		}
		ownerID = base.ID
	}

	steps, err := e.store.ListSteps(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: workflow %s has no steps", ErrInvalidWorkflow, ownerID)
	}
	stepOrders := make(map[int]bool, len(steps))
	for _, s := range steps {
		if stepOrders[s.StepOrder] {
			return nil, fmt.Errorf("%w: duplicate step order %d", ErrInvalidWorkflow, s.StepOrder)
		}
		stepOrders[s.StepOrder] = true
		ps, err := e.planStep(ctx, wf, s, plan.templates)
		if err != nil {
			return nil, err
		}
		plan.steps = append(plan.steps, ps)
	}
	plan.effective = effectiveSteps(plan.steps, wf.MutationProfile)
	if len(plan.effective) == 0 {
		return nil, fmt.Errorf("%w: mutation profile skips every step", ErrInvalidWorkflow)
	}
	if err := e.loadGroupTemplates(ctx, wf.MutationProfile, plan.templates); err != nil {
		return nil, err
	}

	// A mutation may carry its own configs and extractors; otherwise it
	// borrows the base workflow's.
	plan.configs, err = e.store.ListVariableConfigs(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load variable configs: %w", err)
	}
	if len(plan.configs) == 0 && ownerID != wf.ID {
		if plan.configs, err = e.store.ListVariableConfigs(ctx, ownerID); err != nil {
			return nil, fmt.Errorf("load variable configs: %w", err)
		}
	}
	extractors, err := e.store.ListExtractors(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load extractors: %w", err)
	}
	if len(extractors) == 0 && ownerID != wf.ID {
		if extractors, err = e.store.ListExtractors(ctx, ownerID); err != nil {
			return nil, fmt.Errorf("load extractors: %w", err)
		}
	}
	if wf.EnableExtractors {
		plan.extractors = make(map[int][]types.ContextExtractor)
		for _, ex := range extractors {
			plan.extractors[ex.StepOrder] = append(plan.extractors[ex.StepOrder], ex)
		}
	}

	if plan.vars, err = e.store.ListVariables(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("load workflow variables: %w", err)
	}
	if plan.mappings, err = e.store.ListMappings(ctx, ownerID); err != nil {
		return nil, fmt.Errorf("load workflow mappings: %w", err)
	}

	accounts, err := e.loadAccounts(ctx, req.AccountIDs)
	if err != nil {
		return nil, err
	}
	plan.accounts = make(map[string]*types.Account, len(accounts))
	for i := range accounts {
		plan.accounts[accounts[i].ID] = &accounts[i]
	}
	if plan.env, err = e.loadEnvironment(ctx, req.EnvironmentID); err != nil {
		return nil, err
	}

	if plan.catalog, err = e.catalog(ctx, plan.configs); err != nil {
		return nil, err
	}
	if err := validateConfigs(plan.configs, stepOrders, plan.catalog); err != nil {
		return nil, err
	}

	plan.diffCfg = diff.FromBaseline(wf.BaselineComparison, e.cfg.PreviewLength)
	return plan, nil
}

// planStep resolves the request text a step replays. Snapshot mode never
// falls back to the live template.
func (e *Engine) planStep(ctx context.Context, wf *types.Workflow, s types.Step, templates map[string]*types.RequestTemplate) (plannedStep, error) {
	ps := plannedStep{Step: s}
	if s.TemplateID != "" {
		tmpl, ok := templates[s.TemplateID]
		if !ok {
			t, err := e.store.GetTemplate(ctx, s.TemplateID)
			if err != nil {
				if wf.TemplateMode != types.TemplateModeSnapshot {
					return ps, fmt.Errorf("%w: step %d template %s: %v", ErrInvalidWorkflow, s.StepOrder, s.TemplateID, err)
				}
			} else {
				tmpl = t
				templates[t.ID] = t
			}
		}
		ps.Template = tmpl
	}

	if wf.TemplateMode == types.TemplateModeSnapshot {
		if s.RequestSnapshotRaw == "" {
			return ps, fmt.Errorf("%w: step %d", ErrSnapshotMissing, s.StepOrder)
		}
		ps.Raw = s.RequestSnapshotRaw
		return ps, nil
	}
	switch {
	case ps.Template != nil:
		ps.Raw = ps.Template.RawRequest
	case s.RequestSnapshotRaw != "":
		ps.Raw = s.RequestSnapshotRaw
	default:
		return ps, fmt.Errorf("%w: step %d has neither template nor snapshot", ErrInvalidWorkflow, s.StepOrder)
	}
	return ps, nil
}

func (e *Engine) loadGroupTemplates(ctx context.Context, profile *types.MutationProfile, templates map[string]*types.RequestTemplate) error {
	if profile == nil {
		return nil
	}
	for _, g := range profile.ParallelGroups {
		for _, extra := range g.Extras {
			if extra.RawRequest != "" || extra.TemplateID == "" {
				continue
			}
			if _, ok := templates[extra.TemplateID]; ok {
				continue
			}
			t, err := e.store.GetTemplate(ctx, extra.TemplateID)
			if err != nil {
				return fmt.Errorf("%w: parallel extra template %s: %v", ErrInvalidWorkflow, extra.TemplateID, err)
			}
			templates[t.ID] = t
		}
	}
	return nil
}

// runCombination executes one combination end to end. A nil return means the
// combination completed, whether or not it produced a finding.
func (e *Engine) runCombination(ctx context.Context, state *runState, plan *workflowPlan, combo types.ValueCombination, mainPool, basePool *pool.Pool, baselineWanted bool) error {
	wf := plan.workflow

	var baseline []types.StepExecution
	if baselineWanted && combo.AttackerID != "" {
		basePool.Reset()
		bp, err := e.newPass(plan, plan.steps, attackerOwnCombination(combo, plan), nil, basePool)
		if err != nil {
			return err
		}
		execs, err := bp.run(ctx)
		if err == nil {
			err = checkComplete(execs, len(plan.steps))
		}
		if err != nil || !allClean(execs) || !EvaluateStrategy(wf.AssertionStrategy, wf.CriticalStepOrders, execs) {
			reason := "baseline not clean"
			if err != nil {
				reason = err.Error()
			}
			state.warn(fmt.Sprintf("combination %d skipped: baseline pass failed: %s", combo.Index, reason))
			e.metrics.RecordCombination("skipped")
			return nil
		}
		baseline = execs
	}

	mainPool.Reset()
	if basePool != nil && baseline != nil && wf.MutationProfile != nil && wf.MutationProfile.ReuseTickets {
		mainPool.CopyFrom(basePool, types.VarFlowTicket)
	}

	p, err := e.newPass(plan, plan.effective, combo, wf.MutationProfile, mainPool)
	if err != nil {
		return err
	}
	execs, err := p.run(ctx)
	if err != nil {
		return err
	}
	if err := checkComplete(execs, len(plan.effective)); err != nil {
		return err
	}

	if !EvaluateStrategy(wf.AssertionStrategy, wf.CriticalStepOrders, execs) {
		e.metrics.RecordCombination("blocked")
		return nil
	}

	var summary string
	if wf.BaselineComparison.Enabled && baseline != nil {
		result := diff.CompareSteps(baseline, execs, plan.diffCfg)
		summary = result.Summary()
		if !result.HasSignificantDiff() {
			state.run.NearMissCount++
			e.logger.Infow("Near miss: positive result without significant diff",
				"test_run_id", state.run.ID,
				"workflow_id", wf.ID,
				"combination", combo.Index,
				"diff", summary,
			)
			e.metrics.RecordCombination("near_miss")
			return nil
		}
	}

	f := &types.Finding{
		TestRunID:     state.run.ID,
		SecurityRunID: state.run.SecurityRunID,
		WorkflowID:    wf.ID,
		Title:         fmt.Sprintf("Authorization bypass in workflow %q", wf.Name),
		Description:   findingDescription(wf, combo),
		Severity:      e.severity(wf.Severity),
		AttackerID:    combo.AttackerID,
		VictimIDs:     combo.VictimIDs,
		Values:        combo.Values,
		Evidence:      execs,
		DiffSummary:   summary,
	}
	return e.persistFinding(ctx, state, f)
}

func (e *Engine) newPass(plan *workflowPlan, steps []plannedStep, combo types.ValueCombination, profile *types.MutationProfile, p *pool.Pool) (*pass, error) {
	ps := &pass{
		e:          e,
		steps:      steps,
		configs:    plan.configs,
		extractors: plan.extractors,
		parseOpts:  parseOptions(plan.env),
		combo:      combo,
		identity:   identityFor(plan.accounts[combo.IdentityAccountID]),
		profile:    profile,
		pool:       p,
		context:    map[string]string{},
		templates:  plan.templates,
	}
	if plan.workflow.EnableSessionJar {
		jar, err := newSessionJar()
		if err != nil {
			return nil, err
		}
		ps.jar = jar
	}
	return ps, nil
}

// attackerOwnCombination rebinds victim-side values to the attacker's own
// account so the baseline pass replays the attacker's legitimate flow.
func attackerOwnCombination(combo types.ValueCombination, plan *workflowPlan) types.ValueCombination {
	attacker, ok := plan.accounts[combo.AttackerID]
	if !ok {
		return combo
	}
	values := make(map[string]string, len(combo.Values))
	for k, v := range combo.Values {
		values[k] = v
	}
	ids := make(map[string]string, len(combo.AccountIDs))
	for k, v := range combo.AccountIDs {
		ids[k] = v
	}
	for _, cfg := range plan.configs {
		if !cfg.IsAccountBound() || cfg.EffectiveRole() == types.RoleAttacker {
			continue
		}
		if v, ok := attacker.Field(cfg.AccountField); ok {
			values[cfg.Name] = v
			ids[cfg.Name] = attacker.ID
		}
	}
	out := combo
	out.Values = values
	out.AccountIDs = ids
	out.VictimIDs = nil
	out.IdentityAccountID = attacker.ID
	return out
}

func identityFor(a *types.Account) map[string]string {
	if a == nil {
		return nil
	}
	out := make(map[string]string, len(a.Fields)+2)
	out["id"] = a.ID
	if a.Name != "" {
		out["name"] = a.Name
	}
	for k, v := range a.Fields {
		out[k] = v
	}
	return out
}

func allClean(execs []types.StepExecution) bool {
	for i := range execs {
		if !execs[i].Clean() {
			return false
		}
	}
	return len(execs) > 0
}

func findingDescription(wf *types.Workflow, combo types.ValueCombination) string {
	desc := fmt.Sprintf("Workflow %q satisfied its %s assertion strategy", wf.Name, wf.AssertionStrategy)
	if combo.AttackerID != "" {
		desc += fmt.Sprintf(" with attacker %s", combo.AttackerID)
	}
	if len(combo.VictimIDs) > 0 {
		desc += fmt.Sprintf(" against victim(s) %v", combo.VictimIDs)
	}
	return desc + "."
}

func (e *Engine) severity(s types.Severity) types.Severity {
	if s != "" {
		return s
	}
	if e.cfg.FindingSeverity != "" {
		return types.Severity(e.cfg.FindingSeverity)
	}
	return types.SeverityHigh
}

// persistFinding runs the gate, then stores the finding unless dropped.
func (e *Engine) persistFinding(ctx context.Context, state *runState, f *types.Finding) error {
	f.Fingerprint = Fingerprint(f)
	decision, err := e.gate.Decide(ctx, f)
	if err != nil {
		return fmt.Errorf("finding gate: %w", err)
	}

	switch decision.Action {
	case ActionDrop:
		state.run.DroppedCount++
		e.logger.LogFinding(ctx, "", f.WorkflowID, string(ActionDrop),
			"template_id", f.TemplateID,
			"rule_id", decision.RuleID,
			"fingerprint", f.Fingerprint,
		)
		e.metrics.RecordFinding(string(ActionDrop))
		return nil
	case ActionSuppress:
		f.IsSuppressed = true
		f.SuppressionRuleID = decision.RuleID
	}

	if err := e.store.CreateFinding(ctx, f); err != nil {
		return fmt.Errorf("persist finding: %w", err)
	}
	if f.IsSuppressed {
		state.run.SuppressedCountRule++
	} else {
		state.run.FindingsCountEffective++
		state.run.Progress.Findings++
	}
	action := decision.Action
	if action == "" {
		action = ActionKeep
	}
	e.logger.LogFinding(ctx, f.ID, f.WorkflowID, string(action),
		"template_id", f.TemplateID,
		"severity", f.Severity,
		"fingerprint", f.Fingerprint,
	)
	e.metrics.RecordFinding(string(action))
	e.metrics.RecordCombination("finding")
	return nil
}
