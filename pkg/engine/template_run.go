package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/combination"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/rawhttp"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// TemplateRequest names what ExecuteTemplateRun should run.
type TemplateRequest struct {
	TestRunID     string
	TemplateIDs   []string
	AccountIDs    []string
	EnvironmentID string
	SecurityRunID string
}

type templatePlan struct {
	template *types.RequestTemplate
	configs  []types.VariableConfig
	combos   combination.Result
}

// ExecuteTemplateRun replays each template once per combination. A response
// that matches none of the template's failure patterns and passes its
// assertions is a finding.
func (e *Engine) ExecuteTemplateRun(ctx context.Context, req TemplateRequest) (outcome RunOutcome, err error) {
	start := time.Now()
	ctx, span := e.logger.StartOperation(ctx, "engine.ExecuteTemplateRun",
		"test_run_id", req.TestRunID,
		"templates", len(req.TemplateIDs),
	)
	defer func() {
		e.logger.FinishOperation(ctx, span, "engine.ExecuteTemplateRun", start, err,
			"status", outcome.Status,
			"findings", outcome.FindingsCount,
		)
	}()
	log := e.logger.WithRunID(req.TestRunID)

	state := e.startRun(ctx, req.TestRunID, types.RunKindTemplate)
	state.run.TemplateIDs = req.TemplateIDs
	state.run.AccountIDs = req.AccountIDs
	state.run.EnvironmentID = req.EnvironmentID
	state.run.SecurityRunID = req.SecurityRunID
	state.report(ctx)

	plans, env, err := e.loadTemplatePlans(ctx, req, state)
	if err != nil {
		status := types.RunStatusFailed
		if errors.Is(err, ErrValidation) {
			status = types.RunStatusValidationFailed
		}
		return state.fail(ctx, status, err)
	}

	for _, tp := range plans {
		state.run.Progress.Total += len(tp.combos.Combinations)
	}
	state.report(ctx)
	log.Infow("Template run started", "templates", len(plans), "combinations", state.run.Progress.Total)

	opts := parseOptions(env)
	for _, tp := range plans {
		state.run.Progress.CurrentTemplate = tp.template.Name
		state.report(ctx)

		step := plannedStep{
			Step:     types.Step{Name: tp.template.Name, TemplateID: tp.template.ID},
			Template: tp.template,
			Raw:      tp.template.RawRequest,
		}
		for _, combo := range tp.combos.Combinations {
			if ctx.Err() != nil {
				break
			}
			cerr := e.runTemplateCombination(ctx, state, tp, step, combo, opts)
			state.run.Progress.Completed++
			if cerr != nil {
				state.combinationError(combo.Index, fmt.Errorf("template %s: %w", tp.template.Name, cerr))
			} else {
				state.succeeded++
			}
			state.report(ctx)
		}
	}

	if ctx.Err() != nil {
		outcome, err = state.fail(context.WithoutCancel(ctx), types.RunStatusFailed, ctx.Err())
		log.Warnw("Template run cancelled", "completed", state.run.Progress.Completed, "error", err)
		return outcome, err
	}
	outcome = state.complete(ctx)
	log.Infow("Template run finished",
		"status", outcome.Status,
		"findings", outcome.FindingsCount,
		"errors", outcome.ErrorsCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return outcome, nil
}

func (e *Engine) loadTemplatePlans(ctx context.Context, req TemplateRequest, state *runState) ([]templatePlan, *types.Environment, error) {
	ids := unique(req.TemplateIDs)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w: no templates selected", ErrValidation)
	}
	templates, err := e.store.ListTemplates(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load templates: %v", ErrInvalidWorkflow, err)
	}
	accounts, err := e.loadAccounts(ctx, req.AccountIDs)
	if err != nil {
		return nil, nil, err
	}
	env, err := e.loadEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, nil, err
	}

	plans := make([]templatePlan, 0, len(templates))
	for i := range templates {
		tmpl := &templates[i]
		if tmpl.RawRequest == "" {
			return nil, nil, fmt.Errorf("%w: template %s has no request text", ErrInvalidWorkflow, tmpl.ID)
		}
		configs, err := e.store.ListVariableConfigs(ctx, tmpl.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("load variable configs for template %s: %w", tmpl.ID, err)
		}
		cat, err := e.catalog(ctx, configs)
		if err != nil {
			return nil, nil, err
		}
		if err := validateConfigs(configs, nil, cat); err != nil {
			return nil, nil, fmt.Errorf("template %s: %w", tmpl.Name, err)
		}
		if len(tmpl.FailurePatterns) == 0 && len(tmpl.Assertions) == 0 {
			state.warn(fmt.Sprintf("template %s has no failure patterns or assertions; every response is reported", tmpl.Name))
		}

		gen := combination.Generate(configs, accounts, tmpl.AccountBindingStrategy, combination.Options{
			AttackerAccountID: tmpl.AttackerAccountID,
			Max:               e.cfg.MaxCombinations,
			Catalog:           cat,
		})
		for _, w := range gen.Warnings {
			state.warn(fmt.Sprintf("template %s: %s", tmpl.Name, w))
		}
		if gen.FallbackReason != "" {
			state.warn(fmt.Sprintf("template %s: anchor_attacker fell back to independent: %s", tmpl.Name, gen.FallbackReason))
		}
		if gen.Truncated {
			state.warn(fmt.Sprintf("template %s: combinations capped at %d", tmpl.Name, e.cfg.MaxCombinations))
		}
		plans = append(plans, templatePlan{template: tmpl, configs: configs, combos: gen})
	}
	return plans, env, nil
}

func (e *Engine) runTemplateCombination(ctx context.Context, state *runState, tp templatePlan, step plannedStep, combo types.ValueCombination, opts rawhttp.Options) error {
	p := &pass{
		e:         e,
		steps:     []plannedStep{step},
		configs:   tp.configs,
		parseOpts: opts,
		combo:     combo,
		context:   map[string]string{},
	}
	execs, err := p.run(ctx)
	if err != nil {
		return err
	}
	if err := checkComplete(execs, 1); err != nil {
		return err
	}
	if !execs[0].Clean() {
		e.metrics.RecordCombination("blocked")
		return nil
	}

	tmpl := tp.template
	f := &types.Finding{
		TestRunID:     state.run.ID,
		SecurityRunID: state.run.SecurityRunID,
		TemplateID:    tmpl.ID,
		Title:         fmt.Sprintf("Authorization bypass in template %q", tmpl.Name),
		Description:   fmt.Sprintf("Request %q was accepted: no failure pattern matched and every assertion passed.", tmpl.Name),
		Severity:      e.severity(tmpl.Severity),
		AttackerID:    combo.AttackerID,
		VictimIDs:     combo.VictimIDs,
		Values:        combo.Values,
		Evidence:      execs,
	}
	return e.persistFinding(ctx, state, f)
}
