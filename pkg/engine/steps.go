package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/assertion"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/concurrency"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/pool"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/rawhttp"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// plannedStep is a step with its request text resolved once at load time.
type plannedStep struct {
	Step     types.Step
	Template *types.RequestTemplate
	Raw      string
}

// effectiveSteps applies a mutation profile: skipped orders are dropped and
// repeated orders appear Times times in a row.
func effectiveSteps(steps []plannedStep, profile *types.MutationProfile) []plannedStep {
	if profile == nil {
		return steps
	}
	skip := make(map[int]bool, len(profile.SkipSteps))
	for _, o := range profile.SkipSteps {
		skip[o] = true
	}
	repeat := make(map[int]int, len(profile.RepeatSteps))
	for _, r := range profile.RepeatSteps {
		repeat[r.StepOrder] = r.Times
	}

	out := make([]plannedStep, 0, len(steps))
	for _, s := range steps {
		if skip[s.Step.StepOrder] {
			continue
		}
		times := max(repeat[s.Step.StepOrder], 1)
		for i := 0; i < times; i++ {
			out = append(out, s)
		}
	}
	return out
}

// EvaluateStrategy applies the workflow-level assertion strategy.
func EvaluateStrategy(strategy types.AssertionStrategy, critical []int, execs []types.StepExecution) bool {
	if len(execs) == 0 {
		return false
	}
	switch strategy {
	case types.StrategyAllStepsPass:
		for i := range execs {
			if !execs[i].Clean() {
				return false
			}
		}
		return true
	case types.StrategyLastStepPass:
		return execs[len(execs)-1].Clean()
	case types.StrategySpecificSteps:
		if len(critical) > 0 {
			want := make(map[int]bool, len(critical))
			for _, o := range critical {
				want[o] = true
			}
			seen := 0
			for i := range execs {
				if !want[execs[i].StepOrder] {
					continue
				}
				if !execs[i].Clean() {
					return false
				}
				seen++
			}
			return seen > 0
		}
	}
	for i := range execs {
		if execs[i].Clean() {
			return true
		}
	}
	return false
}

// checkComplete enforces that every planned step ran and got a response.
func checkComplete(execs []types.StepExecution, planned int) error {
	if len(execs) != planned {
		return fmt.Errorf("incomplete execution: %d of %d steps recorded", len(execs), planned)
	}
	for i := range execs {
		if !execs[i].Executed {
			return fmt.Errorf("incomplete execution: step %d not executed", execs[i].StepOrder)
		}
		if !execs[i].Response.Responded() {
			return fmt.Errorf("incomplete execution: step %d has status 0", execs[i].StepOrder)
		}
	}
	return nil
}

// pass replays one step sequence for one combination. It owns its pool,
// session jar and workflow context for its lifetime.
type pass struct {
	e          *Engine
	steps      []plannedStep
	configs    []types.VariableConfig
	extractors map[int][]types.ContextExtractor
	parseOpts  rawhttp.Options
	combo      types.ValueCombination
	identity   map[string]string
	profile    *types.MutationProfile
	pool       *pool.Pool
	jar        *sessionJar
	context    map[string]string
	templates  map[string]*types.RequestTemplate
}

// run executes every step in order and stops at the first step that fails
// to produce a response.
func (p *pass) run(ctx context.Context) ([]types.StepExecution, error) {
	execs := make([]types.StepExecution, 0, len(p.steps))
	for i, ps := range p.steps {
		if err := ctx.Err(); err != nil {
			return execs, err
		}
		exec, err := p.step(ctx, i, ps)
		execs = append(execs, exec)
		if err != nil {
			return execs, err
		}
	}
	return execs, nil
}

func (p *pass) step(ctx context.Context, position int, ps plannedStep) (types.StepExecution, error) {
	order := ps.Step.StepOrder
	exec := types.StepExecution{
		Position:  position,
		StepOrder: order,
		StepName:  ps.Step.Name,
	}
	if ps.Template != nil {
		exec.TemplateID = ps.Template.ID
	}

	req, err := p.buildRequest(order, ps.Raw)
	if err != nil {
		exec.Error = err.Error()
		return exec, fmt.Errorf("step %d: %w", order, err)
	}
	exec.Request = req.Record()

	var resp *types.HTTPResponse
	poolWrite, sideEffects := true, true
	switch {
	case p.profile.ConcurrentFor(order) != nil:
		cr := p.profile.ConcurrentFor(order)
		n := max(cr.Concurrency, 1)
		exec.Concurrency, resp = concurrency.Replay(ctx, p.e.dispatcher, req, n, cr.PickPrimary, concurrency.Options{
			Barrier: cr.BarrierEnabled,
			Timeout: p.e.taskTimeout(cr.TimeoutMs),
		})
		sideEffects = cr.WriteBack
	case p.profile.GroupFor(order) != nil:
		g := p.profile.GroupFor(order)
		extras, err := p.groupExtras(g)
		if err != nil {
			exec.Error = err.Error()
			return exec, fmt.Errorf("step %d: %w", order, err)
		}
		exec.Concurrency, resp = concurrency.Group(ctx, p.e.dispatcher,
			concurrency.Task{Name: fmt.Sprintf("step-%d", order), Request: req},
			extras,
			concurrency.Options{Barrier: g.BarrierEnabled, Timeout: p.e.taskTimeout(g.TimeoutMs)},
		)
		poolWrite = g.WritePolicy != types.GroupWriteNone
		sideEffects = g.WriteBack
	default:
		start := time.Now()
		resp, err = p.e.dispatcher.Do(ctx, req)
		if err != nil {
			exec.Error = err.Error()
			exec.Response = &types.HTTPResponse{Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
			return exec, fmt.Errorf("step %d: %w", order, err)
		}
	}

	exec.Response = resp
	exec.Executed = true
	if !resp.Responded() {
		exec.Error = resp.Error
		return exec, fmt.Errorf("step %d: no response: %s", order, resp.Error)
	}

	patterns, logic := assertion.Patterns(&ps.Step, ps.Template)
	exec.FailureMatched = assertion.MatchFailure(resp, patterns, logic)
	checks := ps.Step.Assertions
	if len(checks) == 0 && ps.Template != nil {
		checks = ps.Template.Assertions
	}
	result := assertion.Evaluate(resp, checks)
	exec.AssertionsPassed = result.Passed
	exec.AssertionFailures = result.Failures

	clean := exec.Clean()
	if poolWrite && p.pool != nil {
		p.pool.ExtractFromResponse(order, resp, clean)
	}
	if sideEffects && clean {
		runExtractors(p.extractors[order], resp, p.context)
		p.jar.absorb(req, resp)
	}
	return exec, nil
}

// buildRequest assembles the outgoing request for a step: placeholders,
// variable-config targets, session cookies, then pool injection.
func (p *pass) buildRequest(order int, raw string) (*types.ParsedRequest, error) {
	values := make(map[string]string, len(p.context)+len(p.combo.Values))
	for k, v := range p.context {
		values[k] = v
	}
	for k, v := range p.combo.Values {
		values[k] = v
	}

	req, err := rawhttp.Parse(rawhttp.ReplacePlaceholders(raw, values), p.parseOpts)
	if err != nil {
		return nil, err
	}

	for _, cfg := range p.configs {
		value, ok := p.configValue(cfg)
		if !ok {
			continue
		}
		for _, t := range cfg.Targets {
			if t.StepOrder != order {
				continue
			}
			if err := rawhttp.Set(req, t.Location, value); err != nil {
				p.e.logger.Debugw("Variable target skipped",
					"variable", cfg.Name,
					"step_order", order,
					"location", t.Location.String(),
					"error", err,
				)
			}
		}
	}

	p.jar.apply(req)

	var identity map[string]string
	if p.profile.Swaps(order) {
		identity = p.identity
	}
	if p.pool != nil {
		p.pool.InjectIntoRequest(order, req, identity)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *pass) configValue(cfg types.VariableConfig) (string, bool) {
	if cfg.DataSource == types.SourceWorkflowContext {
		key := cfg.ContextKey
		if key == "" {
			key = cfg.Name
		}
		v, ok := p.context[key]
		return v, ok
	}
	v, ok := p.combo.Values[cfg.Name]
	return v, ok
}

func (p *pass) groupExtras(g *types.ParallelGroup) ([]concurrency.Task, error) {
	values := make(map[string]string, len(p.context)+len(p.combo.Values))
	for k, v := range p.context {
		values[k] = v
	}
	for k, v := range p.combo.Values {
		values[k] = v
	}

	tasks := make([]concurrency.Task, 0, len(g.Extras))
	for i, extra := range g.Extras {
		raw := extra.RawRequest
		if raw == "" {
			tmpl, ok := p.templates[extra.TemplateID]
			if !ok {
				return nil, fmt.Errorf("%w: parallel extra %q references unknown template %q", ErrInvalidWorkflow, extra.Name, extra.TemplateID)
			}
			raw = tmpl.RawRequest
		}
		req, err := rawhttp.Parse(rawhttp.ReplacePlaceholders(raw, values), p.parseOpts)
		if err != nil {
			return nil, fmt.Errorf("parallel extra %q: %w", extra.Name, err)
		}
		p.jar.apply(req)
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("parallel extra %q: %w", extra.Name, err)
		}
		name := extra.Name
		if name == "" {
			name = fmt.Sprintf("extra-%d", i)
		}
		tasks = append(tasks, concurrency.Task{Name: name, Request: req})
	}
	return tasks, nil
}

func (e *Engine) taskTimeout(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if e.cfg.ConcurrencyTimeout > 0 {
		return e.cfg.ConcurrencyTimeout
	}
	return concurrency.DefaultTimeout
}

func parseOptions(env *types.Environment) rawhttp.Options {
	if env == nil {
		return rawhttp.Options{}
	}
	return rawhttp.Options{BaseURL: env.BaseURL, Headers: env.Headers}
}
