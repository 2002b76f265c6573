package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/combination"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/learning"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/pool"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Learn scores the snapshots of one clean replay and proposes mappings.
func (e *Engine) Learn(ctx context.Context, workflowID string, snapshots []learning.StepSnapshot) learning.Result {
	start := time.Now()
	res := learning.Learn(workflowID, snapshots, learning.Options{MaxCandidatesPerStep: e.cfg.MaxCandidatesPerStep})
	e.logger.LogDuration(ctx, "engine.Learn", start,
		"workflow_id", workflowID,
		"steps", len(res.Steps),
		"mappings", len(res.Mappings),
	)
	return res
}

// CaptureBaseline replays a workflow's own steps once, with the first
// combination and no mutation profile, and returns what learning needs.
func (e *Engine) CaptureBaseline(ctx context.Context, workflowID string, accountIDs []string, environmentID string) ([]learning.StepSnapshot, error) {
	plan, err := e.loadWorkflowPlan(ctx, WorkflowRequest{
		WorkflowID:    workflowID,
		AccountIDs:    accountIDs,
		EnvironmentID: environmentID,
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]types.Account, 0, len(plan.accounts))
	for _, id := range unique(accountIDs) {
		if a, ok := plan.accounts[id]; ok {
			accounts = append(accounts, *a)
		}
	}
	gen := combination.Generate(plan.configs, accounts, plan.workflow.AccountBindingStrategy, combination.Options{
		AttackerAccountID: plan.workflow.AttackerAccountID,
		Max:               1,
		Catalog:           plan.catalog,
	})
	if len(gen.Combinations) == 0 {
		return nil, fmt.Errorf("%w: no combination to capture with", ErrValidation)
	}

	p := pool.New(e.logger)
	if err := p.Load(ctx, e.store, plan.workflow.StepOwnerID()); err != nil {
		return nil, err
	}
	ps, err := e.newPass(plan, plan.steps, gen.Combinations[0], nil, p)
	if err != nil {
		return nil, err
	}
	execs, err := ps.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture baseline: %w", err)
	}
	if err := checkComplete(execs, len(plan.steps)); err != nil {
		return nil, fmt.Errorf("capture baseline: %w", err)
	}

	snapshots := make([]learning.StepSnapshot, 0, len(execs))
	for _, ex := range execs {
		if !ex.Clean() {
			e.logger.Warnw("Captured step is not clean; learned mappings may be incomplete",
				"workflow_id", workflowID,
				"step_order", ex.StepOrder,
				"status", ex.Response.Status,
			)
		}
		req, err := types.NewParsedRequest(ex.Request.Method, ex.Request.URL, ex.Request.Headers, ex.Request.Body)
		if err != nil {
			return nil, fmt.Errorf("capture baseline: step %d: %w", ex.StepOrder, err)
		}
		snapshots = append(snapshots, learning.StepSnapshot{
			StepOrder: ex.StepOrder,
			Request:   req,
			Response:  ex.Response,
		})
	}
	return snapshots, nil
}

type ApplyPolicy string

const (
	// MergeKeepManual replaces learned variables and mappings and keeps
	// manual ones untouched.
	MergeKeepManual ApplyPolicy = "merge_keep_manual"
	ReplaceAll      ApplyPolicy = "replace_all"
)

func ParseApplyPolicy(s string) (ApplyPolicy, error) {
	switch ApplyPolicy(s) {
	case MergeKeepManual, ReplaceAll:
		return ApplyPolicy(s), nil
	case "":
		return MergeKeepManual, nil
	}
	return "", fmt.Errorf("%w: unknown apply policy %q", ErrValidation, s)
}

type ApplyResult struct {
	VariablesCreated int `json:"variables_created"`
	MappingsCreated  int `json:"mappings_created"`
	VariablesRemoved int `json:"variables_removed"`
	MappingsRemoved  int `json:"mappings_removed"`
}

// ApplyMappings persists accepted learning candidates as workflow variables
// and mappings.
func (e *Engine) ApplyMappings(ctx context.Context, workflowID string, candidates []learning.MappingCandidate, policy ApplyPolicy) (res ApplyResult, err error) {
	start := time.Now()
	ctx, span := e.logger.StartOperation(ctx, "engine.ApplyMappings",
		"workflow_id", workflowID,
		"candidates", len(candidates),
		"policy", policy,
	)
	defer func() {
		e.logger.FinishOperation(ctx, span, "engine.ApplyMappings", start, err,
			"variables_created", res.VariablesCreated,
			"mappings_created", res.MappingsCreated,
		)
	}()

	if policy != MergeKeepManual && policy != ReplaceAll {
		return res, fmt.Errorf("%w: unknown apply policy %q", ErrValidation, policy)
	}
	if _, err := e.store.GetWorkflow(ctx, workflowID); err != nil {
		return res, fmt.Errorf("%w: %s: %v", ErrWorkflowNotFound, workflowID, err)
	}

	vars, err := e.store.ListVariables(ctx, workflowID)
	if err != nil {
		return res, fmt.Errorf("load variables: %w", err)
	}
	mappings, err := e.store.ListMappings(ctx, workflowID)
	if err != nil {
		return res, fmt.Errorf("load mappings: %w", err)
	}

	keptVars := map[string]bool{}
	for _, v := range vars {
		if policy == MergeKeepManual && v.Source == types.VarSourceManual {
			keptVars[v.Name] = true
			continue
		}
		if err := e.store.DeleteVariable(ctx, v.ID); err != nil {
			return res, fmt.Errorf("delete variable %s: %w", v.Name, err)
		}
		res.VariablesRemoved++
	}
	keptMappings := map[string]bool{}
	for _, m := range mappings {
		if policy == MergeKeepManual && m.Reason == types.ReasonManual {
			keptMappings[mappingKey(m.VariableName, m.FromStepOrder, m.FromLocation, m.ToStepOrder, m.ToLocation)] = true
			continue
		}
		if err := e.store.DeleteMapping(ctx, m.ID); err != nil {
			return res, fmt.Errorf("delete mapping %s: %w", m.ID, err)
		}
		res.MappingsRemoved++
	}

	for _, c := range candidates {
		if c.VariableName == "" || c.ToLocation.IsZero() {
			continue
		}
		if !keptVars[c.VariableName] {
			v := &types.WorkflowVariable{
				WorkflowID:  workflowID,
				Name:        c.VariableName,
				Type:        c.VariableType,
				Source:      types.VarSourceLearned,
				WritePolicy: writePolicyFor(c.VariableType),
			}
			if err := e.store.SaveVariable(ctx, v); err != nil {
				return res, fmt.Errorf("save variable %s: %w", c.VariableName, err)
			}
			keptVars[c.VariableName] = true
			res.VariablesCreated++
		}

		key := mappingKey(c.VariableName, c.FromStepOrder, c.FromLocation, c.ToStepOrder, c.ToLocation)
		if keptMappings[key] {
			continue
		}
		m := &types.WorkflowMapping{
			WorkflowID:    workflowID,
			VariableName:  c.VariableName,
			FromStepOrder: c.FromStepOrder,
			FromLocation:  c.FromLocation,
			ToStepOrder:   c.ToStepOrder,
			ToLocation:    c.ToLocation,
			Confidence:    c.Confidence,
			Reason:        c.Reason,
			IsEnabled:     true,
		}
		if err := e.store.SaveMapping(ctx, m); err != nil {
			return res, fmt.Errorf("save mapping %s: %w", c.VariableName, err)
		}
		keptMappings[key] = true
		res.MappingsCreated++
	}
	return res, nil
}

// writePolicyFor keeps the latest ticket; everything else keeps its first value.
func writePolicyFor(t types.VariableType) types.WritePolicy {
	if t == types.VarFlowTicket {
		return types.WriteOverwrite
	}
	return types.WriteFirst
}

func mappingKey(name string, from int, fromLoc types.Location, to int, toLoc types.Location) string {
	return fmt.Sprintf("%s|%d|%s|%d|%s", name, from, fromLoc, to, toLoc)
}
