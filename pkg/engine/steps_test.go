package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

func stepExec(order int, clean bool) types.StepExecution {
	e := types.StepExecution{
		StepOrder:        order,
		Executed:         true,
		Response:         &types.HTTPResponse{Status: 200},
		AssertionsPassed: true,
	}
	if !clean {
		e.FailureMatched = true
	}
	return e
}

func TestEvaluateStrategy(t *testing.T) {
	mixed := []types.StepExecution{stepExec(1, true), stepExec(2, false), stepExec(3, true)}
	allClean := []types.StepExecution{stepExec(1, true), stepExec(2, true)}
	noneClean := []types.StepExecution{stepExec(1, false), stepExec(2, false)}

	tests := []struct {
		name     string
		strategy types.AssertionStrategy
		critical []int
		execs    []types.StepExecution
		want     bool
	}{
		{"any with one clean", types.StrategyAnyStepPass, nil, mixed, true},
		{"any with none clean", types.StrategyAnyStepPass, nil, noneClean, false},
		{"unset behaves as any", "", nil, mixed, true},
		{"all with a failure", types.StrategyAllStepsPass, nil, mixed, false},
		{"all clean", types.StrategyAllStepsPass, nil, allClean, true},
		{"last clean", types.StrategyLastStepPass, nil, mixed, true},
		{"last failed", types.StrategyLastStepPass, nil, []types.StepExecution{stepExec(1, true), stepExec(2, false)}, false},
		{"specific all clean", types.StrategySpecificSteps, []int{1, 3}, mixed, true},
		{"specific one failed", types.StrategySpecificSteps, []int{2, 3}, mixed, false},
		{"specific never executed", types.StrategySpecificSteps, []int{9}, mixed, false},
		{"specific without list falls back to any", types.StrategySpecificSteps, nil, mixed, true},
		{"no executions", types.StrategyAnyStepPass, nil, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateStrategy(tt.strategy, tt.critical, tt.execs))
		})
	}
}

func TestEvaluateStrategyAllStepsRequiresEveryStep(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for bad := 0; bad < n; bad++ {
			execs := make([]types.StepExecution, n)
			for i := range execs {
				execs[i] = stepExec(i+1, i != bad)
			}
			assert.False(t, EvaluateStrategy(types.StrategyAllStepsPass, nil, execs), "n=%d bad=%d", n, bad)
		}
	}
}

func TestEffectiveSteps(t *testing.T) {
	steps := []plannedStep{
		{Step: types.Step{StepOrder: 1}},
		{Step: types.Step{StepOrder: 2}},
		{Step: types.Step{StepOrder: 3}},
	}
	orders := func(ps []plannedStep) []int {
		out := make([]int, len(ps))
		for i, p := range ps {
			out[i] = p.Step.StepOrder
		}
		return out
	}

	assert.Equal(t, []int{1, 2, 3}, orders(effectiveSteps(steps, nil)))
	assert.Equal(t, []int{1, 3, 3, 3}, orders(effectiveSteps(steps, &types.MutationProfile{
		SkipSteps:   []int{2},
		RepeatSteps: []types.RepeatStep{{StepOrder: 3, Times: 3}},
	})))
	assert.Equal(t, []int{1, 2, 3}, orders(effectiveSteps(steps, &types.MutationProfile{
		RepeatSteps: []types.RepeatStep{{StepOrder: 2, Times: 0}},
	})))
}

func TestCheckComplete(t *testing.T) {
	require.NoError(t, checkComplete([]types.StepExecution{stepExec(1, true), stepExec(2, false)}, 2))
	assert.Error(t, checkComplete([]types.StepExecution{stepExec(1, true)}, 2))

	noResponse := stepExec(2, true)
	noResponse.Response = &types.HTTPResponse{Error: "connection refused"}
	assert.ErrorContains(t, checkComplete([]types.StepExecution{stepExec(1, true), noResponse}, 2), "status 0")

	skipped := stepExec(1, true)
	skipped.Executed = false
	assert.ErrorContains(t, checkComplete([]types.StepExecution{skipped}, 1), "not executed")
}

func TestAttackerOwnCombination(t *testing.T) {
	plan := &workflowPlan{
		accounts: map[string]*types.Account{
			"a": {ID: "a", Fields: map[string]string{"user_id": "alice"}},
			"v": {ID: "v", Fields: map[string]string{"user_id": "victor"}},
		},
		configs: []types.VariableConfig{
			{Name: "user", DataSource: types.SourceAccountField, AccountField: "user_id", Role: types.RoleVictim},
			{Name: "page", DataSource: types.SourceLiteral, Values: []string{"1"}},
		},
	}
	combo := types.ValueCombination{
		Values:            map[string]string{"user": "victor", "page": "1"},
		AccountIDs:        map[string]string{"user": "v"},
		AttackerID:        "a",
		VictimIDs:         []string{"v"},
		IdentityAccountID: "a",
	}

	own := attackerOwnCombination(combo, plan)
	assert.Equal(t, "alice", own.Values["user"])
	assert.Equal(t, "1", own.Values["page"])
	assert.Equal(t, "a", own.AccountIDs["user"])
	assert.Empty(t, own.VictimIDs)
	assert.Equal(t, "victor", combo.Values["user"], "input combination must not change")
}
