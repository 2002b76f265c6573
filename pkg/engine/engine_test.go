package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/config"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/database"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/learning"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/replay"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	store, err := database.NewStore(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "engine.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *database.Store, server *httptest.Server, opts ...Option) *Engine {
	t.Helper()
	cfg := replay.DefaultConfig()
	cfg.MaxRetries = 0
	cfg.Timeout = 2 * time.Second
	d := replay.New(server.Client(), nil, cfg, nil, nil)
	return New(store, d, config.EngineConfig{
		MaxCombinations: 50,
		MaxRunErrors:    10,
		PreviewLength:   200,
	}, logger.NewNop(), opts...)
}

// ordersAPI serves GET /orders?user=<id> to anyone holding a known token,
// without checking ownership.
func ordersAPI(t *testing.T) *httptest.Server {
	t.Helper()
	tokens := map[string]string{"tok-a": "alice", "tok-v": "victor"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tokens[r.Header.Get("X-Token")]; !ok {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"forbidden"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"owner":  r.URL.Query().Get("user"),
			"orders": []int{1, 2},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

type bolaFixture struct {
	base     *types.Workflow
	mutation *types.Workflow
	env      *types.Environment
	accounts []string
}

func seedOrdersWorkflow(t *testing.T, store *database.Store, serverURL string) bolaFixture {
	t.Helper()
	ctx := context.Background()

	alice := &types.Account{ID: "acct-alice", Name: "alice", Fields: map[string]string{"user_id": "alice", "token": "tok-a"}}
	victor := &types.Account{ID: "acct-victor", Name: "victor", Fields: map[string]string{"user_id": "victor", "token": "tok-v"}}
	require.NoError(t, store.Accounts.Create(ctx, alice))
	require.NoError(t, store.Accounts.Create(ctx, victor))

	env := &types.Environment{ID: "env-test", Name: "test", BaseURL: serverURL}
	require.NoError(t, store.Environments.Create(ctx, env))

	base := &types.Workflow{
		ID:                "wf-orders",
		Name:              "orders",
		Type:              types.WorkflowTypeBaseline,
		AssertionStrategy: types.StrategyAllStepsPass,
		TemplateMode:      types.TemplateModeSnapshot,
	}
	require.NoError(t, store.Workflows.Create(ctx, base))
	require.NoError(t, store.Steps.Create(ctx, &types.Step{
		WorkflowID:         base.ID,
		StepOrder:          1,
		Name:               "list orders",
		RequestSnapshotRaw: "GET /orders?user=nobody HTTP/1.1\nHost: shop.example\nX-Token: none\n\n",
		FailurePatterns:    []types.FailurePattern{{Type: types.PatternResponseCode, Operator: types.OpEquals, Value: "403"}},
	}))

	for _, cfg := range []*types.VariableConfig{
		{
			WorkflowID:   base.ID,
			Name:         "token",
			DataSource:   types.SourceAccountField,
			AccountField: "token",
			Role:         types.RoleAttacker,
			Targets:      []types.VariableTarget{{StepOrder: 1, Location: types.MustParseLocation("header.X-Token")}},
		},
		{
			WorkflowID:   base.ID,
			Name:         "user",
			DataSource:   types.SourceAccountField,
			AccountField: "user_id",
			Role:         types.RoleVictim,
			Targets:      []types.VariableTarget{{StepOrder: 1, Location: types.MustParseLocation("query.user")}},
		},
	} {
		require.NoError(t, store.VariableConfigs.Create(ctx, cfg))
	}

	mutation := &types.Workflow{
		ID:                     "wf-orders-bola",
		Name:                   "orders as another user",
		Type:                   types.WorkflowTypeMutation,
		BaseWorkflowID:         base.ID,
		AssertionStrategy:      types.StrategyAllStepsPass,
		AccountBindingStrategy: types.BindingAnchorAttacker,
		AttackerAccountID:      alice.ID,
		EnableBaseline:         true,
		BaselineComparison:     types.BaselineComparison{Enabled: true},
		TemplateMode:           types.TemplateModeSnapshot,
		MutationProfile:        &types.MutationProfile{},
	}
	require.NoError(t, store.Workflows.Create(ctx, mutation))

	return bolaFixture{
		base:     base,
		mutation: mutation,
		env:      env,
		accounts: []string{alice.ID, victor.ID},
	}
}

func TestExecuteWorkflowRunReportsCrossAccountAccess(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	e := newTestEngine(t, store, server)
	ctx := context.Background()

	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-1",
		WorkflowID:    fx.mutation.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: fx.env.ID,
		SecurityRunID: "sec-1",
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Equal(t, 1, out.FindingsCount)
	assert.False(t, out.HasExecutionError)

	run, err := store.GetTestRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, types.RunKindWorkflow, run.Kind)
	assert.Equal(t, 1, run.Progress.Total)
	assert.Equal(t, 1, run.Progress.Completed)
	assert.Equal(t, 1, run.Progress.Findings)
	assert.Equal(t, 100, run.ProgressPercent)
	assert.Equal(t, 1, run.FindingsCountEffective)
	assert.NotNil(t, run.FinishedAt)

	findings, err := store.ListFindings(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	f := findings[0]
	assert.Equal(t, "acct-alice", f.AttackerID)
	assert.Equal(t, []string{"acct-victor"}, f.VictimIDs)
	assert.Equal(t, "victor", f.Values["user"])
	assert.Equal(t, "tok-a", f.Values["token"])
	assert.Equal(t, "sec-1", f.SecurityRunID)
	assert.Equal(t, types.SeverityHigh, f.Severity)
	assert.Contains(t, f.DiffSummary, "step1.owner")
	assert.Len(t, f.Fingerprint, 32)
	require.Len(t, f.Evidence, 1)
	assert.Equal(t, "tok-a", f.Evidence[0].Request.Headers.Get("X-Token"))
	assert.Contains(t, f.Evidence[0].Request.URL, "user=victor")
}

func TestExecuteWorkflowRunNearMiss(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	ctx := context.Background()

	fx.mutation.BaselineComparison.IgnoreFields = []string{"owner"}
	require.NoError(t, store.Workflows.Update(ctx, fx.mutation))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-near",
		WorkflowID:    fx.mutation.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: fx.env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Zero(t, out.FindingsCount)

	run, err := store.GetTestRun(ctx, "run-near")
	require.NoError(t, err)
	assert.Equal(t, 1, run.NearMissCount)
}

func TestExecuteWorkflowRunGateDecisions(t *testing.T) {
	tests := []struct {
		name           string
		action         Action
		wantStored     int
		wantEffective  int
		wantDropped    int
		wantSuppressed int
	}{
		{name: "drop", action: ActionDrop, wantDropped: 1},
		{name: "suppress", action: ActionSuppress, wantStored: 1, wantSuppressed: 1},
		{name: "keep", action: ActionKeep, wantStored: 1, wantEffective: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := ordersAPI(t)
			store := newTestStore(t)
			fx := seedOrdersWorkflow(t, store, server.URL)
			ctx := context.Background()

			gate := GateFunc(func(_ context.Context, f *types.Finding) (Decision, error) {
				assert.NotEmpty(t, f.Fingerprint)
				return Decision{Action: tt.action, RuleID: "rule-7"}, nil
			})
			e := newTestEngine(t, store, server, WithGate(gate))
			out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
				TestRunID:     "run-gate",
				WorkflowID:    fx.mutation.ID,
				AccountIDs:    fx.accounts,
				EnvironmentID: fx.env.ID,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantEffective, out.FindingsCount)

			run, err := store.GetTestRun(ctx, "run-gate")
			require.NoError(t, err)
			assert.Equal(t, tt.wantDropped, run.DroppedCount)
			assert.Equal(t, tt.wantSuppressed, run.SuppressedCountRule)
			assert.Equal(t, tt.wantEffective, run.FindingsCountEffective)

			findings, err := store.ListFindings(ctx, "run-gate")
			require.NoError(t, err)
			require.Len(t, findings, tt.wantStored)
			if tt.action == ActionSuppress {
				assert.True(t, findings[0].IsSuppressed)
				assert.Equal(t, "rule-7", findings[0].SuppressionRuleID)
			}
		})
	}
}

func TestExecuteWorkflowRunSkipsUncleanBaseline(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	ctx := context.Background()

	// The attacker's own token is rejected, so the baseline pass cannot be clean.
	alice, err := store.Accounts.FindByID(ctx, "acct-alice")
	require.NoError(t, err)
	alice.Fields["token"] = "revoked"
	require.NoError(t, store.Accounts.Update(ctx, alice))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-skip",
		WorkflowID:    fx.mutation.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: fx.env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Zero(t, out.FindingsCount)
	assert.Zero(t, out.ErrorsCount)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[len(out.Warnings)-1], "baseline pass failed")
}

func TestExecuteWorkflowRunConfigurationErrors(t *testing.T) {
	server := ordersAPI(t)
	ctx := context.Background()

	t.Run("missing workflow", func(t *testing.T) {
		store := newTestStore(t)
		e := newTestEngine(t, store, server)
		out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{TestRunID: "r", WorkflowID: "nope"})
		require.ErrorIs(t, err, ErrWorkflowNotFound)
		assert.Equal(t, types.RunStatusFailed, out.Status)
		assert.False(t, out.Success)

		run, err := store.GetTestRun(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, types.RunStatusFailed, run.Status)
		assert.Contains(t, run.ErrorMessage, "nope")
	})

	t.Run("mutation of a mutation", func(t *testing.T) {
		store := newTestStore(t)
		fx := seedOrdersWorkflow(t, store, server.URL)
		nested := &types.Workflow{
			ID:             "wf-nested",
			Type:           types.WorkflowTypeMutation,
			BaseWorkflowID: fx.mutation.ID,
		}
		require.NoError(t, store.Workflows.Create(ctx, nested))

		e := newTestEngine(t, store, server)
		out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{TestRunID: "r", WorkflowID: nested.ID})
		require.ErrorIs(t, err, ErrInvalidMutation)
		assert.Equal(t, types.RunStatusFailed, out.Status)
	})

	t.Run("snapshot missing", func(t *testing.T) {
		store := newTestStore(t)
		fx := seedOrdersWorkflow(t, store, server.URL)
		require.NoError(t, store.Steps.Create(ctx, &types.Step{WorkflowID: fx.base.ID, StepOrder: 2, TemplateID: "tmpl-live"}))
		require.NoError(t, store.Templates.Create(ctx, &types.RequestTemplate{
			ID:         "tmpl-live",
			Name:       "live",
			RawRequest: "GET /orders HTTP/1.1\nHost: shop.example\n\n",
		}))

		e := newTestEngine(t, store, server)
		out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
			TestRunID:  "r",
			WorkflowID: fx.mutation.ID,
			AccountIDs: fx.accounts,
		})
		require.ErrorIs(t, err, ErrSnapshotMissing)
		assert.Equal(t, types.RunStatusFailed, out.Status)
	})

	t.Run("unknown account", func(t *testing.T) {
		store := newTestStore(t)
		fx := seedOrdersWorkflow(t, store, server.URL)
		e := newTestEngine(t, store, server)
		out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
			TestRunID:  "r",
			WorkflowID: fx.mutation.ID,
			AccountIDs: []string{"acct-alice", "acct-ghost"},
		})
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, types.RunStatusValidationFailed, out.Status)
	})

	t.Run("target on missing step", func(t *testing.T) {
		store := newTestStore(t)
		fx := seedOrdersWorkflow(t, store, server.URL)
		require.NoError(t, store.VariableConfigs.Create(ctx, &types.VariableConfig{
			WorkflowID: fx.base.ID,
			Name:       "page",
			DataSource: types.SourceLiteral,
			Values:     []string{"1"},
			Targets:    []types.VariableTarget{{StepOrder: 9, Location: types.MustParseLocation("query.page")}},
		}))
		e := newTestEngine(t, store, server)
		out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{TestRunID: "r", WorkflowID: fx.mutation.ID, AccountIDs: fx.accounts})
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, types.RunStatusValidationFailed, out.Status)
	})
}

func TestExecuteWorkflowRunCollectsCombinationErrors(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	ctx := context.Background()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	env := &types.Environment{ID: "env-dead", Name: "dead", BaseURL: deadURL}
	require.NoError(t, store.Environments.Create(ctx, env))

	fx.base.AccountBindingStrategy = types.BindingIndependent
	require.NoError(t, store.Workflows.Update(ctx, fx.base))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-dead",
		WorkflowID:    fx.base.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, out.Status)
	assert.True(t, out.HasExecutionError)
	assert.Equal(t, 4, out.ErrorsCount)

	run, err := store.GetTestRun(ctx, "run-dead")
	require.NoError(t, err)
	assert.Equal(t, 4, run.Progress.Completed)
	assert.Len(t, run.Errors, 4)
}

func TestExecuteTemplateRun(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Environments.Create(ctx, &types.Environment{ID: "env", BaseURL: server.URL}))
	tmpl := &types.RequestTemplate{
		ID:              "tmpl-orders",
		Name:            "orders by token",
		RawRequest:      "GET /orders?user=alice HTTP/1.1\nHost: shop.example\nX-Token: {{token}}\n\n",
		FailurePatterns: []types.FailurePattern{{Type: types.PatternResponseCode, Value: "403"}},
		Assertions:      []types.Assertion{{Target: types.AssertJSONPath, Path: "$.owner", Operator: types.OpEquals, Value: "alice"}},
		Severity:        types.SeverityMedium,
	}
	require.NoError(t, store.Templates.Create(ctx, tmpl))
	require.NoError(t, store.VariableConfigs.Create(ctx, &types.VariableConfig{
		TemplateID: tmpl.ID,
		Name:       "token",
		DataSource: types.SourceLiteral,
		Values:     []string{"tok-v", "guessed", "tok-a"},
	}))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteTemplateRun(ctx, TemplateRequest{
		TestRunID:     "run-tmpl",
		TemplateIDs:   []string{tmpl.ID},
		EnvironmentID: "env",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Equal(t, 2, out.FindingsCount)

	run, err := store.GetTestRun(ctx, "run-tmpl")
	require.NoError(t, err)
	assert.Equal(t, types.RunKindTemplate, run.Kind)
	assert.Equal(t, 3, run.Progress.Total)
	assert.Equal(t, 3, run.Progress.Completed)
	assert.Equal(t, "orders by token", run.Progress.CurrentTemplate)

	findings, err := store.ListFindings(ctx, "run-tmpl")
	require.NoError(t, err)
	require.Len(t, findings, 2)
	for _, f := range findings {
		assert.Equal(t, tmpl.ID, f.TemplateID)
		assert.Equal(t, types.SeverityMedium, f.Severity)
		assert.NotEqual(t, "guessed", f.Values["token"])
	}
}

func TestExecuteTemplateRunUnknownTemplate(t *testing.T) {
	server := ordersAPI(t)
	store := newTestStore(t)
	e := newTestEngine(t, store, server)

	out, err := e.ExecuteTemplateRun(context.Background(), TemplateRequest{TestRunID: "r", TemplateIDs: []string{"missing"}})
	require.ErrorIs(t, err, ErrInvalidWorkflow)
	assert.Equal(t, types.RunStatusFailed, out.Status)

	_, err = e.ExecuteTemplateRun(context.Background(), TemplateRequest{TestRunID: "r2"})
	require.ErrorIs(t, err, ErrValidation)
}

// ticketAPI issues a fresh ticket on /start and accepts /confirm only with
// the latest ticket.
func ticketAPI(t *testing.T) *httptest.Server {
	t.Helper()
	var issued atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/start":
			n := issued.Add(1)
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "session-1", Path: "/"})
			_, _ = fmt.Fprintf(w, `{"ticket":"tkt-%04d-7f3a9c2e"}`, n)
		case "/confirm":
			want := fmt.Sprintf("tkt-%04d-7f3a9c2e", issued.Load())
			c, err := r.Cookie("sid")
			if r.URL.Query().Get("ticket") != want || err != nil || c.Value != "session-1" {
				w.WriteHeader(http.StatusConflict)
				_, _ = w.Write([]byte(`{"error":"stale ticket"}`))
				return
			}
			_, _ = w.Write([]byte(`{"confirmed":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func seedTicketWorkflow(t *testing.T, store *database.Store, serverURL string) *types.Workflow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Environments.Create(ctx, &types.Environment{ID: "env", BaseURL: serverURL}))
	wf := &types.Workflow{
		ID:                "wf-ticket",
		Name:              "checkout",
		Type:              types.WorkflowTypeBaseline,
		AssertionStrategy: types.StrategyAllStepsPass,
		TemplateMode:      types.TemplateModeSnapshot,
		EnableSessionJar:  true,
	}
	require.NoError(t, store.Workflows.Create(ctx, wf))
	conflict := []types.FailurePattern{{Type: types.PatternResponseCode, Value: "409"}}
	require.NoError(t, store.Steps.Create(ctx, &types.Step{
		WorkflowID:         wf.ID,
		StepOrder:          1,
		RequestSnapshotRaw: "POST /start HTTP/1.1\nHost: shop.example\nContent-Type: application/json\n\n{}",
		FailurePatterns:    conflict,
	}))
	require.NoError(t, store.Steps.Create(ctx, &types.Step{
		WorkflowID:         wf.ID,
		StepOrder:          2,
		RequestSnapshotRaw: "GET /confirm?ticket=tkt-0001-7f3a9c2e HTTP/1.1\nHost: shop.example\n\n",
		FailurePatterns:    conflict,
	}))
	return wf
}

func TestLearnApplyAndReplay(t *testing.T) {
	server := ticketAPI(t)
	store := newTestStore(t)
	wf := seedTicketWorkflow(t, store, server.URL)
	e := newTestEngine(t, store, server)
	ctx := context.Background()

	snapshots, err := e.CaptureBaseline(ctx, wf.ID, nil, "env")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	res := e.Learn(ctx, wf.ID, snapshots)
	var ticket *learning.MappingCandidate
	for i := range res.Mappings {
		m := &res.Mappings[i]
		if m.FromLocation.String() == "body.ticket" && m.ToLocation.String() == "query.ticket" {
			ticket = m
		}
	}
	require.NotNil(t, ticket, "expected a ticket mapping, got %+v", res.Mappings)
	assert.Equal(t, 1, ticket.FromStepOrder)
	assert.Equal(t, 2, ticket.ToStepOrder)

	// The snapshot's frozen ticket is stale now, so only pool injection can
	// make step 2 pass.
	applied, err := e.ApplyMappings(ctx, wf.ID, []learning.MappingCandidate{*ticket}, MergeKeepManual)
	require.NoError(t, err)
	assert.Equal(t, 1, applied.VariablesCreated)
	assert.Equal(t, 1, applied.MappingsCreated)

	vars, err := store.ListVariables(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, types.VarSourceLearned, vars[0].Source)

	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{TestRunID: "run-ticket", WorkflowID: wf.ID, EnvironmentID: "env"})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	assert.Equal(t, 1, out.FindingsCount)
}

func TestApplyMappingsPolicies(t *testing.T) {
	server := ticketAPI(t)
	ctx := context.Background()
	candidates := []learning.MappingCandidate{
		{
			VariableName:  "flow.ticket",
			VariableType:  types.VarFlowTicket,
			FromStepOrder: 1,
			FromLocation:  types.MustParseLocation("body.ticket"),
			ToStepOrder:   2,
			ToLocation:    types.MustParseLocation("query.ticket"),
			Confidence:    0.9,
			Reason:        types.ReasonSameValue,
		},
		{
			VariableName:  "obj.order_id",
			VariableType:  types.VarObjectID,
			FromStepOrder: 1,
			FromLocation:  types.MustParseLocation("body.order_id"),
			ToStepOrder:   2,
			ToLocation:    types.MustParseLocation("path.1"),
			Confidence:    0.6,
			Reason:        types.ReasonSameName,
		},
	}

	seed := func(t *testing.T, store *database.Store, wfID string) {
		t.Helper()
		require.NoError(t, store.SaveVariable(ctx, &types.WorkflowVariable{WorkflowID: wfID, Name: "auth.token", Type: types.VarIdentity, Source: types.VarSourceManual}))
		require.NoError(t, store.SaveVariable(ctx, &types.WorkflowVariable{WorkflowID: wfID, Name: "var.old", Type: types.VarGeneric, Source: types.VarSourceLearned}))
		require.NoError(t, store.SaveMapping(ctx, &types.WorkflowMapping{
			WorkflowID:   wfID,
			VariableName: "auth.token",
			ToStepOrder:  2,
			ToLocation:   types.MustParseLocation("header.Authorization"),
			Reason:       types.ReasonManual,
			IsEnabled:    true,
		}))
		require.NoError(t, store.SaveMapping(ctx, &types.WorkflowMapping{
			WorkflowID:   wfID,
			VariableName: "var.old",
			ToStepOrder:  2,
			ToLocation:   types.MustParseLocation("query.old"),
			Reason:       types.ReasonSameName,
			IsEnabled:    true,
		}))
	}

	t.Run("merge keeps manual", func(t *testing.T) {
		store := newTestStore(t)
		wf := seedTicketWorkflow(t, store, server.URL)
		seed(t, store, wf.ID)
		e := newTestEngine(t, store, server)

		res, err := e.ApplyMappings(ctx, wf.ID, candidates, MergeKeepManual)
		require.NoError(t, err)
		assert.Equal(t, ApplyResult{VariablesCreated: 2, MappingsCreated: 2, VariablesRemoved: 1, MappingsRemoved: 1}, res)

		vars, err := store.ListVariables(ctx, wf.ID)
		require.NoError(t, err)
		names := map[string]types.WorkflowVariable{}
		for _, v := range vars {
			names[v.Name] = v
		}
		assert.Contains(t, names, "auth.token")
		assert.NotContains(t, names, "var.old")
		assert.Equal(t, types.WriteOverwrite, names["flow.ticket"].WritePolicy)
		assert.Equal(t, types.WriteFirst, names["obj.order_id"].WritePolicy)

		// Applying the same candidates again replaces the learned rows.
		res, err = e.ApplyMappings(ctx, wf.ID, candidates, MergeKeepManual)
		require.NoError(t, err)
		assert.Equal(t, 2, res.VariablesRemoved)
		mappings, err := store.ListMappings(ctx, wf.ID)
		require.NoError(t, err)
		assert.Len(t, mappings, 3)
	})

	t.Run("replace all", func(t *testing.T) {
		store := newTestStore(t)
		wf := seedTicketWorkflow(t, store, server.URL)
		seed(t, store, wf.ID)
		e := newTestEngine(t, store, server)

		res, err := e.ApplyMappings(ctx, wf.ID, candidates, ReplaceAll)
		require.NoError(t, err)
		assert.Equal(t, ApplyResult{VariablesCreated: 2, MappingsCreated: 2, VariablesRemoved: 2, MappingsRemoved: 2}, res)

		mappings, err := store.ListMappings(ctx, wf.ID)
		require.NoError(t, err)
		assert.Len(t, mappings, 2)
	})

	t.Run("unknown policy", func(t *testing.T) {
		store := newTestStore(t)
		wf := seedTicketWorkflow(t, store, server.URL)
		e := newTestEngine(t, store, server)
		_, err := e.ApplyMappings(ctx, wf.ID, candidates, ApplyPolicy("append"))
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("missing workflow", func(t *testing.T) {
		store := newTestStore(t)
		e := newTestEngine(t, store, server)
		_, err := e.ApplyMappings(ctx, "nope", candidates, ReplaceAll)
		assert.True(t, errors.Is(err, ErrWorkflowNotFound))
	})
}

func TestParseApplyPolicy(t *testing.T) {
	p, err := ParseApplyPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MergeKeepManual, p)

	p, err = ParseApplyPolicy("replace_all")
	require.NoError(t, err)
	assert.Equal(t, ReplaceAll, p)

	_, err = ParseApplyPolicy("merge")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestExecuteWorkflowRunConcurrentReplay(t *testing.T) {
	var hits atomic.Int32
	api := ordersAPI(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		api.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	ctx := context.Background()

	fx.mutation.MutationProfile = &types.MutationProfile{
		ConcurrentReplay: &types.ConcurrentReplay{
			StepOrder:      1,
			Concurrency:    3,
			BarrierEnabled: true,
			PickPrimary:    types.PrimaryFirstSuccess,
		},
	}
	require.NoError(t, store.Workflows.Update(ctx, fx.mutation))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-race",
		WorkflowID:    fx.mutation.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: fx.env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.FindingsCount)
	// One baseline request plus three concurrent copies.
	assert.EqualValues(t, 4, hits.Load())

	findings, err := store.ListFindings(ctx, "run-race")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	report := findings[0].Evidence[0].Concurrency
	require.NotNil(t, report)
	assert.Equal(t, types.ConcurrencyReplay, report.Kind)
	assert.Len(t, report.Tasks, 3)
	assert.Equal(t, 3, report.SuccessCount)
}

// flowAPI issues a fresh ticket on POST /start and accepts GET /confirm only
// with the latest one. /peek always fails and /health always succeeds.
func flowAPI(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var issued atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/start":
			_, _ = fmt.Fprintf(w, `{"ticket":"tkt-%04d"}`, issued.Add(1))
		case "/confirm":
			if r.URL.Query().Get("ticket") != fmt.Sprintf("tkt-%04d", issued.Load()) {
				w.WriteHeader(http.StatusConflict)
				return
			}
			_, _ = w.Write([]byte(`{"confirmed":true}`))
		case "/peek":
			w.WriteHeader(http.StatusInternalServerError)
		case "/health":
			_, _ = w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, &issued
}

// seedFlowWorkflow stores a two-step start/confirm baseline whose step 2
// snapshot holds a stale ticket, plus a flow.ticket mapping between them.
func seedFlowWorkflow(t *testing.T, store *database.Store, serverURL string) *types.Workflow {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Environments.Create(ctx, &types.Environment{ID: "env", BaseURL: serverURL}))
	require.NoError(t, store.Accounts.Create(ctx, &types.Account{ID: "acct-alice", Fields: map[string]string{"token": "tok-a"}}))

	base := &types.Workflow{
		ID:                "wf-flow",
		Type:              types.WorkflowTypeBaseline,
		AssertionStrategy: types.StrategyAllStepsPass,
		TemplateMode:      types.TemplateModeSnapshot,
	}
	require.NoError(t, store.Workflows.Create(ctx, base))
	conflict := []types.FailurePattern{{Type: types.PatternResponseCode, Value: "409"}}
	require.NoError(t, store.Steps.Create(ctx, &types.Step{
		WorkflowID:         base.ID,
		StepOrder:          1,
		RequestSnapshotRaw: "POST /start HTTP/1.1\nHost: shop.example\nContent-Type: application/json\n\n{}",
		FailurePatterns:    conflict,
	}))
	require.NoError(t, store.Steps.Create(ctx, &types.Step{
		WorkflowID:         base.ID,
		StepOrder:          2,
		RequestSnapshotRaw: "GET /confirm?ticket=tkt-stale HTTP/1.1\nHost: shop.example\n\n",
		FailurePatterns:    conflict,
	}))
	require.NoError(t, store.VariableConfigs.Create(ctx, &types.VariableConfig{
		WorkflowID:   base.ID,
		Name:         "token",
		DataSource:   types.SourceAccountField,
		AccountField: "token",
		Role:         types.RoleAttacker,
		Targets:      []types.VariableTarget{{StepOrder: 2, Location: types.MustParseLocation("header.X-Token")}},
	}))
	require.NoError(t, store.SaveVariable(ctx, &types.WorkflowVariable{
		WorkflowID:  base.ID,
		Name:        "flow.ticket",
		Type:        types.VarFlowTicket,
		WritePolicy: types.WriteOverwrite,
		Source:      types.VarSourceManual,
	}))
	require.NoError(t, store.SaveMapping(ctx, &types.WorkflowMapping{
		WorkflowID:    base.ID,
		VariableName:  "flow.ticket",
		FromStepOrder: 1,
		FromLocation:  types.MustParseLocation("body.ticket"),
		ToStepOrder:   2,
		ToLocation:    types.MustParseLocation("query.ticket"),
		Reason:        types.ReasonManual,
		IsEnabled:     true,
	}))
	return base
}

func flowMutation(id string, baseline bool, profile *types.MutationProfile) *types.Workflow {
	return &types.Workflow{
		ID:                     id,
		Type:                   types.WorkflowTypeMutation,
		BaseWorkflowID:         "wf-flow",
		AssertionStrategy:      types.StrategyAllStepsPass,
		AccountBindingStrategy: types.BindingAnchorAttacker,
		AttackerAccountID:      "acct-alice",
		EnableBaseline:         baseline,
		TemplateMode:           types.TemplateModeSnapshot,
		MutationProfile:        profile,
	}
}

func runFlow(t *testing.T, store *database.Store, server *httptest.Server, wf *types.Workflow) RunOutcome {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Workflows.Create(ctx, wf))
	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-" + wf.ID,
		WorkflowID:    wf.ID,
		AccountIDs:    []string{"acct-alice"},
		EnvironmentID: "env",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, out.Status)
	return out
}

func TestExecuteWorkflowRunReuseTickets(t *testing.T) {
	tests := []struct {
		name         string
		reuse        bool
		wantFindings int
	}{
		{name: "tickets carried from baseline", reuse: true, wantFindings: 1},
		{name: "no reuse leaves the frozen ticket", reuse: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, issued := flowAPI(t)
			store := newTestStore(t)
			seedFlowWorkflow(t, store, server.URL)

			out := runFlow(t, store, server, flowMutation("wf-flow-skip", true,
				&types.MutationProfile{SkipSteps: []int{1}, ReuseTickets: tt.reuse}))
			assert.Equal(t, tt.wantFindings, out.FindingsCount)
			// The baseline pass is the only caller of /start.
			assert.EqualValues(t, 1, issued.Load())
		})
	}
}

func TestExecuteWorkflowRunConcurrentReplayFeedsPool(t *testing.T) {
	server, issued := flowAPI(t)
	store := newTestStore(t)
	seedFlowWorkflow(t, store, server.URL)

	// WriteBack is off, so only extractors and the jar are held back; the
	// primary's ticket must still reach step 2.
	out := runFlow(t, store, server, flowMutation("wf-flow-race", false, &types.MutationProfile{
		ConcurrentReplay: &types.ConcurrentReplay{
			StepOrder:   1,
			Concurrency: 1,
			PickPrimary: types.PrimaryFirst,
		},
	}))
	assert.Equal(t, 1, out.FindingsCount)
	assert.EqualValues(t, 1, issued.Load())
}

func TestExecuteWorkflowRunParallelGroups(t *testing.T) {
	peek := types.ParallelExtra{Name: "peek", RawRequest: "GET /peek HTTP/1.1\nHost: shop.example\n\n"}
	health := types.ParallelExtra{Name: "health", RawRequest: "GET /health HTTP/1.1\nHost: shop.example\n\n"}

	tests := []struct {
		name         string
		groups       []types.ParallelGroup
		wantFindings int
	}{
		{
			name:         "failing extra only reports",
			groups:       []types.ParallelGroup{{AnchorStepOrder: 1, Extras: []types.ParallelExtra{peek}, WritePolicy: types.GroupWritePrimaryOnly}},
			wantFindings: 1,
		},
		{
			name:   "write policy none keeps the stale ticket",
			groups: []types.ParallelGroup{{AnchorStepOrder: 1, Extras: []types.ParallelExtra{peek}, WritePolicy: types.GroupWriteNone}},
		},
		{
			name: "passing extra cannot rescue a failing anchor",
			groups: []types.ParallelGroup{
				{AnchorStepOrder: 1, Extras: []types.ParallelExtra{peek}, WritePolicy: types.GroupWriteNone},
				{AnchorStepOrder: 2, Extras: []types.ParallelExtra{health}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := flowAPI(t)
			store := newTestStore(t)
			seedFlowWorkflow(t, store, server.URL)

			wf := flowMutation("wf-flow-group", false, &types.MutationProfile{ParallelGroups: tt.groups})
			out := runFlow(t, store, server, wf)
			assert.Equal(t, tt.wantFindings, out.FindingsCount)
			if tt.wantFindings == 0 {
				return
			}

			findings, err := store.ListFindings(context.Background(), "run-"+wf.ID)
			require.NoError(t, err)
			require.Len(t, findings, 1)
			report := findings[0].Evidence[0].Concurrency
			require.NotNil(t, report)
			assert.Equal(t, types.ConcurrencyGroup, report.Kind)
			assert.Equal(t, 0, report.PrimaryIndex)
			assert.Len(t, report.Tasks, 2)
			assert.Equal(t, 1, report.FailureCount)
		})
	}
}

func TestExecuteWorkflowRunSwapAccountAtSteps(t *testing.T) {
	tests := []struct {
		name         string
		swap         []int
		wantFindings int
	}{
		{name: "identity overlay replaces the stored token", swap: []int{1}, wantFindings: 1},
		{name: "without a swap the stored token is sent", swap: nil},
		{name: "swap at another step leaves step 1 alone", swap: []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := ordersAPI(t)
			store := newTestStore(t)
			fx := seedOrdersWorkflow(t, store, server.URL)
			ctx := context.Background()

			require.NoError(t, store.SaveVariable(ctx, &types.WorkflowVariable{
				WorkflowID:   fx.base.ID,
				Name:         "auth.token",
				Type:         types.VarIdentity,
				CurrentValue: "tok-expired",
				Source:       types.VarSourceManual,
			}))
			require.NoError(t, store.SaveMapping(ctx, &types.WorkflowMapping{
				WorkflowID:   fx.base.ID,
				VariableName: "auth.token",
				ToStepOrder:  1,
				ToLocation:   types.MustParseLocation("header.X-Token"),
				Reason:       types.ReasonManual,
				IsEnabled:    true,
			}))

			fx.mutation.EnableBaseline = false
			fx.mutation.BaselineComparison = types.BaselineComparison{}
			fx.mutation.MutationProfile = &types.MutationProfile{SwapAccountAtSteps: tt.swap}
			require.NoError(t, store.Workflows.Update(ctx, fx.mutation))

			e := newTestEngine(t, store, server)
			out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
				TestRunID:     "run-swap",
				WorkflowID:    fx.mutation.ID,
				AccountIDs:    fx.accounts,
				EnvironmentID: fx.env.ID,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantFindings, out.FindingsCount)
			if tt.wantFindings == 0 {
				return
			}

			findings, err := store.ListFindings(ctx, "run-swap")
			require.NoError(t, err)
			require.Len(t, findings, 1)
			assert.Equal(t, "acct-alice", findings[0].AttackerID)
			assert.Equal(t, []string{"acct-victor"}, findings[0].VictimIDs)
		})
	}
}

func TestExecuteWorkflowRunPartialErrorsAreNotSuccess(t *testing.T) {
	api := ordersAPI(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") == "tok-v" {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		api.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	store := newTestStore(t)
	fx := seedOrdersWorkflow(t, store, server.URL)
	ctx := context.Background()
	fx.base.AccountBindingStrategy = types.BindingIndependent
	require.NoError(t, store.Workflows.Update(ctx, fx.base))

	e := newTestEngine(t, store, server)
	out, err := e.ExecuteWorkflowRun(ctx, WorkflowRequest{
		TestRunID:     "run-partial",
		WorkflowID:    fx.base.ID,
		AccountIDs:    fx.accounts,
		EnvironmentID: fx.env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompletedWithErrors, out.Status)
	assert.False(t, out.Success)
	assert.True(t, out.HasExecutionError)
	// Both combinations sending victor's token drop the connection.
	assert.Equal(t, 2, out.ErrorsCount)
}
