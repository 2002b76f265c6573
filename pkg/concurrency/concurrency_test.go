package concurrency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// scriptedDispatcher answers the n-th call (0-based) with script[n].
type scriptedDispatcher struct {
	mu     sync.Mutex
	calls  int
	script []func(ctx context.Context) (*types.HTTPResponse, error)
}

func (s *scriptedDispatcher) DoOnce(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error) {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	return s.script[n%len(s.script)](ctx)
}

// byNameDispatcher answers according to the request's X-Task header, so results
// do not depend on scheduling order.
type byNameDispatcher map[string]func(ctx context.Context) (*types.HTTPResponse, error)

func (b byNameDispatcher) DoOnce(ctx context.Context, req *types.ParsedRequest) (*types.HTTPResponse, error) {
	return b[req.Header.Get("X-Task")](ctx)
}

func status(code int) func(context.Context) (*types.HTTPResponse, error) {
	return func(context.Context) (*types.HTTPResponse, error) {
		return &types.HTTPResponse{Status: code}, nil
	}
}

func fail(msg string) func(context.Context) (*types.HTTPResponse, error) {
	return func(context.Context) (*types.HTTPResponse, error) {
		return nil, errors.New(msg)
	}
}

func namedTask(t *testing.T, name string) Task {
	t.Helper()
	req, err := types.NewParsedRequest("GET", "http://api.test/"+name, http.Header{"X-Task": {name}}, "")
	require.NoError(t, err)
	return Task{Name: name, Request: req}
}

func TestRunPreservesTaskOrder(t *testing.T) {
	d := byNameDispatcher{
		"slow": func(context.Context) (*types.HTTPResponse, error) {
			time.Sleep(30 * time.Millisecond)
			return &types.HTTPResponse{Status: 201}, nil
		},
		"fast": status(200),
		"bad":  fail("refused"),
	}
	tasks := []Task{namedTask(t, "slow"), namedTask(t, "fast"), namedTask(t, "bad")}

	results := Run(context.Background(), d, tasks, Options{Barrier: true, Timeout: time.Second})
	require.Len(t, results, 3)

	assert.Equal(t, 0, results[0].Index)
	assert.Equal(t, 201, results[0].Status)
	assert.True(t, results[0].OK)
	assert.Equal(t, 200, results[1].Status)
	assert.True(t, results[2].Synthetic)
	assert.Equal(t, "refused", results[2].Error)
	assert.Equal(t, 0, results[2].Response.Status)
}

func TestRunTimesOutStuckTask(t *testing.T) {
	d := byNameDispatcher{
		"stuck": func(context.Context) (*types.HTTPResponse, error) {
			time.Sleep(time.Second)
			return &types.HTTPResponse{Status: 200}, nil
		},
		"ok": status(200),
	}
	start := time.Now()
	results := Run(context.Background(), d, []Task{namedTask(t, "stuck"), namedTask(t, "ok")}, Options{Timeout: 40 * time.Millisecond})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, results[0].Synthetic)
	assert.Contains(t, results[0].Error, ErrTimeout.Error())
	assert.True(t, results[1].OK)
}

func TestRunRecoversPanics(t *testing.T) {
	d := byNameDispatcher{
		"boom": func(context.Context) (*types.HTTPResponse, error) { panic("kaboom") },
		"ok":   status(204),
	}
	results := Run(context.Background(), d, []Task{namedTask(t, "boom"), namedTask(t, "ok")}, Options{})
	assert.True(t, results[0].Synthetic)
	assert.Contains(t, results[0].Error, "kaboom")
	assert.True(t, results[1].OK)
}

func TestBarrierReleasesTogether(t *testing.T) {
	var inFlight, peak atomic.Int32
	hold := func(context.Context) (*types.HTTPResponse, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &types.HTTPResponse{Status: 200}, nil
	}
	d := &scriptedDispatcher{script: []func(context.Context) (*types.HTTPResponse, error){hold}}
	req := namedTask(t, "x").Request

	report, resp := Replay(context.Background(), d, req, 5, types.PrimaryFirst, Options{Barrier: true, Timeout: time.Second})
	assert.Equal(t, 5, report.SuccessCount)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(5), peak.Load())
}

func TestReplayFirstSuccess(t *testing.T) {
	// Dispatch order is not deterministic, so answers are keyed by task name.
	tasks := []Task{namedTask(t, "t0"), namedTask(t, "t1"), namedTask(t, "t2")}
	byName := byNameDispatcher{"t0": fail("reset"), "t1": status(200), "t2": status(500)}
	results := Run(context.Background(), byName, tasks, Options{Barrier: true, Timeout: time.Second})

	report := Report(types.ConcurrencyReplay, results, PickPrimary(results, types.PrimaryFirstSuccess))
	assert.Equal(t, 1, report.PrimaryIndex)
	assert.Equal(t, 1, report.SuccessCount)
	assert.Equal(t, 2, report.FailureCount)
	assert.Equal(t, 200, Primary(report).Status)
}

func TestPickPrimary(t *testing.T) {
	ok := types.TaskResult{OK: true, Status: 200}
	bad := types.TaskResult{Status: 403}
	synth := types.TaskResult{Synthetic: true}

	tests := []struct {
		name    string
		results []types.TaskResult
		policy  types.PrimaryPolicy
		want    int
	}{
		{"first ignores outcome", []types.TaskResult{synth, ok}, types.PrimaryFirst, 0},
		{"empty policy means first", []types.TaskResult{bad, ok}, "", 0},
		{"first_success picks 2xx", []types.TaskResult{bad, synth, ok}, types.PrimaryFirstSuccess, 2},
		{"first_success falls back to responded", []types.TaskResult{synth, bad}, types.PrimaryFirstSuccess, 1},
		{"first_success none", []types.TaskResult{synth, synth}, types.PrimaryFirstSuccess, NoPrimary},
		{"majority reached", []types.TaskResult{bad, ok, ok}, types.PrimaryMajoritySuccess, 1},
		{"majority not reached", []types.TaskResult{synth, bad, ok, synth}, types.PrimaryMajoritySuccess, 1},
		{"exactly half is not majority", []types.TaskResult{bad, ok}, types.PrimaryMajoritySuccess, 0},
		{"no results", nil, types.PrimaryFirst, NoPrimary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PickPrimary(tt.results, tt.policy))
		})
	}
}

func TestPrimaryAllFailed(t *testing.T) {
	report := Report(types.ConcurrencyReplay, []types.TaskResult{{Synthetic: true}}, NoPrimary)
	resp := Primary(report)
	require.NotNil(t, resp)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, "all concurrent tasks failed", resp.Error)
}

func TestGroupAnchorIsPrimary(t *testing.T) {
	d := byNameDispatcher{
		"anchor": status(403),
		"side-a": status(200),
		"side-b": fail("dial"),
	}
	report, resp := Group(context.Background(), d, namedTask(t, "anchor"),
		[]Task{namedTask(t, "side-a"), namedTask(t, "side-b")}, Options{Barrier: true, Timeout: time.Second})

	assert.Equal(t, types.ConcurrencyGroup, report.Kind)
	assert.Equal(t, 0, report.PrimaryIndex)
	assert.Equal(t, 403, resp.Status)
	assert.Equal(t, 1, report.SuccessCount)
	assert.Equal(t, 2, report.FailureCount)
	assert.Equal(t, "side-b", report.Tasks[2].Name)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := byNameDispatcher{"x": func(ctx context.Context) (*types.HTTPResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	results := Run(ctx, d, []Task{namedTask(t, "x")}, Options{Barrier: true})
	assert.True(t, results[0].Synthetic)
}
