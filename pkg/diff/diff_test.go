package diff

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

func resp(status int, body string) *types.HTTPResponse {
	return &types.HTTPResponse{Status: status, Body: body}
}

func TestCompareModifiedScalar(t *testing.T) {
	res := Compare(resp(200, `{"a":1,"b":2}`), resp(200, `{"a":1,"b":3}`), Config{})

	assert.Empty(t, res.Added)
	assert.Empty(t, res.Removed)
	require.Contains(t, res.Modified, "b")
	assert.Equal(t, json.Number("2"), res.Modified["b"].Baseline)
	assert.Equal(t, json.Number("3"), res.Modified["b"].Mutated)
	assert.Len(t, res.Modified, 1)
	assert.True(t, res.HasSignificantDiff())
}

func TestComparePureAdditionIsNotSignificant(t *testing.T) {
	res := Compare(resp(200, `{"a":1}`), resp(200, `{"a":1,"c":5}`), Config{})
	assert.Equal(t, map[string]any{"c": json.Number("5")}, res.Added)
	assert.False(t, res.HasSignificantDiff())
}

func TestCompareRemovedIsNotSignificantAlone(t *testing.T) {
	res := Compare(resp(200, `{"a":1,"b":{"c":true}}`), resp(200, `{"a":1}`), Config{})
	assert.Contains(t, res.Removed, "b")
	assert.False(t, res.HasSignificantDiff())
}

func TestCompareStatus(t *testing.T) {
	res := Compare(resp(403, `{}`), resp(200, `{}`), Config{})
	assert.True(t, res.StatusChanged)
	assert.Equal(t, 403, res.BaselineStatus)
	assert.Equal(t, 200, res.MutatedStatus)
	assert.True(t, res.HasSignificantDiff())

	res = Compare(resp(200, `{}`), resp(200, `{}`), Config{})
	assert.False(t, res.StatusChanged)
	assert.False(t, res.HasSignificantDiff())
}

func TestCompareStatusFromWorkflowDefaults(t *testing.T) {
	cfg := FromBaseline(types.BaselineComparison{Enabled: true}, 200)
	res := Compare(resp(200, `{"a":1}`), resp(500, `{"a":1}`), cfg)
	assert.True(t, res.StatusChanged)
	assert.True(t, res.HasSignificantDiff())
}

func TestCompareBusinessCode(t *testing.T) {
	cfg := Config{BusinessCodePath: "$.meta.code"}
	res := Compare(resp(200, `{"meta":{"code":"E403"}}`), resp(200, `{"meta":{"code":"OK"}}`), cfg)
	assert.True(t, res.BusinessCodeChanged)
	assert.Equal(t, "E403", res.BaselineCode)
	assert.Equal(t, "OK", res.MutatedCode)
}

func TestCompareIgnoreAndCritical(t *testing.T) {
	cfg := Config{
		IgnoreFields:   []string{"request_id", "meta.ts"},
		CriticalFields: []string{"owner"},
	}
	base := `{"request_id":"r1","meta":{"ts":1},"data":{"owner":"alice","items":[{"owner":"alice"}]}}`
	mut := `{"request_id":"r2","meta":{"ts":2},"data":{"owner":"bob","items":[{"owner":"bob"}]}}`

	res := Compare(resp(200, base), resp(200, mut), cfg)
	assert.NotContains(t, res.Modified, "request_id")
	assert.NotContains(t, res.Modified, "meta.ts")
	assert.Contains(t, res.Modified, "data.owner")
	assert.Contains(t, res.Modified, "data.items[0].owner")
	assert.Len(t, res.CriticalChanges, 2)
}

func TestCompareCriticalCoversDescendants(t *testing.T) {
	tests := []struct {
		name     string
		critical string
		wantKey  string
	}{
		{name: "bare name", critical: "user", wantKey: "user.id"},
		{name: "dotted prefix", critical: "data.account", wantKey: "data.account.roles[0]"},
		{name: "leaf name", critical: "id", wantKey: "user.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := `{"user":{"id":1},"data":{"account":{"roles":["viewer"]}},"other":1}`
			mut := `{"user":{"id":2},"data":{"account":{"roles":["admin"]}},"other":2}`
			res := Compare(resp(200, base), resp(200, mut), Config{CriticalFields: []string{tt.critical}})
			assert.Contains(t, res.CriticalChanges, tt.wantKey)
			assert.NotContains(t, res.CriticalChanges, "other")
		})
	}
}

func TestCompareArrays(t *testing.T) {
	res := Compare(resp(200, `{"ids":[1,2]}`), resp(200, `{"ids":[1,2,3]}`), Config{})
	assert.Contains(t, res.Added, "ids[2]")
	assert.False(t, res.HasSignificantDiff())

	res = Compare(resp(200, `{"ids":[1,2]}`), resp(200, `{"ids":[1,9]}`), Config{})
	assert.Contains(t, res.Modified, "ids[1]")
}

func TestCompareTypeChange(t *testing.T) {
	res := Compare(resp(200, `{"a":{"b":1}}`), resp(200, `{"a":"x"}`), Config{})
	assert.Contains(t, res.Modified, "a")
}

func TestCompareNonJSONFallsBackToRaw(t *testing.T) {
	res := Compare(resp(200, "<html>alice</html>"), resp(200, "<html>bob</html>"), Config{PreviewLength: 50})
	require.Contains(t, res.Modified, RawBodyKey)
	assert.Contains(t, res.Preview, "[-")
	assert.Contains(t, res.Preview, "{+")
	assert.True(t, res.HasSignificantDiff())

	res = Compare(resp(200, "same"), resp(200, "same"), Config{})
	assert.False(t, res.HasSignificantDiff())
}

func TestComparePreviewTruncated(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	res := Compare(resp(200, string(long)), resp(200, "b"), Config{PreviewLength: 20})
	change := res.Modified[RawBodyKey]
	assert.Equal(t, 23, len(change.Baseline.(string)))
}

func TestCompareSteps(t *testing.T) {
	base := []types.StepExecution{
		{StepOrder: 1, Response: resp(200, `{"id":1}`)},
		{StepOrder: 2, Response: resp(403, `{"err":"x"}`)},
	}
	mut := []types.StepExecution{
		{StepOrder: 1, Response: resp(200, `{"id":1,"extra":true}`)},
		{StepOrder: 2, Response: resp(200, `{"err":"y"}`)},
	}
	res := CompareSteps(base, mut, Config{})
	assert.True(t, res.StatusChanged)
	assert.Contains(t, res.Added, "step1.extra")
	assert.Contains(t, res.Modified, "step2.err")
	assert.True(t, res.HasSignificantDiff())
}

func TestCompareStepsLengthMismatch(t *testing.T) {
	base := []types.StepExecution{{StepOrder: 1, Response: resp(200, `{}`)}}
	res := CompareSteps(base, nil, Config{})
	assert.Contains(t, res.Modified, "step1")
}

func TestSummaryIsJSON(t *testing.T) {
	res := Compare(resp(200, `{"a":1}`), resp(200, `{"a":2}`), Config{})
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Summary()), &decoded))
	assert.Contains(t, decoded, "modified")
}
