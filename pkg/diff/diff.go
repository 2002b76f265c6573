// Package diff compares a baseline response capture with a mutated one and
// decides whether the difference is significant.
package diff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// RawBodyKey holds the change entry for bodies that are not both JSON.
const RawBodyKey = "$body"

const defaultPreviewLength = 200

type Config struct {
	BusinessCodePath string
	// IgnoreFields and CriticalFields match either a field name or a full path.
	IgnoreFields   []string
	CriticalFields []string
	PreviewLength  int
}

func FromBaseline(bc types.BaselineComparison, previewLength int) Config {
	return Config{
		BusinessCodePath: bc.BusinessCodePath,
		IgnoreFields:     bc.IgnoreFields,
		CriticalFields:   bc.CriticalFields,
		PreviewLength:    previewLength,
	}
}

type Change struct {
	Baseline any `json:"baseline"`
	Mutated  any `json:"mutated"`
}

type Result struct {
	StatusChanged       bool              `json:"status_changed"`
	BaselineStatus      int               `json:"baseline_status,omitempty"`
	MutatedStatus       int               `json:"mutated_status,omitempty"`
	BusinessCodeChanged bool              `json:"business_code_changed"`
	BaselineCode        string            `json:"baseline_code,omitempty"`
	MutatedCode         string            `json:"mutated_code,omitempty"`
	Added               map[string]any    `json:"added"`
	Removed             map[string]any    `json:"removed"`
	Modified            map[string]Change `json:"modified"`
	CriticalChanges     map[string]Change `json:"critical_changes"`
	Preview             string            `json:"preview,omitempty"`
}

func newResult() Result {
	return Result{
		Added:           map[string]any{},
		Removed:         map[string]any{},
		Modified:        map[string]Change{},
		CriticalChanges: map[string]Change{},
	}
}

// HasSignificantDiff ignores pure additions.
func (r Result) HasSignificantDiff() bool {
	return r.StatusChanged || r.BusinessCodeChanged || len(r.CriticalChanges) > 0 || len(r.Modified) > 0
}

// Summary renders r as compact JSON for storage on a finding.
func (r Result) Summary() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("status_changed=%t modified=%d", r.StatusChanged, len(r.Modified))
	}
	return string(b)
}

// Compare diffs two single responses. A nil response compares as status 0
// with an empty body.
func Compare(baseline, mutated *types.HTTPResponse, cfg Config) Result {
	res := newResult()
	bs, bb := unpack(baseline)
	ms, mb := unpack(mutated)

	res.BaselineStatus, res.MutatedStatus = bs, ms
	res.StatusChanged = bs != ms

	if cfg.BusinessCodePath != "" {
		path := cfg.BusinessCodePath
		if strings.HasPrefix(path, "$.") {
			path = path[2:]
		}
		bc, mc := gjson.Get(bb, path), gjson.Get(mb, path)
		res.BaselineCode, res.MutatedCode = bc.String(), mc.String()
		if bc.Exists() != mc.Exists() || bc.String() != mc.String() {
			res.BusinessCodeChanged = true
		}
	}

	bv, bok := decode(bb)
	mv, mok := decode(mb)
	if !bok || !mok {
		if bb != mb {
			limit := cfg.PreviewLength
			if limit <= 0 {
				limit = defaultPreviewLength
			}
			res.Modified[RawBodyKey] = Change{Baseline: truncate(bb, limit), Mutated: truncate(mb, limit)}
			res.Preview = preview(bb, mb, limit)
		}
		return res
	}

	w := walker{cfg: cfg, res: &res}
	w.walk("", bv, mv)
	return res
}

// CompareSteps aligns executions by position and merges per-step results
// under "step<N>." prefixed keys, N being the 1-based position.
func CompareSteps(baseline, mutated []types.StepExecution, cfg Config) Result {
	res := newResult()
	n := max(len(baseline), len(mutated))
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("step%d", i+1)
		if i >= len(baseline) || i >= len(mutated) {
			var b, m any
			if i < len(baseline) {
				b = baseline[i].StepOrder
			}
			if i < len(mutated) {
				m = mutated[i].StepOrder
			}
			res.Modified[prefix] = Change{Baseline: b, Mutated: m}
			continue
		}
		step := Compare(baseline[i].Response, mutated[i].Response, cfg)
		if step.StatusChanged {
			res.StatusChanged = true
			res.Modified[prefix+".status"] = Change{Baseline: step.BaselineStatus, Mutated: step.MutatedStatus}
		}
		if step.BusinessCodeChanged {
			res.BusinessCodeChanged = true
			res.Modified[prefix+".business_code"] = Change{Baseline: step.BaselineCode, Mutated: step.MutatedCode}
		}
		merge(res.Added, step.Added, prefix)
		merge(res.Removed, step.Removed, prefix)
		merge(res.Modified, step.Modified, prefix)
		merge(res.CriticalChanges, step.CriticalChanges, prefix)
		if step.Preview != "" && res.Preview == "" {
			res.Preview = prefix + ": " + step.Preview
		}
	}
	return res
}

func merge[V any](dst, src map[string]V, prefix string) {
	for k, v := range src {
		dst[prefix+"."+k] = v
	}
}

type walker struct {
	cfg Config
	res *Result
}

func (w walker) walk(path string, b, m any) {
	if path != "" && w.matches(path, w.cfg.IgnoreFields) {
		return
	}
	switch bt := b.(type) {
	case map[string]any:
		mt, ok := m.(map[string]any)
		if !ok {
			w.modified(path, b, m)
			return
		}
		for _, k := range sortedKeys(bt) {
			child := join(path, k)
			mvv, present := mt[k]
			if !present {
				if !w.matches(child, w.cfg.IgnoreFields) {
					w.res.Removed[child] = bt[k]
				}
				continue
			}
			w.walk(child, bt[k], mvv)
		}
		for _, k := range sortedKeys(mt) {
			if _, present := bt[k]; present {
				continue
			}
			child := join(path, k)
			if !w.matches(child, w.cfg.IgnoreFields) {
				w.res.Added[child] = mt[k]
			}
		}
	case []any:
		mt, ok := m.([]any)
		if !ok {
			w.modified(path, b, m)
			return
		}
		for i := 0; i < max(len(bt), len(mt)); i++ {
			child := fmt.Sprintf("%s[%d]", path, i)
			switch {
			case i >= len(mt):
				w.res.Removed[child] = bt[i]
			case i >= len(bt):
				w.res.Added[child] = mt[i]
			default:
				w.walk(child, bt[i], mt[i])
			}
		}
	default:
		if !scalarEqual(b, m) {
			w.modified(path, b, m)
		}
	}
}

func (w walker) modified(path string, b, m any) {
	key := path
	if key == "" {
		key = "$"
	}
	c := Change{Baseline: b, Mutated: m}
	w.res.Modified[key] = c
	if w.matches(path, w.cfg.CriticalFields) {
		w.res.CriticalChanges[key] = c
	}
}

// matches reports whether path is named by one of names. A bare name matches
// any field along the path, so descendants of a named object count; a dotted
// name matches the full path or any path beneath it.
func (w walker) matches(path string, names []string) bool {
	if len(names) == 0 || path == "" {
		return false
	}
	fields := fieldNames(path)
	for _, n := range names {
		n = strings.TrimPrefix(n, "$.")
		if n == "" {
			continue
		}
		if n == path || strings.HasPrefix(path, n+".") || strings.HasPrefix(path, n+"[") {
			return true
		}
		for _, f := range fields {
			if strings.EqualFold(n, f) {
				return true
			}
		}
	}
	return false
}

// fieldNames splits a.b[0].c into a, b, c.
func fieldNames(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if i := strings.IndexByte(p, '['); i >= 0 {
			p = p[:i]
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarEqual(a, b any) bool {
	an, aok := a.(json.Number)
	bn, bok := b.(json.Number)
	if aok && bok {
		if an == bn {
			return true
		}
		af, err1 := an.Float64()
		bf, err2 := bn.Float64()
		return err1 == nil && err2 == nil && af == bf
	}
	return a == b
}

func unpack(r *types.HTTPResponse) (int, string) {
	if r == nil {
		return 0, ""
	}
	return r.Status, r.Body
}

func decode(body string) (any, bool) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" || !gjson.Valid(trimmed) {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// preview renders an inline [-removed-]{+added+} text diff, truncated.
func preview(a, b string, limit int) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))
	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-" + d.Text + "-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+" + d.Text + "+}")
		default:
			sb.WriteString(d.Text)
		}
	}
	return truncate(sb.String(), limit)
}
