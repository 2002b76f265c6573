// Package learning inspects one clean replay of a workflow, scores the
// response fields that look like flow state and proposes which later request
// fields they should feed.
package learning

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/fieldpath"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/pool"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/rawhttp"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

const (
	DefaultMaxCandidates = 30
	DefaultMaxDepth      = 8
)

// Base confidences before scaling by candidate score.
const (
	confidenceBoth      = 0.95
	confidenceNameOnly  = 0.8
	confidenceValueOnly = 0.7
)

type StepSnapshot struct {
	StepOrder int                  `json:"step_order"`
	Request   *types.ParsedRequest `json:"-"`
	Response  *types.HTTPResponse  `json:"response"`
}

type Candidate struct {
	StepOrder int                `json:"step_order" yaml:"step_order"`
	Location  types.Location     `json:"location" yaml:"location"`
	Name      string             `json:"name" yaml:"name"`
	Value     string             `json:"value" yaml:"value"`
	Type      types.VariableType `json:"type" yaml:"type"`
	Score     int                `json:"score" yaml:"score"`
	Reasons   []string           `json:"reasons,omitempty" yaml:"reasons,omitempty"`
}

type RequestField struct {
	StepOrder int            `json:"step_order" yaml:"step_order"`
	Location  types.Location `json:"location" yaml:"location"`
	Name      string         `json:"name" yaml:"name"`
	Value     string         `json:"value" yaml:"value"`
}

type StepFields struct {
	StepOrder      int            `json:"step_order" yaml:"step_order"`
	ResponseFields []Candidate    `json:"response_fields" yaml:"response_fields"`
	RequestFields  []RequestField `json:"request_fields" yaml:"request_fields"`
}

type MappingCandidate struct {
	VariableName  string              `json:"variable_name" yaml:"variable_name"`
	VariableType  types.VariableType  `json:"variable_type" yaml:"variable_type"`
	FromStepOrder int                 `json:"from_step_order" yaml:"from_step_order"`
	FromLocation  types.Location      `json:"from_location" yaml:"from_location"`
	ToStepOrder   int                 `json:"to_step_order" yaml:"to_step_order"`
	ToLocation    types.Location      `json:"to_location" yaml:"to_location"`
	Confidence    float64             `json:"confidence" yaml:"confidence"`
	Reason        types.MappingReason `json:"reason" yaml:"reason"`
	Value         string              `json:"value,omitempty" yaml:"value,omitempty"`
}

type Result struct {
	WorkflowID string             `json:"workflow_id" yaml:"workflow_id"`
	Steps      []StepFields       `json:"steps" yaml:"steps"`
	Mappings   []MappingCandidate `json:"mappings" yaml:"mappings"`
}

type Options struct {
	MaxCandidatesPerStep int
	MaxDepth             int
}

// Learn analyses snapshots of one clean replay. Snapshots are processed in
// step order.
func Learn(workflowID string, snapshots []StepSnapshot, opts Options) Result {
	if opts.MaxCandidatesPerStep <= 0 {
		opts.MaxCandidatesPerStep = DefaultMaxCandidates
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	ordered := append([]StepSnapshot(nil), snapshots...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	res := Result{WorkflowID: workflowID, Steps: make([]StepFields, 0, len(ordered))}
	for _, snap := range ordered {
		res.Steps = append(res.Steps, StepFields{
			StepOrder:      snap.StepOrder,
			ResponseFields: ResponseCandidates(snap.StepOrder, snap.Response, opts),
			RequestFields:  requestFields(snap.StepOrder, snap.Request, opts.MaxDepth),
		})
	}
	res.Mappings = InferMappings(res.Steps)
	return res
}

// ResponseCandidates flattens resp into scored, typed candidates, highest
// score first, capped at opts.MaxCandidatesPerStep.
func ResponseCandidates(stepOrder int, resp *types.HTTPResponse, opts Options) []Candidate {
	if resp == nil {
		return nil
	}
	var out []Candidate
	add := func(loc types.Location, name, value string, depth int) {
		c := Classify(name, value, loc, depth)
		if !c.Keep() {
			return
		}
		out = append(out, Candidate{
			StepOrder: stepOrder,
			Location:  loc,
			Name:      name,
			Value:     value,
			Type:      c.Type,
			Score:     c.Score,
			Reasons:   c.Reasons,
		})
	}

	names := make([]string, 0, len(resp.Headers))
	for k := range resp.Headers {
		if http.CanonicalHeaderKey(k) != "Set-Cookie" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		add(types.Location{Kind: types.LocationHeader, Name: k}, k, resp.Headers.Get(k), 0)
	}

	for _, c := range resp.Cookies() {
		add(types.Location{Kind: types.LocationCookie, Name: c.Name}, c.Name, c.Value, 0)
	}

	if leaves := fieldpath.Leaves(resp.Body, opts.MaxDepth); len(leaves) > 0 {
		for _, leaf := range leaves {
			add(types.Location{Kind: types.LocationBody, Field: leaf.Path}, leaf.Path.Leaf(), leaf.Value.String(), leaf.Path.Depth())
		}
	} else if rawhttp.LooksLikeHTML(resp.Headers.Get("Content-Type"), resp.Body) {
		for _, in := range rawhttp.HiddenInputs(resp.Body) {
			p, err := fieldpath.Parse(in[0])
			if err != nil || p.Depth() != 1 {
				continue
			}
			add(types.Location{Kind: types.LocationBody, Field: p}, in[0], in[1], 1)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.MaxCandidatesPerStep {
		out = out[:opts.MaxCandidatesPerStep]
	}
	return out
}

func requestFields(stepOrder int, req *types.ParsedRequest, maxDepth int) []RequestField {
	if req == nil {
		return nil
	}
	fields := rawhttp.RequestFields(req, maxDepth)
	out := make([]RequestField, 0, len(fields))
	for _, f := range fields {
		out = append(out, RequestField{
			StepOrder: stepOrder,
			Location:  f.Location,
			Name:      f.Location.FieldName(),
			Value:     f.Value,
		})
	}
	return out
}

// InferMappings proposes a mapping for every earlier response candidate and
// later request field that share a normalized name or a literal value.
// Output is sorted by descending confidence and unique per
// (from step, from location, to step, to location).
func InferMappings(steps []StepFields) []MappingCandidate {
	type match struct {
		MappingCandidate
		source Candidate
	}
	var found []match
	for i := range steps {
		for j := i + 1; j < len(steps); j++ {
			for _, cand := range steps[i].ResponseFields {
				candName := pool.NormalizeName(cand.Name)
				for _, f := range steps[j].RequestFields {
					nameMatch := candName != "" && candName == pool.NormalizeName(f.Name)
					valueMatch := !trivial(cand.Value) && cand.Value == f.Value
					var base float64
					var reason types.MappingReason
					switch {
					case nameMatch && valueMatch:
						base, reason = confidenceBoth, types.ReasonSameValue
					case nameMatch:
						base, reason = confidenceNameOnly, types.ReasonSameName
					case valueMatch:
						base, reason = confidenceValueOnly, types.ReasonSameValue
					default:
						continue
					}
					found = append(found, match{
						MappingCandidate: MappingCandidate{
							VariableType:  cand.Type,
							FromStepOrder: cand.StepOrder,
							FromLocation:  cand.Location,
							ToStepOrder:   f.StepOrder,
							ToLocation:    f.Location,
							Confidence:    clamp(base * float64(cand.Score) / 100),
							Reason:        reason,
							Value:         cand.Value,
						},
						source: cand,
					})
				}
			}
		}
	}

	sort.SliceStable(found, func(a, b int) bool { return found[a].Confidence > found[b].Confidence })
	// Names are assigned in confidence order; the strongest source of a
	// clashing name stays unsuffixed.
	namer := newNamer()
	seen := make(map[string]bool, len(found))
	out := make([]MappingCandidate, 0, len(found))
	for _, m := range found {
		key := fmt.Sprintf("%d|%s|%d|%s", m.FromStepOrder, m.FromLocation, m.ToStepOrder, m.ToLocation)
		if seen[key] {
			continue
		}
		seen[key] = true
		m.VariableName = namer.name(m.source)
		out = append(out, m.MappingCandidate)
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

var typePrefix = map[types.VariableType]string{
	types.VarIdentity:   "auth.",
	types.VarFlowTicket: "flow.",
	types.VarObjectID:   "obj.",
}

// namer hands out one variable name per source field, suffixing clashes.
type namer struct {
	bySource map[string]string
	used     map[string]int
}

func newNamer() *namer {
	return &namer{bySource: map[string]string{}, used: map[string]int{}}
}

func (n *namer) name(c Candidate) string {
	src := fmt.Sprintf("%d|%s", c.StepOrder, c.Location)
	if v, ok := n.bySource[src]; ok {
		return v
	}
	prefix, ok := typePrefix[c.Type]
	if !ok {
		prefix = "var."
	}
	base := prefix + slug(c.Name)
	name := base
	if k := n.used[base]; k > 0 {
		name = fmt.Sprintf("%s_%d", base, k+1)
	}
	n.used[base]++
	n.bySource[src] = name
	return name
}

func slug(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "value"
	}
	return out
}
