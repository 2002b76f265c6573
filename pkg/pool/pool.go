// Package pool holds the run-time variable state of one workflow run and
// moves values between responses and later requests along learned or manual
// mappings.
//
// A Pool is owned by a single combination pass at a time and is not safe for
// concurrent use.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/internal/logger"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/rawhttp"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

// Source supplies the durable variable and mapping rows for a workflow.
type Source interface {
	ListVariables(ctx context.Context, workflowID string) ([]types.WorkflowVariable, error)
	ListMappings(ctx context.Context, workflowID string) ([]types.WorkflowMapping, error)
}

// Entry is the run-time value of one variable.
type Entry struct {
	Value string
	// StepOrder is the step the value was extracted from; 0 for seeded values.
	StepOrder int
}

type Pool struct {
	workflowID string
	variables  map[string]types.WorkflowVariable
	mappings   []types.WorkflowMapping
	values     map[string]Entry
	logger     *logger.Logger
}

func New(log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		variables: map[string]types.WorkflowVariable{},
		values:    map[string]Entry{},
		logger:    log.WithComponent("pool"),
	}
}

// Load reads variables and enabled mappings for workflowID and seeds values
// from each variable's persisted value.
func (p *Pool) Load(ctx context.Context, src Source, workflowID string) error {
	vars, err := src.ListVariables(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load variables for workflow %s: %w", workflowID, err)
	}
	mappings, err := src.ListMappings(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load mappings for workflow %s: %w", workflowID, err)
	}
	p.Configure(workflowID, vars, mappings)
	p.logger.Debugw("Variable pool loaded",
		"workflow_id", workflowID,
		"variables", len(p.variables),
		"mappings", len(p.mappings),
	)
	return nil
}

// Configure installs variables and mappings directly and reseeds.
func (p *Pool) Configure(workflowID string, vars []types.WorkflowVariable, mappings []types.WorkflowMapping) {
	p.workflowID = workflowID
	p.variables = make(map[string]types.WorkflowVariable, len(vars))
	for _, v := range vars {
		p.variables[v.Name] = v
	}
	p.mappings = make([]types.WorkflowMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.IsEnabled {
			p.mappings = append(p.mappings, m)
		}
	}
	sort.SliceStable(p.mappings, func(i, j int) bool {
		return p.mappings[i].Confidence > p.mappings[j].Confidence
	})
	p.Reset()
}

// Reset discards run-time values and reseeds from persisted values.
func (p *Pool) Reset() {
	p.values = make(map[string]Entry, len(p.variables))
	for name, v := range p.variables {
		if v.CurrentValue != "" {
			p.values[name] = Entry{Value: v.CurrentValue}
		}
	}
}

func (p *Pool) WorkflowID() string { return p.workflowID }

func (p *Pool) Mappings() []types.WorkflowMapping { return p.mappings }

func (p *Pool) Variable(name string) (types.WorkflowVariable, bool) {
	v, ok := p.variables[name]
	return v, ok
}

func (p *Pool) Get(name string) (string, bool) {
	e, ok := p.values[name]
	return e.Value, ok
}

func (p *Pool) Entry(name string) (Entry, bool) {
	e, ok := p.values[name]
	return e, ok
}

// Set stores a value unconditionally, bypassing write policy and locks.
func (p *Pool) Set(name, value string, stepOrder int) {
	p.values[name] = Entry{Value: value, StepOrder: stepOrder}
}

// Snapshot returns a copy of the current values.
func (p *Pool) Snapshot() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, e := range p.values {
		out[k] = e.Value
	}
	return out
}

// InjectIntoRequest writes pooled values into req for every mapping that
// targets stepOrder. IDENTITY variables resolve against identity first when it
// is non-nil. It returns the names of variables written.
func (p *Pool) InjectIntoRequest(stepOrder int, req *types.ParsedRequest, identity map[string]string) []string {
	var normalized map[string]string
	if len(identity) > 0 {
		normalized = make(map[string]string, len(identity))
		for k, v := range identity {
			normalized[NormalizeName(k)] = v
		}
	}

	var injected []string
	written := map[string]bool{}
	for _, m := range p.mappings {
		if m.ToStepOrder != stepOrder {
			continue
		}
		key := m.ToLocation.String()
		if written[key] {
			continue
		}
		value, ok := p.resolve(m, normalized)
		if !ok {
			continue
		}
		if err := rawhttp.Set(req, m.ToLocation, value); err != nil {
			p.logger.Debugw("Pool injection skipped",
				"variable", m.VariableName,
				"step_order", stepOrder,
				"location", key,
				"error", err,
			)
			continue
		}
		written[key] = true
		injected = append(injected, m.VariableName)
	}
	return injected
}

func (p *Pool) resolve(m types.WorkflowMapping, identity map[string]string) (string, bool) {
	if v, ok := p.variables[m.VariableName]; ok && v.Type == types.VarIdentity && identity != nil {
		for _, cand := range identityKeys(m) {
			if val, ok := identity[cand]; ok && val != "" {
				return val, true
			}
		}
	}
	e, ok := p.values[m.VariableName]
	return e.Value, ok
}

// identityKeys lists normalized account-field names that can supply m.
func identityKeys(m types.WorkflowMapping) []string {
	keys := []string{NormalizeName(m.VariableName)}
	if i := strings.LastIndexByte(m.VariableName, '.'); i >= 0 {
		keys = append(keys, NormalizeName(m.VariableName[i+1:]))
	}
	if f := m.ToLocation.FieldName(); f != "" {
		keys = append(keys, NormalizeName(f))
	}
	if f := m.FromLocation.FieldName(); f != "" {
		keys = append(keys, NormalizeName(f))
	}
	return keys
}

// ExtractFromResponse stores values from resp for every mapping sourced at
// stepOrder, honouring locks and write policies. It returns the names of
// variables updated.
func (p *Pool) ExtractFromResponse(stepOrder int, resp *types.HTTPResponse, successful bool) []string {
	if resp == nil {
		return nil
	}
	var updated []string
	seen := map[string]bool{}
	for _, m := range p.mappings {
		if m.FromStepOrder != stepOrder || seen[m.VariableName] {
			continue
		}

		v, known := p.variables[m.VariableName]
		if known && v.IsLocked {
			continue
		}
		policy := types.WriteOverwrite
		if known && v.WritePolicy != "" {
			policy = v.WritePolicy
		}
		if policy == types.WriteFirst {
			if _, set := p.values[m.VariableName]; set {
				continue
			}
		}
		if policy == types.WriteOnSuccessOnly && !successful {
			continue
		}

		value, ok := rawhttp.GetResponse(resp, m.FromLocation)
		if !ok {
			continue
		}
		p.values[m.VariableName] = Entry{Value: value, StepOrder: stepOrder}
		seen[m.VariableName] = true
		updated = append(updated, m.VariableName)
	}
	return updated
}

// CopyFrom copies values from other into p. Locked variables in p are left
// alone. With types given, only variables of those types are copied.
func (p *Pool) CopyFrom(other *Pool, allowed ...types.VariableType) int {
	if other == nil {
		return 0
	}
	copied := 0
	for name, e := range other.values {
		if v, ok := p.variables[name]; ok && v.IsLocked {
			continue
		}
		if len(allowed) > 0 {
			v, ok := other.variables[name]
			if !ok {
				v, ok = p.variables[name]
			}
			if !ok || !typeIn(v.Type, allowed) {
				continue
			}
		}
		p.values[name] = e
		copied++
	}
	return copied
}

func typeIn(t types.VariableType, list []types.VariableType) bool {
	for _, a := range list {
		if a == t {
			return true
		}
	}
	return false
}

// NormalizeName lowercases s and keeps only letters and digits. An "X-"
// header prefix is dropped, so "X-User-Id" and "user_id" compare equal.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	out := b.String()
	if strings.HasPrefix(s, "X-") || strings.HasPrefix(s, "x-") {
		out = strings.TrimPrefix(out, "x")
	}
	return out
}
