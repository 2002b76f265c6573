// Package combination expands variable configs, accounts and a binding
// strategy into the concrete value assignments a run iterates over.
package combination

import (
	"fmt"
	"sort"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

const DefaultMax = 500

// Catalog resolves checklist and security-rule value sources.
type Catalog struct {
	Checklists    map[string]types.Checklist
	SecurityRules map[string]types.SecurityRule
}

type Options struct {
	AttackerAccountID string
	// Max caps the emitted combinations; <= 0 means DefaultMax.
	Max     int
	Catalog Catalog
}

type Result struct {
	Combinations []types.ValueCombination
	Truncated    bool
	// Strategy is the strategy actually applied.
	Strategy types.BindingStrategy
	// FallbackReason is set when anchor_attacker fell back to independent.
	FallbackReason string
	Warnings       []string
}

// Generate produces the combinations to run. A run with no value-producing
// configs yields exactly one empty combination.
func Generate(configs []types.VariableConfig, accounts []types.Account, strategy types.BindingStrategy, opts Options) Result {
	g := &generator{max: opts.Max}
	if g.max <= 0 {
		g.max = DefaultMax
	}

	var accountVars []types.VariableConfig
	var others []dimension
	for _, cfg := range configs {
		switch cfg.DataSource {
		case types.SourceAccountField:
			accountVars = append(accountVars, cfg)
		case types.SourceWorkflowContext:
			// resolved at run time
		default:
			values := sourceValues(cfg, opts.Catalog)
			if len(values) == 0 {
				g.warn("variable %s has no values and is ignored", cfg.Name)
				continue
			}
			others = append(others, dimension{name: cfg.Name, values: values})
		}
	}
	otherSets := cartesian(others, g.max+1)

	active := make([]types.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.IsActive() {
			active = append(active, a)
		}
	}

	if strategy == "" {
		strategy = types.BindingIndependent
	}
	g.res.Strategy = strategy

	switch {
	case len(accountVars) == 0 || len(active) == 0:
		for _, set := range otherSets {
			if !g.emit(set, nil, "", nil, "") {
				break
			}
		}
	case strategy == types.BindingPerAccount:
		g.perAccount(otherSets, accountVars, active)
	case strategy == types.BindingAnchorAttacker:
		if reason := g.anchorAttacker(otherSets, accountVars, active, opts.AttackerAccountID); reason != "" {
			g.res.FallbackReason = reason
			g.res.Strategy = types.BindingIndependent
			g.independent(otherSets, accountVars, active)
		}
	default:
		g.res.Strategy = types.BindingIndependent
		g.independent(otherSets, accountVars, active)
	}
	return g.res
}

type generator struct {
	max int
	res Result
}

func (g *generator) warn(format string, args ...any) {
	g.res.Warnings = append(g.res.Warnings, fmt.Sprintf(format, args...))
}

// emit appends a combination and reports whether more may follow.
func (g *generator) emit(other map[string]string, accountValues map[string]accountValue, attacker string, victims []string, identity string) bool {
	if len(g.res.Combinations) >= g.max {
		g.res.Truncated = true
		return false
	}
	values := make(map[string]string, len(other)+len(accountValues))
	for k, v := range other {
		values[k] = v
	}
	var ids map[string]string
	if len(accountValues) > 0 {
		ids = make(map[string]string, len(accountValues))
		for name, av := range accountValues {
			values[name] = av.value
			ids[name] = av.accountID
		}
	}
	combo, err := types.NewValueCombination(len(g.res.Combinations), values, ids, attacker, victims)
	if err != nil {
		g.warn("%v", err)
		return true
	}
	combo.IdentityAccountID = identity
	g.res.Combinations = append(g.res.Combinations, combo)
	return true
}

type accountValue struct {
	accountID string
	value     string
}

func eligible(cfg types.VariableConfig, accounts []types.Account) []accountValue {
	var out []accountValue
	for i := range accounts {
		a := &accounts[i]
		if !cfg.AccountScope.Allows(a.ID) {
			continue
		}
		if v, ok := a.Field(cfg.AccountField); ok {
			out = append(out, accountValue{accountID: a.ID, value: v})
		}
	}
	return out
}

func (g *generator) independent(otherSets []map[string]string, vars []types.VariableConfig, accounts []types.Account) {
	type pool struct {
		name   string
		values []accountValue
	}
	var pools []pool
	for _, cfg := range vars {
		vals := eligible(cfg, accounts)
		if len(vals) == 0 {
			g.warn("variable %s has no eligible account with field %s", cfg.Name, cfg.AccountField)
			continue
		}
		pools = append(pools, pool{name: cfg.Name, values: vals})
	}
	if len(pools) == 0 {
		for _, set := range otherSets {
			if !g.emit(set, nil, "", nil, "") {
				return
			}
		}
		return
	}

	chosen := make(map[string]accountValue, len(pools))
	var rec func(set map[string]string, i int) bool
	rec = func(set map[string]string, i int) bool {
		if i == len(pools) {
			return g.emit(set, chosen, "", victimsOf(chosen), "")
		}
		for _, v := range pools[i].values {
			chosen[pools[i].name] = v
			if !rec(set, i+1) {
				return false
			}
		}
		delete(chosen, pools[i].name)
		return true
	}
	for _, set := range otherSets {
		if !rec(set, 0) {
			return
		}
	}
}

func (g *generator) perAccount(otherSets []map[string]string, vars []types.VariableConfig, accounts []types.Account) {
	for _, set := range otherSets {
		for i := range accounts {
			a := &accounts[i]
			values, ok := accountValues(a, vars)
			if !ok {
				continue
			}
			if !g.emit(set, values, "", []string{a.ID}, a.ID) {
				return
			}
		}
	}
	if len(g.res.Combinations) == 0 {
		g.warn("no account holds a value for every account-field variable")
	}
}

// anchorAttacker returns a non-empty reason when it cannot apply.
func (g *generator) anchorAttacker(otherSets []map[string]string, vars []types.VariableConfig, accounts []types.Account, attackerID string) string {
	if attackerID == "" {
		return "no attacker account configured"
	}
	var attacker *types.Account
	for i := range accounts {
		if accounts[i].ID == attackerID {
			attacker = &accounts[i]
			break
		}
	}
	if attacker == nil {
		return fmt.Sprintf("attacker account %s is not among the run's active accounts", attackerID)
	}

	var attackerVars, victimVars []types.VariableConfig
	for _, cfg := range vars {
		if cfg.EffectiveRole() == types.RoleAttacker {
			attackerVars = append(attackerVars, cfg)
		} else {
			victimVars = append(victimVars, cfg)
		}
	}
	attackerValues, ok := accountValues(attacker, attackerVars)
	if !ok {
		return fmt.Sprintf("attacker account %s lacks a required field", attackerID)
	}

	if len(victimVars) == 0 {
		for _, set := range otherSets {
			if !g.emit(set, attackerValues, attacker.ID, nil, attacker.ID) {
				return ""
			}
		}
		return ""
	}

	var victims []*types.Account
	for i := range accounts {
		a := &accounts[i]
		if a.ID == attacker.ID {
			continue
		}
		if _, ok := accountValues(a, victimVars); ok {
			victims = append(victims, a)
		}
	}
	if len(victims) == 0 {
		g.warn("no victim account qualifies for every victim-role variable")
		return ""
	}

	for _, set := range otherSets {
		for _, v := range victims {
			values, _ := accountValues(v, victimVars)
			for k, av := range attackerValues {
				values[k] = av
			}
			if !g.emit(set, values, attacker.ID, []string{v.ID}, attacker.ID) {
				return ""
			}
		}
	}
	return ""
}

// accountValues resolves every var against a single account.
func accountValues(a *types.Account, vars []types.VariableConfig) (map[string]accountValue, bool) {
	out := make(map[string]accountValue, len(vars))
	for _, cfg := range vars {
		if !cfg.AccountScope.Allows(a.ID) {
			return nil, false
		}
		v, ok := a.Field(cfg.AccountField)
		if !ok {
			return nil, false
		}
		out[cfg.Name] = accountValue{accountID: a.ID, value: v}
	}
	return out, true
}

func victimsOf(chosen map[string]accountValue) []string {
	seen := map[string]bool{}
	var out []string
	for _, av := range chosen {
		if !seen[av.accountID] {
			seen[av.accountID] = true
			out = append(out, av.accountID)
		}
	}
	sort.Strings(out)
	return out
}

func sourceValues(cfg types.VariableConfig, cat Catalog) []string {
	switch cfg.DataSource {
	case types.SourceChecklist:
		if c, ok := cat.Checklists[cfg.ChecklistID]; ok {
			return c.Values
		}
		return nil
	case types.SourceSecurityRule:
		if r, ok := cat.SecurityRules[cfg.SecurityRuleID]; ok {
			return r.Payloads
		}
		return nil
	}
	return cfg.Values
}

type dimension struct {
	name   string
	values []string
}

// cartesian expands dims in order, stopping after limit sets. No dims yields
// one empty set.
func cartesian(dims []dimension, limit int) []map[string]string {
	out := []map[string]string{{}}
	for _, d := range dims {
		next := make([]map[string]string, 0, min(len(out)*len(d.values), limit))
	outer:
		for _, base := range out {
			for _, v := range d.values {
				if len(next) >= limit {
					break outer
				}
				m := make(map[string]string, len(base)+1)
				for k, bv := range base {
					m[k] = bv
				}
				m[d.name] = v
				next = append(next, m)
			}
		}
		out = next
	}
	return out
}
