// Package assertion decides whether a single step response counts as a pass.
//
// Two independent checks apply: failure patterns recognise a blocked or
// rejected request (e.g. 403, "access denied"), and structured assertions
// state what a successful response must look like.
package assertion

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/fieldpath"
	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

var (
	regexCache   = map[string]*regexp.Regexp{}
	regexCacheMu sync.RWMutex
)

func compile(expr string) (*regexp.Regexp, error) {
	regexCacheMu.RLock()
	re, ok := regexCache[expr]
	regexCacheMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	regexCacheMu.Lock()
	regexCache[expr] = re
	regexCacheMu.Unlock()
	return re, nil
}

// MatchFailure reports whether resp matches the failure patterns under logic.
// An empty pattern list never matches.
func MatchFailure(resp *types.HTTPResponse, patterns []types.FailurePattern, logic types.FailureLogic) bool {
	if len(patterns) == 0 || resp == nil {
		return false
	}
	and := strings.EqualFold(string(logic), string(types.FailureLogicAND))
	for _, p := range patterns {
		m := matchPattern(resp, p)
		if and && !m {
			return false
		}
		if !and && m {
			return true
		}
	}
	return and
}

func matchPattern(resp *types.HTTPResponse, p types.FailurePattern) bool {
	op := p.Operator
	if op == "" {
		op = types.OpContains
		if p.Type == types.PatternResponseCode {
			op = types.OpEquals
		}
	}
	switch p.Type {
	case types.PatternResponseCode:
		return compare(strconv.Itoa(resp.Status), true, op, p.Value)
	case types.PatternResponseMessage:
		return compare(resp.Body, true, op, p.Value)
	case types.PatternResponseHeader:
		v := resp.Headers.Get(p.Header)
		return compare(v, v != "", op, p.Value)
	}
	return false
}

// Result is the outcome of evaluating structured assertions.
type Result struct {
	Passed   bool
	Failures []string
}

// Evaluate runs every assertion; all must hold.
func Evaluate(resp *types.HTTPResponse, assertions []types.Assertion) Result {
	res := Result{Passed: true}
	if resp == nil {
		if len(assertions) > 0 {
			return Result{Failures: []string{"no response"}}
		}
		return res
	}
	for _, a := range assertions {
		actual, exists := resolve(resp, a)
		if !compare(actual, exists, a.Operator, a.Value) {
			res.Passed = false
			res.Failures = append(res.Failures, describe(a, actual, exists))
		}
	}
	return res
}

func resolve(resp *types.HTTPResponse, a types.Assertion) (string, bool) {
	switch a.Target {
	case types.AssertStatus:
		return strconv.Itoa(resp.Status), resp.Status > 0
	case types.AssertBody:
		return resp.Body, resp.Body != ""
	case types.AssertHeader:
		v := resp.Headers.Get(a.Path)
		return v, v != ""
	case types.AssertJSONPath:
		p, err := fieldpath.Parse(a.Path)
		if err != nil || !gjson.Valid(resp.Body) {
			return "", false
		}
		r := gjson.Get(resp.Body, p.GJSON())
		if !r.Exists() {
			return "", false
		}
		return r.String(), true
	}
	return "", false
}

func compare(actual string, exists bool, op types.MatchOperator, expected string) bool {
	switch op {
	case types.OpExists:
		return exists
	case types.OpNotExists:
		return !exists
	case types.OpEquals, "":
		return exists && actual == expected
	case types.OpNotEquals:
		return actual != expected
	case types.OpContains:
		return exists && strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case types.OpNotContains:
		return !strings.Contains(strings.ToLower(actual), strings.ToLower(expected))
	case types.OpRegex:
		re, err := compile(expected)
		return err == nil && exists && re.MatchString(actual)
	case types.OpIn:
		for _, v := range strings.Split(expected, ",") {
			if strings.TrimSpace(v) == actual {
				return exists
			}
		}
		return false
	case types.OpGreater, types.OpLess, types.OpGreaterEq, types.OpLessEq:
		a, err1 := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		e, err2 := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if !exists || err1 != nil || err2 != nil {
			return false
		}
		switch op {
		case types.OpGreater:
			return a > e
		case types.OpLess:
			return a < e
		case types.OpGreaterEq:
			return a >= e
		default:
			return a <= e
		}
	}
	return false
}

func describe(a types.Assertion, actual string, exists bool) string {
	target := string(a.Target)
	if a.Path != "" {
		target += "(" + a.Path + ")"
	}
	if !exists {
		return fmt.Sprintf("%s %s %q: value absent", target, a.Operator, a.Value)
	}
	if len(actual) > 80 {
		actual = actual[:80] + "..."
	}
	return fmt.Sprintf("%s %s %q: got %q", target, a.Operator, a.Value, actual)
}

// Patterns picks the effective failure patterns: a step override wins over
// the template's own.
func Patterns(step *types.Step, tmpl *types.RequestTemplate) ([]types.FailurePattern, types.FailureLogic) {
	if step != nil && len(step.FailurePatterns) > 0 {
		return step.FailurePatterns, step.FailureLogic
	}
	if tmpl != nil {
		return tmpl.FailurePatterns, tmpl.FailureLogic
	}
	return nil, types.FailureLogicOR
}
