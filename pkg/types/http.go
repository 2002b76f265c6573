package types

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidCombination = errors.New("invalid combination")
)

// ParsedRequest is a fully assembled outgoing request. Construct it with
// NewParsedRequest so method and URL are validated once.
type ParsedRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   string
}

func NewParsedRequest(method, rawURL string, header http.Header, body string) (*ParsedRequest, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" || strings.ContainsAny(method, " \t/") {
		return nil, fmt.Errorf("%w: bad method %q", ErrInvalidRequest, method)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if header == nil {
		header = make(http.Header)
	}
	return &ParsedRequest{Method: method, URL: u, Header: header, Body: body}, nil
}

// Validate checks the request can be dispatched: absolute http(s) URL with a host.
func (r *ParsedRequest) Validate() error {
	if r == nil || r.URL == nil {
		return fmt.Errorf("%w: missing url", ErrInvalidRequest)
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q in %s", ErrInvalidRequest, r.URL.Scheme, r.URL.Redacted())
	}
	if r.URL.Host == "" {
		return fmt.Errorf("%w: missing host in %s", ErrInvalidRequest, r.URL.Redacted())
	}
	if strings.Contains(r.URL.String(), "{{") {
		return fmt.Errorf("%w: unresolved placeholder in %s", ErrInvalidRequest, r.URL.Redacted())
	}
	return nil
}

func (r *ParsedRequest) Clone() *ParsedRequest {
	if r == nil {
		return nil
	}
	c := &ParsedRequest{Method: r.Method, Header: r.Header.Clone(), Body: r.Body}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

func (r *ParsedRequest) Record() *RequestRecord {
	if r == nil {
		return nil
	}
	rec := &RequestRecord{Method: r.Method, Headers: r.Header.Clone(), Body: r.Body}
	if r.URL != nil {
		rec.URL = r.URL.String()
	}
	return rec
}

// RequestRecord is the serialisable form of a dispatched request.
type RequestRecord struct {
	Method  string      `json:"method" yaml:"method"`
	URL     string      `json:"url" yaml:"url"`
	Headers http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string      `json:"body,omitempty" yaml:"body,omitempty"`
}

// HTTPResponse is a captured response. Status 0 means no response was received.
type HTTPResponse struct {
	Status     int         `json:"status" yaml:"status"`
	Headers    http.Header `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body       string      `json:"body,omitempty" yaml:"body,omitempty"`
	DurationMs int64       `json:"duration_ms" yaml:"duration_ms"`
	Truncated  bool        `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Attempts   int         `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r *HTTPResponse) Responded() bool { return r != nil && r.Status > 0 }

func (r *HTTPResponse) Is2xx() bool { return r != nil && r.Status >= 200 && r.Status < 300 }

// Cookies parses Set-Cookie headers.
func (r *HTTPResponse) Cookies() []*http.Cookie {
	if r == nil {
		return nil
	}
	return (&http.Response{Header: r.Headers}).Cookies()
}

type TaskResult struct {
	Index      int           `json:"index" yaml:"index"`
	Name       string        `json:"name,omitempty" yaml:"name,omitempty"`
	OK         bool          `json:"ok" yaml:"ok"`
	Status     int           `json:"status" yaml:"status"`
	DurationMs int64         `json:"duration_ms" yaml:"duration_ms"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Synthetic  bool          `json:"synthetic,omitempty" yaml:"synthetic,omitempty"`
	Response   *HTTPResponse `json:"-" yaml:"-"`
}

type ConcurrencyKind string

const (
	ConcurrencyReplay ConcurrencyKind = "concurrent_replay"
	ConcurrencyGroup  ConcurrencyKind = "parallel_group"
)

type ConcurrencyReport struct {
	Kind         ConcurrencyKind `json:"kind" yaml:"kind"`
	PrimaryIndex int             `json:"primary_index" yaml:"primary_index"`
	SuccessCount int             `json:"success_count" yaml:"success_count"`
	FailureCount int             `json:"failure_count" yaml:"failure_count"`
	Tasks        []TaskResult    `json:"tasks" yaml:"tasks"`
}

// StepExecution records one step of one combination.
type StepExecution struct {
	Position          int                `json:"position" yaml:"position"`
	StepOrder         int                `json:"step_order" yaml:"step_order"`
	StepName          string             `json:"step_name,omitempty" yaml:"step_name,omitempty"`
	TemplateID        string             `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	Request           *RequestRecord     `json:"request,omitempty" yaml:"request,omitempty"`
	Response          *HTTPResponse      `json:"response,omitempty" yaml:"response,omitempty"`
	Executed          bool               `json:"executed" yaml:"executed"`
	FailureMatched    bool               `json:"failure_matched" yaml:"failure_matched"`
	AssertionsPassed  bool               `json:"assertions_passed" yaml:"assertions_passed"`
	AssertionFailures []string           `json:"assertion_failures,omitempty" yaml:"assertion_failures,omitempty"`
	Concurrency       *ConcurrencyReport `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Error             string             `json:"error,omitempty" yaml:"error,omitempty"`
}

// Clean is a step that executed, got a response, matched no failure pattern
// and passed all assertions.
func (s *StepExecution) Clean() bool {
	return s != nil && s.Executed && s.Response.Responded() && !s.FailureMatched && s.AssertionsPassed
}

// ValueCombination is one concrete value/account assignment for a single pass.
type ValueCombination struct {
	Index int `json:"index" yaml:"index"`
	// Values maps variable config name to its resolved value.
	Values map[string]string `json:"values" yaml:"values"`
	// AccountIDs maps variable config name to the account that supplied it.
	AccountIDs        map[string]string `json:"account_ids,omitempty" yaml:"account_ids,omitempty"`
	AttackerID        string            `json:"attacker_id,omitempty" yaml:"attacker_id,omitempty"`
	VictimIDs         []string          `json:"victim_ids,omitempty" yaml:"victim_ids,omitempty"`
	IdentityAccountID string            `json:"identity_account_id,omitempty" yaml:"identity_account_id,omitempty"`
}

func NewValueCombination(index int, values, accountIDs map[string]string, attackerID string, victimIDs []string) (ValueCombination, error) {
	if index < 0 {
		return ValueCombination{}, fmt.Errorf("%w: negative index %d", ErrInvalidCombination, index)
	}
	for name, id := range accountIDs {
		if _, ok := values[name]; !ok {
			return ValueCombination{}, fmt.Errorf("%w: account %s bound to unknown variable %s", ErrInvalidCombination, id, name)
		}
	}
	if values == nil {
		values = map[string]string{}
	}
	return ValueCombination{
		Index:      index,
		Values:     values,
		AccountIDs: accountIDs,
		AttackerID: attackerID,
		VictimIDs:  victimIDs,
	}, nil
}

func (c ValueCombination) IsEmpty() bool { return len(c.Values) == 0 && c.AttackerID == "" && len(c.VictimIDs) == 0 }
