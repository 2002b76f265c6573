package types

import "time"

type WorkflowType string

const (
	WorkflowTypeBaseline WorkflowType = "baseline"
	WorkflowTypeMutation WorkflowType = "mutation"
)

type AssertionStrategy string

const (
	StrategyAnyStepPass   AssertionStrategy = "any_step_pass"
	StrategyAllStepsPass  AssertionStrategy = "all_steps_pass"
	StrategyLastStepPass  AssertionStrategy = "last_step_pass"
	StrategySpecificSteps AssertionStrategy = "specific_steps"
)

type BindingStrategy string

const (
	BindingIndependent    BindingStrategy = "independent"
	BindingPerAccount     BindingStrategy = "per_account"
	BindingAnchorAttacker BindingStrategy = "anchor_attacker"
)

type TemplateMode string

const (
	TemplateModeLive     TemplateMode = "live"
	TemplateModeSnapshot TemplateMode = "snapshot"
)

type FailureLogic string

const (
	FailureLogicOR  FailureLogic = "OR"
	FailureLogicAND FailureLogic = "AND"
)

type PrimaryPolicy string

const (
	PrimaryFirst           PrimaryPolicy = "first"
	PrimaryFirstSuccess    PrimaryPolicy = "first_success"
	PrimaryMajoritySuccess PrimaryPolicy = "majority_success"
)

type GroupWritePolicy string

const (
	GroupWritePrimaryOnly GroupWritePolicy = "primary_only"
	GroupWriteNone        GroupWritePolicy = "none"
)

type Workflow struct {
	ID                     string             `json:"id" yaml:"id"`
	Name                   string             `json:"name" yaml:"name"`
	Description            string             `json:"description,omitempty" yaml:"description,omitempty"`
	Type                   WorkflowType       `json:"workflow_type" yaml:"workflow_type"`
	BaseWorkflowID         string             `json:"base_workflow_id,omitempty" yaml:"base_workflow_id,omitempty"`
	AssertionStrategy      AssertionStrategy  `json:"assertion_strategy" yaml:"assertion_strategy"`
	CriticalStepOrders     []int              `json:"critical_step_orders,omitempty" yaml:"critical_step_orders,omitempty"`
	AccountBindingStrategy BindingStrategy    `json:"account_binding_strategy" yaml:"account_binding_strategy"`
	AttackerAccountID      string             `json:"attacker_account_id,omitempty" yaml:"attacker_account_id,omitempty"`
	EnableBaseline         bool               `json:"enable_baseline" yaml:"enable_baseline"`
	BaselineComparison     BaselineComparison `json:"baseline_comparison" yaml:"baseline_comparison"`
	TemplateMode           TemplateMode       `json:"template_mode" yaml:"template_mode"`
	EnableSessionJar       bool               `json:"enable_session_jar" yaml:"enable_session_jar"`
	EnableExtractors       bool               `json:"enable_extractors" yaml:"enable_extractors"`
	MutationProfile        *MutationProfile   `json:"mutation_profile,omitempty" yaml:"mutation_profile,omitempty"`
	Severity               Severity           `json:"severity,omitempty" yaml:"severity,omitempty"`
	IsActive               bool               `json:"is_active" yaml:"is_active"`
	CreatedAt              time.Time          `json:"created_at" yaml:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at" yaml:"updated_at"`
}

func (w *Workflow) IsMutation() bool { return w.Type == WorkflowTypeMutation }

// StepOwnerID is the workflow whose steps, variables and mappings drive a run.
func (w *Workflow) StepOwnerID() string {
	if w.IsMutation() && w.BaseWorkflowID != "" {
		return w.BaseWorkflowID
	}
	return w.ID
}

type BaselineComparison struct {
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	BusinessCodePath string   `json:"business_code_path,omitempty" yaml:"business_code_path,omitempty"`
	IgnoreFields     []string `json:"ignore_fields,omitempty" yaml:"ignore_fields,omitempty"`
	CriticalFields   []string `json:"critical_fields,omitempty" yaml:"critical_fields,omitempty"`
}

type MutationProfile struct {
	SkipSteps          []int             `json:"skip_steps,omitempty" yaml:"skip_steps,omitempty"`
	RepeatSteps        []RepeatStep      `json:"repeat_steps,omitempty" yaml:"repeat_steps,omitempty"`
	SwapAccountAtSteps []int             `json:"swap_account_at_steps,omitempty" yaml:"swap_account_at_steps,omitempty"`
	ReuseTickets       bool              `json:"reuse_tickets" yaml:"reuse_tickets"`
	ConcurrentReplay   *ConcurrentReplay `json:"concurrent_replay,omitempty" yaml:"concurrent_replay,omitempty"`
	ParallelGroups     []ParallelGroup   `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
}

func (m *MutationProfile) Swaps(stepOrder int) bool {
	if m == nil {
		return false
	}
	for _, s := range m.SwapAccountAtSteps {
		if s == stepOrder {
			return true
		}
	}
	return false
}

func (m *MutationProfile) GroupFor(stepOrder int) *ParallelGroup {
	if m == nil {
		return nil
	}
	for i := range m.ParallelGroups {
		if m.ParallelGroups[i].AnchorStepOrder == stepOrder {
			return &m.ParallelGroups[i]
		}
	}
	return nil
}

func (m *MutationProfile) ConcurrentFor(stepOrder int) *ConcurrentReplay {
	if m == nil || m.ConcurrentReplay == nil || m.ConcurrentReplay.StepOrder != stepOrder {
		return nil
	}
	return m.ConcurrentReplay
}

type RepeatStep struct {
	StepOrder int `json:"step_order" yaml:"step_order"`
	Times     int `json:"times" yaml:"times"`
}

type ConcurrentReplay struct {
	StepOrder      int           `json:"step_order" yaml:"step_order"`
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	BarrierEnabled bool          `json:"barrier_enabled" yaml:"barrier_enabled"`
	TimeoutMs      int           `json:"timeout_ms" yaml:"timeout_ms"`
	PickPrimary    PrimaryPolicy `json:"pick_primary" yaml:"pick_primary"`
	WriteBack      bool          `json:"write_back" yaml:"write_back"`
}

type ParallelGroup struct {
	AnchorStepOrder int              `json:"anchor_step_order" yaml:"anchor_step_order"`
	Extras          []ParallelExtra  `json:"extras" yaml:"extras"`
	BarrierEnabled  bool             `json:"barrier_enabled" yaml:"barrier_enabled"`
	TimeoutMs       int              `json:"timeout_ms" yaml:"timeout_ms"`
	WritePolicy     GroupWritePolicy `json:"write_policy,omitempty" yaml:"write_policy,omitempty"`
	WriteBack       bool             `json:"write_back" yaml:"write_back"`
}

type ParallelExtra struct {
	Name       string `json:"name" yaml:"name"`
	TemplateID string `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	RawRequest string `json:"raw_request,omitempty" yaml:"raw_request,omitempty"`
}

type Step struct {
	ID                 string           `json:"id" yaml:"id"`
	WorkflowID         string           `json:"workflow_id" yaml:"workflow_id"`
	StepOrder          int              `json:"step_order" yaml:"step_order"`
	Name               string           `json:"name,omitempty" yaml:"name,omitempty"`
	TemplateID         string           `json:"template_id,omitempty" yaml:"template_id,omitempty"`
	RequestSnapshotRaw string           `json:"request_snapshot_raw,omitempty" yaml:"request_snapshot_raw,omitempty"`
	Assertions         []Assertion      `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	FailurePatterns    []FailurePattern `json:"failure_patterns,omitempty" yaml:"failure_patterns,omitempty"`
	FailureLogic       FailureLogic     `json:"failure_logic,omitempty" yaml:"failure_logic,omitempty"`
	CreatedAt          time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" yaml:"updated_at"`
}

type RequestTemplate struct {
	ID                     string           `json:"id" yaml:"id"`
	Name                   string           `json:"name" yaml:"name"`
	RawRequest             string           `json:"raw_request" yaml:"raw_request"`
	FailurePatterns        []FailurePattern `json:"failure_patterns,omitempty" yaml:"failure_patterns,omitempty"`
	FailureLogic           FailureLogic     `json:"failure_logic,omitempty" yaml:"failure_logic,omitempty"`
	Assertions             []Assertion      `json:"assertions,omitempty" yaml:"assertions,omitempty"`
	AccountBindingStrategy BindingStrategy  `json:"account_binding_strategy,omitempty" yaml:"account_binding_strategy,omitempty"`
	AttackerAccountID      string           `json:"attacker_account_id,omitempty" yaml:"attacker_account_id,omitempty"`
	Severity               Severity         `json:"severity,omitempty" yaml:"severity,omitempty"`
	IsActive               bool             `json:"is_active" yaml:"is_active"`
	CreatedAt              time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt              time.Time        `json:"updated_at" yaml:"updated_at"`
}

type PatternType string

const (
	PatternResponseCode    PatternType = "response_code"
	PatternResponseMessage PatternType = "response_message"
	PatternResponseHeader  PatternType = "response_header"
)

type MatchOperator string

const (
	OpEquals      MatchOperator = "equals"
	OpNotEquals   MatchOperator = "not_equals"
	OpContains    MatchOperator = "contains"
	OpNotContains MatchOperator = "not_contains"
	OpRegex       MatchOperator = "regex"
	OpExists      MatchOperator = "exists"
	OpNotExists   MatchOperator = "not_exists"
	OpGreater     MatchOperator = "gt"
	OpLess        MatchOperator = "lt"
	OpGreaterEq   MatchOperator = "gte"
	OpLessEq      MatchOperator = "lte"
	OpIn          MatchOperator = "in"
)

// FailurePattern marks a response as a failed (blocked) request when it matches.
type FailurePattern struct {
	Type     PatternType   `json:"type" yaml:"type"`
	Operator MatchOperator `json:"operator" yaml:"operator"`
	Value    string        `json:"value" yaml:"value"`
	Header   string        `json:"header,omitempty" yaml:"header,omitempty"`
}

type AssertionTarget string

const (
	AssertStatus   AssertionTarget = "status"
	AssertBody     AssertionTarget = "body"
	AssertHeader   AssertionTarget = "header"
	AssertJSONPath AssertionTarget = "json_path"
)

type Assertion struct {
	Target   AssertionTarget `json:"target" yaml:"target"`
	Path     string          `json:"path,omitempty" yaml:"path,omitempty"`
	Operator MatchOperator   `json:"operator" yaml:"operator"`
	Value    string          `json:"value,omitempty" yaml:"value,omitempty"`
}

type ExtractorSource string

const (
	ExtractFromHeader ExtractorSource = "header"
	ExtractFromCookie ExtractorSource = "cookie"
	ExtractFromBody   ExtractorSource = "body"
	ExtractFromStatus ExtractorSource = "status"
)

type ExtractorKind string

const (
	ExtractorJSONPath ExtractorKind = "json_path"
	ExtractorRegex    ExtractorKind = "regex"
	ExtractorCSS      ExtractorKind = "css"
)

// ContextExtractor pulls a value out of a clean step response into the
// per-combination workflow context. Attribute names the header or cookie for
// those sources and the HTML attribute for css extractors.
type ContextExtractor struct {
	ID         string          `json:"id" yaml:"id"`
	WorkflowID string          `json:"workflow_id" yaml:"workflow_id"`
	StepOrder  int             `json:"step_order" yaml:"step_order"`
	Name       string          `json:"name" yaml:"name"`
	Source     ExtractorSource `json:"source" yaml:"source"`
	Kind       ExtractorKind   `json:"kind" yaml:"kind"`
	Expression string          `json:"expression,omitempty" yaml:"expression,omitempty"`
	Attribute  string          `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" yaml:"updated_at"`
}
